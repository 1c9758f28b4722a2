package billing

import (
	"encoding/json"
	"time"
)

// Event is a verified processor event with its payload decoded.
type Event struct {
	ID         string
	Type       string
	Created    time.Time
	Livemode   bool
	APIVersion string

	Subscription    *Subscription
	Invoice         *Invoice
	CheckoutSession *CheckoutSession

	// PreviousAttributes holds the prior values of fields changed by an
	// update event, keyed by top-level field name.
	PreviousAttributes map[string]json.RawMessage
}

// PreviouslyHad reports whether key is part of the update diff.
func (e *Event) PreviouslyHad(key string) bool {
	_, ok := e.PreviousAttributes[key]
	return ok
}

// PreviouslyEmpty reports whether key changed and its previous value was
// null, false or absent.
func (e *Event) PreviouslyEmpty(key string) bool {
	raw, ok := e.PreviousAttributes[key]
	if !ok {
		return false
	}
	switch string(raw) {
	case "", "null", "false":
		return true
	}
	return false
}

// PreviouslySet reports whether key changed and its previous value was set.
func (e *Event) PreviouslySet(key string) bool {
	return e.PreviouslyHad(key) && !e.PreviouslyEmpty(key)
}
