package billsync

import "time"

// CustomerProductUpdate is a partial update of a CustomerProduct. Nil fields
// are left untouched; the Clear flags null out the matching timestamp.
type CustomerProductUpdate struct {
	Status           *Status
	SubscriptionIDs  *[]string
	ScheduledIDs     *[]string
	Canceled         *bool
	CanceledAt       *time.Time
	ClearCanceledAt  bool
	EndedAt          *time.Time
	ClearEndedAt     bool
	TrialEndsAt      *time.Time
	ClearTrialEndsAt bool
	CollectionMethod *string
}

// Apply returns a copy of cp with the update applied.
func (u CustomerProductUpdate) Apply(cp *CustomerProduct) *CustomerProduct {
	out := cp.Clone()
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.SubscriptionIDs != nil {
		out.SubscriptionIDs = append([]string(nil), (*u.SubscriptionIDs)...)
	}
	if u.ScheduledIDs != nil {
		out.ScheduledIDs = append([]string(nil), (*u.ScheduledIDs)...)
	}
	if u.Canceled != nil {
		out.Canceled = *u.Canceled
	}
	switch {
	case u.ClearCanceledAt:
		out.CanceledAt = nil
	case u.CanceledAt != nil:
		out.CanceledAt = cloneTime(u.CanceledAt)
	}
	switch {
	case u.ClearEndedAt:
		out.EndedAt = nil
	case u.EndedAt != nil:
		out.EndedAt = cloneTime(u.EndedAt)
	}
	switch {
	case u.ClearTrialEndsAt:
		out.TrialEndsAt = nil
	case u.TrialEndsAt != nil:
		out.TrialEndsAt = cloneTime(u.TrialEndsAt)
	}
	if u.CollectionMethod != nil {
		out.CollectionMethod = *u.CollectionMethod
	}
	return out
}

// Empty reports whether the update changes nothing.
func (u CustomerProductUpdate) Empty() bool {
	return u.Status == nil && u.SubscriptionIDs == nil && u.ScheduledIDs == nil &&
		u.Canceled == nil && u.CanceledAt == nil && !u.ClearCanceledAt &&
		u.EndedAt == nil && !u.ClearEndedAt && u.TrialEndsAt == nil &&
		!u.ClearTrialEndsAt && u.CollectionMethod == nil
}

// Changes describes the update for audit logging.
func (u CustomerProductUpdate) Changes() map[string]interface{} {
	out := make(map[string]interface{})
	if u.Status != nil {
		out["status"] = *u.Status
	}
	if u.SubscriptionIDs != nil {
		out["subscription_ids"] = *u.SubscriptionIDs
	}
	if u.ScheduledIDs != nil {
		out["scheduled_ids"] = *u.ScheduledIDs
	}
	if u.Canceled != nil {
		out["canceled"] = *u.Canceled
	}
	if u.ClearCanceledAt {
		out["canceled_at"] = nil
	} else if u.CanceledAt != nil {
		out["canceled_at"] = *u.CanceledAt
	}
	if u.ClearEndedAt {
		out["ended_at"] = nil
	} else if u.EndedAt != nil {
		out["ended_at"] = *u.EndedAt
	}
	if u.ClearTrialEndsAt {
		out["trial_ends_at"] = nil
	} else if u.TrialEndsAt != nil {
		out["trial_ends_at"] = *u.TrialEndsAt
	}
	if u.CollectionMethod != nil {
		out["collection_method"] = *u.CollectionMethod
	}
	return out
}

// StatusPtr returns a pointer to s.
func StatusPtr(s Status) *Status { return &s }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// StringsPtr returns a pointer to a copy of s.
func StringsPtr(s []string) *[]string {
	cp := append([]string{}, s...)
	return &cp
}
