package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

var (
	// ErrPayloadTooLarge is returned when a delivery exceeds the body limit
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrEmptyPayload is returned for deliveries without a body
	ErrEmptyPayload = errors.New("empty payload")
)

// ReadDelivery reads a webhook body of at most limit bytes.
func ReadDelivery(w http.ResponseWriter, r *http.Request, limit int64, logger billsync.Logger) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer func() {
		if err := r.Body.Close(); err != nil && logger != nil {
			logger.Debug("close webhook body", billsync.F("error", err))
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}
	return body, nil
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
