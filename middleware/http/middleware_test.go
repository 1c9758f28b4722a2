package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

type delivery struct {
	scope     billsync.Scope
	payload   string
	signature string
}

type fakeReceiver struct {
	err        error
	deliveries []delivery
}

func (r *fakeReceiver) Receive(_ context.Context, scope billsync.Scope, payload []byte, signature string) error {
	r.deliveries = append(r.deliveries, delivery{scope, string(payload), signature})
	return r.err
}

func newMux(config Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/stripe/{org}/{env}", Handler(config))
	return mux
}

func TestHandler_RequiresReceiver(t *testing.T) {
	assert.Panics(t, func() { Handler(Config{}) })
}

func TestHandler_Delivers(t *testing.T) {
	receiver := &fakeReceiver{}
	mux := newMux(Config{Receiver: receiver})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/org_1/test", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	require.Len(t, receiver.deliveries, 1)
	assert.Equal(t, delivery{
		scope:     billsync.Scope{OrgID: "org_1", Env: billsync.EnvSandbox},
		payload:   `{"id":"evt_1"}`,
		signature: "t=1,v1=abc",
	}, receiver.deliveries[0])
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		err    error
		want   int
	}{
		{"wrong method", http.MethodGet, "/webhooks/stripe/org_1/live", "", nil, http.StatusMethodNotAllowed},
		{"bad env", http.MethodPost, "/webhooks/stripe/org_1/staging", "{}", nil, http.StatusNotFound},
		{"too large", http.MethodPost, "/webhooks/stripe/org_1/live", strings.Repeat("x", 64), nil, http.StatusRequestEntityTooLarge},
		{"bad signature", http.MethodPost, "/webhooks/stripe/org_1/live", "{}",
			fmt.Errorf("verify: %w", billing.ErrInvalidWebhookSignature), http.StatusBadRequest},
		{"processing failed", http.MethodPost, "/webhooks/stripe/org_1/live", "{}",
			errors.New("store down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receiver := &fakeReceiver{err: tt.err}
			mux := newMux(Config{Receiver: receiver, MaxBodyBytes: 32})

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandler_CustomScopeAndErrorHandler(t *testing.T) {
	receiver := &fakeReceiver{err: billing.ErrUnknownTenant}
	var handled error
	h := Handler(Config{
		Receiver:        receiver,
		SignatureHeader: "X-Signature",
		GetScope: func(r *http.Request) (billsync.Scope, error) {
			return billing.ParseScope(r.Header.Get("X-Org"), "live")
		},
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusTeapot)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/anything", strings.NewReader("{}"))
	req.Header.Set("X-Org", "org_7")
	req.Header.Set("X-Signature", "sig")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, handled, billing.ErrUnknownTenant)
	require.Len(t, receiver.deliveries, 1)
	assert.Equal(t, "org_7", receiver.deliveries[0].scope.OrgID)
	assert.Equal(t, "sig", receiver.deliveries[0].signature)
}
