package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func TestEvent_PreviousAttributes(t *testing.T) {
	ev := &Event{PreviousAttributes: map[string]json.RawMessage{
		"cancel_at":            json.RawMessage(`null`),
		"cancel_at_period_end": json.RawMessage(`true`),
		"canceled_at":          json.RawMessage(`1718000000`),
	}}

	assert.True(t, ev.PreviouslyEmpty("cancel_at"))
	assert.False(t, ev.PreviouslySet("cancel_at"))
	assert.True(t, ev.PreviouslySet("cancel_at_period_end"))
	assert.True(t, ev.PreviouslySet("canceled_at"))
	assert.False(t, ev.PreviouslyHad("items"))
	assert.False(t, ev.PreviouslyEmpty("items"))
}

func TestSchedule_CurrentPhase(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Schedule{Phases: []Phase{
		{Start: base, End: base.AddDate(0, 1, 0)},
		{Start: base.AddDate(0, 1, 0), End: base.AddDate(0, 2, 0)},
	}}

	assert.Equal(t, -1, s.CurrentPhase(base.Add(-time.Hour)))
	assert.Equal(t, 0, s.CurrentPhase(base))
	assert.Equal(t, 1, s.CurrentPhase(base.AddDate(0, 1, 0)))
	assert.Equal(t, 1, s.CurrentPhase(base.AddDate(1, 0, 0)))
}

func TestSubscription_CurrentPeriodEnd(t *testing.T) {
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	sub := &Subscription{PeriodEnd: end}
	assert.Equal(t, end, sub.CurrentPeriodEnd())

	sub = &Subscription{Items: []SubscriptionItem{
		{CurrentPeriodEnd: end.AddDate(0, 0, -3)},
		{CurrentPeriodEnd: end},
	}}
	assert.Equal(t, end, sub.CurrentPeriodEnd(), "falls back to item periods")
}

func TestStaticTenants(t *testing.T) {
	tenants := StaticTenants{
		{Org: billsync.Org{ID: "org_1"}, Env: billsync.EnvLive, WebhookSecret: "whsec_live"},
		{Org: billsync.Org{ID: "org_1"}, Env: billsync.EnvSandbox, WebhookSecret: "whsec_test"},
	}

	tenant, err := tenants.Resolve(context.Background(), billsync.Scope{OrgID: "org_1", Env: billsync.EnvSandbox})
	require.NoError(t, err)
	assert.Equal(t, "whsec_test", tenant.WebhookSecret)
	assert.Equal(t, billsync.Scope{OrgID: "org_1", Env: billsync.EnvSandbox}, tenant.Scope())

	_, err = tenants.Resolve(context.Background(), billsync.Scope{OrgID: "org_2", Env: billsync.EnvLive})
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("verify: %w", ErrInvalidWebhookSignature), http.StatusBadRequest},
		{ErrInvalidWebhookPayload, http.StatusBadRequest},
		{ErrUnknownTenant, http.StatusNotFound},
		{errors.New("stripe is down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%v", tt.err)
	}
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope("org_1", "test")
	require.NoError(t, err)
	assert.Equal(t, billsync.Scope{OrgID: "org_1", Env: billsync.EnvSandbox}, scope)

	for _, tt := range []struct{ org, env string }{{"", "live"}, {"org_1", ""}, {"org_1", "staging"}} {
		_, err := ParseScope(tt.org, tt.env)
		assert.ErrorIs(t, err, ErrUnknownTenant, "%q/%q", tt.org, tt.env)
	}
}

func TestPathScope(t *testing.T) {
	var got billsync.Scope
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{org}/{env}", func(w http.ResponseWriter, r *http.Request) {
		var err error
		got, err = PathScope("org", "env")(r)
		assert.NoError(t, err)
	})

	req := httptest.NewRequest(http.MethodPost, "/hooks/org_9/live", nil)
	mux.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, billsync.Scope{OrgID: "org_9", Env: billsync.EnvLive}, got)
}
