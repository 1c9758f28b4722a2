package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/internal/config"
	"github.com/useautumn/autumn-sub003/pkg/billing/stripe"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func testConfig(router string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Addr: ":0", Router: router},
		Storage: config.StorageConfig{Store: "memory", Locker: "memory"},
		Stripe:  config.StripeConfig{RateLimit: 100, MaxBodyBytes: 1024},
		Engine:  config.EngineConfig{LockPolicy: "fail_closed"},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "billsync_test"},
		Tenants: []config.TenantConfig{{
			OrgID: "org_1", Env: "test", APIKey: "sk_test_1", WebhookSecret: "whsec_1",
			ScheduleDefaultOnCancel: true,
		}},
	}
}

func newTestApp(t *testing.T, router string) (*app, *stripe.WebhookHandler) {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(router), &billsync.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	wh, err := stripe.NewWebhookHandler(a.stripeConfig())
	require.NoError(t, err)
	return a, wh
}

func TestTenantsFromConfig(t *testing.T) {
	tenants := tenantsFromConfig(testConfig("chi").Tenants)
	require.Len(t, tenants, 1)
	assert.Equal(t, billsync.EnvSandbox, tenants[0].Env)
	assert.True(t, tenants[0].Org.Config.ScheduleDefaultOnCancel)

	tenant, err := tenants.Resolve(context.Background(), billsync.Scope{OrgID: "org_1", Env: billsync.EnvSandbox})
	require.NoError(t, err)
	assert.Equal(t, "whsec_1", tenant.WebhookSecret)
}

func TestHandler_Routers(t *testing.T) {
	for _, router := range []string{"chi", "http", "gin", "echo"} {
		t.Run(router, func(t *testing.T) {
			a, wh := newTestApp(t, router)
			h := a.handler(wh)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, http.StatusOK, rec.Code)

			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/org_1/test", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=bad")
			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe/org_9/live", strings.NewReader(`{}`))
			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestFiberApp(t *testing.T) {
	a, wh := newTestApp(t, "fiber")
	fapp := a.fiberApp(wh)

	resp, err := fapp.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/org_1/test", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	resp, err = fapp.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewLogger(t *testing.T) {
	for _, backend := range []string{"zerolog", "zap"} {
		logger, sync, err := newLogger(config.LogConfig{Level: "info", Format: "json", Backend: backend})
		require.NoError(t, err, backend)
		assert.NotNil(t, logger)
		assert.NotNil(t, sync)
	}

	_, _, err := newLogger(config.LogConfig{Level: "loud", Backend: "zerolog"})
	assert.Error(t, err)
}
