package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func TestReadDelivery(t *testing.T) {
	logger := &billsync.NoopLogger{}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"evt_1"}`))
	body, err := ReadDelivery(httptest.NewRecorder(), r, 1024, logger)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"evt_1"}`, string(body))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	_, err = ReadDelivery(httptest.NewRecorder(), r, 1024, logger)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	_, err = ReadDelivery(httptest.NewRecorder(), r, 16, nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
