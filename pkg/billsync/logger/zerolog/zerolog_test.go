package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func TestLogger_WritesFields(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(zerolog.New(&out))

	logger.Info("customer products reconciled",
		billsync.F("customer_id", "cus_1"),
		billsync.F("error", errors.New("boom")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "customer products reconciled", entry["message"])
	assert.Equal(t, "cus_1", entry["customer_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(zerolog.New(&out).Level(zerolog.WarnLevel))

	logger.Debug("debug")
	logger.Info("info")
	assert.Zero(t, out.Len(), "debug and info should be filtered")

	logger.Warn("warn")
	assert.NotZero(t, out.Len())
	out.Reset()

	logger.Error("error")
	assert.NotZero(t, out.Len())
}

func TestLogger_WithFields(t *testing.T) {
	var out bytes.Buffer
	logger := billsync.WithFields(NewLogger(zerolog.New(&out)), billsync.F("org", "org_1"))
	logger = billsync.WithFields(logger, billsync.F("event_id", "evt_1"))

	logger.Warn("skipped")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "org_1", entry["org"])
	assert.Equal(t, "evt_1", entry["event_id"])
}
