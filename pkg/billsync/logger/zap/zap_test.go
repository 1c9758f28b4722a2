package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func TestLogger_ForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger(zap.New(core))

	logger.Error("invoice payment failed",
		billsync.F("invoice_id", "in_1"),
		billsync.F("error", errors.New("card_declined")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "in_1", ctx["invoice_id"])
	assert.Equal(t, "card_declined", ctx["error"])
}

func TestLogger_NilUsesNop(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotPanics(t, func() { logger.Info("hello") })
}
