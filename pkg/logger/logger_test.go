package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetup(t *testing.T) {
	assert.NoError(t, Setup("production", "warn"))
	assert.NoError(t, Setup("development", ""))
	assert.Error(t, Setup("development", "loud"))
}

func TestWith(t *testing.T) {
	assert.NoError(t, Setup("development", "error"))
	l := GetLogger().With("delivery_id", 7)
	assert.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.Info("dropped below level")
		Info("package level", "k", "v")
	})
}

func TestStacktraceOnlyForErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &ZapLogger{log: zap.New(core, buildOptions()...).Sugar()}

	l.Warn("delivery attempt failed", "delivery_id", 1)
	l.Error("dispatch failed", "delivery_id", 1)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].Stack)
	assert.NotEmpty(t, entries[1].Stack)
}
