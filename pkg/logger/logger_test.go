package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	l.WithContext("corr-1", "conv-1").Info("hello")
	l.WithContext("corr-2", "").Info("no conversation")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "corr-1", entries[0].ContextMap()["correlation_id"])
	assert.Equal(t, "conv-1", entries[0].ContextMap()["conversation_id"])
	_, ok := entries[1].ContextMap()["conversation_id"]
	assert.False(t, ok)
}

func TestNewBuildsLogger(t *testing.T) {
	l, err := New("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewStderr("error")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	nop := NewNop()
	SetGlobal(nop)
	assert.Same(t, nop, Global())
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	assert.Equal(t, "", CorrelationID(context.Background()))

	ctx := ContextWithCorrelationID(context.Background(), "corr-9")
	assert.Equal(t, "corr-9", CorrelationID(ctx))

	core, logs := observer.New(zapcore.InfoLevel)
	(&Logger{Logger: zap.New(core)}).FromContext(ctx, "conv-9").Info("tagged")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "corr-9", logs.All()[0].ContextMap()["correlation_id"])
}
