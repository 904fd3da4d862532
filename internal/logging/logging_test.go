package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewComponentLoggerTo(&buf, "Store")

	logger.Info("opened %s", "engine.db")

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "[Store]")
	assert.Contains(t, line, "opened engine.db")
	assert.NotContains(t, line, "log_id=")
}

func TestWithLogID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewComponentLoggerTo(&buf, "Intake")

	WithLogID(logger, "req-123").Warn("slow staging")

	assert.Contains(t, buf.String(), "[log_id=req-123]")

	// The base logger is untouched.
	buf.Reset()
	logger.Warn("plain")
	assert.NotContains(t, buf.String(), "log_id=")
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop, OrNop(nil))

	var typedNil *textLogger
	assert.Equal(t, Nop, OrNop(typedNil))

	var buf bytes.Buffer
	logger := NewComponentLoggerTo(&buf, "X")
	assert.Equal(t, logger, OrNop(logger))
}

func TestLogIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, LogIDFromContext(ctx))

	ctx = ContextWithLogID(ctx, "abc")
	assert.Equal(t, "abc", LogIDFromContext(ctx))

	id := NewLogID()
	assert.NotEmpty(t, id)
	assert.NotEqual(t, id, NewLogID())
}
