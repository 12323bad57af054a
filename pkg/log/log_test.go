package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	l1 := Ctx(ctx)
	require.NotNil(t, l1, "Ctx returned nil instead of the fallback logger")
	assert.Equal(t, fallback, l1, "Ctx without an attached logger should return the fallback")

	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, fallback, customLogger)

	ctxWithLogger := With(ctx, customLogger)
	l2 := Ctx(ctxWithLogger)
	require.NotNil(t, l2)
	assert.Equal(t, customLogger, l2, "Ctx should return the attached logger")
}

func TestWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := With(context.Background(), base)
	ctx = WithAttrs(ctx, slog.String("device", "SN123"))
	ctx = WithAttrs(ctx, slog.String("day", "2024-01-02"))

	Ctx(ctx).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"device":"SN123"`, "attrs from the first WithAttrs should be present")
	assert.Contains(t, out, `"day":"2024-01-02"`, "attrs from the second WithAttrs should be present")
}

func TestConfigure(t *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	// llog defaults to info when no flag set it
	Configure()

	ctx := context.Background()
	assert.True(t, slog.Default().Enabled(ctx, slog.LevelInfo))
	assert.False(t, slog.Default().Enabled(ctx, slog.LevelDebug))
	assert.False(t, fallback.Enabled(ctx, slog.LevelDebug), "the fallback should follow the configured level")
}
