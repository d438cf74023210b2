package supervisor

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlogHandlerForwardsLevelAndAttrsToZapCore(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	zl := zap.New(core)

	slogLogger := slog.New(newSlogHandler(zl))
	slogLogger.Warn("queue fetch failed", slog.String("download_id", "D1"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "queue fetch failed", entries[0].Message)
	assert.Equal(t, "D1", entries[0].ContextMap()["download_id"])
}

func TestSlogHandlerWithGroupQualifiesAttrKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	zl := zap.New(core)

	slogLogger := slog.New(newSlogHandler(zl)).WithGroup("suture").With(slog.String("service", "engine"))
	slogLogger.Info("service stopped")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].ContextMap()["suture.service"])
}
