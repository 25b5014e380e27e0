package logger_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clusterlabs/cibd/logger"
)

func TestConfig_New(t *testing.T) {
	t.Parallel()

	t.Run("logfmt when not a terminal", func(t *testing.T) {
		var buf bytes.Buffer
		c := logger.NewConfig()
		log, err := c.New(&buf)
		require.NoError(t, err)

		log.Info("Sync requested", zap.String("peer", "node2"))
		require.Contains(t, buf.String(), `msg="Sync requested"`)
		require.Contains(t, buf.String(), "peer=node2")
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		c := logger.Config{Format: "json", Level: zapcore.WarnLevel}
		log, err := c.New(&buf)
		require.NoError(t, err)

		log.Info("dropped")
		require.Zero(t, buf.Len())
		log.Warn("kept")
		require.Contains(t, buf.String(), `"msg":"kept"`)
	})

	t.Run("unknown format", func(t *testing.T) {
		c := logger.Config{Format: "xml"}
		_, err := c.New(&bytes.Buffer{})
		require.Error(t, err)
	})
}

func TestContext(t *testing.T) {
	t.Parallel()

	log, fallback := zap.NewNop(), zap.NewNop()
	ctx := logger.WithContext(context.Background(), log)
	require.Same(t, log, logger.FromContext(ctx, fallback))
	require.Same(t, fallback, logger.FromContext(context.Background(), fallback))
}
