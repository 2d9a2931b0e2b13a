package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestComponentAddsNameAndFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logger := Component(zap.New(core), "fetcher", zap.String("flow", "sitemap"))
	logger.Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "fetcher", entries[0].LoggerName)
	require.Equal(t, "sitemap", entries[0].ContextMap()["flow"])
}

func TestComponentNilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		Component(nil, "noop").Info("discarded")
	})
}
