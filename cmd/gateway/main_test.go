package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/config"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
	"github.com/coachpo/meltica-realtime/internal/infra/sink"
	"github.com/coachpo/meltica-realtime/internal/session"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	store, err := openStore(context.Background(), config.StorageConfig{Driver: config.StorageMemory}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &persistence.MemoryStore{}, store)
	require.NoError(t, store.Close())
}

func TestOpenSinkDefaultsToLog(t *testing.T) {
	out, err := openSink(config.SinkConfig{Kind: config.SinkLog}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &sink.Log{}, out)

	_, err = openSink(config.SinkConfig{Kind: config.SinkKafka}, zap.NewNop())
	require.Error(t, err)
}

func TestSessionConfigCopiesTiming(t *testing.T) {
	cfg := sessionConfig("abc", config.TimingConfig{
		PingInterval:     10 * time.Second,
		RefreshInterval:  time.Hour,
		PriceInterval:    5 * time.Second,
		BootstrapTimeout: 3 * time.Second,
		ReconnectMax:     time.Minute,
	})
	require.Equal(t, "abc", cfg.ID)
	require.Equal(t, 10*time.Second, cfg.PingInterval)
	require.Equal(t, time.Hour, cfg.RefreshInterval)
	require.Equal(t, 5*time.Second, cfg.PriceInterval)
	require.Equal(t, 3*time.Second, cfg.BootstrapTimeout)
	require.Equal(t, time.Minute, cfg.ReconnectMax)
	require.Zero(t, cfg.WatchInterval)
}

func TestBuildSessionStartsClosed(t *testing.T) {
	sess, err := buildSession(config.SessionConfig{
		Exchange: config.ExchangeBinance,
		Schema:   schema.SchemaInverse,
		Account:  "main",
	}, sessionDeps{
		store:  persistence.NewMemoryStore(),
		sink:   sink.NewChannel(1),
		logger: zap.NewNop(),
	})
	require.NoError(t, err)
	require.Equal(t, session.StateClosed, sess.State())
	require.NotEmpty(t, sess.ID())
	require.True(t, sess.Registry().Empty())
}

func TestWithDeadline(t *testing.T) {
	require.NoError(t, withDeadline(context.Background(), func() error { return nil }))

	boom := errors.New("boom")
	require.ErrorIs(t, withDeadline(context.Background(), func() error { return boom }), boom)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	err := withDeadline(ctx, func() error { <-release; return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildAPIServer(t *testing.T) {
	require.Nil(t, buildAPIServer(config.APIServerConfig{}, "dev", nil))

	server := buildAPIServer(config.APIServerConfig{Addr: ":0"}, "dev", nil)
	require.NotNil(t, server)
	require.Equal(t, ":0", server.Addr)
	require.Equal(t, controlReadHeaderTimeout, server.ReadHeaderTimeout)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
