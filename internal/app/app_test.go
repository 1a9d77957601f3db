package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtms-relay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Zoom:    config.ZoomConfig{ClientID: "c", ClientSecret: "s", SecretToken: "sekret"},
		Server:  config.ServerConfig{Port: 0, WebhookPath: "/rtms", Mode: "test"},
		Storage: config.StorageConfig{DataDir: filepath.Join(dir, "data"), LiveDir: filepath.Join(dir, "live")},
		RTMS:    config.RTMSConfig{ShutdownTimeout: time.Second},
		Log:     config.LogConfig{Level: "debug"},
	}
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	assert.DirExists(t, a.Layout.AudioDir())
	assert.DirExists(t, a.Feed.Dir())
	assert.Nil(t, a.Archiver)
	require.NotNil(t, a.Relay)

	srv := a.NewServer()
	req := httptest.NewRequest(http.MethodPost, "/rtms",
		strings.NewReader(`{"event":"endpoint.url_validation","payload":{"plainToken":"tok"}}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "4ec5885ded96233acab8144fa72f78a55bbddbf680ddb4f4aac00cb2c8350e46")
}

func TestNewArchiveRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Bucket = "recordings"
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.Archive.AccessKeyID = "id"
	cfg.Archive.SecretAccessKey = "secret"
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, a.Archiver)
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "warn", Development: true})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
