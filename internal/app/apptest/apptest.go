// Package apptest runs a complete signal server on a loopback listener for
// client and end-to-end tests.
package apptest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"deskrelay/internal/app"
	"deskrelay/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

type Server struct {
	*app.SignalServer
	Config *config.Config
	HTTP   *httptest.Server
}

// URL is the HTTP base URL of the directory.
func (s *Server) URL() string {
	return s.HTTP.URL
}

// RelayURL is the websocket URL of the event relay.
func (s *Server) RelayURL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + s.Config.Signal.Path
}

// Start builds a server from DefaultConfig with an isolated metrics
// registry. tweak may adjust the config before wiring.
func Start(t testing.TB, tweak ...func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Auth.JWTSecret = "apptest-secret"
	for _, fn := range tweak {
		fn(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server, err := app.NewSignalServer(ctx, cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	if err != nil {
		cancel()
		t.Fatalf("failed to build signal server: %v", err)
	}
	server.RunBackground(ctx)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		server.Close()
		cancel()
	})
	return &Server{SignalServer: server, Config: cfg, HTTP: ts}
}
