// Package peer runs the host and viewer ends of a desktop share, either as
// a direct TCP stream brokered through the directory or through the event
// relay.
package peer

import (
	"context"
	"strings"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/config"
)

// Approver decides a viewer's connection request on the host.
type Approver func(ctx context.Context, req domain.PendingConnection) bool

// AutoApprove accepts every request.
func AutoApprove(context.Context, domain.PendingConnection) bool {
	return true
}

// Settings are the knobs shared by every peer.
type Settings struct {
	SignalURL string
	RelayURL  string

	Quality      int
	Interval     time.Duration
	MaxFrameSize uint32

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration
	PollInterval      time.Duration

	ListenAddress    string
	AdvertiseAddress string
	AcceptPoll       time.Duration
	AcceptTimeout    time.Duration
	MaxViewers       int
}

// SettingsFromConfig copies the client, host and streaming sections. The
// relay URL is derived from the signal URL and relay path.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SignalURL:         cfg.Client.SignalURL,
		RelayURL:          RelayURL(cfg.Client.SignalURL, cfg.Signal.Path),
		Quality:           cfg.Streaming.Quality,
		Interval:          cfg.Streaming.Interval,
		MaxFrameSize:      cfg.Streaming.MaxFrameSize,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		RequestTimeout:    cfg.Client.RequestTimeout,
		ConnectTimeout:    cfg.Client.ConnectTimeout,
		PollInterval:      cfg.Client.PollInterval,
		ListenAddress:     cfg.Host.ListenAddress,
		AdvertiseAddress:  cfg.Host.AdvertiseAddress,
		AcceptPoll:        cfg.Host.AcceptPoll,
		AcceptTimeout:     cfg.Host.AcceptTimeout,
		MaxViewers:        cfg.Host.MaxViewers,
	}
}

// RelayURL turns an http(s) base URL into the ws(s) URL of the relay.
func RelayURL(signalURL, path string) string {
	base := strings.TrimRight(signalURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + path
	default:
		return base + path
	}
}

// Media bundles the external collaborators a stream needs.
type Media struct {
	Capturer ports.Capturer
	Encoder  ports.Encoder
	Decoder  ports.Decoder
	Sink     ports.Sink
	Metrics  ports.MetricsRecorder
}
