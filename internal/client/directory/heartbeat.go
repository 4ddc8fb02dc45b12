package directory

import (
	"context"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/pkg/retry"

	"go.uber.org/zap"
)

// Heartbeater keeps a registered session fresh. Failed pings are logged and
// retried on the next tick; a session the service has forgotten is
// registered again under the same code.
type Heartbeater struct {
	client   *Client
	interval time.Duration
	retry    retry.Config
	logger   *zap.SugaredLogger

	mu  sync.Mutex
	req RegisterRequest
	reg Registration
}

func NewHeartbeater(client *Client, req RegisterRequest, reg Registration, interval time.Duration, logger *zap.SugaredLogger) *Heartbeater {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	req.Code = reg.Code

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.NonRetryableErrors = []error{
		domain.ErrSessionNotFound,
		domain.ErrInvalidPassword,
		domain.ErrNotSessionHost,
	}
	return &Heartbeater{
		client:   client,
		interval: interval,
		retry:    cfg,
		logger:   logger,
		req:      req,
		reg:      reg,
	}
}

// Registration returns the current code and host token. The token changes
// after a re-registration.
func (h *Heartbeater) Registration() Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg
}

// Run pings every interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warnw("heartbeat failed", "code", h.Registration().Code, "error", err)
			}
		}
	}
}

// Beat sends one heartbeat, re-registering when the session has expired.
func (h *Heartbeater) Beat(ctx context.Context) error {
	reg := h.Registration()
	err := retry.Retry(ctx, h.retry, func() error {
		return h.client.Ping(ctx, reg.Code, reg.HostToken)
	})
	if !domain.IsNotFound(err) {
		return err
	}

	h.mu.Lock()
	req := h.req
	h.mu.Unlock()

	fresh, err := h.client.Register(ctx, req)
	if err != nil {
		return err
	}
	h.logger.Infow("session re-registered after expiry", "code", fresh.Code)

	h.mu.Lock()
	h.reg = *fresh
	h.mu.Unlock()
	return nil
}
