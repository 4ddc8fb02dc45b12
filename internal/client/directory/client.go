package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/pkg/circuitbreaker"
	apperrors "deskrelay/pkg/errors"

	"go.uber.org/zap"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx answer from the signaling service. It unwraps to the
// domain error matching its code, so callers classify it with domain.IsX.
type APIError struct {
	Status  int
	Code    apperrors.ErrorCode
	Message string
	Outcome domain.Outcome

	kind error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("signal service: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("signal service: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// Client talks to the directory and broker polling surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Client) {
		if cfg.IsFailure == nil {
			cfg.IsFailure = countsAgainstService
		}
		c.breaker = circuitbreaker.New(cfg)
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a client for baseURL, e.g. "http://localhost:8080". Every
// request is bounded by timeout.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop().Sugar(),
	}
	cfg := circuitbreaker.DefaultConfig()
	cfg.IsFailure = countsAgainstService
	c.breaker = circuitbreaker.New(cfg)

	for _, opt := range opts {
		opt(c)
	}

	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Warnw("signal service breaker changed state", "from", from.String(), "to", to.String(), "base_url", c.baseURL)
	})
	return c
}

// countsAgainstService trips the breaker only on transport faults and
// server-side failures; a 404 proves the service is up.
func countsAgainstService(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

type RegisterRequest struct {
	Code         domain.SessionCode `json:"code,omitempty"`
	Endpoint     string             `json:"endpoint"`
	PasswordHash string             `json:"password_hash,omitempty"`
	MaxViewers   int                `json:"max_viewers,omitempty"`
}

type Registration struct {
	Code      domain.SessionCode `json:"code"`
	HostToken string             `json:"host_token"`
}

// SessionInfo is the lookup answer for one code.
type SessionInfo struct {
	Code        domain.SessionCode `json:"code"`
	Endpoint    string             `json:"endpoint"`
	HasPassword bool               `json:"has_password"`
	MaxViewers  int                `json:"max_viewers"`
	CreatedAt   time.Time          `json:"created_at"`
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	var reg Registration
	if err := c.do(ctx, http.MethodPost, "/session", "", req, &reg, domain.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (c *Client) Lookup(ctx context.Context, code domain.SessionCode) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, sessionPath(code), "", nil, &info, domain.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) List(ctx context.Context) ([]domain.SessionView, error) {
	var body struct {
		Sessions []domain.SessionView `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", "", nil, &body, domain.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

func (c *Client) Unregister(ctx context.Context, code domain.SessionCode, hostToken string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(code), hostToken, nil, nil, domain.ErrSessionNotFound)
}

func (c *Client) Ping(ctx context.Context, code domain.SessionCode, hostToken string) error {
	return c.do(ctx, http.MethodPost, sessionPath(code)+"/ping", hostToken, nil, nil, domain.ErrSessionNotFound)
}

func (c *Client) VerifyPassword(ctx context.Context, code domain.SessionCode, passwordHash string) (bool, error) {
	req := struct {
		Code         domain.SessionCode `json:"code"`
		PasswordHash string             `json:"password_hash"`
	}{code, passwordHash}
	var body struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, "/verify_password", "", req, &body, domain.ErrSessionNotFound); err != nil {
		return false, err
	}
	return body.Success, nil
}

// PutSnapshot uploads a preview image for the session listing.
func (c *Client) PutSnapshot(ctx context.Context, code domain.SessionCode, hostToken, contentType string, data []byte) error {
	return c.execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+sessionPath(code)+"/snapshot", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		req.Header.Set("Content-Type", contentType)
		setBearer(req, hostToken)
		return c.roundTrip(req, nil, domain.ErrSessionNotFound)
	})
}

// Connect files a connection request and returns its id in PENDING.
func (c *Client) Connect(ctx context.Context, code domain.SessionCode, viewerID, viewerName, passwordHash string) (domain.ConnectionID, error) {
	req := struct {
		ViewerID     string `json:"viewer_id"`
		ViewerName   string `json:"viewer_name,omitempty"`
		PasswordHash string `json:"password_hash,omitempty"`
	}{viewerID, viewerName, passwordHash}
	var body struct {
		ConnectionID domain.ConnectionID `json:"connection_id"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(code)+"/connect", "", req, &body, domain.ErrSessionNotFound); err != nil {
		return "", err
	}
	return body.ConnectionID, nil
}

func (c *Client) PendingRequests(ctx context.Context, code domain.SessionCode, hostToken string) ([]domain.PendingConnection, error) {
	var body struct {
		Requests []domain.PendingConnection `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(code)+"/requests", hostToken, nil, &body, domain.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return body.Requests, nil
}

func (c *Client) Decide(ctx context.Context, id domain.ConnectionID, approved bool, hostToken string) (*domain.PendingConnection, error) {
	req := struct {
		Approved bool `json:"approved"`
	}{approved}
	var conn domain.PendingConnection
	if err := c.do(ctx, http.MethodPost, connectionPath(id)+"/decision", hostToken, req, &conn, domain.ErrConnectionNotFound); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Connection returns the live record. A finished connection fails with an
// APIError carrying its Outcome.
func (c *Client) Connection(ctx context.Context, id domain.ConnectionID) (*domain.PendingConnection, error) {
	var conn domain.PendingConnection
	if err := c.do(ctx, http.MethodGet, connectionPath(id), "", nil, &conn, domain.ErrConnectionNotFound); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Terminate ends a connection. A viewer passes its own id; a host passes
// its token instead.
func (c *Client) Terminate(ctx context.Context, id domain.ConnectionID, viewerID, hostToken, reason string) error {
	req := struct {
		ViewerID string `json:"viewer_id,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}{viewerID, reason}
	return c.do(ctx, http.MethodPost, connectionPath(id)+"/terminate", hostToken, req, nil, domain.ErrConnectionNotFound)
}

func (c *Client) do(ctx context.Context, method, path, hostToken string, in, out interface{}, notFound error) error {
	return c.execute(ctx, func() error {
		var body io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		setBearer(req, hostToken)
		return c.roundTrip(req, out, notFound)
	})
}

func (c *Client) execute(ctx context.Context, fn func() error) error {
	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}
	return err
}

func (c *Client) roundTrip(req *http.Request, out interface{}, notFound error) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netTimeout interface{ Timeout() bool }
		if errors.As(err, &netTimeout) && netTimeout.Timeout() {
			return fmt.Errorf("%w: %s %s: %v", domain.ErrConnectTimeout, req.Method, req.URL.Path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrConnectFailed, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp, notFound)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrConnectFailed, req.URL.Path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response, notFound error) error {
	var body struct {
		Error   string         `json:"error"`
		Message string         `json:"message"`
		Outcome domain.Outcome `json:"outcome"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &body)

	apiErr := &APIError{
		Status:  resp.StatusCode,
		Code:    apperrors.ErrorCode(body.Error),
		Message: body.Message,
		Outcome: body.Outcome,
	}
	apiErr.kind = kindOf(apiErr, notFound)
	return apiErr
}

func kindOf(e *APIError, notFound error) error {
	switch e.Code {
	case apperrors.ErrCodeNotFound:
		return notFound
	case apperrors.ErrCodeUnauthorized:
		return domain.ErrInvalidPassword
	case apperrors.ErrCodeForbidden:
		return domain.ErrNotSessionHost
	case apperrors.ErrCodeConflict:
		return domain.ErrSessionExists
	case apperrors.ErrCodeCapacity:
		return domain.ErrCapacityReached
	case apperrors.ErrCodeStaleRequest:
		return domain.ErrStaleRequest
	case apperrors.ErrCodeInvalidInput:
		return domain.ErrInvalidArgument
	}
	if e.Status == http.StatusNotFound {
		return notFound
	}
	return domain.ErrConnectFailed
}

func setBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func sessionPath(code domain.SessionCode) string {
	return "/session/" + url.PathEscape(string(code.Normalize()))
}

func connectionPath(id domain.ConnectionID) string {
	return "/connection/" + url.PathEscape(string(id))
}
