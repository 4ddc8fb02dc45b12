package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/tracing"
	"deskrelay/pkg/utils"
	"deskrelay/pkg/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reasons carried to peers when a connection ends.
const (
	ReasonRejectedByHost = "rejected by host"
	ReasonSessionFull    = "session is full"
	ReasonSessionGone    = "session no longer registered"
	ReasonHostStopped    = "host stopped sharing"
	ReasonViewerLeft     = "viewer disconnected"
)

type BrokerConfig struct {
	PendingTimeout time.Duration
	SweepInterval  time.Duration
	// TombstoneTTL is how long a finished connection's outcome is remembered
	// so late decisions get a stale answer rather than not-found.
	TombstoneTTL time.Duration
}

type BrokerStats struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Streaming int `json:"streaming"`
}

type tombstone struct {
	outcome domain.Outcome
	at      time.Time
}

// ConnectionBroker drives each viewer request through the connection state
// machine. The table is guarded by mu; notifications are sent after it is
// released, with copies of the records.
type ConnectionBroker struct {
	registry *SessionRegistry
	cfg      BrokerConfig
	logger   *zap.SugaredLogger
	metrics  ports.MetricsRecorder
	now      func() time.Time

	notifierMu sync.RWMutex
	notifier   ports.ConnectionNotifier

	mu         sync.Mutex
	conns      map[domain.ConnectionID]*domain.PendingConnection
	tombstones map[domain.ConnectionID]tombstone
}

type BrokerOption func(*ConnectionBroker)

func WithBrokerClock(now func() time.Time) BrokerOption {
	return func(b *ConnectionBroker) { b.now = now }
}

func WithBrokerMetrics(m ports.MetricsRecorder) BrokerOption {
	return func(b *ConnectionBroker) { b.metrics = m }
}

func WithNotifier(n ports.ConnectionNotifier) BrokerOption {
	return func(b *ConnectionBroker) { b.notifier = n }
}

// NewConnectionBroker wires itself to registry removals: when a session
// leaves the registry every connection on it is terminated.
func NewConnectionBroker(registry *SessionRegistry, cfg BrokerConfig, logger *zap.SugaredLogger, opts ...BrokerOption) *ConnectionBroker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &ConnectionBroker{
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
		metrics:    noopMetrics{},
		now:        time.Now,
		notifier:   noopNotifier{},
		conns:      make(map[domain.ConnectionID]*domain.PendingConnection),
		tombstones: make(map[domain.ConnectionID]tombstone),
	}
	for _, opt := range opts {
		opt(b)
	}

	registry.OnRemove(func(ctx context.Context, code domain.SessionCode, reason string) {
		b.TerminateSession(ctx, code, ReasonSessionGone)
	})
	registry.CountViewersWith(b.ActiveCount)
	return b
}

// SetNotifier installs the event channel once it exists.
func (b *ConnectionBroker) SetNotifier(n ports.ConnectionNotifier) {
	b.notifierMu.Lock()
	defer b.notifierMu.Unlock()
	if n == nil {
		n = noopNotifier{}
	}
	b.notifier = n
}

func (b *ConnectionBroker) notify() ports.ConnectionNotifier {
	b.notifierMu.RLock()
	defer b.notifierMu.RUnlock()
	return b.notifier
}

// Request opens a PENDING connection for a viewer after the password and
// capacity checks pass.
func (b *ConnectionBroker) Request(ctx context.Context, req ports.ConnectRequest) (domain.PendingConnection, error) {
	code := req.Code.Normalize()
	ctx, span := tracing.TraceBrokerOperation(ctx, "request", string(code))
	defer span.End()

	if err := validation.ValidatePeerID(req.ViewerID); err != nil {
		return domain.PendingConnection{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	name := utils.SanitizeString(req.ViewerName)
	if err := validation.ValidateViewerName(name); err != nil {
		return domain.PendingConnection{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	session, err := b.registry.Get(ctx, code)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.PendingConnection{}, err
	}
	if !MatchPasswordHash(session.PasswordHash, req.PasswordHash) {
		b.logger.Infow("connection request denied", "code", code, "viewer_id", req.ViewerID, "reason", "password")
		return domain.PendingConnection{}, domain.ErrInvalidPassword
	}

	now := b.now()
	b.mu.Lock()
	expired := b.expireLocked(now)
	if session.MaxViewers > 0 && b.activeCountLocked(code) >= session.MaxViewers {
		b.mu.Unlock()
		b.announceExpired(ctx, expired)
		return domain.PendingConnection{}, domain.ErrCapacityReached
	}
	conn := &domain.PendingConnection{
		ID:          domain.ConnectionID(uuid.NewString()),
		SessionCode: code,
		ViewerID:    req.ViewerID,
		ViewerName:  name,
		State:       domain.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.conns[conn.ID] = conn
	snapshot := *conn
	b.mu.Unlock()

	b.announceExpired(ctx, expired)
	b.metrics.ConnectionTransition(domain.StatePending)
	tracing.AddSpanAttributes(ctx, tracing.ConnectionIDKey.String(string(snapshot.ID)))
	b.logger.Infow("connection requested",
		"code", code,
		"connection_id", snapshot.ID,
		"viewer_id", snapshot.ViewerID,
	)

	b.notify().ConnectionRequested(ctx, snapshot)
	return snapshot, nil
}

// Decide applies the host's answer. Approval moves the record through
// APPROVED to STREAMING; rejection leaves a REJECTED snapshot and removes
// the record. Decisions on finished records are domain.ErrStaleRequest.
func (b *ConnectionBroker) Decide(ctx context.Context, id domain.ConnectionID, approved bool) (domain.PendingConnection, error) {
	ctx, span := tracing.TraceBrokerOperation(ctx, "decide", "")
	defer span.End()
	span.SetAttributes(tracing.ConnectionIDKey.String(string(id)), attribute.Bool("approved", approved))

	code, err := b.pendingCode(ctx, id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.PendingConnection{}, err
	}

	// Membership is checked here and not only at request time: the host may
	// have gone away while the request waited.
	session, err := b.registry.Get(ctx, code)
	if err != nil {
		_ = b.Terminate(ctx, id, ReasonSessionGone)
		tracing.RecordError(ctx, err)
		return domain.PendingConnection{}, err
	}

	now := b.now()
	b.mu.Lock()
	conn, ok := b.conns[id]
	if !ok || conn.State != domain.StatePending || conn.ExpiredAt(now, b.cfg.PendingTimeout) {
		b.mu.Unlock()
		// Lost a race with another decision or the sweep.
		return domain.PendingConnection{}, b.finishedError(id)
	}

	if !approved {
		rejected := b.rejectLocked(conn, now)
		b.mu.Unlock()
		b.announceRejected(ctx, rejected, ReasonRejectedByHost)
		return rejected, nil
	}

	if session.MaxViewers > 0 && b.activeCountLocked(code) >= session.MaxViewers {
		rejected := b.rejectLocked(conn, now)
		b.mu.Unlock()
		b.announceRejected(ctx, rejected, ReasonSessionFull)
		return rejected, domain.ErrCapacityReached
	}

	if err := conn.Apply(domain.EventApprove, now); err != nil {
		b.mu.Unlock()
		return domain.PendingConnection{}, err
	}
	approvedSnap := *conn
	if err := conn.Apply(domain.EventStart, now); err != nil {
		b.mu.Unlock()
		return domain.PendingConnection{}, err
	}
	streaming := *conn
	b.mu.Unlock()

	b.metrics.ConnectionTransition(domain.StateApproved)
	b.metrics.ConnectionTransition(domain.StateStreaming)
	b.logger.Infow("connection approved", "code", code, "connection_id", id, "viewer_id", streaming.ViewerID)

	b.notify().ConnectionApproved(ctx, approvedSnap)
	return streaming, nil
}

// Get returns a live record. Finished records are not found; Outcome tells
// why they finished.
func (b *ConnectionBroker) Get(ctx context.Context, id domain.ConnectionID) (domain.PendingConnection, error) {
	b.mu.Lock()
	expired := b.expireLocked(b.now())
	conn, ok := b.conns[id]
	var snapshot domain.PendingConnection
	if ok {
		snapshot = *conn
	}
	b.mu.Unlock()

	b.announceExpired(ctx, expired)
	if !ok {
		return domain.PendingConnection{}, domain.ErrConnectionNotFound
	}
	return snapshot, nil
}

// Outcome reports how a finished connection ended while its tombstone lives.
func (b *ConnectionBroker) Outcome(id domain.ConnectionID) (domain.Outcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tombstones[id]
	return t.outcome, ok
}

// Pending lists undecided requests for code, oldest first.
func (b *ConnectionBroker) Pending(ctx context.Context, code domain.SessionCode) []domain.PendingConnection {
	code = code.Normalize()

	b.mu.Lock()
	expired := b.expireLocked(b.now())
	var pending []domain.PendingConnection
	for _, conn := range b.conns {
		if conn.SessionCode == code && conn.State == domain.StatePending {
			pending = append(pending, *conn)
		}
	}
	b.mu.Unlock()

	b.announceExpired(ctx, expired)
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending
}

// Terminate ends one connection in any live state and tells both peers.
func (b *ConnectionBroker) Terminate(ctx context.Context, id domain.ConnectionID, reason string) error {
	b.mu.Lock()
	conn, ok := b.conns[id]
	if !ok {
		b.mu.Unlock()
		return b.finishedError(id)
	}
	ended := b.terminateLocked(conn, b.now())
	b.mu.Unlock()

	b.announceTerminated(ctx, []domain.PendingConnection{ended}, reason)
	return nil
}

// TerminateSession ends every connection on code.
func (b *ConnectionBroker) TerminateSession(ctx context.Context, code domain.SessionCode, reason string) int {
	code = code.Normalize()
	return b.terminateWhere(ctx, reason, func(c *domain.PendingConnection) bool {
		return c.SessionCode == code
	})
}

// TerminateViewer ends every connection opened by viewerID.
func (b *ConnectionBroker) TerminateViewer(ctx context.Context, viewerID string, reason string) int {
	return b.terminateWhere(ctx, reason, func(c *domain.PendingConnection) bool {
		return c.ViewerID == viewerID
	})
}

// ExpirePending discards undecided requests older than the pending timeout.
func (b *ConnectionBroker) ExpirePending(ctx context.Context) int {
	now := b.now()
	b.mu.Lock()
	expired := b.expireLocked(now)
	for id, t := range b.tombstones {
		if now.Sub(t.at) >= b.cfg.TombstoneTTL {
			delete(b.tombstones, id)
		}
	}
	b.mu.Unlock()

	b.announceExpired(ctx, expired)
	return len(expired)
}

// Run expires pending requests on SweepInterval until ctx is done.
func (b *ConnectionBroker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ExpirePending(ctx)
		}
	}
}

// ActiveCount is the number of APPROVED or STREAMING pairings on code.
func (b *ConnectionBroker) ActiveCount(code domain.SessionCode) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeCountLocked(code)
}

func (b *ConnectionBroker) Stats() BrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stats BrokerStats
	for _, conn := range b.conns {
		switch conn.State {
		case domain.StatePending:
			stats.Pending++
		case domain.StateApproved:
			stats.Approved++
		case domain.StateStreaming:
			stats.Streaming++
		}
	}
	return stats
}

func (b *ConnectionBroker) pendingCode(ctx context.Context, id domain.ConnectionID) (domain.SessionCode, error) {
	b.mu.Lock()
	expired := b.expireLocked(b.now())
	conn, ok := b.conns[id]
	var code domain.SessionCode
	pending := ok && conn.State == domain.StatePending
	if pending {
		code = conn.SessionCode
	}
	b.mu.Unlock()

	b.announceExpired(ctx, expired)
	if !pending {
		return "", b.finishedError(id)
	}
	return code, nil
}

// finishedError distinguishes stale ids from unknown ones.
func (b *ConnectionBroker) finishedError(id domain.ConnectionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.tombstones[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrStaleRequest, t.outcome)
	}
	if conn, ok := b.conns[id]; ok {
		return fmt.Errorf("%w: already %s", domain.ErrStaleRequest, conn.State)
	}
	return domain.ErrConnectionNotFound
}

func (b *ConnectionBroker) activeCountLocked(code domain.SessionCode) int {
	n := 0
	for _, conn := range b.conns {
		if conn.SessionCode == code && conn.State.Active() {
			n++
		}
	}
	return n
}

// expireLocked removes timed-out PENDING records and returns copies of them.
func (b *ConnectionBroker) expireLocked(now time.Time) []domain.PendingConnection {
	var expired []domain.PendingConnection
	for id, conn := range b.conns {
		if !conn.ExpiredAt(now, b.cfg.PendingTimeout) {
			continue
		}
		snapshot := *conn
		_ = conn.Apply(domain.EventTerminate, now)
		delete(b.conns, id)
		b.tombstones[id] = tombstone{outcome: domain.OutcomeExpired, at: now}
		expired = append(expired, snapshot)
	}
	return expired
}

func (b *ConnectionBroker) rejectLocked(conn *domain.PendingConnection, now time.Time) domain.PendingConnection {
	_ = conn.Apply(domain.EventReject, now)
	rejected := *conn
	_ = conn.Apply(domain.EventTerminate, now)
	delete(b.conns, conn.ID)
	b.tombstones[conn.ID] = tombstone{outcome: domain.OutcomeRejected, at: now}
	return rejected
}

func (b *ConnectionBroker) terminateLocked(conn *domain.PendingConnection, now time.Time) domain.PendingConnection {
	_ = conn.Apply(domain.EventTerminate, now)
	delete(b.conns, conn.ID)
	b.tombstones[conn.ID] = tombstone{outcome: domain.OutcomeTerminated, at: now}
	return *conn
}

func (b *ConnectionBroker) terminateWhere(ctx context.Context, reason string, match func(*domain.PendingConnection) bool) int {
	now := b.now()
	b.mu.Lock()
	var ended []domain.PendingConnection
	for _, conn := range b.conns {
		if match(conn) {
			ended = append(ended, b.terminateLocked(conn, now))
		}
	}
	b.mu.Unlock()

	b.announceTerminated(ctx, ended, reason)
	return len(ended)
}

func (b *ConnectionBroker) announceExpired(ctx context.Context, expired []domain.PendingConnection) {
	for _, conn := range expired {
		b.metrics.ConnectionTransition(domain.StateTerminated)
		b.logger.Infow("connection request expired",
			"code", conn.SessionCode,
			"connection_id", conn.ID,
			"pending_timeout", b.cfg.PendingTimeout,
		)
		b.notify().ConnectionExpired(ctx, conn)
	}
}

func (b *ConnectionBroker) announceRejected(ctx context.Context, conn domain.PendingConnection, reason string) {
	b.metrics.ConnectionTransition(domain.StateRejected)
	b.metrics.ConnectionTransition(domain.StateTerminated)
	b.logger.Infow("connection rejected", "code", conn.SessionCode, "connection_id", conn.ID, "reason", reason)
	b.notify().ConnectionRejected(ctx, conn, reason)
}

func (b *ConnectionBroker) announceTerminated(ctx context.Context, ended []domain.PendingConnection, reason string) {
	for _, conn := range ended {
		b.metrics.ConnectionTransition(domain.StateTerminated)
		b.logger.Infow("connection terminated", "code", conn.SessionCode, "connection_id", conn.ID, "reason", reason)
		b.notify().ConnectionTerminated(ctx, conn, reason)
	}
}

type noopNotifier struct{}

func (noopNotifier) ConnectionRequested(context.Context, domain.PendingConnection)          {}
func (noopNotifier) ConnectionApproved(context.Context, domain.PendingConnection)           {}
func (noopNotifier) ConnectionRejected(context.Context, domain.PendingConnection, string)   {}
func (noopNotifier) ConnectionExpired(context.Context, domain.PendingConnection)            {}
func (noopNotifier) ConnectionTerminated(context.Context, domain.PendingConnection, string) {}
