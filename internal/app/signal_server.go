package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/services"
	httphandlers "deskrelay/internal/handlers/http"
	infradist "deskrelay/internal/infrastructure/distributed"
	"deskrelay/internal/infrastructure/middleware"
	"deskrelay/internal/infrastructure/monitoring"
	"deskrelay/internal/infrastructure/repositories"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/pkg/config"
	"deskrelay/pkg/distributed"
	"deskrelay/pkg/logger"
	"deskrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthCheckTimeout = 2 * time.Second
	sweepLockKey       = "deskrelay:lock:registry-sweep"
)

// SignalServer is the discovery directory, the broker polling surface and
// the websocket relay behind one gin router.
type SignalServer struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	repos     *repositories.RepositoryFactory
	registry  *services.SessionRegistry
	broker    *services.ConnectionBroker
	relay     *signal.Server
	snapshots *services.SnapshotStore
	stats     *services.MetricsService
	collector *monitoring.PrometheusCollector
	events    *infradist.EventBus
	tracer    *tracing.TracerProvider

	router     *gin.Engine
	httpServer *http.Server

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSignalServer wires every component. A nil registry registers metrics
// on the Prometheus default registry.
func NewSignalServer(ctx context.Context, cfg *config.Config, zl *zap.Logger, reg *prometheus.Registry) (*SignalServer, error) {
	log := zl.Sugar()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "deskrelay-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	s := &SignalServer{
		cfg:    cfg,
		logger: log,
		tracer: tracer,
		stats:  services.NewMetricsService(),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	recorders := services.MultiRecorder{s.stats}
	if cfg.Monitoring.PrometheusEnabled {
		s.collector = monitoring.NewPrometheusCollector(registerer)
		recorders = append(recorders, s.collector)
	}

	s.repos = repositories.NewRepositoryFactory(ctx, cfg, log)
	repo := s.repos.CreateSessionRepository()

	registryOpts := []services.RegistryOption{services.WithRegistryMetrics(recorders)}
	if client := s.repos.RedisClient(); client != nil {
		registryOpts = append(registryOpts, services.WithSweepLock(
			distributed.NewLock(client, sweepLockKey, cfg.Registry.SweepInterval)))
	}
	s.registry = services.NewSessionRegistry(repo, services.RegistryConfig{
		ExpiryAfter:   cfg.Registry.ExpiryAfter,
		SweepInterval: cfg.Registry.SweepInterval,
		EnforceUnique: cfg.Registry.EnforceUnique,
	}, log.Named("registry"), registryOpts...)

	s.broker = services.NewConnectionBroker(s.registry, services.BrokerConfig{
		PendingTimeout: cfg.Broker.PendingTimeout,
		SweepInterval:  cfg.Broker.SweepInterval,
		TombstoneTTL:   cfg.Broker.TombstoneTTL,
	}, log.Named("broker"), services.WithBrokerMetrics(recorders))

	auth := services.NewHostAuthService(cfg.Auth.JWTSecret, cfg.Auth.HostTokenTTL)

	relayOpts := []signal.Option{signal.WithHostAuth(auth)}
	if s.collector != nil {
		relayOpts = append(relayOpts, signal.WithObserver(s.collector))
	}
	perSecond, burst := relayLimits(cfg)
	s.relay = signal.NewServer(s.registry, s.broker, signal.Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MessagesPerSecond: perSecond,
		Burst:             burst,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
	}, log.Named("relay"), relayOpts...)

	s.snapshots = services.NewSnapshotStore(cfg.Snapshot.TTL, cfg.Snapshot.MaxSizeBytes)
	s.registry.OnRemove(func(_ context.Context, code domain.SessionCode, _ string) {
		s.snapshots.Delete(code)
	})

	if client := s.repos.RedisClient(); client != nil {
		s.events = infradist.NewEventBus(client, uuid.NewString(), log.Named("events"))
		s.registry.OnRemove(s.publishRemoval)
	}

	checker := monitoring.NewHealthChecker()
	checker.AddRepositoryCheck(repo, healthCheckTimeout)
	if client := s.repos.RedisClient(); client != nil {
		checker.AddRedisCheck(client, healthCheckTimeout)
	}

	s.router = s.buildRouter(zl, auth, checker, gatherer)
	s.httpServer = &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     s.router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Relay sockets set per-message write deadlines instead.
		WriteTimeout: 0,
	}
	return s, nil
}

func (s *SignalServer) buildRouter(zl *zap.Logger, auth *services.HostAuthService, checker *monitoring.HealthChecker, gatherer prometheus.Gatherer) *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	var observer middleware.RequestObserver
	if s.collector != nil {
		observer = s.collector
	}
	router.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zl), observer),
	)
	if s.cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(
		middleware.NewHTTPRateLimitMiddleware(s.cfg),
		middleware.ErrorHandlerMiddleware(s.logger),
	)

	hostOnly := middleware.HostTokenMiddleware(auth, s.cfg.Auth.RequireHostToken)

	httphandlers.NewSessionHandler(s.registry, auth, s.snapshots, s.logger).SetupRoutes(router, hostOnly)
	httphandlers.NewConnectionHandler(s.broker, auth, s.cfg.Auth.RequireHostToken, s.logger).SetupRoutes(router, hostOnly)
	httphandlers.NewHealthHandler(s.registry, s.broker, checker, s.relay).SetupRoutes(router)

	router.GET(s.cfg.Signal.Path, gin.WrapF(s.relay.HandleWebSocket))
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.stats.Snapshot())
	})
	if s.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

// Router exposes the handler, e.g. for httptest.
func (s *SignalServer) Router() http.Handler {
	return s.router
}

func (s *SignalServer) Registry() *services.SessionRegistry {
	return s.registry
}

func (s *SignalServer) Broker() *services.ConnectionBroker {
	return s.broker
}

// RunBackground starts the registry sweep, the pending-request sweep and
// the session gauge refresh. Close stops them.
func (s *SignalServer) RunBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.registry.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.broker.Run(ctx)
	}()

	if s.collector != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshGauges(ctx)
		}()
	}

	if s.events != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.events.Subscribe(ctx, nil, s.applyRemoteEvent); err != nil {
				s.logger.Warnw("session event subscription ended", "error", err)
			}
		}()
	}
}

func (s *SignalServer) publishRemoval(ctx context.Context, code domain.SessionCode, reason string) {
	if infradist.FromRemote(ctx) {
		return
	}
	if err := s.events.PublishSessionRemoved(ctx, code, reason); err != nil {
		s.logger.Warnw("failed to publish session removal", "code", code, "error", err)
	}
}

func (s *SignalServer) applyRemoteEvent(ctx context.Context, event infradist.Event) {
	if event.Type != infradist.EventSessionRemoved {
		return
	}
	s.logger.Debugw("session removed on another instance", "code", event.Code, "instance", event.InstanceID)
	s.registry.RemovedElsewhere(ctx, event.Code, event.Reason)
}

func (s *SignalServer) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Registry.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.registry.Count(ctx); err == nil {
				s.collector.SetActiveSessions(n)
			}
		}
	}
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// an error.
func (s *SignalServer) ListenAndServe() error {
	s.logger.Infow("starting signal server", "address", s.cfg.Server.Address, "relay_path", s.cfg.Signal.Path)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP, drops relay peers, stops background loops and
// releases storage.
func (s *SignalServer) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.Close()
	if tErr := s.tracer.Shutdown(ctx); tErr != nil && err == nil {
		err = tErr
	}
	return err
}

func (s *SignalServer) Close() {
	s.closeOnce.Do(func() {
		s.relay.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.snapshots.Close()
		if err := s.repos.Close(); err != nil {
			s.logger.Warnw("failed to close repositories", "error", err)
		}
	})
}

// relayLimits maps the websocket rate limit; zero means unlimited.
func relayLimits(cfg *config.Config) (float64, int) {
	if !cfg.RateLimiting.Enabled {
		return 0, 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond, cfg.RateLimiting.WebSocket.Burst
}
