package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/reliability"
	"huddle/internal/infrastructure/repositories"
	"huddle/internal/infrastructure/repositories/memory"
	wsignal "huddle/internal/infrastructure/signal"
	webrtcinfra "huddle/internal/infrastructure/webrtc"
	"huddle/pkg/circuitbreaker"
	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/retry"
	"huddle/pkg/tracing"
	"huddle/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func loadConfig() (*config.Config, string, error) {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/huddle/config.yaml",
		"config.yaml",
	}
	if path := os.Getenv("HUDDLE_CONFIG"); path != "" {
		configPaths = []string{path}
	}

	var lastErr error
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			lastErr = err
			continue
		}
		return cfg, path, nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}

	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	cfg, configPath, err := loadConfig()
	if err != nil {
		_, _ = os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if configPath != "" {
		log.Infow("loaded config", "path", configPath)
	} else {
		log.Info("no config file found, using defaults")
	}

	instanceID := utils.NewInstanceID()
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "huddle-signal",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("HUDDLE_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	// Media engine
	pionEngine, err := webrtcinfra.NewEngine(webrtcinfra.Config{
		ListenIP:    cfg.WebRTC.ListenIP,
		AnnouncedIP: cfg.WebRTC.AnnouncedIP,
		PortMin:     cfg.WebRTC.PortRange.Min,
		PortMax:     cfg.WebRTC.PortRange.Max,
	}, log.Named("engine"))
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.Engine.CircuitBreaker.MaxFailures
	breaker.OpenTimeout = cfg.Engine.CircuitBreaker.ResetTimeout
	engine := reliability.NewEngineGuard(pionEngine, reliability.GuardConfig{
		CallTimeout:    cfg.Engine.CallTimeout,
		BreakerEnabled: cfg.Engine.CircuitBreaker.Enabled,
		Breaker:        breaker,
	}, collector, log)

	// Registries
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, retry.DefaultConfig(), log)
	peers := repoFactory.CreatePeerRegistry()
	rooms := memory.NewRoomRegistry(engine, memory.RoomRegistryOptions{
		Codecs:               cfg.Media.Codecs,
		ReleaseRouterOnEmpty: cfg.Rooms.ReleaseRouterOnEmpty,
	}, log)
	resources := memory.NewResourceRegistry(peers)

	eventBus := repoFactory.CreateEventBus(instanceID)
	hub := wsignal.NewHub(collector, log)
	coordinator := services.NewSessionCoordinator(
		peers, rooms, resources, hub,
		eventPublisher(eventBus), collector,
		services.CoordinatorOptions{PauseOnMute: cfg.Media.PauseOnMute},
		log,
	)
	lifecycle := services.NewConnectionLifecycle(coordinator)

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.JoinTokenTTL)
	}

	wsOpts := wsignal.Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		EventQueueSize: cfg.Signal.EventQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxConnections: cfg.RateLimiting.WebSocket.MaxConcurrent,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		RequireToken:   cfg.Auth.Enabled,
	}
	if cfg.RateLimiting.Enabled {
		wsOpts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsOpts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := wsignal.NewWebSocketServer(wsOpts, hub, coordinator, lifecycle, authService, log)

	// Health
	checker := monitoring.NewHealthChecker()
	checker.AddEngineCheck(pionEngine)
	checker.AddPeerRegistryCheck(peers, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, wsServer.Handle)
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)
	httphandlers.NewRoomHandler(services.NewRoomService(peers, rooms, resources)).SetupRoutes(router)
	if authService != nil {
		httphandlers.NewTokenHandler(authService, cfg.Auth.AdminToken).SetupRoutes(router)
	}
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: it would apply to hijacked WebSocket connections.
	}

	// Background work
	go services.NewRoomReaper(rooms, cfg.Rooms.RouterGracePeriod, cfg.Rooms.ReapInterval, collector, log).Run(ctx)
	go services.NewMetricsService(peers, resources, collector, cfg.Monitoring.MetricsInterval, log).Run(ctx)

	if eventBus != nil {
		go func() {
			err := eventBus.Subscribe(ctx, func(event *distributed.Event) error {
				log.Debugw("remote room event",
					"type", event.Type,
					"room_id", event.RoomID,
					"conn_id", event.ConnID,
					"from", event.InstanceID,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()
	}

	var shuttingDown atomic.Bool
	engineDied := make(chan error, 1)
	go func() {
		<-pionEngine.Done()
		if !shuttingDown.Load() {
			engineDied <- pionEngine.Err()
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting huddle signaling server",
			"address", cfg.Server.Address,
			"path", cfg.Signal.Path,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case err := <-engineDied:
		log.Fatalw("media engine died", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shuttingDown.Store(true)
	log.Info("shutting down huddle signaling server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing signaling connections", "error", err)
	}
	cancel()

	if err := rooms.Close(); err != nil {
		log.Errorw("error closing rooms", "error", err)
	}
	if err := pionEngine.Close(); err != nil {
		log.Errorw("error closing media engine", "error", err)
	}
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Errorw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("huddle signaling server stopped")
}

// eventPublisher keeps a nil *EventBus from becoming a non-nil interface.
func eventPublisher(bus *distributed.EventBus) ports.EventPublisher {
	if bus == nil {
		return nil
	}
	return bus
}
