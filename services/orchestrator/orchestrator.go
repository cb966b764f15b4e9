// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the HTTP service around the care
// conversation engine.
//
// This package contains the Service type that wires every component of the
// engine together: risk classifier, tool registry, text-generation provider,
// subject and history stores, turn lock, HTTP routing and observability.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("care.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/AleutianAI/AleutianCare/services/llm"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianCare/services/risk"
	badgerstore "github.com/AleutianAI/AleutianCare/services/storage/badger"
	mongostore "github.com/AleutianAI/AleutianCare/services/storage/mongo"
	redisstore "github.com/AleutianAI/AleutianCare/services/storage/redis"
	"github.com/AleutianAI/AleutianCare/services/subject"
	"github.com/AleutianAI/AleutianCare/services/tools"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run and RunContext block
// and should be called once per instance.
type Service interface {
	// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
	Run() error

	// RunContext serves until ctx is cancelled, then shuts down gracefully.
	// Resources are released when it returns.
	RunContext(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases stores and tracing without serving. Used when the
	// service was built but never run.
	Close()
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Fields
//
//   - classifier: risk classifier, shared by chat turns and /v1/risk/classify
//   - provider: text-generation backend, nil when none is configured
//   - engine: the conversation orchestrator
//   - closers: release functions run in reverse order by cleanup
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	config        Config
	logger        *slog.Logger
	router        *gin.Engine
	classifier    *risk.Classifier
	provider      llm.Provider
	subjects      subject.Reader
	history       handlers.HistoryStore
	locker        conversation.TurnLocker
	engine        *conversation.Orchestrator
	limiter       *middleware.Limiter
	tracerCleanup func(context.Context)
	closers       []namedCloser
	closed        bool
}

type namedCloser struct {
	name  string
	close func() error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the text-generation provider (optional)
//  5. Builds the risk classifier, with the model stage when enabled
//  6. Opens the subject reader, history store and turn lock
//  7. Builds the conversation engine and HTTP routes
//
// On failure every resource opened so far is released.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Assumptions
//
//   - Secrets are available in the environment or under /run/secrets
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if !s.config.DisableMetrics {
		observability.InitMetrics()
		s.logger.Info("Initialized Prometheus metrics")
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"llm provider", s.initProvider},
		{"risk classifier", s.initClassifier},
		{"subject reader", s.initSubjects},
		{"history store", s.initHistory},
		{"turn lock", s.initLocker},
		{"conversation engine", s.initEngine},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext serves on the configured port.
//
// # Description
//
// The rate limiter's bucket sweeper, and the rules watcher when enabled,
// run for the lifetime of the server.
// When ctx is cancelled, in-flight requests get ShutdownTimeout to finish;
// streams still open after that are cut.
//
// # Outputs
//
//   - error: Non-nil if the listener fails. A clean shutdown returns nil.
func (s *service) RunContext(ctx context.Context) error {
	defer s.cleanup()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if s.limiter != nil {
		go s.limiter.Run(sweepCtx)
	}
	if s.config.Risk.WatchRules {
		watcher, err := newRulesWatcher(s.config.Risk.RulesFile, s.classifier, s.logger)
		if err != nil {
			s.logger.Warn("Risk pattern table will not be reloaded", "error", err)
		} else {
			go watcher.run(sweepCtx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting orchestrator server", "port", s.config.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down orchestrator server", "timeout", s.config.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Graceful shutdown incomplete", "error", err)
		_ = server.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() {
	s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// The otlp exporter sends spans to the configured collector over an
// insecure gRPC connection. The stdout exporter pretty-prints spans for
// local debugging. none leaves the global no-op provider in place.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown, nil for none
//   - error: Non-nil if tracer setup fails
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch s.config.Tracing.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	default:
		conn, err := grpc.NewClient(s.config.Tracing.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}
	return cleanup, nil
}

// initProvider creates the text-generation backend. Running without one is
// allowed: crisis replies still work and every other turn gets the fallback.
func (s *service) initProvider() error {
	provider, err := llm.NewProvider(s.config.LLM)
	if errors.Is(err, llm.ErrNoProvider) {
		s.logger.Warn("No LLM backend configured, non-crisis turns will get the fallback reply")
		return nil
	}
	if err != nil {
		return err
	}
	s.provider = provider
	s.logger.Info("Using LLM backend", "backend", provider.Name(), "model", s.config.LLM.Model)
	return nil
}

func (s *service) initClassifier() error {
	rules, err := loadRules(s.config.Risk.RulesFile)
	if err != nil {
		return err
	}

	opts := []risk.Option{risk.WithLogger(s.logger)}
	if s.config.Risk.ModelJudge {
		judge, err := risk.NewModelJudge(s.provider, s.config.Risk.JudgeTimeout)
		if err != nil {
			return fmt.Errorf("model judge: %w", err)
		}
		opts = append(opts, risk.WithJudge(judge))
	}
	s.classifier = risk.NewClassifier(rules, opts...)

	s.logger.Info("Risk classifier ready",
		"rule_version", rules.Version(),
		"rule_fingerprint", rules.Fingerprint(),
		"pattern_groups", rules.GroupCount(),
		"model_judge", s.config.Risk.ModelJudge)
	return nil
}

// loadRules returns the embedded table when path is empty.
func loadRules(path string) (*risk.RuleSet, error) {
	if path == "" {
		return risk.DefaultRuleSet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return risk.NewRuleSet(data)
}

func (s *service) initSubjects() error {
	switch s.config.Subjects.Source {
	case SubjectSourceFixtures:
		reader, err := subject.LoadFixtures(s.config.Subjects.FixturesPath)
		if err != nil {
			return err
		}
		s.subjects = reader
		s.logger.Info("Loaded subject fixtures", "path", s.config.Subjects.FixturesPath)
	case SubjectSourceMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongostore.Connect(ctx, s.config.Subjects.MongoURI)
		if err != nil {
			return err
		}
		s.addCloser("mongo", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		reader := mongostore.NewSubjectReader(client.Database(s.config.Subjects.MongoDatabase))
		reader.EnsureIndexes(ctx, s.logger)
		s.subjects = reader
		s.logger.Info("Connected to MongoDB subject store", "database", s.config.Subjects.MongoDatabase)
	default:
		s.subjects = subject.NewMemoryReader()
		s.logger.Warn("Using an empty in-memory subject store, every subject will be unknown")
	}
	return nil
}

func (s *service) initHistory() error {
	if s.config.History.Backend == HistoryBackendNone {
		s.logger.Info("Conversation history storage disabled")
		return nil
	}
	badgerCfg := s.config.History.Badger
	if badgerCfg.Logger == nil {
		badgerCfg.Logger = s.logger.With("component", "badger")
	}
	db, err := badgerstore.Open(badgerCfg)
	if err != nil {
		return err
	}
	s.addCloser("badger", db.Close)

	store, err := badgerstore.NewHistoryStore(db)
	if err != nil {
		return err
	}
	s.addCloser("history sequence", store.Close)
	s.history = store
	s.logger.Info("Opened conversation history store",
		"path", badgerCfg.Path, "in_memory", badgerCfg.InMemory)
	return nil
}

func (s *service) initLocker() error {
	if s.config.Lock.Backend != LockBackendRedis {
		s.locker = conversation.NewLocalTurnLocker()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := redisstore.Connect(ctx, s.config.Lock.RedisURL)
	if err != nil {
		return err
	}
	s.addCloser("redis", client.Close)
	s.locker = redisstore.NewTurnLocker(client, s.config.Lock.TTL, s.logger)
	s.logger.Info("Using Redis turn lock", "ttl", s.config.Lock.TTL)
	return nil
}

func (s *service) initEngine() error {
	registry := tools.NewRegistry(s.subjects,
		tools.WithMaxConcurrent(s.config.Engine.MaxConcurrentTools),
		tools.WithToolTimeout(s.config.Engine.ToolTimeout),
		tools.WithRegistryLogger(s.logger))

	engine, err := conversation.New(conversation.Config{
		Classifier:    s.classifier,
		Provider:      s.provider,
		Tools:         registry,
		Profiles:      s.subjects,
		Locker:        s.locker,
		Logger:        s.logger,
		MaxIterations: s.config.Engine.MaxIterations,
		HistoryWindow: s.config.Engine.HistoryWindow,
		MaxTokens:     s.config.Engine.MaxTokens,
		Temperature:   s.config.Engine.Temperature,
	})
	if err != nil {
		return err
	}
	s.engine = engine
	s.limiter = middleware.NewLimiter(s.config.RateLimit)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.ServiceName))

	chat := handlers.NewChatHandler(handlers.ChatHandlerConfig{
		Engine:         s.engine,
		History:        s.history,
		Alerts:         &handlers.LogAlertSink{Logger: s.logger},
		Logger:         s.logger,
		HistoryLimit:   s.config.History.Limit,
		AllowedOrigins: s.config.AllowedOrigins,
	})

	routes.SetupRoutes(s.router, routes.Dependencies{
		Chat:       chat,
		Classifier: s.classifier,
		Limiter:    s.limiter,
	})
}

func (s *service) addCloser(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, close: fn})
}

// cleanup releases all resources held by the service, newest first. It is
// safe to call more than once.
func (s *service) cleanup() {
	if s.closed {
		return
	}
	s.closed = true

	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			s.logger.Warn("Close failed", "resource", c.name, "error", err)
		}
	}
	handlers.PurgeAllSecureMemory()

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Service               = (*service)(nil)
	_ handlers.HistoryStore = (*badgerstore.HistoryStore)(nil)
)
