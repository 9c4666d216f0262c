// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator wires the GlassScore evaluation service together.
//
// # Description
//
// New builds every component from a config.Config: the policy engine,
// the BadgerDB archive, the session store, the LLM client, the producers,
// the engine, the TTL scheduler and the gin router. Run serves HTTP until
// its context ends and then shuts everything down in reverse order.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/glassscore/services/evaluator/config"
	"github.com/AleutianAI/glassscore/services/evaluator/engine"
	"github.com/AleutianAI/glassscore/services/evaluator/middleware"
	"github.com/AleutianAI/glassscore/services/evaluator/observability"
	"github.com/AleutianAI/glassscore/services/evaluator/producer"
	"github.com/AleutianAI/glassscore/services/evaluator/routes"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
	"github.com/AleutianAI/glassscore/services/evaluator/storage/badger"
	"github.com/AleutianAI/glassscore/services/evaluator/ttl"
	"github.com/AleutianAI/glassscore/services/llm"
	"github.com/AleutianAI/glassscore/services/policy_engine"
)

// Service is the assembled evaluator.
type Service struct {
	config        config.Config
	router        *gin.Engine
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	policyEngine  *policy_engine.PolicyEngine
	db            *badger.DB
	store         *session.Store
	llmClient     llm.LLMClient
	engine        *engine.Engine
	scheduler     *ttl.Scheduler
	tracerCleanup func(context.Context)
}

// New builds the service. cfg must already be validated.
func New(cfg config.Config) (*Service, error) {
	s := &Service{config: cfg}

	if cfg.Observability.TracingEnabled {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	var err error
	s.policyEngine, err = policy_engine.NewPolicyEngine()
	if err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if err := s.initArchive(); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to open session archive: %w", err)
	}

	s.llmClient, err = newLLMClient(cfg.LLM)
	if err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	producers, reevaluator, err := s.buildProducers()
	if err != nil {
		s.cleanup(context.Background())
		return nil, err
	}

	opts := []engine.Option{
		engine.WithClassifier(s.policyEngine),
		engine.WithMetrics(s.metrics),
		engine.WithLogger(slog.Default()),
		engine.WithProducerTimeout(cfg.Evaluation.ProducerTimeout),
	}
	if reevaluator != nil {
		opts = append(opts, engine.WithReevaluator(reevaluator))
	}
	s.engine = engine.New(s.store, producers, opts...)

	s.scheduler = ttl.NewScheduler(s.engine, ttl.SchedulerConfig{
		Interval: cfg.Evaluation.SweepInterval,
		TTL:      cfg.Evaluation.SessionTTL,
	})

	if err := s.initRouter(); err != nil {
		s.cleanup(context.Background())
		return nil, err
	}
	return s, nil
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Engine returns the evaluation engine.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Run listens on the configured port and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cleanup(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then drains streams, stops background
// work and closes the archive.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	// Streams hold requests open indefinitely; cancelling the base context
	// ends them so Shutdown can complete.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	if err := s.scheduler.Start(ctx); err != nil {
		s.cleanup(context.Background())
		return fmt.Errorf("failed to start session expiry: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting evaluator server", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		slog.Info("Shutting down evaluator server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	cancelRequests()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	s.cleanup(shutdownCtx)
	return serveErr
}

func (s *Service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.Observability.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.Observability.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("OpenTelemetry tracing enabled", "endpoint", s.config.Observability.OTLPEndpoint)
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *Service) initArchive() error {
	dbCfg := badger.InMemoryConfig()
	if s.config.Archive.Path != "" {
		dbCfg = badger.DefaultConfig(s.config.Archive.Path)
	}
	dbCfg.Logger = slog.Default().With("component", "badger")

	db, err := badger.Open(dbCfg)
	if err != nil {
		return err
	}
	s.db = db
	s.store = session.NewStore(
		session.WithArchive(badger.NewSessionArchive(db)),
		session.WithLogger(slog.Default()),
	)
	slog.Info("Session archive opened", "in_memory", db.InMemory(), "path", s.config.Archive.Path)
	return nil
}

// buildProducers returns the round producers and the re-evaluation
// producer. The model and web producers always run. Web verification
// reports no evidence unless both a search key and an LLM are configured.
// Text analysis and re-evaluation need an LLM.
func (s *Service) buildProducers() ([]producer.Producer, producer.Producer, error) {
	producers := []producer.Producer{
		producer.NewModelProducer(producer.NewLogisticScorer(producer.DefaultLogisticWeights())),
	}

	var search producer.SearchClient
	switch {
	case s.config.Search.APIKey == "":
		slog.Info("Search API key not set; web verification reports no evidence")
	case s.llmClient == nil:
		slog.Info("No LLM backend configured; web verification reports no evidence")
	default:
		tavily, err := producer.NewTavilyClient(s.config.Search.URL, s.config.Search.APIKey, s.config.Search.MaxResults)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize search client: %w", err)
		}
		search = tavily
	}
	verifier := producer.NewSearchVerifier(search, s.llmClient, s.policyEngine)
	extractor := producer.NewClaimExtractor(s.config.Search.MaxClaims, s.policyEngine)
	web := producer.NewWebProducer(extractor, verifier)

	if s.llmClient == nil {
		slog.Warn("No LLM backend configured; text analysis and re-evaluation are disabled")
		return append(producers, web), nil, nil
	}

	analyzer := producer.NewLLMTextAnalyzer(s.llmClient,
		producer.WithRedactor(s.policyEngine),
		producer.WithChunking(s.config.Evaluation.ChunkSize, s.config.Evaluation.ChunkOverlap))
	producers = append(producers, producer.NewTextProducer(analyzer), web)

	reevaluator := producer.NewReevaluationProducer(producer.NewLLMReevaluator(s.llmClient, s.policyEngine))
	return producers, reevaluator, nil
}

func (s *Service) initRouter() error {
	gin.SetMode(s.config.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if s.config.Server.GinMode == gin.DebugMode {
		s.router.Use(gin.Logger())
	}
	if s.config.Observability.TracingEnabled {
		s.router.Use(otelgin.Middleware(s.config.Observability.ServiceName))
	}

	var auth middleware.AuthProvider
	if len(s.config.Server.APIKeys) > 0 {
		p, err := middleware.NewAPIKeyAuthProvider(s.config.Server.APIKeys)
		if err != nil {
			return fmt.Errorf("failed to initialize API key auth: %w", err)
		}
		auth = p
		slog.Info("API key authentication enabled", "keys", len(s.config.Server.APIKeys))
	}

	routes.SetupRoutes(s.router, s.engine, routes.Options{
		Metrics:   s.metrics,
		Gatherer:  s.registry,
		Auth:      auth,
		KeepAlive: s.config.Evaluation.KeepAliveInterval,
	})
	return nil
}

// Close releases every resource. It is called by Serve; call it directly
// only when the service was never served.
func (s *Service) Close(ctx context.Context) {
	s.cleanup(ctx)
}

func (s *Service) cleanup(ctx context.Context) {
	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			slog.Warn("Session expiry stop error", "error", err)
		}
	}
	if s.engine != nil {
		if err := s.engine.Shutdown(ctx); err != nil {
			slog.Warn("Engine shutdown incomplete", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Archive close error", "error", err)
		}
		s.db = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// newLLMClient builds the configured backend behind a RotatingClient,
// which adds failover, cooldown and rate limiting. OpenAI gets one member
// per API key. Backend "none" returns nil.
func newLLMClient(cfg config.LLMConfig) (llm.LLMClient, error) {
	var members []llm.NamedClient

	switch strings.ToLower(cfg.Backend) {
	case config.BackendNone:
		return nil, nil
	case config.BackendOpenAI:
		for i, key := range cfg.OpenAI.APIKeys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			c, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: key, Model: cfg.OpenAI.Model, BaseURL: cfg.OpenAI.BaseURL})
			if err != nil {
				return nil, err
			}
			members = append(members, llm.NamedClient{Name: fmt.Sprintf("openai-%d", i), Client: c})
		}
		slog.Info("Using OpenAI LLM backend", "keys", len(members), "model", cfg.OpenAI.Model)
	case config.BackendOllama:
		c, err := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model)
		if err != nil {
			return nil, err
		}
		members = append(members, llm.NamedClient{Name: "ollama", Client: c})
		slog.Info("Using Ollama LLM backend", "model", cfg.Ollama.Model)
	case config.BackendAnthropic, "claude":
		c, err := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
		if err != nil {
			return nil, err
		}
		members = append(members, llm.NamedClient{Name: "anthropic", Client: c})
		slog.Info("Using Anthropic (Claude) LLM backend", "model", cfg.Anthropic.Model)
	case config.BackendLocal:
		c, err := llm.NewLocalLlamaCppClient(cfg.LocalURL)
		if err != nil {
			return nil, err
		}
		members = append(members, llm.NamedClient{Name: "llama.cpp", Client: c})
		slog.Info("Using Local Llama.cpp LLM backend")
	default:
		return nil, fmt.Errorf("unsupported LLM backend %q", cfg.Backend)
	}

	return llm.NewRotatingClient(members, llm.RotatingConfig{
		Cooldown:          cfg.Cooldown,
		MaxRetries:        cfg.MaxRetries,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
}
