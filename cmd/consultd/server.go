package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/archive"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/evidence"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/api/handlers"
	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/cache"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/database"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/server"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/telemetry"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/embedding"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/providers/openaicompat"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// skipAuthPaths 不需要认证的探针路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 咨询服务进程：API 与 Metrics 双端口
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施，可能为 nil
	db          *database.PoolManager
	redis       *cache.Manager
	mongo       *archive.MongoArchive
	sessionList handlers.SessionLister

	service  *consultation.Service
	provider *openaicompat.Provider

	consultationHandler *handlers.ConsultationHandler
	healthHandler       *handlers.HealthHandler

	metricsCollector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// Start 依次初始化依赖、handlers 并启动两个 HTTP 服务器
func (s *Server) Start(ctx context.Context) error {
	s.metricsCollector = metrics.NewCollector("consult", s.logger)

	if err := s.initInfrastructure(ctx); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := s.initConsultation(ctx); err != nil {
		return fmt.Errorf("failed to init consultation service: %w", err)
	}
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("h2c", s.cfg.Server.EnableH2C),
	)
	return nil
}

// =============================================================================
// 🔧 初始化
// =============================================================================

// initInfrastructure 连接数据库、Redis 与 MongoDB。
// 数据库是目录的唯一来源，连接失败直接返回；Redis 仅作二级缓存，失败时降级。
func (s *Server) initInfrastructure(ctx context.Context) error {
	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.db = db

	if s.cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = s.cfg.Redis.Addr
		cacheCfg.Password = s.cfg.Redis.Password
		cacheCfg.DB = s.cfg.Redis.DB
		cacheCfg.PoolSize = s.cfg.Redis.PoolSize
		cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
		cacheCfg.TLS = s.cfg.Redis.TLS
		cacheCfg.DefaultTTL = s.cfg.EmbeddingCache.TTL

		redis, err := cache.NewManager(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, embedding cache is process-local only", zap.Error(err))
		} else {
			s.redis = redis
		}
	}

	if s.cfg.Archive.Backend == "mongo" {
		mc := archive.DefaultMongoConfig()
		mc.URI = s.cfg.Archive.MongoURI
		if s.cfg.Archive.MongoDatabase != "" {
			mc.Database = s.cfg.Archive.MongoDatabase
		}
		if s.cfg.Archive.MongoCollection != "" {
			mc.Collection = s.cfg.Archive.MongoCollection
		}
		if s.cfg.Archive.Timeout > 0 {
			mc.Timeout = s.cfg.Archive.Timeout
		}
		m, err := archive.NewMongoArchive(ctx, mc, s.logger)
		if err != nil {
			return fmt.Errorf("open mongo archive: %w", err)
		}
		s.mongo = m
	}
	return nil
}

// initConsultation 组装检索、组建、编排与服务
func (s *Server) initConsultation(ctx context.Context) error {
	store := catalog.NewGormStore(s.db.DB(), s.logger)

	cacheOpts := []embedding.CachedOption{
		embedding.WithMetrics(s.metricsCollector),
		embedding.WithLogger(s.logger),
	}
	if s.redis != nil && s.cfg.EmbeddingCache.UseRedis {
		cacheOpts = append(cacheOpts, embedding.WithRemoteStore(s.redis))
	}
	embedder := embedding.NewCachedProvider(
		embedding.NewOpenAIProvider(embedding.OpenAIConfigFrom(s.cfg.Embedding)),
		embedding.NewCache(embedding.CacheConfig{
			TTL:     s.cfg.EmbeddingCache.TTL,
			MaxSize: s.cfg.EmbeddingCache.MaxSize,
		}),
		cacheOpts...,
	)

	engine := discovery.NewEngine(store, embedder, discovery.ConfigFrom(s.cfg.Retrieval), s.metricsCollector, s.logger)
	composer := panel.NewComposer(store, engine, s.logger)

	s.provider = openaicompat.New(openaicompat.ConfigFrom(s.cfg.LLM), s.logger)

	deps := consultation.Dependencies{
		Provider: s.provider,
		Embedder: embedder,
		Metrics:  s.metricsCollector,
		Logger:   s.logger,
	}
	if s.cfg.HITL.Enabled {
		deps.Gate = hitl.NewGate(hitl.ConfigFrom(s.cfg.HITL), nil, s.metricsCollector, s.logger)
	} else {
		s.logger.Info("HITL checkpoints disabled, human_checkpoint requests run without pauses")
	}
	if s.cfg.Evidence.Enabled {
		supplier, err := s.loadEvidence(ctx, embedder)
		if err != nil {
			return err
		}
		deps.Evidence = supplier
	}

	opts := []consultation.ServiceOption{
		consultation.WithServiceMetrics(s.metricsCollector),
		consultation.WithServiceLogger(s.logger),
	}
	switch s.cfg.Archive.Backend {
	case "gorm":
		a := archive.NewGormArchive(s.db.DB(), s.logger)
		opts = append(opts, consultation.WithArchive(a))
		s.sessionList = a
	case "mongo":
		opts = append(opts, consultation.WithArchive(s.mongo))
		s.sessionList = s.mongo
	default:
		s.logger.Info("session archive disabled, terminal sessions are dropped after retention")
	}

	cfg := consultation.ConfigFrom(s.cfg.Consultation)
	s.service = consultation.NewService(cfg, composer, engine, consultation.NewOrchestrator(cfg, deps), opts...)
	return nil
}

func (s *Server) loadEvidence(ctx context.Context, embedder embedding.Provider) (*evidence.Supplier, error) {
	docs, err := evidence.LoadCorpus(s.cfg.Evidence.CorpusPath)
	if err != nil {
		return nil, err
	}
	lib := evidence.NewLibrary(s.logger)
	if err := lib.Add(ctx, embedder, docs); err != nil {
		return nil, fmt.Errorf("index evidence corpus: %w", err)
	}
	s.logger.Info("evidence corpus loaded",
		zap.String("path", s.cfg.Evidence.CorpusPath),
		zap.Int("documents", lib.Count()))
	return evidence.NewSupplier(lib, embedder, evidence.ConfigFrom(s.cfg.Evidence), s.logger), nil
}

// initHandlers 初始化 handlers 与就绪检查
func (s *Server) initHandlers() {
	opts := []handlers.ConsultationOption{
		handlers.WithOriginPatterns(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.sessionList != nil {
		opts = append(opts, handlers.WithSessionLister(s.sessionList))
	}
	s.consultationHandler = handlers.NewConsultationHandler(s.service, s.logger, opts...)

	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	s.healthHandler.RegisterCheck(handlers.NewFuncCheck("database", s.db.Ping))
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.NewFuncCheck("redis", s.redis.Ping))
	}
	s.healthHandler.RegisterCheck(handlers.NewFuncCheck("llm", func(ctx context.Context) error {
		status, err := s.provider.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if !status.Healthy {
			return errors.New("llm provider unhealthy")
		}
		return nil
	}))

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	s.healthHandler.Register(mux, BuildTime, GitCommit)
	s.consultationHandler.Register(mux)

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		middlewares = append(middlewares,
			APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger))
	}
	if s.cfg.JWT.Enabled {
		middlewares = append(middlewares,
			JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger),
			TenantRateLimiter(rateLimiterCtx, float64(s.cfg.Server.TenantRateLimitRPS), s.cfg.Server.TenantRateLimitBurst, s.logger))
	}
	if len(s.cfg.Server.APIKeys) == 0 && !s.cfg.JWT.Enabled {
		s.logger.Warn("no API keys or JWT configured, API is unauthenticated")
	}

	return Chain(mux, middlewares...)
}

func (s *Server) startHTTPServer() error {
	s.httpManager = server.NewManager("api", s.buildHandler(), server.ConfigFrom(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	cfg := server.ConfigFrom(s.cfg.Server, s.cfg.Server.MetricsPort)
	cfg.EnableH2C = false
	s.metricsManager = server.NewManager("metrics", mux, cfg, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待信号或服务器异常后优雅关闭
func (s *Server) WaitForShutdown() {
	if err := server.WaitForSignal(context.Background(), s.logger, s.httpManager, s.metricsManager); err != nil {
		s.logger.Error("shutting down after server error", zap.Error(err))
	}
	s.Shutdown()
}

// Shutdown 先停止接收请求，再取消运行中的会话，最后释放基础设施
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 会话先于 HTTP 关闭，SSE/WebSocket 连接在收到终态事件后自然结束
	if s.service != nil {
		if err := s.service.Close(ctx); err != nil {
			s.logger.Error("Consultation service shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.mongo != nil {
		if err := s.mongo.Close(ctx); err != nil {
			s.logger.Error("Mongo archive close error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
