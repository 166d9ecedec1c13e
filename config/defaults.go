// =============================================================================
// 📦 Consultation Service 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:         DefaultServerConfig(),
		Consultation:   DefaultConsultationConfig(),
		Retrieval:      DefaultRetrievalConfig(),
		EmbeddingCache: DefaultEmbeddingCacheConfig(),
		HITL:           DefaultHITLConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Archive:        DefaultArchiveConfig(),
		Evidence:       DefaultEvidenceConfig(),
		LLM:            DefaultLLMConfig(),
		Embedding:      DefaultEmbeddingConfig(),
		JWT:            DefaultJWTConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:    8080,
		MetricsPort: 9091,
		ReadTimeout: 30 * time.Second,
		// 0 表示不限制，SSE/WebSocket 会话可能持续数分钟
		WriteTimeout:         0,
		IdleTimeout:          60 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RateLimitRPS:         100,
		RateLimitBurst:       200,
		TenantRateLimitRPS:   50,
		TenantRateLimitBurst: 100,
	}
}

// DefaultConsultationConfig 返回默认编排器配置
func DefaultConsultationConfig() ConsultationConfig {
	return ConsultationConfig{
		ParticipantTimeout:        60 * time.Second,
		SessionTimeout:            10 * time.Minute,
		MaxConcurrentCalls:        64,
		DefaultMaxRounds:          3,
		MaxRoundsLimit:            20,
		MaxQuestionLength:         4000,
		DefaultConsensusThreshold: 0.8,
		DisagreementThreshold:     0.5,
		AgreementThreshold:        0.8,
		ContextTokenBudget:        3000,
		TokenizerModel:            "gpt-4o",
		MaxRetries:                2,
		RetryInitialDelay:         500 * time.Millisecond,
		RetryMaxDelay:             5 * time.Second,
		SubscriberBuffer:          256,
		SessionRetention:          30 * time.Minute,
		StreamDeltas:              true,
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DefaultTopK:          5,
		DefaultMinSimilarity: 0.5,
		CapabilityBoost:      0.03,
		DomainBoost:          0.02,
		MaxBoost:             0.1,
	}
}

// DefaultEmbeddingCacheConfig 返回默认向量缓存配置
func DefaultEmbeddingCacheConfig() EmbeddingCacheConfig {
	return EmbeddingCacheConfig{
		TTL:      5 * time.Minute,
		MaxSize:  1000,
		UseRedis: false,
	}
}

// DefaultHITLConfig 返回默认检查点配置
func DefaultHITLConfig() HITLConfig {
	return HITLConfig{
		Enabled:           true,
		CheckpointTimeout: 300 * time.Second,
		DefaultAction:     "approve",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "consult",
		Password:        "",
		Name:            "consult",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultArchiveConfig 返回默认归档配置
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Backend:         "gorm",
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "consult",
		MongoCollection: "consultation_sessions",
		Timeout:         10 * time.Second,
	}
}

// DefaultEvidenceConfig 返回默认证据检索配置
func DefaultEvidenceConfig() EvidenceConfig {
	return EvidenceConfig{
		Enabled:  false,
		TopK:     3,
		MinScore: 0.3,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:   "openai",
		APIKey:     "",
		BaseURL:    "https://api.openai.com",
		Model:      "gpt-4o-mini",
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
	}
}

// DefaultEmbeddingConfig 返回默认向量化配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		APIKey:     "",
		BaseURL:    "https://api.openai.com",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// DefaultJWTConfig 返回默认 JWT 配置
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{Enabled: false}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "consultd",
		SampleRate:   0.1,
	}
}
