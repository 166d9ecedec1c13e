// =============================================================================
// 📦 Consultation Service 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CONSULT").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是咨询服务的完整配置结构
type Config struct {
	Server         ServerConfig         `yaml:"server" env:"SERVER"`
	Consultation   ConsultationConfig   `yaml:"consultation" env:"CONSULTATION"`
	Retrieval      RetrievalConfig      `yaml:"retrieval" env:"RETRIEVAL"`
	EmbeddingCache EmbeddingCacheConfig `yaml:"embedding_cache" env:"EMBEDDING_CACHE"`
	HITL           HITLConfig           `yaml:"hitl" env:"HITL"`
	Redis          RedisConfig          `yaml:"redis" env:"REDIS"`
	Database       DatabaseConfig       `yaml:"database" env:"DATABASE"`
	Archive        ArchiveConfig        `yaml:"archive" env:"ARCHIVE"`
	Evidence       EvidenceConfig       `yaml:"evidence" env:"EVIDENCE"`
	LLM            LLMConfig            `yaml:"llm" env:"LLM"`
	Embedding      EmbeddingConfig      `yaml:"embedding" env:"EMBEDDING"`
	JWT            JWTConfig            `yaml:"jwt" env:"JWT"`
	Log            LogConfig            `yaml:"log" env:"LOG"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，SSE 长连接依赖它为 0 或足够大
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 启用 HTTP/2 cleartext
	EnableH2C bool `yaml:"enable_h2c" env:"ENABLE_H2C"`
	// API Key 列表，为空时关闭 API Key 认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 允许通过 ?api_key= 传递（WebSocket 客户端无法设置请求头）
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// CORS 允许来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每 IP 限流
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 每租户限流（JWT 启用时生效）
	TenantRateLimitRPS   int `yaml:"tenant_rate_limit_rps" env:"TENANT_RATE_LIMIT_RPS"`
	TenantRateLimitBurst int `yaml:"tenant_rate_limit_burst" env:"TENANT_RATE_LIMIT_BURST"`
}

// ConsultationConfig 编排器配置
type ConsultationConfig struct {
	// 每位专家单次调用超时
	ParticipantTimeout time.Duration `yaml:"participant_timeout" env:"PARTICIPANT_TIMEOUT"`
	// 会话全局超时
	SessionTimeout time.Duration `yaml:"session_timeout" env:"SESSION_TIMEOUT"`
	// 跨会话模型调用并发上限
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" env:"MAX_CONCURRENT_CALLS"`
	// 默认轮数与上限
	DefaultMaxRounds int `yaml:"default_max_rounds" env:"DEFAULT_MAX_ROUNDS"`
	MaxRoundsLimit   int `yaml:"max_rounds_limit" env:"MAX_ROUNDS_LIMIT"`
	// 问题最大长度（rune）
	MaxQuestionLength int `yaml:"max_question_length" env:"MAX_QUESTION_LENGTH"`
	// 共识阈值
	DefaultConsensusThreshold float64 `yaml:"default_consensus_threshold" env:"DEFAULT_CONSENSUS_THRESHOLD"`
	DisagreementThreshold     float64 `yaml:"disagreement_threshold" env:"DISAGREEMENT_THRESHOLD"`
	AgreementThreshold        float64 `yaml:"agreement_threshold" env:"AGREEMENT_THRESHOLD"`
	// 前一轮上下文的 token 预算
	ContextTokenBudget int    `yaml:"context_token_budget" env:"CONTEXT_TOKEN_BUDGET"`
	TokenizerModel     string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
	// 专家调用重试
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 每个订阅者的事件缓冲
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	// 终态会话在内存中的保留时间
	SessionRetention time.Duration `yaml:"session_retention" env:"SESSION_RETENTION"`
	// 以流式调用专家并推送 agent_output_delta；关闭后改用一次性补全
	StreamDeltas bool `yaml:"stream_deltas" env:"STREAM_DELTAS"`
}

// RetrievalConfig 检索引擎配置
type RetrievalConfig struct {
	DefaultTopK          int     `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
	DefaultMinSimilarity float64 `yaml:"default_min_similarity" env:"DEFAULT_MIN_SIMILARITY"`
	CapabilityBoost      float64 `yaml:"capability_boost" env:"CAPABILITY_BOOST"`
	DomainBoost          float64 `yaml:"domain_boost" env:"DOMAIN_BOOST"`
	MaxBoost             float64 `yaml:"max_boost" env:"MAX_BOOST"`
}

// EmbeddingCacheConfig 向量缓存配置
type EmbeddingCacheConfig struct {
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	MaxSize int           `yaml:"max_size" env:"MAX_SIZE"`
	// 使用 Redis 作为二级缓存
	UseRedis bool `yaml:"use_redis" env:"USE_REDIS"`
}

// HITLConfig 人工审核检查点配置
type HITLConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 等待人工决策的超时
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout" env:"CHECKPOINT_TIMEOUT"`
	// 超时后的默认动作: approve, reject
	DefaultAction string `yaml:"default_action" env:"DEFAULT_ACTION"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS 连接（托管 Redis 通常要求）
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 连接池
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ArchiveConfig 终态会话归档配置
type ArchiveConfig struct {
	// 后端: none, gorm, mongo
	Backend         string        `yaml:"backend" env:"BACKEND"`
	MongoURI        string        `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase   string        `yaml:"mongo_database" env:"MONGO_DATABASE"`
	MongoCollection string        `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// EvidenceConfig 专家证据检索配置
type EvidenceConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 文献语料 YAML 文件
	CorpusPath string  `yaml:"corpus_path" env:"CORPUS_PATH"`
	TopK       int     `yaml:"top_k" env:"TOP_K"`
	MinScore   float64 `yaml:"min_score" env:"MIN_SCORE"`
}

// LLMConfig 模型补全服务配置（OpenAI 兼容）
type LLMConfig struct {
	Provider   string        `yaml:"provider" env:"PROVIDER"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Model      string        `yaml:"model" env:"MODEL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// EmbeddingConfig 向量化服务配置（OpenAI 兼容）
type EmbeddingConfig struct {
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Model      string        `yaml:"model" env:"MODEL"`
	Dimensions int           `yaml:"dimensions" env:"DIMENSIONS"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// HS256 共享密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// RS256 PEM 公钥
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONSULT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键名为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	cc := c.Consultation
	if cc.ParticipantTimeout <= 0 {
		errs = append(errs, "consultation.participant_timeout must be positive")
	}
	if cc.SessionTimeout < cc.ParticipantTimeout {
		errs = append(errs, "consultation.session_timeout must be >= participant_timeout")
	}
	if cc.MaxConcurrentCalls <= 0 {
		errs = append(errs, "consultation.max_concurrent_calls must be positive")
	}
	if cc.MaxRoundsLimit < 1 || cc.MaxRoundsLimit > 20 {
		errs = append(errs, "consultation.max_rounds_limit must be between 1 and 20")
	}
	if cc.DefaultMaxRounds < 1 || cc.DefaultMaxRounds > cc.MaxRoundsLimit {
		errs = append(errs, "consultation.default_max_rounds must be between 1 and max_rounds_limit")
	}
	if !inUnitRange(cc.DefaultConsensusThreshold) || !inUnitRange(cc.DisagreementThreshold) || !inUnitRange(cc.AgreementThreshold) {
		errs = append(errs, "consultation thresholds must be within [0,1]")
	}
	if cc.SubscriberBuffer <= 0 {
		errs = append(errs, "consultation.subscriber_buffer must be positive")
	}

	r := c.Retrieval
	if r.DefaultTopK < 1 {
		errs = append(errs, "retrieval.default_top_k must be positive")
	}
	if !inUnitRange(r.DefaultMinSimilarity) {
		errs = append(errs, "retrieval.default_min_similarity must be within [0,1]")
	}
	if r.CapabilityBoost < 0 || r.DomainBoost < 0 || r.MaxBoost < 0 {
		errs = append(errs, "retrieval boosts must be non-negative")
	}

	if c.EmbeddingCache.TTL <= 0 || c.EmbeddingCache.MaxSize <= 0 {
		errs = append(errs, "embedding_cache ttl and max_size must be positive")
	}

	switch c.HITL.DefaultAction {
	case "approve", "reject":
	default:
		errs = append(errs, "hitl.default_action must be approve or reject")
	}

	switch c.Archive.Backend {
	case "", "none", "gorm", "mongo":
	default:
		errs = append(errs, "archive.backend must be none, gorm or mongo")
	}

	if c.Evidence.Enabled && c.Evidence.CorpusPath == "" {
		errs = append(errs, "evidence.corpus_path is required when evidence is enabled")
	}

	if c.JWT.Enabled && c.JWT.Secret == "" && c.JWT.PublicKey == "" {
		errs = append(errs, "jwt requires secret or public_key when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
