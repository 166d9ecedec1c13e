package consultation

import (
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/config"
)

// Config 编排器与服务配置
type Config struct {
	ParticipantTimeout        time.Duration
	SessionTimeout            time.Duration
	MaxConcurrentCalls        int64
	DefaultMaxRounds          int
	MaxRoundsLimit            int
	MaxQuestionLength         int
	DefaultConsensusThreshold float64
	DisagreementThreshold     float64
	AgreementThreshold        float64
	ContextTokenBudget        int
	TokenizerModel            string
	MaxRetries                int
	RetryInitialDelay         time.Duration
	RetryMaxDelay             time.Duration
	SubscriberBuffer          int
	SessionRetention          time.Duration
	// StreamDeltas 为 true 时用 Provider.Stream 调用专家并发出增量事件
	StreamDeltas bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
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

// ConfigFrom 从应用配置构建，零值字段保留默认值
func ConfigFrom(cc config.ConsultationConfig) Config {
	cfg := DefaultConfig()
	if cc.ParticipantTimeout > 0 {
		cfg.ParticipantTimeout = cc.ParticipantTimeout
	}
	if cc.SessionTimeout > 0 {
		cfg.SessionTimeout = cc.SessionTimeout
	}
	if cc.MaxConcurrentCalls > 0 {
		cfg.MaxConcurrentCalls = int64(cc.MaxConcurrentCalls)
	}
	if cc.DefaultMaxRounds > 0 {
		cfg.DefaultMaxRounds = cc.DefaultMaxRounds
	}
	if cc.MaxRoundsLimit > 0 {
		cfg.MaxRoundsLimit = cc.MaxRoundsLimit
	}
	if cc.MaxQuestionLength > 0 {
		cfg.MaxQuestionLength = cc.MaxQuestionLength
	}
	if cc.DefaultConsensusThreshold > 0 {
		cfg.DefaultConsensusThreshold = cc.DefaultConsensusThreshold
	}
	if cc.DisagreementThreshold > 0 {
		cfg.DisagreementThreshold = cc.DisagreementThreshold
	}
	if cc.AgreementThreshold > 0 {
		cfg.AgreementThreshold = cc.AgreementThreshold
	}
	if cc.ContextTokenBudget > 0 {
		cfg.ContextTokenBudget = cc.ContextTokenBudget
	}
	if cc.TokenizerModel != "" {
		cfg.TokenizerModel = cc.TokenizerModel
	}
	if cc.MaxRetries >= 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryInitialDelay > 0 {
		cfg.RetryInitialDelay = cc.RetryInitialDelay
	}
	if cc.RetryMaxDelay > 0 {
		cfg.RetryMaxDelay = cc.RetryMaxDelay
	}
	if cc.SubscriberBuffer > 0 {
		cfg.SubscriberBuffer = cc.SubscriberBuffer
	}
	if cc.SessionRetention > 0 {
		cfg.SessionRetention = cc.SessionRetention
	}
	cfg.StreamDeltas = cc.StreamDeltas
	return cfg
}

// withDefaults 将非正数的时长、上限与阈值回落到 DefaultConfig。
// MaxRetries 为 0 表示不重试，只有负值才回落。
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = d.ParticipantTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	if c.DefaultMaxRounds <= 0 {
		c.DefaultMaxRounds = d.DefaultMaxRounds
	}
	if c.MaxRoundsLimit <= 0 {
		c.MaxRoundsLimit = d.MaxRoundsLimit
	}
	if c.MaxQuestionLength <= 0 {
		c.MaxQuestionLength = d.MaxQuestionLength
	}
	if c.DefaultConsensusThreshold <= 0 {
		c.DefaultConsensusThreshold = d.DefaultConsensusThreshold
	}
	if c.DisagreementThreshold <= 0 {
		c.DisagreementThreshold = d.DisagreementThreshold
	}
	if c.AgreementThreshold <= 0 {
		c.AgreementThreshold = d.AgreementThreshold
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = d.ContextTokenBudget
	}
	if c.TokenizerModel == "" {
		c.TokenizerModel = d.TokenizerModel
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = d.SessionRetention
	}
	return c
}
