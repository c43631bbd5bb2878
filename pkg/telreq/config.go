package telreq

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Recognition   RecognitionConfig   `mapstructure:"recognition"`
	Summary       SummaryConfig       `mapstructure:"summary"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Telephony     TelephonyConfig     `mapstructure:"telephony"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type RecognitionConfig struct {
	Language           string  `mapstructure:"language"`
	SampleRate         int     `mapstructure:"sample_rate"`
	AttemptTimeoutS    int     `mapstructure:"attempt_timeout_s"`
	FinalWaitTimeoutS  int     `mapstructure:"final_wait_timeout_s"`
	FallbackConfidence float64 `mapstructure:"fallback_confidence"`
}

type SummaryConfig struct {
	Mode               string  `mapstructure:"mode"`
	QualityThreshold   float64 `mapstructure:"quality_threshold"`
	MaxLength          int     `mapstructure:"max_length"`
	KeyPoints          int     `mapstructure:"key_points"`
	IncludeKeywords    bool    `mapstructure:"include_keywords"`
	IncludeActionItems bool    `mapstructure:"include_action_items"`
	AITimeoutS         int     `mapstructure:"ai_timeout_s"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	IntervalS int  `mapstructure:"interval_s"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Recognition   VendorConfig `mapstructure:"recognition"`
	Summarization VendorConfig `mapstructure:"summarization"`
	Sync          VendorConfig `mapstructure:"sync"`
}

type TelephonyConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("recognition.language", "ja")
	v.SetDefault("recognition.sample_rate", 16000)
	v.SetDefault("recognition.attempt_timeout_s", 10)
	v.SetDefault("recognition.final_wait_timeout_s", 15)
	v.SetDefault("recognition.fallback_confidence", 0.45)
	v.SetDefault("summary.mode", "rule_based_primary")
	v.SetDefault("summary.quality_threshold", 0.6)
	v.SetDefault("summary.max_length", 300)
	v.SetDefault("summary.key_points", 3)
	v.SetDefault("summary.include_keywords", false)
	v.SetDefault("summary.include_action_items", true)
	v.SetDefault("summary.ai_timeout_s", 30)
	v.SetDefault("storage.path", "telreq.db")
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval_s", 30)
	v.SetDefault("vendors.recognition.provider", "mock")
	v.SetDefault("vendors.summarization.provider", "mock")
	v.SetDefault("vendors.sync.provider", "mock")
	v.SetDefault("telephony.provider", "")
	v.SetDefault("observability.metrics_path", "")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Sync.Enabled && strings.TrimSpace(c.Vendors.Sync.Provider) == "" {
		return fmt.Errorf("vendors.sync.provider is required when sync is enabled")
	}
	return nil
}

// RecognitionSettings converts the file shape to the engine shape.
func (c Config) RecognitionSettings() recognition.Config {
	return recognition.Config{
		Language:           c.Recognition.Language,
		SampleRate:         c.Recognition.SampleRate,
		AttemptTimeout:     c.Recognition.AttemptTimeoutS,
		FinalWaitTimeout:   c.Recognition.FinalWaitTimeoutS,
		FallbackConfidence: c.Recognition.FallbackConfidence,
	}
}

// SummarySettings converts the file shape to the engine shape.
func (c Config) SummarySettings() summarize.Config {
	return summarize.Config{
		Mode:               summarize.Mode(c.Summary.Mode),
		QualityThreshold:   c.Summary.QualityThreshold,
		MaxLength:          c.Summary.MaxLength,
		KeyPoints:          c.Summary.KeyPoints,
		IncludeKeywords:    c.Summary.IncludeKeywords,
		IncludeActionItems: c.Summary.IncludeActionItems,
		AITimeout:          time.Duration(c.Summary.AITimeoutS) * time.Second,
	}
}

func expandEnvStrings(cfg *Config) {
	cfg.Storage.Path = os.ExpandEnv(cfg.Storage.Path)
	cfg.Observability.MetricsPath = os.ExpandEnv(cfg.Observability.MetricsPath)
	cfg.Vendors.Recognition.Settings = expandSettings(cfg.Vendors.Recognition.Settings)
	cfg.Vendors.Summarization.Settings = expandSettings(cfg.Vendors.Summarization.Settings)
	cfg.Vendors.Sync.Settings = expandSettings(cfg.Vendors.Sync.Settings)
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
