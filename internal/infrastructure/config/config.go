package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the interceptor configuration, loaded from defaults, an optional
// YAML file and LLMTAP_-prefixed environment variables.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Upstream base URLs, selected by provider detection.
	OpenAIBaseURL    string `mapstructure:"openai_base_url"`
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`
	OllamaBaseURL    string `mapstructure:"ollama_base_url"`

	// Storage
	DBPath            string `mapstructure:"db_path"`
	StoreStreamChunks bool   `mapstructure:"store_stream_chunks"`

	// Output
	Verbose bool `mapstructure:"verbose"`
	Quiet   bool `mapstructure:"quiet"`

	// Redaction
	RedactAPIKeys bool `mapstructure:"redact_api_keys"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. cfgFile may be empty, in which case only
// defaults and environment variables apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("openai_base_url", "https://api.openai.com")
	v.SetDefault("anthropic_base_url", "https://api.anthropic.com")
	v.SetDefault("ollama_base_url", "http://localhost:11434")
	v.SetDefault("db_path", "interceptor.db")
	v.SetDefault("store_stream_chunks", true)
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
	v.SetDefault("redact_api_keys", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("LLMTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
