package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/logger"
)

// Compaction thresholds. Either trigger fires compaction.
type Compaction struct {
	MaxMessages   int     `mapstructure:"max_messages"`
	ContextRatio  float64 `mapstructure:"context_ratio"`
	ContextWindow int     `mapstructure:"context_window"`
	KeepRecent    int     `mapstructure:"keep_recent"`
}

// Retry tunes the agent loop's backoff policy.
type Retry struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// Config is the resolved runtime configuration. Precedence: explicit env >
// .env file > config file > defaults.
type Config struct {
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	ThinkingMode string        `mapstructure:"thinking_mode"`
	SessionDir   string        `mapstructure:"session_dir"`
	PlanDir      string        `mapstructure:"plan_dir"`
	WorkDir      string        `mapstructure:"work_dir"`
	MaxToolPar   int           `mapstructure:"max_tool_parallelism"`
	Retry        Retry         `mapstructure:"retry"`
	Compaction   Compaction    `mapstructure:"compaction"`
	Log          logger.Config `mapstructure:"log"`

	// Providers holds per-vendor credentials keyed by vendor name.
	Providers map[string]llm.Credentials `mapstructure:"-"`
}

// envBindings maps vendor credential fields to their environment variables.
// The generic entry is fed by LLM_API_KEY / LLM_BASE_URL.
var envBindings = []struct {
	vendor  string
	keyVar  string
	baseVar string
}{
	{llm.VendorGeneric, "LLM_API_KEY", "LLM_BASE_URL"},
	{"glm", "GLM_API_KEY", "GLM_API_BASE"},
	{"kimi", "KIMI_API_KEY", "KIMI_API_BASE"},
	{"minimax", "MINIMAX_API_KEY", "MINIMAX_API_BASE"},
	{"deepseek", "DEEPSEEK_API_KEY", "DEEPSEEK_API_BASE"},
}

// Load resolves configuration from defaults, an optional config file, an
// optional .env file, and the environment.
func Load(configPath string) (*Config, error) {
	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".loom"))
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("model", "LOOM_MODEL", "LLM_MODEL_ID")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	providers, err := loadProviders()
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	if cfg.WorkDir == "" {
		cfg.WorkDir, _ = os.Getwd()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", "glm-4.7")
	v.SetDefault("temperature", 0.6)
	v.SetDefault("max_tokens", 8192)
	v.SetDefault("thinking_mode", "auto")
	v.SetDefault("session_dir", defaultStateDir("sessions"))
	v.SetDefault("plan_dir", defaultStateDir("plans"))
	v.SetDefault("max_tool_parallelism", 4)

	v.SetDefault("retry.max_retries", 10)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("compaction.max_messages", 40)
	v.SetDefault("compaction.context_ratio", 0.9)
	v.SetDefault("compaction.context_window", 128000)
	v.SetDefault("compaction.keep_recent", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stderr")
}

func defaultStateDir(sub string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".loom", sub)
	}
	return filepath.Join(home, ".loom", sub)
}

// loadProviders reads vendor credentials from the environment. Keys with
// embedded newlines are rejected outright: they are always paste accidents
// and would corrupt the Authorization header.
func loadProviders() (map[string]llm.Credentials, error) {
	providers := make(map[string]llm.Credentials)
	for _, b := range envBindings {
		key := os.Getenv(b.keyVar)
		base := os.Getenv(b.baseVar)
		if err := rejectMultiline(b.keyVar, key); err != nil {
			return nil, err
		}
		if err := rejectMultiline(b.baseVar, base); err != nil {
			return nil, err
		}
		if key == "" && base == "" {
			continue
		}
		providers[b.vendor] = llm.Credentials{
			BaseURL: strings.TrimSpace(base),
			APIKey:  strings.TrimSpace(key),
		}
	}
	return providers, nil
}

func rejectMultiline(name, value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return entity.NewError(entity.CodeBadRequest,
			fmt.Sprintf("%s contains a line break; check for a paste error", name))
	}
	return nil
}
