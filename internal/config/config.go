package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultLLMModel     = "gpt-4o-mini"
	DefaultLLMBaseURL   = "https://api.openai.com/v1"
	DefaultListenAddr   = ":8080"
	DefaultStateDir     = "~/.convoy/state"
	DefaultTimerDir     = "~/.convoy/timers"
	DefaultTokenBudget  = 6000
	DefaultHistoryTurns = 12
)

// Config is the full runtime configuration, loaded from convoy.yaml and
// CONVOY_* environment overrides.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Planner PlannerConfig `mapstructure:"planner"`
	State   StateConfig   `mapstructure:"state"`
	Timer   TimerConfig   `mapstructure:"timer"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Events  EventsConfig  `mapstructure:"events"`
	Verbose bool          `mapstructure:"verbose"`
}

type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type BatchConfig struct {
	CoalesceWindow    time.Duration `mapstructure:"coalesce_window"`
	MaxBatchAge       time.Duration `mapstructure:"max_batch_age"`
	MaxMessages       int           `mapstructure:"max_messages"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxHeartbeatAge   time.Duration `mapstructure:"max_heartbeat_age"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	DedupCacheSize    int           `mapstructure:"dedup_cache_size"`
	ControlCommands   []string      `mapstructure:"control_commands"`
	ReaperSchedule    string        `mapstructure:"reaper_schedule"`
}

type AgentConfig struct {
	SystemPrompt            string `mapstructure:"system_prompt"`
	TokenBudget             int    `mapstructure:"token_budget"`
	HistoryTurns            int    `mapstructure:"history_turns"`
	ComplexityWordThreshold int    `mapstructure:"complexity_word_threshold"`
	WorkersFile             string `mapstructure:"workers_file"`
}

type PlannerConfig struct {
	MaxSteps        int     `mapstructure:"max_steps"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxParallel     int     `mapstructure:"max_parallel"`
	ContinueOnError bool    `mapstructure:"continue_on_error"`
}

type StateConfig struct {
	// Backend is "file" or "memory".
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type TimerConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type EventsConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads convoy.yaml from explicitPath, the working directory, or
// $HOME, in that order, then applies CONVOY_* environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("convoy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.convoy")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("CONVOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	normalize(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", DefaultListenAddr)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Keys with no meaningful default still need registering, otherwise
	// AutomaticEnv overrides for them never reach Unmarshal.
	v.SetDefault("llm.api_key", "")
	v.SetDefault("agent.system_prompt", "")
	v.SetDefault("agent.workers_file", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("events.endpoint", "")
	v.SetDefault("verbose", false)

	v.SetDefault("llm.base_url", DefaultLLMBaseURL)
	v.SetDefault("llm.model", DefaultLLMModel)
	v.SetDefault("llm.request_timeout", 120*time.Second)

	v.SetDefault("batch.coalesce_window", 3*time.Second)
	v.SetDefault("batch.max_batch_age", 30*time.Second)
	v.SetDefault("batch.max_messages", 10)
	v.SetDefault("batch.heartbeat_interval", 5*time.Second)
	v.SetDefault("batch.max_heartbeat_age", 30*time.Second)
	v.SetDefault("batch.max_retries", 6)
	v.SetDefault("batch.initial_retry_delay", 2*time.Second)
	v.SetDefault("batch.max_retry_delay", 64*time.Second)
	v.SetDefault("batch.dedup_cache_size", 1024)
	v.SetDefault("batch.control_commands", []string{"/clear", "/reset", "/status"})
	v.SetDefault("batch.reaper_schedule", "* * * * *")

	v.SetDefault("agent.token_budget", DefaultTokenBudget)
	v.SetDefault("agent.history_turns", DefaultHistoryTurns)
	v.SetDefault("agent.complexity_word_threshold", 40)

	v.SetDefault("planner.max_steps", 8)
	v.SetDefault("planner.temperature", 0.2)
	v.SetDefault("planner.max_parallel", 3)
	v.SetDefault("planner.continue_on_error", false)

	v.SetDefault("state.backend", "file")
	v.SetDefault("state.dir", DefaultStateDir)
	v.SetDefault("timer.backend", "file")
	v.SetDefault("timer.dir", DefaultTimerDir)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.insecure", true)
}

func normalize(cfg *Config) {
	cfg.LLM.APIKey = strings.TrimSpace(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = strings.TrimSpace(cfg.LLM.BaseURL)
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	cfg.Timer.Backend = strings.ToLower(strings.TrimSpace(cfg.Timer.Backend))
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultLLMModel
	}
}

func validate(cfg *Config) error {
	switch cfg.State.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("config: unknown state backend %q", cfg.State.Backend)
	}
	switch cfg.Timer.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("config: unknown timer backend %q", cfg.Timer.Backend)
	}
	if cfg.Batch.MaxMessages <= 0 {
		return fmt.Errorf("config: batch.max_messages must be positive")
	}
	return nil
}
