// Package config loads settings from a YAML file, a .env file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/RichardoC/Pad-i/internal/usage"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Limits  LimitsConfig  `yaml:"limits"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	DBPath  string `yaml:"db_path"`
	// MaxBody is a human readable size such as "1MB".
	MaxBody string `yaml:"max_body"`
}

type LLMConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	DefaultModel  string        `yaml:"default_model"`
	TitleModel    string        `yaml:"title_model"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	TitleTimeout  time.Duration `yaml:"title_timeout"`
}

type LimitsConfig struct {
	Anonymous   int           `yaml:"anonymous"`
	Free        int           `yaml:"free"`
	Paid        int           `yaml:"paid"`
	ChatEvents  int           `yaml:"chat_events"`
	ChatWindow  time.Duration `yaml:"chat_window"`
	TitleEvents int           `yaml:"title_events"`
	TitleWindow time.Duration `yaml:"title_window"`
}

type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	StatePath string `yaml:"state_path"`
	Prefetch  int    `yaml:"prefetch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Address: ":8100",
			DBPath:  "pad-i.db",
			MaxBody: "1MB",
		},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434/v1/",
			DefaultModel:  "openai/gpt-4o",
			TitleModel:    "openai/gpt-4o-mini",
			StreamTimeout: 30 * time.Second,
			TitleTimeout:  15 * time.Second,
		},
		Limits: LimitsConfig{
			Anonymous:   usage.DefaultLimits[usage.TierAnonymous],
			Free:        usage.DefaultLimits[usage.TierFree],
			Paid:        usage.DefaultLimits[usage.TierPaid],
			ChatEvents:  10,
			ChatWindow:  10 * time.Second,
			TitleEvents: 5,
			TitleWindow: 10 * time.Second,
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8100",
			StatePath: defaultStatePath(),
			Prefetch:  8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".pad-i-state.json"
	}
	return dir + string(os.PathSeparator) + "pad-i" + string(os.PathSeparator) + "state.json"
}

// Load builds the effective configuration. A missing file at path is not an
// error; the defaults are used instead.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"PADI_ADDR":          &cfg.Server.Address,
		"PADI_DB_PATH":       &cfg.Server.DBPath,
		"PADI_MAX_BODY":      &cfg.Server.MaxBody,
		"PADI_LLM_BASE_URL":  &cfg.LLM.BaseURL,
		"OPENAI_API_KEY":     &cfg.LLM.Token,
		"PADI_DEFAULT_MODEL": &cfg.LLM.DefaultModel,
		"PADI_TITLE_MODEL":   &cfg.LLM.TitleModel,
		"PADI_SERVER_URL":    &cfg.Client.ServerURL,
		"PADI_STATE_PATH":    &cfg.Client.StatePath,
		"PADI_LOG_LEVEL":     &cfg.Logging.Level,
		"PADI_LOG_FORMAT":    &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PADI_QUOTA_ANONYMOUS": &cfg.Limits.Anonymous,
		"PADI_QUOTA_FREE":      &cfg.Limits.Free,
		"PADI_QUOTA_PAID":      &cfg.Limits.Paid,
		"PADI_PREFETCH":        &cfg.Client.Prefetch,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}

	if v := strings.TrimSpace(os.Getenv("PADI_STREAM_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PADI_STREAM_TIMEOUT: %w", err)
		}
		cfg.LLM.StreamTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address must be set")
	}
	if c.Server.DBPath == "" {
		return errors.New("server.db_path must be set")
	}
	if _, err := c.MaxBodyBytes(); err != nil {
		return err
	}
	if c.Limits.Anonymous < 0 || c.Limits.Free < 0 || c.Limits.Paid < 0 {
		return errors.New("limits must not be negative")
	}
	if c.Limits.ChatEvents <= 0 || c.Limits.ChatWindow <= 0 {
		return errors.New("limits.chat_events and limits.chat_window must be positive")
	}
	if c.Limits.TitleEvents <= 0 || c.Limits.TitleWindow <= 0 {
		return errors.New("limits.title_events and limits.title_window must be positive")
	}
	return nil
}

func (c Config) MaxBodyBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Server.MaxBody)
	if err != nil {
		return 0, fmt.Errorf("invalid server.max_body %q: %w", c.Server.MaxBody, err)
	}
	return int64(n), nil
}

// QuotaLimits returns the daily allowance per tier.
func (l LimitsConfig) QuotaLimits() map[string]int {
	return map[string]int{
		usage.TierAnonymous: l.Anonymous,
		usage.TierFree:      l.Free,
		usage.TierPaid:      l.Paid,
	}
}
