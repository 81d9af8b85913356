// Package config loads tellus configuration from defaults, a YAML file and
// TELLUS_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kalambet/tellus/internal/classify"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "TELLUS_CONFIG"

const envPrefix = "TELLUS_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Ollama     OllamaConfig     `koanf:"ollama"`
	Proxy      ProxyConfig      `koanf:"proxy"`
	Routing    RoutingConfig    `koanf:"routing"`
	Distill    DistillConfig    `koanf:"distill"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Log        LogConfig        `koanf:"log"`
	Domains    []DomainConfig   `koanf:"domains"`
	Complexity ComplexityConfig `koanf:"complexity"`
}

type ServerConfig struct {
	Port     int    `koanf:"port"`
	APIToken string `koanf:"api_token"`
}

type StorageConfig struct {
	DataDir string `koanf:"data_dir"`
}

type OllamaConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
	// BaseModel runs deployed specialists.
	BaseModel string `koanf:"base_model"`
}

type ProxyConfig struct {
	OpenRouterAPIKey string `koanf:"openrouter_api_key"`
	BaseURL          string `koanf:"base_url"`
}

type RoutingConfig struct {
	FallbackModel string `koanf:"fallback_model"`
}

type DistillConfig struct {
	Enabled        bool          `koanf:"enabled"`
	IdleThreshold  time.Duration `koanf:"idle_threshold"`
	Throttle       time.Duration `koanf:"throttle"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	TeacherTimeout time.Duration `koanf:"teacher_timeout"`
	SnippetLimit   int           `koanf:"snippet_limit"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// DomainConfig is the YAML form of a domain descriptor.
type DomainConfig struct {
	Name           string   `koanf:"name"`
	Keywords       []string `koanf:"keywords"`
	TeacherModels  []string `koanf:"teacher_models"`
	Specialization string   `koanf:"specialization"`
	Priority       int      `koanf:"priority"`
	BaseConfidence float64  `koanf:"base_confidence"`
}

// ComplexityConfig overrides the complexity indicator phrases. An empty tier
// keeps its default.
type ComplexityConfig struct {
	High   []string `koanf:"high"`
	Medium []string `koanf:"medium"`
	Low    []string `koanf:"low"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			Enabled:   true,
			BaseURL:   "http://localhost:11434",
			BaseModel: "llama3.2",
		},
		Proxy:   ProxyConfig{BaseURL: "https://openrouter.ai/api/v1"},
		Routing: RoutingConfig{FallbackModel: "llama3.2"},
		Distill: DistillConfig{
			Enabled:        true,
			IdleThreshold:  5 * time.Minute,
			Throttle:       2 * time.Second,
			PollInterval:   30 * time.Second,
			TeacherTimeout: 60 * time.Second,
			SnippetLimit:   20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tellus", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "tellus")
}

// Load reads the config file at Path, if any, then applies environment
// overrides.
func Load() (Config, error) {
	return LoadFrom(Path())
}

// LoadFrom is Load with an explicit file path. A missing file is not an error.
func LoadFrom(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	if c.Distill.IdleThreshold <= 0 {
		return fmt.Errorf("distill.idle_threshold must be positive, got %s", c.Distill.IdleThreshold)
	}
	if c.Distill.TeacherTimeout <= 0 {
		return fmt.Errorf("distill.teacher_timeout must be positive, got %s", c.Distill.TeacherTimeout)
	}
	seen := make(map[string]bool)
	for i, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domains[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("domains[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if len(d.Keywords) == 0 {
			return fmt.Errorf("domain %q has no keywords", d.Name)
		}
	}
	return nil
}

// DomainTable returns the configured domains, or the built-in table when
// none are configured. A zero base confidence means 1.
func (c Config) DomainTable() []classify.Domain {
	if len(c.Domains) == 0 {
		return classify.DefaultDomains()
	}
	out := make([]classify.Domain, 0, len(c.Domains))
	for _, d := range c.Domains {
		base := d.BaseConfidence
		if base == 0 {
			base = 1
		}
		out = append(out, classify.Domain{
			Name:           d.Name,
			Keywords:       d.Keywords,
			TeacherModels:  d.TeacherModels,
			Specialization: d.Specialization,
			Priority:       d.Priority,
			BaseConfidence: base,
		})
	}
	return out
}

// Indicators returns the complexity indicators with configured overrides.
func (c Config) Indicators() classify.Indicators {
	ind := classify.DefaultIndicators()
	if len(c.Complexity.High) > 0 {
		ind.High = c.Complexity.High
	}
	if len(c.Complexity.Medium) > 0 {
		ind.Medium = c.Complexity.Medium
	}
	if len(c.Complexity.Low) > 0 {
		ind.Low = c.Complexity.Low
	}
	return ind
}
