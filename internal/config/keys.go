package config

import (
	"fmt"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TELLUS_SERVER_PORT",
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TELLUS_API_TOKEN", secret: true,
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TELLUS_STORAGE_DATA_DIR",
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.enabled", typ: kBool, env: "TELLUS_OLLAMA_ENABLED",
		extract: func(cfg Config) any { return cfg.Ollama.Enabled },
	},
	{
		key: "ollama.base_url", typ: kString, env: "TELLUS_OLLAMA_BASE_URL",
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.base_model", typ: kString, env: "TELLUS_OLLAMA_BASE_MODEL",
		extract: func(cfg Config) any { return cfg.Ollama.BaseModel },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "TELLUS_OPENROUTER_API_KEY", secret: true,
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.base_url", typ: kString, env: "TELLUS_PROXY_BASE_URL",
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "routing.fallback_model", typ: kString, env: "TELLUS_ROUTING_FALLBACK_MODEL",
		extract: func(cfg Config) any { return cfg.Routing.FallbackModel },
	},
	{
		key: "distill.enabled", typ: kBool, env: "TELLUS_DISTILL_ENABLED",
		extract: func(cfg Config) any { return cfg.Distill.Enabled },
	},
	{
		key: "distill.idle_threshold", typ: kDuration, env: "TELLUS_DISTILL_IDLE_THRESHOLD",
		extract: func(cfg Config) any { return cfg.Distill.IdleThreshold },
	},
	{
		key: "distill.throttle", typ: kDuration, env: "TELLUS_DISTILL_THROTTLE",
		extract: func(cfg Config) any { return cfg.Distill.Throttle },
	},
	{
		key: "distill.poll_interval", typ: kDuration, env: "TELLUS_DISTILL_POLL_INTERVAL",
		extract: func(cfg Config) any { return cfg.Distill.PollInterval },
	},
	{
		key: "distill.teacher_timeout", typ: kDuration, env: "TELLUS_DISTILL_TEACHER_TIMEOUT",
		extract: func(cfg Config) any { return cfg.Distill.TeacherTimeout },
	},
	{
		key: "distill.snippet_limit", typ: kInt, env: "TELLUS_DISTILL_SNIPPET_LIMIT",
		extract: func(cfg Config) any { return cfg.Distill.SnippetLimit },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "TELLUS_TELEMETRY_ENABLED",
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "TELLUS_LOG_LEVEL",
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// envToKey maps a TELLUS_* variable to its config key. Unknown variables map
// to "" and are ignored by the env provider.
func envToKey(name string) string {
	for _, s := range specs {
		if s.env == name {
			return s.key
		}
	}
	return ""
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw CLI value to the key's type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		return b, nil
	case kDuration:
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		return raw, nil
	}
	return raw, nil
}
