package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/tellus/internal/classify"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values apply when no file exists.
func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Distill.IdleThreshold != 5*time.Minute || cfg.Distill.Throttle != 2*time.Second {
		t.Errorf("Distill = %+v", cfg.Distill)
	}
	if cfg.Distill.TeacherTimeout != time.Minute {
		t.Errorf("TeacherTimeout = %s, want 1m", cfg.Distill.TeacherTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if diff := cmp.Diff(classify.DefaultDomains(), cfg.DomainTable()); diff != "" {
		t.Errorf("DomainTable mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFrom_File(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 5000
distill:
  idle_threshold: 90s
  throttle: 0s
log:
  level: debug
domains:
  - name: glaciology
    keywords: [glacier, ice sheet]
    teacher_models: [llama3.2]
    priority: 40
complexity:
  low: [glance]
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Distill.IdleThreshold != 90*time.Second || cfg.Distill.Throttle != 0 {
		t.Errorf("Distill = %+v", cfg.Distill)
	}
	if cfg.Distill.TeacherTimeout != time.Minute {
		t.Errorf("unset key lost its default: TeacherTimeout = %s", cfg.Distill.TeacherTimeout)
	}

	want := []classify.Domain{{
		Name:           "glaciology",
		Keywords:       []string{"glacier", "ice sheet"},
		TeacherModels:  []string{"llama3.2"},
		Priority:       40,
		BaseConfidence: 1,
	}}
	if diff := cmp.Diff(want, cfg.DomainTable()); diff != "" {
		t.Errorf("DomainTable mismatch (-want +got):\n%s", diff)
	}

	ind := cfg.Indicators()
	if len(ind.Low) != 1 || ind.Low[0] != "glance" {
		t.Errorf("Low = %v, want [glance]", ind.Low)
	}
	if len(ind.High) == 0 {
		t.Error("unset tier should keep its defaults")
	}
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 5000\n")
	t.Setenv("TELLUS_SERVER_PORT", "6000")
	t.Setenv("TELLUS_OPENROUTER_API_KEY", "env-key")
	t.Setenv("TELLUS_DISTILL_IDLE_THRESHOLD", "10m")
	t.Setenv("TELLUS_UNRELATED", "ignored")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Proxy.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want env-key", cfg.Proxy.OpenRouterAPIKey)
	}
	if cfg.Distill.IdleThreshold != 10*time.Minute {
		t.Errorf("IdleThreshold = %s, want 10m", cfg.Distill.IdleThreshold)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"zero idle", "distill:\n  idle_threshold: 0s\n", "idle_threshold"},
		{"domain without keywords", "domains:\n  - name: x\n", "no keywords"},
		{"duplicate domain", "domains:\n  - name: x\n    keywords: [a]\n  - name: x\n    keywords: [b]\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeTempConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSetKeyIn(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 5000\n")

	if err := SetKeyIn(path, "log.level", "debug"); err != nil {
		t.Fatalf("SetKeyIn: %v", err)
	}
	if err := SetKeyIn(path, "distill.throttle", "5s"); err != nil {
		t.Fatalf("SetKeyIn: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Distill.Throttle != 5*time.Second {
		t.Errorf("level=%q throttle=%s", cfg.Log.Level, cfg.Distill.Throttle)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("existing key lost: port = %d", cfg.Server.Port)
	}
}

func TestSetKeyIn_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	tests := []struct {
		key, value, want string
	}{
		{"no.such.key", "1", "unknown config key"},
		{"proxy.openrouter_api_key", "sk", "cannot set secret"},
		{"server.port", "abc", "invalid integer"},
		{"distill.throttle", "soon", "invalid duration"},
		{"telemetry.enabled", "maybe", "invalid bool"},
	}
	for _, tt := range tests {
		err := SetKeyIn(path, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("SetKeyIn(%s=%s) = %v, want %q", tt.key, tt.value, err, tt.want)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected writes must not create the file")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Proxy.OpenRouterAPIKey = "sk-secret"
	cfg.Server.APIToken = "tok"

	for _, ki := range ShowAll(cfg) {
		if ki.Value == "sk-secret" || ki.Value == "tok" {
			t.Errorf("secret leaked via %s", ki.Key)
		}
	}
	for _, k := range ValidKeys() {
		if k == "server.api_token" || k == "proxy.openrouter_api_key" {
			t.Errorf("ValidKeys includes secret %s", k)
		}
	}
}

func TestPath_Override(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom.yaml")
	if got := Path(); got != "/tmp/custom.yaml" {
		t.Errorf("Path = %q", got)
	}
}
