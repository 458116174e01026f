package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func writeConfigFile(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orrery.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ORRERY_CONFIG_FILE", path)
}

func TestLoadConfigFileDefaults(t *testing.T) {
	t.Setenv("ORRERY_CONFIG_FILE", "")
	cfg, err := loadConfigFile(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Simulation.MaxMoons != 8 || cfg.Simulation.ReferenceBody != "Earth" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	writeConfigFile(t, `
http_addr: ":9090"
auth:
  enabled: true
  token: from-file
simulation:
  tick_interval: 50ms
  seconds_per_day: 2.5
  retrograde: [triton, phoebe]
  max_moons: 4
bodies:
  max_age: 1h
`)
	cfg, err := loadConfigFile(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("http_addr = %q", cfg.HTTPAddr)
	}
	if !cfg.Auth.Enabled || cfg.Auth.Token != "from-file" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	sim := cfg.Simulation
	if sim.TickInterval != 50*time.Millisecond || sim.SecondsPerDay != 2.5 || sim.MaxMoons != 4 {
		t.Errorf("simulation = %+v", sim)
	}
	if !slices.Equal(sim.Retrograde, []string{"triton", "phoebe"}) {
		t.Errorf("retrograde = %v", sim.Retrograde)
	}
	// Unset keys keep their defaults.
	if sim.MinMoons != 2 || cfg.Bodies.MaxFiles != 5 {
		t.Errorf("defaults lost: min_moons = %d, max_files = %d", sim.MinMoons, cfg.Bodies.MaxFiles)
	}
	if cfg.Bodies.MaxAge != time.Hour {
		t.Errorf("max_age = %v", cfg.Bodies.MaxAge)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "simulation:\n  warp: 9\n"},
		{"wrong type", "simulation:\n  max_moons: many\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfigFile(t, tt.body)
			if _, err := loadConfigFile(testLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("ORRERY_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
		if _, err := loadConfigFile(testLogger()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		writeConfigFile(t, "")
		if _, err := loadConfigFile(testLogger()); err != nil {
			t.Errorf("empty file: %v", err)
		}
	})
}

func TestLoadAuthConfig(t *testing.T) {
	tests := []struct {
		name        string
		file        authConfig
		enabled     string
		token       string
		wantEnabled bool
		wantToken   string
		wantErr     bool
	}{
		{name: "disabled by default"},
		{name: "enabled with token", enabled: "true", token: "abc", wantEnabled: true, wantToken: "abc"},
		{name: "enabled without token", enabled: "1", wantErr: true},
		{name: "not a bool", enabled: "yes please", wantErr: true},
		{name: "file token", file: authConfig{Enabled: true, Token: "f"}, wantEnabled: true, wantToken: "f"},
		{name: "env overrides file", file: authConfig{Enabled: true, Token: "f"}, enabled: "false", wantToken: "f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ORRERY_AUTH_ENABLED", tt.enabled)
			t.Setenv("ORRERY_AUTH_TOKEN", tt.token)
			cfg, err := loadAuthConfig(testLogger(), tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Enabled != tt.wantEnabled || cfg.Token != tt.wantToken {
				t.Errorf("cfg = %+v", cfg)
			}
		})
	}
}

func TestLoadEngineConfigEnvOverrides(t *testing.T) {
	t.Setenv("ORRERY_SECONDS_PER_DAY", "2")
	t.Setenv("ORRERY_INITIAL_RATE", "-1")
	t.Setenv("ORRERY_MAX_MOONS", "4")
	t.Setenv("ORRERY_MIN_MOONS", "6")
	t.Setenv("ORRERY_RETROGRADE", "triton, phoebe,")
	t.Setenv("ORRERY_REFERENCE_BODY", "mars")
	t.Setenv("ORRERY_START_DATE", "2024-03-01")
	t.Setenv("ORRERY_TICK_INTERVAL", "40ms")
	t.Setenv("ORRERY_FRAME_BUFFER", "0")

	cfg, bufSize, err := loadEngineConfig(testLogger(), defaultConfig().Simulation)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SecondsPerDay != 2 {
		t.Errorf("seconds per day = %v", cfg.SecondsPerDay)
	}
	if cfg.InitialRate != 1 {
		t.Errorf("invalid initial rate not ignored: %v", cfg.InitialRate)
	}
	if cfg.TickInterval != 40*time.Millisecond {
		t.Errorf("tick interval = %v", cfg.TickInterval)
	}
	if cfg.Registry.MaxMoons != 4 || cfg.Registry.MinMoons != 4 {
		t.Errorf("moons = %d..%d, want min clamped to 4", cfg.Registry.MinMoons, cfg.Registry.MaxMoons)
	}
	if !slices.Equal(cfg.Registry.Retrograde, []string{"triton", "phoebe"}) {
		t.Errorf("retrograde = %v", cfg.Registry.Retrograde)
	}
	if cfg.Registry.ReferenceBody != "mars" {
		t.Errorf("reference = %q", cfg.Registry.ReferenceBody)
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC); !cfg.StartDate.Equal(want) {
		t.Errorf("start date = %v", cfg.StartDate)
	}
	if bufSize != 256 {
		t.Errorf("frame buffer = %d, want default 256", bufSize)
	}
}

func TestLoadEngineConfigErrors(t *testing.T) {
	t.Run("bad start date", func(t *testing.T) {
		t.Setenv("ORRERY_START_DATE", "the day after tomorrow")
		if _, _, err := loadEngineConfig(testLogger(), defaultConfig().Simulation); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("initial above max", func(t *testing.T) {
		t.Setenv("ORRERY_INITIAL_RATE", "10")
		t.Setenv("ORRERY_MAX_RATE", "5")
		if _, _, err := loadEngineConfig(testLogger(), defaultConfig().Simulation); err == nil {
			t.Error("expected error")
		}
	})
}

func TestEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"20ms", 20 * time.Millisecond},
		{"90", 90 * time.Second},
		{"-5s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("ORRERY_TEST_DURATION", tt.value)
		if got := envDuration(testLogger(), "ORRERY_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestLoadControlLimiter(t *testing.T) {
	t.Setenv("ORRERY_CONTROL_RATE", "0")
	if l := loadControlLimiter(testLogger(), defaultConfig().Control); l != nil {
		t.Error("limiter enabled with rate 0")
	}
	t.Setenv("ORRERY_CONTROL_RATE", "2")
	if l := loadControlLimiter(testLogger(), defaultConfig().Control); l == nil {
		t.Error("limiter disabled with rate 2")
	}
}

func TestLoadLogLevel(t *testing.T) {
	tests := []struct {
		env, file string
		want      slog.Level
	}{
		{"", "info", slog.LevelInfo},
		{"debug", "info", slog.LevelDebug},
		{"", "WARN", slog.LevelWarn},
		{"loud", "info", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Setenv("ORRERY_LOG_LEVEL", tt.env)
		var level slog.LevelVar
		loadLogLevel(testLogger(), &level, tt.file)
		if level.Level() != tt.want {
			t.Errorf("env %q file %q: level = %v, want %v", tt.env, tt.file, level.Level(), tt.want)
		}
	}
}

func TestLoadTracingConfig(t *testing.T) {
	t.Setenv("ORRERY_TRACING_ENABLED", "true")
	t.Setenv("ORRERY_TRACING_SAMPLE_RATIO", "2")
	t.Setenv("ORRERY_TRACING_EXPORTER", "STDERR")
	cfg := loadTracingConfig(testLogger(), defaultConfig().Tracing)
	if !cfg.Enabled || cfg.SampleRatio != 1 || cfg.Exporter != "stderr" || cfg.ServiceName != "orrery" {
		t.Errorf("cfg = %+v", cfg)
	}
}
