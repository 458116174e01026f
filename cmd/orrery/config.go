package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/star/orrery/internal/auth"
	"github.com/star/orrery/internal/calendar"
	"github.com/star/orrery/internal/engine"
	"github.com/star/orrery/internal/httputil"
	"github.com/star/orrery/internal/observability"
	"github.com/star/orrery/internal/registry"
	"github.com/star/orrery/internal/stream"
)

// config mirrors the optional YAML file named by ORRERY_CONFIG_FILE.
// Environment variables override every field.
type config struct {
	HTTPAddr   string           `yaml:"http_addr"`
	LogLevel   string           `yaml:"log_level"`
	Auth       authConfig       `yaml:"auth"`
	Bodies     bodiesConfig     `yaml:"bodies"`
	Simulation simulationConfig `yaml:"simulation"`
	Stream     streamConfig     `yaml:"stream"`
	Control    controlConfig    `yaml:"control"`
	Tracing    tracingConfig    `yaml:"tracing"`
}

type authConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type bodiesConfig struct {
	EnableFetch   bool          `yaml:"enable_fetch"`
	SourceURL     string        `yaml:"source_url"`
	Token         string        `yaml:"token"`
	CacheDir      string        `yaml:"cache_dir"`
	MaxFiles      int           `yaml:"max_files"`
	MaxAge        time.Duration `yaml:"max_age"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type simulationConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	SecondsPerDay float64       `yaml:"seconds_per_day"`
	InitialRate   float64       `yaml:"initial_rate"`
	MaxRate       float64       `yaml:"max_rate"`
	StartPaused   bool          `yaml:"start_paused"`
	StartDate     string        `yaml:"start_date"`
	FrameBuffer   int           `yaml:"frame_buffer"`
	MinMoons      int           `yaml:"min_moons"`
	MaxMoons      int           `yaml:"max_moons"`
	MinMoonRadius float64       `yaml:"min_moon_radius"`
	Retrograde    []string      `yaml:"retrograde"`
	ReferenceBody string        `yaml:"reference_body"`
}

type streamConfig struct {
	MaxConcurrentPerIP int           `yaml:"max_concurrent_per_ip"`
	MaxTotal           int           `yaml:"max_total"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	DefaultInterval    time.Duration `yaml:"default_interval"`
	TrustProxy         bool          `yaml:"trust_proxy"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
}

type controlConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type tracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func defaultConfig() config {
	reg := registry.DefaultConfig()
	return config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Bodies: bodiesConfig{
			EnableFetch:   true,
			CacheDir:      "/tmp/orrery/bodies",
			MaxFiles:      5,
			MaxAge:        24 * time.Hour,
			RetryInterval: 30 * time.Second,
		},
		Simulation: simulationConfig{
			TickInterval:  20 * time.Millisecond,
			SecondsPerDay: 1,
			InitialRate:   1,
			FrameBuffer:   256,
			MinMoons:      reg.MinMoons,
			MaxMoons:      reg.MaxMoons,
			MinMoonRadius: reg.MinMoonRadius,
			Retrograde:    reg.Retrograde,
			ReferenceBody: reg.ReferenceBody,
		},
		Stream: streamConfig{
			MaxConcurrentPerIP: 10,
			MaxTotal:           1000,
			KeepaliveInterval:  30 * time.Second,
			DefaultInterval:    100 * time.Millisecond,
		},
		Control: controlConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
		Tracing: tracingConfig{
			Exporter:    "stdout",
			ServiceName: "orrery",
			SampleRatio: 1,
		},
	}
}

// loadConfigFile returns the defaults overlaid with ORRERY_CONFIG_FILE,
// if set.
func loadConfigFile(logger *slog.Logger) (config, error) {
	cfg := defaultConfig()
	path := os.Getenv("ORRERY_CONFIG_FILE")
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	logger.Info("loaded config file", "path", path)
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

// loadLogLevel applies ORRERY_LOG_LEVEL, falling back to the file value.
func loadLogLevel(logger *slog.Logger, level *slog.LevelVar, fileLevel string) {
	name := fileLevel
	if v := os.Getenv("ORRERY_LOG_LEVEL"); v != "" {
		name = v
	}
	l, err := parseLevel(name)
	if err != nil {
		logger.Warn("invalid log level, using info", "value", name)
		l = slog.LevelInfo
	}
	level.Set(l)
}

func loadAuthConfig(logger *slog.Logger, file authConfig) (auth.Config, error) {
	cfg := auth.Config{Enabled: file.Enabled, Token: file.Token}

	if v := os.Getenv("ORRERY_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.New("ORRERY_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}
	if v := os.Getenv("ORRERY_AUTH_TOKEN"); v != "" {
		cfg.Token = v
	}

	if cfg.Enabled {
		if cfg.Token == "" {
			return cfg, errors.New("ORRERY_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}
	return cfg, nil
}

func loadBodiesConfig(logger *slog.Logger, cfg bodiesConfig) bodiesConfig {
	cfg.EnableFetch = envBool(logger, "ORRERY_ENABLE_FETCH", cfg.EnableFetch)
	if v := os.Getenv("ORRERY_SOURCE_URL"); v != "" {
		cfg.SourceURL = v
	}
	if v := os.Getenv("ORRERY_SOURCE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("ORRERY_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	cfg.MaxFiles = envInt(logger, "ORRERY_CACHE_MAX_FILES", cfg.MaxFiles, 1)
	cfg.MaxAge = envDuration(logger, "ORRERY_CACHE_MAX_AGE", cfg.MaxAge)
	cfg.RetryInterval = envDuration(logger, "ORRERY_RETRY_INTERVAL", cfg.RetryInterval)

	logger.Info("bodies config",
		"enable_fetch", cfg.EnableFetch,
		"source_url", cfg.SourceURL,
		"cache_dir", cfg.CacheDir,
		"cache_max_files", cfg.MaxFiles,
		"max_age_seconds", cfg.MaxAge.Seconds(),
	)
	return cfg
}

// loadEngineConfig returns the controller config and the frame buffer size.
func loadEngineConfig(logger *slog.Logger, file simulationConfig) (engine.Config, int, error) {
	positive := func(v float64) bool { return v > 0 && !math.IsInf(v, 0) }
	nonNegative := func(v float64) bool { return v >= 0 && !math.IsInf(v, 0) }

	reg := registry.Config{
		MinMoons:      envInt(logger, "ORRERY_MIN_MOONS", file.MinMoons, 0),
		MaxMoons:      envInt(logger, "ORRERY_MAX_MOONS", file.MaxMoons, 1),
		MinMoonRadius: envFloat(logger, "ORRERY_MIN_MOON_RADIUS", file.MinMoonRadius, nonNegative),
		Retrograde:    envList("ORRERY_RETROGRADE", file.Retrograde),
		ReferenceBody: file.ReferenceBody,
	}
	if v := os.Getenv("ORRERY_REFERENCE_BODY"); v != "" {
		reg.ReferenceBody = v
	}
	if reg.MinMoons > reg.MaxMoons {
		logger.Warn("min moons exceeds max moons, clamping", "min_moons", reg.MinMoons, "max_moons", reg.MaxMoons)
		reg.MinMoons = reg.MaxMoons
	}

	cfg := engine.Config{
		TickInterval:  envDuration(logger, "ORRERY_TICK_INTERVAL", file.TickInterval),
		SecondsPerDay: envFloat(logger, "ORRERY_SECONDS_PER_DAY", file.SecondsPerDay, positive),
		InitialRate:   envFloat(logger, "ORRERY_INITIAL_RATE", file.InitialRate, positive),
		MaxRate:       envFloat(logger, "ORRERY_MAX_RATE", file.MaxRate, nonNegative),
		StartPaused:   envBool(logger, "ORRERY_START_PAUSED", file.StartPaused),
		Registry:      reg,
	}
	if cfg.MaxRate > 0 && cfg.InitialRate > cfg.MaxRate {
		return cfg, 0, fmt.Errorf("initial rate %v exceeds max rate %v", cfg.InitialRate, cfg.MaxRate)
	}

	startDate := file.StartDate
	if v := os.Getenv("ORRERY_START_DATE"); v != "" {
		startDate = v
	}
	start, err := calendar.ParseStart(startDate, time.Now())
	if err != nil {
		return cfg, 0, err
	}
	cfg.StartDate = start

	bufSize := envInt(logger, "ORRERY_FRAME_BUFFER", file.FrameBuffer, 1)

	logger.Info("simulation config",
		"tick_interval_ms", cfg.TickInterval.Milliseconds(),
		"seconds_per_day", cfg.SecondsPerDay,
		"initial_rate", cfg.InitialRate,
		"max_rate", cfg.MaxRate,
		"start_paused", cfg.StartPaused,
		"start_date", cfg.StartDate.Format(time.DateOnly),
		"min_moons", reg.MinMoons,
		"max_moons", reg.MaxMoons,
		"min_moon_radius_km", reg.MinMoonRadius,
		"retrograde", reg.Retrograde,
		"reference_body", reg.ReferenceBody,
		"frame_buffer", bufSize,
	)
	return cfg, bufSize, nil
}

func loadStreamConfig(logger *slog.Logger, file streamConfig) stream.Config {
	cfg := stream.Config{
		MaxConcurrentPerIP: envInt(logger, "ORRERY_STREAM_MAX_CONCURRENT", file.MaxConcurrentPerIP, 1),
		MaxTotal:           envInt(logger, "ORRERY_STREAM_MAX_TOTAL", file.MaxTotal, 1),
		KeepaliveInterval:  envDuration(logger, "ORRERY_STREAM_KEEPALIVE_INTERVAL", file.KeepaliveInterval),
		DefaultInterval:    envDuration(logger, "ORRERY_STREAM_DEFAULT_INTERVAL", file.DefaultInterval),
		TrustProxy:         envBool(logger, "ORRERY_TRUST_PROXY", file.TrustProxy),
		AllowedOrigins:     envList("ORRERY_ALLOWED_ORIGINS", file.AllowedOrigins),
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"max_total", cfg.MaxTotal,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
		"trust_proxy", cfg.TrustProxy,
		"allowed_origins", cfg.AllowedOrigins,
	)
	return cfg
}

// loadControlLimiter returns the per-IP limiter for control routes, or nil
// when ORRERY_CONTROL_RATE is 0.
func loadControlLimiter(logger *slog.Logger, file controlConfig) *httputil.IPRateLimiter {
	perSecond := envFloat(logger, "ORRERY_CONTROL_RATE", file.RatePerSecond, func(v float64) bool {
		return v >= 0 && !math.IsInf(v, 0)
	})
	burst := envInt(logger, "ORRERY_CONTROL_BURST", file.Burst, 1)
	if perSecond == 0 {
		logger.Info("control rate limit disabled")
		return nil
	}
	logger.Info("control rate limit", "per_second", perSecond, "burst", burst)
	return httputil.NewIPRateLimiter(perSecond, burst)
}

func loadTracingConfig(logger *slog.Logger, file tracingConfig) observability.TracingConfig {
	cfg := observability.TracingConfig{
		Enabled:     envBool(logger, "ORRERY_TRACING_ENABLED", file.Enabled),
		Exporter:    file.Exporter,
		ServiceName: file.ServiceName,
		SampleRatio: envFloat(logger, "ORRERY_TRACING_SAMPLE_RATIO", file.SampleRatio, func(v float64) bool {
			return v >= 0 && v <= 1
		}),
	}
	if v := os.Getenv("ORRERY_TRACING_EXPORTER"); v != "" {
		cfg.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("ORRERY_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	return cfg
}

func envBool(logger *slog.Logger, key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid boolean value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envInt(logger *slog.Logger, key string, def, min int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		logger.Warn("invalid integer value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(logger *slog.Logger, key string, def float64, valid func(float64) bool) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || !valid(f) {
		logger.Warn("invalid numeric value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envDuration accepts Go duration strings ("20ms", "24h") or bare seconds.
func envDuration(logger *slog.Logger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	logger.Warn("invalid duration value, using default", "key", key, "value", v, "default", def.String())
	return def
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
