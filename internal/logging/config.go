package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "AAPID_LOG_LEVEL"
	EnvLogTimestamp = "AAPID_LOG_TIMESTAMP"
	EnvLogNoColor   = "AAPID_LOG_NOCOLOR"
	EnvLogJSON      = "AAPID_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	JSON      bool
}

// Option adjusts the profile defaults before environment overrides apply.
type Option func(*Config)

// WithLevel sets the level from a config-file string. Unknown values are ignored.
func WithLevel(raw string) Option {
	return func(cfg *Config) {
		if lvl, ok := parseLevel(raw); ok {
			cfg.Level = lvl
		}
	}
}

func WithJSON(v bool) Option {
	return func(cfg *Config) {
		cfg.JSON = v
	}
}

var configureOnce sync.Once

func ConfigureRuntime(opts ...Option) {
	Configure(ProfileRuntime, opts...)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the global zerolog logger once per process.
func Configure(profile Profile, opts ...Option) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		for _, opt := range opts {
			opt(&cfg)
		}
		applyEnvOverrides(&cfg)
		apply(cfg)
	})
}

func apply(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = New(cfg, os.Stderr)
}

// New builds a logger for cfg writing to out.
func New(cfg Config, out *os.File) zerolog.Logger {
	var w io.Writer = out
	if !cfg.JSON {
		console := zerolog.ConsoleWriter{
			Out:        colorable.NewColorable(out),
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
		if !cfg.Timestamp {
			console.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = console
	}
	ctx := zerolog.New(w).Level(cfg.Level).With().Str("app", "aapid")
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func defaultConfig(profile Profile) Config {
	cfg := Config{
		NoColor: !isTerminal(os.Stderr),
	}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
