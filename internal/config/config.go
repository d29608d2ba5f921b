package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/aapid/internal/protocol/frame"
	"github.com/danmuck/aapid/internal/server"
)

// Config is the resolved aapid daemon configuration.
type Config struct {
	NodeID         string
	ListenAddr     string
	AdminAddr      string
	IdleTimeout    time.Duration
	MaxConnections int
	ReadBufferSize int
	Commands       []string
	CorsOrigins    []string
	Log            LogConfig
}

type LogConfig struct {
	Level string
	JSON  bool
}

// fileConfig is the on-disk TOML shape.
type fileConfig struct {
	NodeID         string        `toml:"node_id"`
	ListenAddr     string        `toml:"listen_addr"`
	AdminAddr      string        `toml:"admin_addr"`
	IdleTimeout    string        `toml:"idle_timeout"`
	MaxConnections int           `toml:"max_connections"`
	ReadBufferSize int           `toml:"read_buffer_size"`
	Commands       []string      `toml:"commands"`
	CorsOrigins    []string      `toml:"cors_origins"`
	Log            fileLogConfig `toml:"log"`
}

type fileLogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

func Default() Config {
	return Config{
		NodeID:         "aapid.local",
		ListenAddr:     server.DefaultConfig().ListenAddr,
		AdminAddr:      "127.0.0.1:4057",
		IdleTimeout:    0,
		MaxConnections: 0,
		ReadBufferSize: server.DefaultConfig().ReadBufferSize,
		Commands:       []string{},
		CorsOrigins:    []string{"http://localhost:3000"},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads path and applies every key it defines on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("idle_timeout") {
		d, err := parseDuration(raw.IdleTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("commands") {
		cfg.Commands = normalizeList(raw.Commands)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("missing node_id")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("missing listen_addr")
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.ReadBufferSize != 0 && cfg.ReadBufferSize < frame.HeaderLen {
		return fmt.Errorf("read_buffer_size must be 0 or at least %d", frame.HeaderLen)
	}
	if admin := strings.TrimSpace(cfg.AdminAddr); admin != "" && admin == strings.TrimSpace(cfg.ListenAddr) {
		return fmt.Errorf("admin_addr must differ from listen_addr")
	}
	return nil
}

// Server returns the protocol listener settings.
func (c Config) Server() server.Config {
	return server.Config{
		ListenAddr:     c.ListenAddr,
		IdleTimeout:    c.IdleTimeout,
		MaxConnections: c.MaxConnections,
		ReadBufferSize: c.ReadBufferSize,
	}
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
