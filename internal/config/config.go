// Package config loads agent and rendezvous server settings from an optional
// YAML file, an optional .env file and PENGUINMESH_* environment variables,
// in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log struct {
		// dev | prod
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Agent struct {
		// ID is normally minted at start; set it to pin the participant id.
		ID       string `yaml:"id"`
		Username string `yaml:"username"`
		// Listen is where the mesh hub accepts peers.
		Listen string `yaml:"listen"`
		// Advertise is the address other peers dial (defaults to Listen).
		Advertise     string        `yaml:"advertise"`
		Peers         []string      `yaml:"peers"`
		Tick          time.Duration `yaml:"tick"`
		PositionEvery int           `yaml:"position_every"`
		Spawn         struct {
			X float64 `yaml:"x"`
			Y float64 `yaml:"y"`
		} `yaml:"spawn"`
		DialRetries    int           `yaml:"dial_retries"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
	} `yaml:"agent"`

	Discovery struct {
		MDNS    bool   `yaml:"mdns"`
		Service string `yaml:"service"`
		// Rendezvous is the base URL of a rendezvous server; empty disables it.
		Rendezvous string `yaml:"rendezvous"`
		Room       string `yaml:"room"`
	} `yaml:"discovery"`

	UI struct {
		Addr         string        `yaml:"addr"`
		StaticDir    string        `yaml:"static_dir"`
		ChatDedupTTL time.Duration `yaml:"chat_dedup_ttl"`
	} `yaml:"ui"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Server struct {
		Addr      string        `yaml:"addr"`
		RedisAddr string        `yaml:"redis_addr"`
		RedisDB   int           `yaml:"redis_db"`
		RosterTTL time.Duration `yaml:"roster_ttl"`
	} `yaml:"server"`
}

// Load reads path (skipped when empty), applies .env and environment
// overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // .env is optional

	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Agent.Listen == "" {
		c.Agent.Listen = ":7420"
	}
	if c.Agent.Advertise == "" {
		c.Agent.Advertise = c.Agent.Listen
	}
	if c.Agent.Tick == 0 {
		c.Agent.Tick = 16 * time.Millisecond
	}
	if c.Agent.PositionEvery == 0 {
		c.Agent.PositionEvery = 1
	}
	if c.Agent.Spawn.X == 0 && c.Agent.Spawn.Y == 0 {
		c.Agent.Spawn.X, c.Agent.Spawn.Y = 1005, 490
	}
	if c.Agent.DialRetries == 0 {
		c.Agent.DialRetries = 8
	}
	if c.Agent.InitialBackoff == 0 {
		c.Agent.InitialBackoff = 250 * time.Millisecond
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "_penguinmesh._tcp"
	}
	if c.Discovery.Room == "" {
		c.Discovery.Room = "lobby"
	}
	if c.UI.Addr == "" {
		c.UI.Addr = "127.0.0.1:7421"
	}
	if c.UI.ChatDedupTTL == 0 {
		c.UI.ChatDedupTTL = 5 * time.Minute
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":7480"
	}
	if c.Server.RedisAddr == "" {
		c.Server.RedisAddr = "localhost:6379"
	}
	if c.Server.RosterTTL == 0 {
		c.Server.RosterTTL = 2 * time.Minute
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch {
	case c.Agent.Tick < time.Millisecond:
		return fmt.Errorf("%w: agent.tick %s is below 1ms", ErrInvalid, c.Agent.Tick)
	case c.Agent.PositionEvery < 1:
		return fmt.Errorf("%w: agent.position_every must be at least 1", ErrInvalid)
	case c.Agent.DialRetries < 0:
		return fmt.Errorf("%w: agent.dial_retries is negative", ErrInvalid)
	case c.Server.RosterTTL < time.Second:
		return fmt.Errorf("%w: server.roster_ttl %s is below 1s", ErrInvalid, c.Server.RosterTTL)
	}
	if c.Discovery.Rendezvous != "" && !strings.Contains(c.Discovery.Rendezvous, "://") {
		return fmt.Errorf("%w: discovery.rendezvous %q needs a scheme", ErrInvalid, c.Discovery.Rendezvous)
	}
	return nil
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.Log.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	if v, ok := getEnvStr("PENGUINMESH_ID"); ok {
		c.Agent.ID = v
	}
	if v, ok := getEnvStr("PENGUINMESH_USERNAME"); ok {
		c.Agent.Username = v
	}
	if v, ok := getEnvStr("PENGUINMESH_LISTEN"); ok {
		c.Agent.Listen = v
	}
	if v, ok := getEnvStr("PENGUINMESH_ADVERTISE"); ok {
		c.Agent.Advertise = v
	}
	if v, ok := getEnvCSV("PENGUINMESH_PEERS"); ok {
		c.Agent.Peers = v
	}
	if v, ok := getEnvDur("PENGUINMESH_TICK"); ok {
		c.Agent.Tick = v
	}
	if v, ok := getEnvInt("PENGUINMESH_POSITION_EVERY"); ok {
		c.Agent.PositionEvery = v
	}

	if v, ok := getEnvBool("PENGUINMESH_MDNS"); ok {
		c.Discovery.MDNS = v
	}
	if v, ok := getEnvStr("PENGUINMESH_RENDEZVOUS"); ok {
		c.Discovery.Rendezvous = v
	}
	if v, ok := getEnvStr("PENGUINMESH_ROOM"); ok {
		c.Discovery.Room = v
	}

	if v, ok := getEnvStr("PENGUINMESH_UI_ADDR"); ok {
		c.UI.Addr = v
	}
	if v, ok := getEnvStr("PENGUINMESH_METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}

	if v, ok := getEnvStr("PENGUINMESH_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Server.RedisAddr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Server.RedisDB = v
	}
	if v, ok := getEnvDur("PENGUINMESH_ROSTER_TTL"); ok {
		c.Server.RosterTTL = v
	}
}
