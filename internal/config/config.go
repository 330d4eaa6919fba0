package config

import (
	_ "embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Model addresses the physics model's command and broadcast endpoints.
type Model struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	BroadcastPort       int    `toml:"broadcast_port"`
	Codec               string `toml:"codec"`
	PrimeTimeoutSeconds int    `toml:"prime_timeout_seconds"`
	PollMillis          int    `toml:"poll_ms"`
}

// Catalog points at the camera geometry file.
type Catalog struct {
	Path string `toml:"path"`
}

// Synth selects the image synthesis mode.
type Synth struct {
	Mode      string `toml:"mode"`
	Particles int    `toml:"particles"`
	Seed      uint64 `toml:"seed"`
}

type Ingest struct {
	LogEvery int `toml:"log_every"`
}

// Server configures the HTTP/websocket status surface.
type Server struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Rawlog records every broadcast frame pair to disk.
type Rawlog struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type Snapshots struct {
	Dir string `toml:"dir"`
}

// Channels configures the utility channels registered next to the cameras.
type Channels struct {
	IncludeDefaults bool     `toml:"include_defaults"`
	Utility         []string `toml:"utility"`
}

// Simulator drives the stand-in model started by `profmon-sim model`.
type Simulator struct {
	IntervalMillis int     `toml:"interval_ms"`
	OrbitJitterMM  float64 `toml:"orbit_jitter_mm"`
	BetaMin        float64 `toml:"beta_min"`
	BetaMax        float64 `toml:"beta_max"`
	Seed           uint64  `toml:"seed"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for profmon-sim.
type Config struct {
	Model     Model     `toml:"model"`
	Catalog   Catalog   `toml:"catalog"`
	Synth     Synth     `toml:"synth"`
	Ingest    Ingest    `toml:"ingest"`
	Server    Server    `toml:"server"`
	Rawlog    Rawlog    `toml:"rawlog"`
	Snapshots Snapshots `toml:"snapshots"`
	Channels  Channels  `toml:"channels"`
	Simulator Simulator `toml:"simulator"`
	Logging   Logging   `toml:"logging"`
}

// Load reads path (when non-empty), applies environment overrides, then
// normalizes and validates. Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MODEL_HOST"); ok && strings.TrimSpace(v) != "" {
		c.Model.Host = strings.TrimSpace(v)
	}
	for _, env := range []struct {
		name string
		dst  *int
	}{
		{"MODEL_PORT", &c.Model.Port},
		{"MODEL_BROADCAST_PORT", &c.Model.BroadcastPort},
	} {
		v, ok := lookup(env.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", env.name, err)
		}
		*env.dst = port
	}
	return nil
}

// CommandEndpoint is where the REQ socket connects.
func (c *Config) CommandEndpoint() string {
	return tcpEndpoint(c.Model.Host, c.Model.Port)
}

// BroadcastEndpoint is where the SUB socket connects.
func (c *Config) BroadcastEndpoint() string {
	return tcpEndpoint(c.Model.Host, c.Model.BroadcastPort)
}

// BindCommandEndpoint and BindBroadcastEndpoint are the addresses the
// simulated model binds.
func (c *Config) BindCommandEndpoint() string {
	return tcpEndpoint("*", c.Model.Port)
}

func (c *Config) BindBroadcastEndpoint() string {
	return tcpEndpoint("*", c.Model.BroadcastPort)
}

func (c *Config) PrimeTimeout() time.Duration {
	return time.Duration(c.Model.PrimeTimeoutSeconds) * time.Second
}

func (c *Config) Poll() time.Duration {
	return time.Duration(c.Model.PollMillis) * time.Millisecond
}

func (c *Config) SimulatorInterval() time.Duration {
	return time.Duration(c.Simulator.IntervalMillis) * time.Millisecond
}

func tcpEndpoint(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes the sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
