package config

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/codec"
	"profmon-sim-go/internal/synth"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateModel(); err != nil {
		return err
	}
	if c.Catalog.Path == "" {
		return errors.New("catalog.path must be set")
	}
	if _, err := synth.ParseMode(c.Synth.Mode); err != nil {
		return fmt.Errorf("synth.mode: %w", err)
	}
	if c.Server.Enabled && c.Server.Bind == "" {
		return errors.New("server.bind must be set when server.enabled is true")
	}
	if c.Simulator.BetaMin <= 0 || c.Simulator.BetaMax < c.Simulator.BetaMin {
		return errors.New("simulator.beta_min must be positive and not above simulator.beta_max")
	}
	if c.Simulator.OrbitJitterMM < 0 {
		return errors.New("simulator.orbit_jitter_mm must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateModel() error {
	for _, p := range []struct {
		key  string
		port int
	}{
		{"model.port", c.Model.Port},
		{"model.broadcast_port", c.Model.BroadcastPort},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.key, p.port)
		}
	}
	if c.Model.Port == c.Model.BroadcastPort {
		return errors.New("model.port and model.broadcast_port must differ")
	}
	if _, err := codec.ByName(c.Model.Codec); err != nil {
		return fmt.Errorf("model.codec: %w", err)
	}
	return nil
}
