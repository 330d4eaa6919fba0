package config

import (
	"strings"

	"profmon-sim-go/internal/codec"
)

// Normalize trims strings, lowercases enumerations and fills zero values
// with defaults.
func (c *Config) Normalize() error {
	c.normalizeModel()
	c.normalizeSynth()
	c.normalizeChannels()
	c.normalizeLogging()

	c.Catalog.Path = strings.TrimSpace(c.Catalog.Path)
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultServerBind
	}
	if strings.TrimSpace(c.Rawlog.Dir) == "" {
		c.Rawlog.Dir = defaultRawlogDir
	}
	if strings.TrimSpace(c.Snapshots.Dir) == "" {
		c.Snapshots.Dir = defaultSnapshotDir
	}
	if c.Ingest.LogEvery <= 0 {
		c.Ingest.LogEvery = defaultIngestLogEvery
	}
	if c.Simulator.IntervalMillis <= 0 {
		c.Simulator.IntervalMillis = defaultSimulatorInterval
	}
	return nil
}

func (c *Config) normalizeModel() {
	c.Model.Host = strings.TrimSpace(c.Model.Host)
	if c.Model.Host == "" {
		c.Model.Host = defaultModelHost
	}
	c.Model.Codec = strings.ToLower(strings.TrimSpace(c.Model.Codec))
	if c.Model.Codec == "" {
		c.Model.Codec = codec.CBOR
	}
	if c.Model.PrimeTimeoutSeconds <= 0 {
		c.Model.PrimeTimeoutSeconds = defaultPrimeTimeoutSeconds
	}
	if c.Model.PollMillis <= 0 {
		c.Model.PollMillis = defaultPollMillis
	}
}

func (c *Config) normalizeSynth() {
	c.Synth.Mode = strings.ToLower(strings.TrimSpace(c.Synth.Mode))
	if c.Synth.Mode == "" {
		c.Synth.Mode = defaultSynthMode
	}
	if c.Synth.Particles <= 0 {
		c.Synth.Particles = defaultParticles
	}
}

func (c *Config) normalizeChannels() {
	seen := make(map[string]struct{}, len(c.Channels.Utility))
	out := c.Channels.Utility[:0]
	for _, name := range c.Channels.Utility {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	c.Channels.Utility = out
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console", "text":
		c.Logging.Format = "text"
	}
}
