package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"profmon-sim-go/internal/catalog"
	"profmon-sim-go/internal/client"
	"profmon-sim-go/internal/config"
	"profmon-sim-go/internal/logging"
)

type commandContext struct {
	configFlag *string
	logLevel   *string
	logFormat  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevel, logFormat *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		logLevel:   logLevel,
		logFormat:  logFormat,
	}
}

// ensureConfig loads the configuration once, applies the logging flags and
// configures the standard logger.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(flagValue(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if level := flagValue(c.logLevel); level != "" {
			cfg.Logging.Level = level
		}
		if format := flagValue(c.logFormat); format != "" {
			cfg.Logging.Format = format
		}
		if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) loadCatalog() (*config.Config, *catalog.Catalog, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cat, nil
}

// client targets url, or the configured server bind address.
func (c *commandContext) client(url string) (*client.Client, error) {
	if strings.TrimSpace(url) == "" {
		cfg, err := c.ensureConfig()
		if err != nil {
			return nil, err
		}
		url = cfg.Server.Bind
	}
	return client.New(url, client.DefaultTimeout)
}

func flagValue(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
