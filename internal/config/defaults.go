package config

const (
	defaultModelHost           = "127.0.0.1"
	defaultModelPort           = 12312
	defaultBroadcastPort       = 12313
	defaultCodec               = "cbor"
	defaultPrimeTimeoutSeconds = 5
	defaultPollMillis          = 250
	defaultCatalogPath         = "configs/screens.yaml"
	defaultSynthMode           = "stochastic"
	defaultParticles           = 1_000_000
	defaultIngestLogEvery      = 100
	defaultServerBind          = "127.0.0.1:8090"
	defaultRawlogDir           = "rawlog"
	defaultSnapshotDir         = "snapshots"
	defaultSimulatorInterval   = 1000
	defaultOrbitJitterMM       = 0.05
	defaultBetaMin             = 1
	defaultBetaMax             = 40
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Model: Model{
			Host:                defaultModelHost,
			Port:                defaultModelPort,
			BroadcastPort:       defaultBroadcastPort,
			Codec:               defaultCodec,
			PrimeTimeoutSeconds: defaultPrimeTimeoutSeconds,
			PollMillis:          defaultPollMillis,
		},
		Catalog: Catalog{Path: defaultCatalogPath},
		Synth: Synth{
			Mode:      defaultSynthMode,
			Particles: defaultParticles,
		},
		Ingest: Ingest{LogEvery: defaultIngestLogEvery},
		Server: Server{
			Enabled: true,
			Bind:    defaultServerBind,
		},
		Rawlog:    Rawlog{Dir: defaultRawlogDir},
		Snapshots: Snapshots{Dir: defaultSnapshotDir},
		Channels:  Channels{IncludeDefaults: true},
		Simulator: Simulator{
			IntervalMillis: defaultSimulatorInterval,
			OrbitJitterMM:  defaultOrbitJitterMM,
			BetaMin:        defaultBetaMin,
			BetaMax:        defaultBetaMax,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
