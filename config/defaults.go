package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Backend: BackendBadger,
			Timeout: 5 * time.Second,
		},
		Registry: RegistryConfig{
			Shards:  32,
			Stripes: 32,
		},
		Proof: ProofConfig{
			TreeCache:      256,
			ProofCache:     4096,
			CompositeCache: 4096,
		},
		Lifecycle: LifecycleConfig{
			BulkWorkers: 16,
			ExpirySweep: time.Minute,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8745,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Events: EventsConfig{
			Buffer:        256,
			Stream:        "REGISTRY_EVENTS",
			SubjectPrefix: "registry.events",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Runtime: true,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8845
	cfg.Events.Stream = "REGISTRY_EVENTS_TESTNET"
	cfg.Events.SubjectPrefix = "testnet.registry.events"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
