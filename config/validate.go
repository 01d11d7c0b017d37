package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}

	switch cfg.Storage.Backend {
	case BackendBadger, BackendMemory:
	case "":
		cfg.Storage.Backend = BackendBadger
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendBadger, BackendMemory)
	}
	if cfg.Storage.Timeout < 0 {
		return fmt.Errorf("storage.timeout must not be negative")
	}

	if cfg.Registry.Shards < 0 || cfg.Registry.Stripes < 0 {
		return fmt.Errorf("registry.shards and registry.stripes must not be negative")
	}
	if cfg.Proof.TreeCache < 0 || cfg.Proof.ProofCache < 0 || cfg.Proof.CompositeCache < 0 {
		return fmt.Errorf("proof cache sizes must not be negative")
	}
	if cfg.Lifecycle.BulkWorkers < 0 {
		return fmt.Errorf("lifecycle.bulkworkers must not be negative")
	}
	if cfg.Lifecycle.ExpirySweep < 0 {
		return fmt.Errorf("lifecycle.expirysweep must not be negative")
	}

	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	for i, entry := range cfg.RPC.AllowedIPs {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("rpc.allowed[%d]: invalid CIDR %q", i, entry)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("rpc.allowed[%d]: invalid IP %q", i, entry)
		}
	}

	if cfg.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}
	if cfg.Events.NATSURL != "" {
		if cfg.Events.Stream == "" || cfg.Events.SubjectPrefix == "" {
			return fmt.Errorf("events.stream and events.prefix are required with events.nats")
		}
	}

	if cfg.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}

	return nil
}
