package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = StorageBackend(strings.ToLower(value))
	case "storage.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Storage.Timeout = d

	// Registry
	case "registry.shards":
		return setInt(&cfg.Registry.Shards, value)
	case "registry.stripes":
		return setInt(&cfg.Registry.Stripes, value)

	// Proof caches
	case "proof.treecache":
		return setInt(&cfg.Proof.TreeCache, value)
	case "proof.proofcache":
		return setInt(&cfg.Proof.ProofCache, value)
	case "proof.compositecache":
		return setInt(&cfg.Proof.CompositeCache, value)

	// Lifecycle
	case "lifecycle.bulkworkers":
		return setInt(&cfg.Lifecycle.BulkWorkers, value)
	case "lifecycle.expirysweep":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Lifecycle.ExpirySweep = d

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		return setInt(&cfg.RPC.Port, value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Events
	case "events.buffer":
		return setInt(&cfg.Events.Buffer, value)
	case "events.nats":
		cfg.Events.NATSURL = value
	case "events.stream":
		cfg.Events.Stream = value
	case "events.prefix":
		cfg.Events.SubjectPrefix = value

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.runtime":
		cfg.Metrics.Runtime = parseBool(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	def := Default(network)
	content := `# Klingnet Registry Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-registry)
# datadir = ~/.klingnet-registry

# ============================================================================
# Storage
# ============================================================================

# Backend: badger (durable) or memory (lost on restart)
storage.backend = badger
# Per-operation timeout; 0 disables
storage.timeout = 5s

# ============================================================================
# Registry / Proofs
# ============================================================================

# registry.shards = 32
# registry.stripes = 32
# proof.treecache = 256
# proof.proofcache = 4096
# proof.compositecache = 4096

# ============================================================================
# Lifecycle
# ============================================================================

lifecycle.bulkworkers = 16
# Interval of the collateral expiry sweep; 0 disables
lifecycle.expirysweep = 1m

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(def.RPC.Port) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Events
# ============================================================================

events.buffer = 256
# NATS JetStream relay; leave empty to keep events in-process
# events.nats = nats://127.0.0.1:4222
events.stream = ` + def.Events.Stream + `
events.prefix = ` + def.Events.SubjectPrefix + `

# ============================================================================
# Metrics (served on the RPC port at /metrics)
# ============================================================================

metrics.enabled = true
metrics.runtime = true

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
