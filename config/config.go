// Package config handles registry daemon configuration.
//
// Settings come from three layers, later ones winning:
//   - Built-in defaults per network
//   - The registry.conf key = value file in the data directory
//   - Command-line flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// StorageBackend selects the key-value engine behind the stores.
type StorageBackend string

const (
	BackendBadger StorageBackend = "badger"
	BackendMemory StorageBackend = "memory"
)

// Config holds registry daemon configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Storage   StorageConfig
	Registry  RegistryConfig
	Proof     ProofConfig
	Lifecycle LifecycleConfig
	RPC       RPCConfig
	Events    EventsConfig
	Metrics   MetricsConfig
	Log       LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// StorageConfig selects and bounds the backing store.
type StorageConfig struct {
	Backend StorageBackend `conf:"storage.backend"`
	Timeout time.Duration  `conf:"storage.timeout"` // Per-operation limit, 0 disables.
}

// RegistryConfig sizes the in-memory index partitions.
type RegistryConfig struct {
	Shards  int `conf:"registry.shards"`
	Stripes int `conf:"registry.stripes"`
}

// ProofConfig sizes the proof service caches.
type ProofConfig struct {
	TreeCache      int `conf:"proof.treecache"`
	ProofCache     int `conf:"proof.proofcache"`
	CompositeCache int `conf:"proof.compositecache"`
}

// LifecycleConfig holds token lifecycle settings.
type LifecycleConfig struct {
	BulkWorkers int           `conf:"lifecycle.bulkworkers"`
	ExpirySweep time.Duration `conf:"lifecycle.expirysweep"` // 0 disables the collateral expiry sweep.
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// EventsConfig holds event bus and relay settings.
type EventsConfig struct {
	Buffer        int    `conf:"events.buffer"`
	NATSURL       string `conf:"events.nats"` // Empty disables the relay.
	Stream        string `conf:"events.stream"`
	SubjectPrefix string `conf:"events.prefix"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `conf:"metrics.enabled"`
	Runtime bool `conf:"metrics.runtime"` // Include Go runtime and process collectors.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-registry
//	macOS:   ~/Library/Application Support/KlingnetRegistry
//	Windows: %APPDATA%\KlingnetRegistry
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-registry"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetRegistry")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetRegistry")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetRegistry")
	default:
		return filepath.Join(home, ".klingnet-registry")
	}
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StoreDir returns the Badger database directory.
func (c *Config) StoreDir() string {
	return filepath.Join(c.NetworkDir(), "store")
}

// KeysDir returns the directory holding board signing keys.
func (c *Config) KeysDir() string {
	return filepath.Join(c.NetworkDir(), "keys")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "registry.conf")
}

// RPCListenAddr returns host:port for the RPC server.
func (c *Config) RPCListenAddr() string {
	return fmt.Sprintf("%s:%d", c.RPC.Addr, c.RPC.Port)
}
