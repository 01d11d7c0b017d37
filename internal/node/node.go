// Package node assembles a registry node from its configuration: storage,
// indices, proof service, lifecycle and versioning services, event bus and
// the RPC server. It can be embedded in any binary.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-registry/config"
	"github.com/Klingon-tech/klingnet-registry/internal/events"
	"github.com/Klingon-tech/klingnet-registry/internal/lifecycle"
	klog "github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/parent"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/rpc"
	"github.com/Klingon-tech/klingnet-registry/internal/storage"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/internal/versioning"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Store namespaces inside the single backing DB.
var (
	nsTokens   = []byte("tokens/")
	nsParents  = []byte("parents/")
	nsVersions = []byte("versions/")
)

// Node is a fully-initialized registry node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db        storage.DB
	metrics   *metrics.Metrics
	registry  *registry.Registry
	parents   *parent.Store
	proofs    *proof.Service
	lifecycle *lifecycle.Service
	versions  *versioning.Service

	// Events
	bus      *events.Bus
	natsConn *nats.Conn
	relay    *events.Relay

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, index rebuild, services, RPC) but does NOT start
// background goroutines (expiry sweep, event relay). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "registry.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(logFile)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("storage", string(cfg.Storage.Backend)).
		Str("version", config.Version).
		Msg("Starting Klingnet Registry Node")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("backend", string(cfg.Storage.Backend)).Str("path", cfg.StoreDir()).Msg("Store opened")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Runtime)
	}

	// ── 3. Token store and indices ──────────────────────────────────
	tokenStore := token.NewStore(storage.NewPrefixDB(db, nsTokens))

	reg := registry.New(registry.Config{
		Shards:  cfg.Registry.Shards,
		Stripes: cfg.Registry.Stripes,
		Metrics: m,
	})
	stored, err := tokenStore.List()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if _, err := reg.Rebuild(stored); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild registry: %w", err)
	}
	if rep := reg.ValidateConsistency(); len(rep.Problems) > 0 {
		for _, p := range rep.Problems {
			logger.Warn().Str("problem", p).Msg("Registry index inconsistency after rebuild")
		}
	}
	drift, reindexed, err := reconcileParentIndex(tokenStore, reg, cfg.RebuildIndexes)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild token index: %w", err)
	}
	if len(drift) > 0 {
		logger.Warn().Strs("parents", drift).Msg("Persisted parent index disagreed with token records")
	}
	if reindexed > 0 {
		logger.Info().Int("tokens", reindexed).Msg("Token parent index rebuilt")
	}

	// ── 4. Parents and proofs ───────────────────────────────────────
	parents := parent.NewStore(storage.NewPrefixDB(db, nsParents), reg)
	proofs := proof.NewService(proof.Config{
		TreeCacheSize:      cfg.Proof.TreeCache,
		ProofCacheSize:     cfg.Proof.ProofCache,
		CompositeCacheSize: cfg.Proof.CompositeCache,
		Metrics:            m,
		Roots:              parents,
	})

	// ── 5. Event bus ────────────────────────────────────────────────
	bus := events.NewBus(cfg.Events.Buffer, m)

	// ── 6. Services ─────────────────────────────────────────────────
	lc := lifecycle.New(lifecycle.Config{
		Store:       tokenStore,
		Registry:    reg,
		Parents:     parents,
		Proofs:      proofs,
		Publisher:   bus,
		Metrics:     m,
		BulkWorkers: cfg.Lifecycle.BulkWorkers,
	})

	vs := versioning.New(versioning.Config{
		Store:     versioning.NewStore(storage.NewPrefixDB(db, nsVersions)),
		Tokens:    lc,
		Publisher: bus,
		Metrics:   m,
	})
	if err := vs.Restore(); err != nil {
		lc.Close()
		bus.Close()
		db.Close()
		return nil, fmt.Errorf("restore versions: %w", err)
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.New(cfg.RPCListenAddr(), rpc.Backend{
			Lifecycle: lc,
			Versions:  vs,
			Parents:   parents,
			Registry:  reg,
			Proofs:    proofs,
			Metrics:   m,
		}, cfg.RPC)
		if err := rpcServer.Start(); err != nil {
			lc.Close()
			bus.Close()
			db.Close()
			return nil, fmt.Errorf("start rpc: %w", err)
		}
		logger.Info().Str("addr", rpcServer.Addr()).Bool("metrics", m != nil).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		metrics:   m,
		registry:  reg,
		parents:   parents,
		proofs:    proofs,
		lifecycle: lc,
		versions:  vs,
		bus:       bus,
		rpcServer: rpcServer,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches background goroutines: the event relay and the
// collateral expiry sweep.
func (n *Node) Start() error {
	if n.cfg.Events.NATSURL != "" {
		if err := n.startRelay(); err != nil {
			return fmt.Errorf("start event relay: %w", err)
		}
	}

	if n.cfg.Lifecycle.ExpirySweep > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runExpirySweep(n.cfg.Lifecycle.ExpirySweep)
		}()
	}

	n.logger.Info().
		Int("tokens", n.registry.Len()).
		Bool("relay", n.relay != nil).
		Int("subscribers", n.bus.Subscribers()).
		Dur("expiry_sweep", n.cfg.Lifecycle.ExpirySweep).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	n.lifecycle.Close()
	n.bus.Close()
	n.wg.Wait()

	if n.natsConn != nil {
		if err := n.natsConn.Drain(); err != nil {
			n.natsConn.Close()
		}
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Lifecycle returns the token lifecycle service.
func (n *Node) Lifecycle() *lifecycle.Service { return n.lifecycle }

// Versions returns the versioning service.
func (n *Node) Versions() *versioning.Service { return n.versions }

// Parents returns the parent directory.
func (n *Node) Parents() *parent.Store { return n.parents }

// Registry returns the in-memory registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// Bus returns the event bus.
func (n *Node) Bus() *events.Bus { return n.bus }

// ── Events ──────────────────────────────────────────────────────────

func (n *Node) startRelay() error {
	rc := events.DefaultRelayConfig()
	rc.URL = n.cfg.Events.NATSURL
	if n.cfg.Events.Stream != "" {
		rc.Stream = n.cfg.Events.Stream
	}
	if n.cfg.Events.SubjectPrefix != "" {
		rc.SubjectPrefix = n.cfg.Events.SubjectPrefix
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	conn, js, err := events.Connect(ctx, rc)
	if err != nil {
		return err
	}
	n.natsConn = conn
	n.relay = events.NewRelay(js, rc)

	sub := n.bus.Subscribe()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.relay.Run(n.ctx, sub)
	}()
	n.logger.Info().Str("url", rc.URL).Str("stream", rc.Stream).Msg("Event relay started")
	return nil
}

// ── Expiry ──────────────────────────────────────────────────────────

func (n *Node) runExpirySweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			n.sweepExpired(now)
		}
	}
}

// sweepExpired expires every collateral token past its expiry at now.
func (n *Node) sweepExpired(now time.Time) int {
	ids, err := n.lifecycle.ExpireDue(n.ctx, now.UTC())
	if err != nil {
		n.logger.Warn().Err(err).Int("expired", len(ids)).Msg("Expiry sweep incomplete")
		return len(ids)
	}
	if len(ids) > 0 {
		n.logger.Info().Int("expired", len(ids)).Msg("Collateral tokens expired")
	}
	return len(ids)
}
