package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xelth-com/eckmesh/internal/buildinfo"
	"github.com/xelth-com/eckmesh/internal/config"
	"github.com/xelth-com/eckmesh/internal/database"
	"github.com/xelth-com/eckmesh/internal/handlers"
	"github.com/xelth-com/eckmesh/internal/logging"
	"github.com/xelth-com/eckmesh/internal/mesh"
	"github.com/xelth-com/eckmesh/internal/metrics"
	"github.com/xelth-com/eckmesh/internal/schema"
	"github.com/xelth-com/eckmesh/internal/security"
	"github.com/xelth-com/eckmesh/internal/sync"
	"github.com/xelth-com/eckmesh/internal/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the replication node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, log)
		},
	}
}

// loadConfig reads the configuration and builds the root logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, nil)
	return cfg, log, nil
}

// openDatabase connects and applies the bookkeeping migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*database.DB, error) {
	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func schemaSource(cfg *config.Config, db *database.DB) schema.Source {
	if cfg.Schema.File != "" {
		return schema.FileSource(cfg.Schema.File)
	}
	return database.NewSchemaSource(db, cfg.Node.CoreTables)
}

func loadOptions(cfg config.InitialLoadConfig) sync.LoadOptions {
	return sync.LoadOptions{
		Compression:    cfg.Compression,
		Encryption:     cfg.Encryption,
		VerifyChecksum: cfg.Verify,
		BatchSize:      cfg.BatchSize,
	}
}

func runNode(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if len(cfg.Node.CoreTables) == 0 {
		return errors.New("no core tables configured; set node.core_tables or SYNC_CORE_TABLES")
	}

	log.Info().
		Str("node_id", cfg.Node.ID).
		Str("node_name", cfg.Node.Name).
		Str("version", buildinfo.Version).
		Strs("core_tables", cfg.Node.CoreTables).
		Msg("Starting sync node")

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New(cfg.Node.ID)
	nodes := database.NewNodeStore(db)

	sec, err := security.NewManager(security.Config{
		NodeID:             cfg.Node.ID,
		ServiceName:        cfg.Node.ServiceName,
		RegistrationSecret: cfg.Security.RegistrationSecret,
		TokenTTL:           cfg.Security.TokenTTL,
		SessionTTL:         cfg.Security.SessionTTL,
		RotationGrace:      cfg.Security.RotationGrace,
		AuditCapacity:      cfg.Security.AuditCapacity,
		AuditSink:          database.NewAuditStore(db),
		Logger:             log,
	})
	if err != nil {
		return fmt.Errorf("security manager: %w", err)
	}
	defer sec.Close()

	versions := schema.NewVersionManager(schema.ManagerConfig{
		NodeID:          cfg.Node.ID,
		Source:          schemaSource(cfg, db),
		Ledger:          db,
		Nodes:           nodes,
		VersionOverride: cfg.Schema.VersionOverride,
		Policy:          schema.Policy(cfg.Schema.Policy),
		Logger:          log,
	})
	localSchema, err := versions.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize schema version: %w", err)
	}
	guard := schema.NewGuard(schema.GuardConfig{
		Checker:  versions,
		Capacity: cfg.Schema.DecisionCapacity,
		Logger:   log,
	})

	transport, err := discoveryTransport(cfg.Discovery, log)
	if err != nil {
		return err
	}
	discovery, err := mesh.NewDiscovery(mesh.Config{
		NodeID:       cfg.Node.ID,
		NodeName:     cfg.Node.Name,
		ServiceName:  cfg.Node.ServiceName,
		Address:      cfg.Node.AdvertiseAddress,
		Port:         cfg.Node.Port,
		Capabilities: cfg.Node.Capabilities,
		Keys:         sec,
		Schema: func() (string, string) {
			v, _ := versions.Current()
			return v.Version, v.Hash
		},
		BroadcastInterval: cfg.Discovery.BroadcastInterval,
		StaleMultiplier:   cfg.Discovery.StaleMultiplier,
		SweepInterval:     cfg.Discovery.SweepInterval,
		Transport:         transport,
		Logger:            log,
	})
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("peer discovery: %w", err)
	}

	client := sync.NewPeerClient(cfg.Node.ID, sec, cfg.InitialLoad.ChunkTimeout)
	tables := database.NewTableStore(db)
	replicas := database.NewReplicaStore(db)

	receiver, err := sync.NewInitialLoadReceiver(sync.ReceiverConfig{
		CoreTables: cfg.Node.CoreTables,
		Source:     tables,
		Sink:       tables,
		Keys:       sec,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	retries := cfg.InitialLoad.ChunkRetries
	if retries == 0 {
		retries = -1
	}
	loads, err := sync.NewInitialLoadManager(sync.LoadConfig{
		NodeID:        cfg.Node.ID,
		CoreTables:    cfg.Node.CoreTables,
		Defaults:      loadOptions(cfg.InitialLoad),
		MaxChunkBytes: cfg.InitialLoad.MaxChunkBytes,
		HistoryLimit:  cfg.InitialLoad.HistoryLimit,
		ChunkTimeout:  cfg.InitialLoad.ChunkTimeout,
		ChunkRetries:  retries,
		RetryBackoff:  cfg.InitialLoad.RetryBackoff,
		Source:        tables,
		Store:         database.NewLoadStore(db),
		Transport:     client,
		Keys:          sec,
		Metrics:       m,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer loads.Close()

	queue, err := sync.NewOfflineQueue(sync.QueueConfig{
		MaxSize:       cfg.Queue.MaxSize,
		MaxRetries:    cfg.Queue.MaxRetries,
		BatchSize:     cfg.Queue.BatchSize,
		BatchPause:    cfg.Queue.BatchPause,
		DrainInterval: cfg.Queue.DrainInterval,
		Retention:     cfg.Queue.Retention,
		Tracker: &sync.PeerBroadcaster{
			Peers:   discovery,
			Gate:    guard,
			Sender:  client,
			Timeout: cfg.InitialLoad.ChunkTimeout,
			Logger:  log,
		},
		Store:  database.NewQueueStore(db),
		Logger: log,
	})
	if err != nil {
		return err
	}

	applier, err := sync.NewEventApplier(sync.ApplierConfig{
		Tables:   cfg.Node.CoreTables,
		Replicas: replicas,
		Sink:     tables,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	engine, err := sync.NewSyncEngine(sync.EngineConfig{
		NodeID:   cfg.Node.ID,
		Queue:    queue,
		Applier:  applier,
		Loads:    loads,
		Replicas: replicas,
		Peers:    discovery,
		Gate:     guard,
		Nodes:    nodes,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	engine.Attach(&discovery.Events)
	defer engine.Detach()

	if err := database.RegisterCaptureHooks(db, engine, cfg.Node.CoreTables, log); err != nil {
		return fmt.Errorf("register capture hooks: %w", err)
	}

	unsubscribe := observe(m, sec, guard, discovery)
	defer unsubscribe()
	go maintain(ctx, sweepInterval, func() { sweep(sec, receiver, cfg.InitialLoad.ReceiverIdle, log) })

	hub := websocket.NewHub(log)
	for _, forward := range []func(){
		websocket.Forward(hub, &discovery.Events, "peer"),
		websocket.Forward(hub, &queue.Events, "queue"),
		websocket.Forward(hub, &loads.Progress, "initial_load"),
		websocket.Forward(hub, &receiver.Received, "chunk_received"),
		websocket.Forward(hub, &applier.Applied, "event_applied"),
		websocket.Forward(hub, &guard.Decisions, "sync_decision"),
		websocket.Forward(hub, &sec.Audits, "security_audit"),
	} {
		defer forward()
	}
	go hub.Run(ctx)

	router := handlers.NewRouter(handlers.Deps{
		NodeID: cfg.Node.ID,
		Self: func() mesh.PeerInfo {
			v, _ := versions.Current()
			return mesh.PeerInfo{
				NodeID:          cfg.Node.ID,
				NodeName:        cfg.Node.Name,
				IPAddress:       cfg.Node.AdvertiseAddress,
				Port:            cfg.Node.Port,
				Capabilities:    cfg.Node.Capabilities,
				IsAuthenticated: true,
				State:           mesh.StateAuthenticated,
				SchemaVersion:   v.Version,
				SchemaHash:      v.Hash,
			}
		},
		Security:  sec,
		Receiver:  receiver,
		Engine:    engine,
		Loads:     loads,
		Queue:     queue,
		Peers:     discovery,
		Schema:    versions,
		Decisions: guard,
		Hub:       hub,
		Metrics:   m.Handler(),
		Logger:    log,
	})
	server := handlers.NewServer(fmt.Sprintf(":%d", cfg.Node.Port), router)

	if err := queue.Load(ctx); err != nil {
		return fmt.Errorf("restore offline queue: %w", err)
	}
	if err := loads.Load(ctx); err != nil {
		return fmt.Errorf("restore initial load sessions: %w", err)
	}
	queue.Start(ctx)
	defer queue.Stop()

	if err := discovery.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer discovery.Stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Node.Port).
			Str("schema_version", localSchema.Version).
			Msg("Sync API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down sync node")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("sync api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	return nil
}

// discoveryTransport joins the multicast group, or an isolated in-process
// group when discovery is disabled so the node runs standalone.
func discoveryTransport(cfg config.DiscoveryConfig, log zerolog.Logger) (mesh.Transport, error) {
	if !cfg.Enabled {
		log.Warn().Msg("Peer discovery disabled, running standalone")
		return mesh.NewMemoryNetwork().Join("127.0.0.1"), nil
	}
	t, err := mesh.NewUDPTransport(mesh.MulticastConfig{
		Group:     cfg.MulticastGroup,
		Port:      cfg.MulticastPort,
		Interface: cfg.Interface,
	})
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s:%d: %w", cfg.MulticastGroup, cfg.MulticastPort, err)
	}
	return t, nil
}

// observe feeds guard and security events into the metrics; the engine
// counts queue and load events itself. Newly discovered peers are
// authenticated, which also establishes their session.
func observe(m *metrics.NodeMetrics, sec *security.Manager, guard *schema.Guard, discovery *mesh.Discovery) func() {
	unsubs := []func(){
		guard.Decisions.Subscribe(func(d schema.SyncDecision) {
			m.SyncDecision(string(d.Outcome))
		}),
		sec.Audits.Subscribe(func(ev security.AuditEvent) {
			switch ev.Event {
			case security.AuditPeerAuthenticated, security.AuditPeerRejected:
				m.AuthAttempt(ev.Success)
			}
		}),
		discovery.Events.Subscribe(func(ev mesh.PeerEvent) {
			if ev.Kind != mesh.PeerDiscovered || ev.Peer.RegistrationKeyHash == "" {
				return
			}
			sec.AuthenticatePeer(security.PeerIdentity{
				NodeID:   ev.Peer.NodeID,
				NodeName: ev.Peer.NodeName,
				Address:  ev.Peer.IPAddress,
			}, ev.Peer.RegistrationKeyHash)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// maintain runs fn every interval until ctx ends.
func maintain(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

type sessionPruner interface {
	PruneSessions() int
}

type idleForgetter interface {
	Forget(maxIdle time.Duration) int
}

// sweep drops expired peer sessions and the bookkeeping of inbound loads
// idle longer than idle.
func sweep(sessions sessionPruner, inbound idleForgetter, idle time.Duration, log zerolog.Logger) {
	pruned := sessions.PruneSessions()
	forgotten := inbound.Forget(idle)
	if pruned > 0 || forgotten > 0 {
		log.Debug().Int("sessions", pruned).Int("inbound_loads", forgotten).Msg("Swept idle state")
	}
}
