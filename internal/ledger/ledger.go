// Package ledger keeps a durable history of job transitions in a
// single-voter raft log.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"LocalMR/internal/logger"
	"LocalMR/internal/types"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Ledger is a raft node whose FSM holds each job's latest record.
type Ledger struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore
	transport     *raft.InmemTransport
	bolt          []*raftboltdb.BoltStore
	logger        *logger.Logger
}

// Config for opening a ledger
type Config struct {
	NodeID        string         // defaults to "ledger"
	DataDir       string         // empty keeps the log in memory
	LeaderTimeout time.Duration  // how long Open waits for leadership, default 10s
	Logger        *logger.Logger // defaults to INFO on stderr
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = "ledger"
	}
	if c.LeaderTimeout <= 0 {
		c.LeaderTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.New("INFO")
	}
	return c
}

// Open starts the ledger node, bootstrapping it on first use, and waits
// until it leads.
func Open(cfg Config) (*Ledger, error) {
	cfg = cfg.withDefaults()
	lg := cfg.Logger.Named("ledger")
	lg.Info("Initializing job ledger: node_id=%s data_dir=%q", cfg.NodeID, cfg.DataDir)

	l := &Ledger{
		nodeID: cfg.NodeID,
		fsm:    NewFSM(lg),
		logger: lg,
	}

	if err := l.openStores(cfg.DataDir); err != nil {
		l.closeStores()
		return nil, err
	}

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))
	l.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.CommitTimeout = 5 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 64
	raftCfg.Logger = cfg.Logger.Hclog("raft")

	existing, err := raft.HasExistingState(l.logStore, l.stableStore, l.snapshotStore)
	if err != nil {
		l.closeStores()
		return nil, fmt.Errorf("failed to inspect ledger state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, l.fsm, l.logStore, l.stableStore, l.snapshotStore, transport)
	if err != nil {
		lg.Error("Failed to create raft instance: %v", err)
		l.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	l.raft = r

	if !existing {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(cfg.NodeID),
					Address:  addr,
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			lg.Error("Failed to bootstrap ledger: %v", err)
			l.Close()
			return nil, fmt.Errorf("failed to bootstrap ledger: %w", err)
		}
		lg.Info("Ledger bootstrapped")
	}

	if err := l.waitForLeader(cfg.LeaderTimeout); err != nil {
		l.Close()
		return nil, err
	}

	// A barrier makes sure entries from a previous run are applied before
	// callers read the FSM.
	if err := r.Barrier(cfg.LeaderTimeout).Error(); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}

	lg.Info("Ledger ready: jobs=%d version=%d", len(l.fsm.Jobs()), l.fsm.Version())
	return l, nil
}

func (l *Ledger) openStores(dataDir string) error {
	if dataDir == "" {
		store := raft.NewInmemStore()
		l.logStore = store
		l.stableStore = store
		l.snapshotStore = raft.NewInmemSnapshotStore()
		return nil
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-logs.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	l.bolt = append(l.bolt, logStore)
	l.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	l.bolt = append(l.bolt, stableStore)
	l.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(dataDir, 3, l.logger.Hclog("snapshots"))
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	l.snapshotStore = snapshotStore
	return nil
}

func (l *Ledger) closeStores() {
	for _, s := range l.bolt {
		if err := s.Close(); err != nil {
			l.logger.Warn("Failed to close bolt store: %v", err)
		}
	}
	l.bolt = nil
}

func (l *Ledger) waitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.IsLeader() {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("ledger did not become leader within %s", timeout)
}

// IsLeader returns true if this node is the current leader
func (l *Ledger) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// ApplyLog applies a log entry to the state machine
func (l *Ledger) ApplyLog(entry *types.LogEntry) error {
	if !l.IsLeader() {
		return fmt.Errorf("ledger is not the leader, state: %s", l.raft.State())
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := l.raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// RecordJob stores rec as the latest state of its job.
func (l *Ledger) RecordJob(rec types.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return l.ApplyLog(&types.LogEntry{
		Type:      "job",
		Operation: "transition",
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Forget removes a job from the ledger.
func (l *Ledger) Forget(id string) error {
	data, err := json.Marshal(types.JobForget{ID: id})
	if err != nil {
		return fmt.Errorf("failed to marshal forget request: %w", err)
	}
	return l.ApplyLog(&types.LogEntry{
		Type:      "job",
		Operation: "forget",
		Data:      data,
		Timestamp: time.Now(),
	})
}

// GetJob returns the latest record of a job.
func (l *Ledger) GetJob(id string) (types.JobRecord, bool) {
	return l.fsm.GetJob(id)
}

// Jobs returns every recorded job, oldest first.
func (l *Ledger) Jobs() []types.JobRecord {
	return l.fsm.Jobs()
}

// Snapshot forces a snapshot of the ledger.
func (l *Ledger) Snapshot() error {
	if err := l.raft.Snapshot().Error(); err != nil {
		return fmt.Errorf("failed to snapshot ledger: %w", err)
	}
	return nil
}

// Close shuts down the raft node and releases its stores.
func (l *Ledger) Close() error {
	var err error
	if l.raft != nil {
		if e := l.raft.Shutdown().Error(); e != nil {
			err = fmt.Errorf("failed to shut down raft: %w", e)
		}
	}
	if l.transport != nil {
		l.transport.Close()
	}
	l.closeStores()
	l.logger.Info("Ledger closed: node_id=%s", l.nodeID)
	return err
}
