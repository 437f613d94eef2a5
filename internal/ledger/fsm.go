package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"LocalMR/internal/logger"
	"LocalMR/internal/types"

	raft "github.com/hashicorp/raft"
)

// FSM implements raft.FSM over the latest record of every job.
type FSM struct {
	mu     sync.RWMutex
	state  *types.LedgerState
	logger *logger.Logger
}

// NewFSM creates an FSM with no jobs.
func NewFSM(lg *logger.Logger) *FSM {
	return &FSM{
		state:  &types.LedgerState{Jobs: make(map[string]*types.JobRecord)},
		logger: lg,
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.logger.Debug("Applying log entry: type=%s operation=%s index=%d", entry.Type, entry.Operation, log.Index)

	if entry.Type != "job" {
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}

	switch entry.Operation {
	case "transition":
		var rec types.JobRecord
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			f.logger.Error("Invalid job record: %v", err)
			return fmt.Errorf("invalid job record: %w", err)
		}
		// Records may arrive from a replay; never move a job back in time.
		if prev, exists := f.state.Jobs[rec.ID]; exists && prev.Updated.After(rec.Updated) {
			return "job_stale"
		}
		f.state.Jobs[rec.ID] = &rec
		f.state.Version++
		return "job_recorded"

	case "forget":
		var forget types.JobForget
		if err := json.Unmarshal(entry.Data, &forget); err != nil {
			return fmt.Errorf("invalid forget request: %w", err)
		}
		if _, exists := f.state.Jobs[forget.ID]; !exists {
			return fmt.Errorf("job not found: %s", forget.ID)
		}
		delete(f.state.Jobs, forget.ID)
		f.state.Version++
		f.logger.Info("Job forgotten: job_id=%s", forget.ID)
		return "job_forgotten"

	default:
		f.logger.Warn("Unknown job operation: %s", entry.Operation)
		return fmt.Errorf("unknown job operation: %s", entry.Operation)
	}
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{state: f.copyState()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state types.LedgerState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Jobs == nil {
		state.Jobs = make(map[string]*types.JobRecord)
	}

	f.mu.Lock()
	f.state = &state
	f.mu.Unlock()
	return nil
}

func (f *FSM) copyState() *types.LedgerState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := &types.LedgerState{
		Jobs:    make(map[string]*types.JobRecord, len(f.state.Jobs)),
		Version: f.state.Version,
	}
	for id, rec := range f.state.Jobs {
		r := *rec
		cp.Jobs[id] = &r
	}
	return cp
}

// Version returns how many changes have been applied.
func (f *FSM) Version() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Version
}

// GetJob returns a job's latest record.
func (f *FSM) GetJob(id string) (types.JobRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, exists := f.state.Jobs[id]
	if !exists {
		return types.JobRecord{}, false
	}
	return *rec, true
}

// Jobs returns every record, oldest submission first.
func (f *FSM) Jobs() []types.JobRecord {
	f.mu.RLock()
	recs := make([]types.JobRecord, 0, len(f.state.Jobs))
	for _, rec := range f.state.Jobs {
		recs = append(recs, *rec)
	}
	f.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Submitted.Equal(recs[j].Submitted) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Submitted.Before(recs[j].Submitted)
	})
	return recs
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *types.LedgerState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release is called when we are done with the snapshot
func (s *snapshot) Release() {}
