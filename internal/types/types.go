package types

import "cmp"

// Record is one line of input.
type Record struct {
	Source string // file path or in-memory source name
	Offset int64  // byte offset in Source (line number for in-memory sources)
	Index  int    // ordinal within its split
	Text   string
}

// KeyValue is a pair emitted by mappers, combiners and reducers.
type KeyValue[K cmp.Ordered, V any] struct {
	Key   K
	Value V
}

// Phase is the lifecycle state of a job.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseMapping   Phase = "MAPPING"
	PhaseShuffling Phase = "SHUFFLING"
	PhaseReducing  Phase = "REDUCING"
	PhaseDone      Phase = "DONE"
	PhaseFailed    Phase = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Stats counts what a job moved through each phase.
type Stats struct {
	Splits        int   `json:"splits"`
	Partitions    int   `json:"partitions"`
	Records       int64 `json:"records"`
	Emitted       int64 `json:"emitted"`
	MapRetries    int64 `json:"map_retries"`
	SpilledRuns   int64 `json:"spilled_runs"`
	SpilledBytes  int64 `json:"spilled_bytes"`
	Keys          int64 `json:"keys"`
	ReduceRetries int64 `json:"reduce_retries"`
	OutputRecords int64 `json:"output_records"`
}
