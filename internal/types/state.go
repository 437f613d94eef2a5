package types

import (
	"encoding/json"
	"time"
)

// JobRecord is the ledger's view of a job.
type JobRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Phase      Phase     `json:"phase"`
	Splits     int       `json:"splits"`
	Partitions int       `json:"partitions"`
	ErrorKind  Kind      `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Stats      Stats     `json:"stats"`
	Submitted  time.Time `json:"submitted"`
	Updated    time.Time `json:"updated"`
}

// LedgerState is the state replicated by the job ledger.
type LedgerState struct {
	Jobs    map[string]*JobRecord `json:"jobs"`
	Version int64                 `json:"version"`
}

// LogEntry is an entry in the ledger's raft log.
type LogEntry struct {
	Type      string          `json:"type"`      // "job"
	Operation string          `json:"operation"` // "transition", "forget"
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobForget removes a job record from the ledger.
type JobForget struct {
	ID string `json:"id"`
}
