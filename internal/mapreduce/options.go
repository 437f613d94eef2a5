package mapreduce

import (
	"cmp"
	"fmt"
	"runtime"
	"sync/atomic"

	"LocalMR/internal/logger"
	"LocalMR/internal/spill"
	"LocalMR/internal/types"
)

const (
	DefaultSpillThreshold = 64 << 20
	DefaultMaxAttempts    = 2
	// MaxMergeFanIn bounds how many runs of one partition are merged at once.
	MaxMergeFanIn = 64
)

// Options tunes a job.
type Options struct {
	Parallelism         int    // workers per phase; default runtime.GOMAXPROCS(0)
	PartitionCount      int    // reduce tasks; default Parallelism
	SpillThresholdBytes int64  // in-memory budget shared by map workers
	SpillCeilingBytes   int64  // max spilled bytes per partition, 0 = unlimited
	SpillDir            string // parent of the job's spill directory; default os.TempDir()
	MaxAttempts         int    // attempts per map or reduce task; default 2
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.PartitionCount <= 0 {
		o.PartitionCount = o.Parallelism
	}
	if o.SpillThresholdBytes <= 0 {
		o.SpillThresholdBytes = DefaultSpillThreshold
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Validate rejects values WithDefaults cannot repair.
func (o Options) Validate() error {
	if o.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative: %d", o.Parallelism)
	}
	if o.PartitionCount < 0 {
		return fmt.Errorf("partition count must not be negative: %d", o.PartitionCount)
	}
	if o.SpillThresholdBytes < 0 {
		return fmt.Errorf("spill threshold must not be negative: %d", o.SpillThresholdBytes)
	}
	if o.SpillCeilingBytes < 0 {
		return fmt.Errorf("spill ceiling must not be negative: %d", o.SpillCeilingBytes)
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative: %d", o.MaxAttempts)
	}
	return nil
}

// Config is what the phases of one job share.
type Config[K cmp.Ordered, V any] struct {
	Options
	Store       *spill.Store
	Partitioner Partitioner[K]
	Combiner    Reducer[K, V] // optional
	Logger      *logger.Logger
	Counters    *Counters
}

func (c *Config[K, V]) laneBudget() int64 {
	b := c.SpillThresholdBytes / int64(c.Parallelism)
	if b < 1 {
		b = 1
	}
	return b
}

func (c *Config[K, V]) partition(key K) (int, error) {
	p := c.Partitioner(key, c.PartitionCount)
	if p < 0 || p >= c.PartitionCount {
		return 0, fmt.Errorf("partitioner returned %d for %d partitions", p, c.PartitionCount)
	}
	return p, nil
}

// Counters are updated by the phases as tasks are accepted.
type Counters struct {
	Records       atomic.Int64
	Emitted       atomic.Int64
	MapRetries    atomic.Int64
	Keys          atomic.Int64
	ReduceRetries atomic.Int64
	OutputRecords atomic.Int64
}

// Snapshot copies the counters into a types.Stats.
func (c *Counters) Snapshot() types.Stats {
	return types.Stats{
		Records:       c.Records.Load(),
		Emitted:       c.Emitted.Load(),
		MapRetries:    c.MapRetries.Load(),
		Keys:          c.Keys.Load(),
		ReduceRetries: c.ReduceRetries.Load(),
		OutputRecords: c.OutputRecords.Load(),
	}
}
