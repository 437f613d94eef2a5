package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"LocalMR/internal/spill"
	"LocalMR/internal/types"
)

// Partition is the shuffled input of one reduce task: a sorted in-memory
// segment plus sorted runs on disk, read back as one merged stream.
type Partition[K cmp.Ordered, V any] struct {
	Index int
	mem   []spill.Entry[K, V]
	runs  []*spill.Run
}

// Open merges the partition's segment and runs in key order.
func (p *Partition[K, V]) Open() (spill.Iterator[K, V], error) {
	return spill.OpenAll(p.mem, p.runs)
}

// Size returns how many pairs are held in memory and on disk.
func (p *Partition[K, V]) Size() int {
	n := len(p.mem)
	for _, r := range p.runs {
		n += r.Entries
	}
	return n
}

// Shuffle builds one Partition per reduce task from the lanes of a finished
// map phase. The lanes must not be used afterwards.
func Shuffle[K cmp.Ordered, V any](ctx context.Context, lanes []*Lane[K, V], cfg *Config[K, V]) ([]*Partition[K, V], error) {
	parts := make([]*Partition[K, V], cfg.PartitionCount)

	err := runPool(ctx, cfg.Parallelism, cfg.PartitionCount, func(ctx context.Context, _ int, p int) error {
		part, err := buildPartition(ctx, p, lanes, cfg)
		if err != nil {
			return err
		}
		parts[p] = part
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, l := range lanes {
		l.mem, l.runs = nil, nil
	}
	return parts, nil
}

func buildPartition[K cmp.Ordered, V any](ctx context.Context, p int, lanes []*Lane[K, V], cfg *Config[K, V]) (*Partition[K, V], error) {
	var mem []spill.Entry[K, V]
	var runs []*spill.Run
	for _, l := range lanes {
		mem = append(mem, l.mem[p]...)
		runs = append(runs, l.runs[p]...)
	}
	spill.Sort(mem)

	for len(runs) > MaxMergeFanIn {
		run, err := spill.Compact[K, V](cfg.Store, p, runs[:MaxMergeFanIn], nil)
		if err != nil {
			return nil, types.SpillIO(p, err)
		}
		runs = append([]*spill.Run{run}, runs[MaxMergeFanIn:]...)
	}

	if ceiling := cfg.SpillCeilingBytes; ceiling > 0 && cfg.Store.PartitionBytes(p) > ceiling {
		before := cfg.Store.PartitionBytes(p)
		var combine spill.CombineFunc[K, V]
		if cfg.Combiner != nil {
			combine = combineFunc(ctx, cfg.Combiner)
		}
		run, err := spill.Compact(cfg.Store, p, runs, combine)
		if err != nil {
			var ce *combineError
			if errors.As(err, &ce) {
				return nil, &types.JobError{Kind: types.KindReducer, Split: -1, Partition: p, Cause: fmt.Errorf("combiner failed during compaction: %w", ce.err)}
			}
			return nil, types.SpillIO(p, err)
		}
		runs = []*spill.Run{run}

		after := cfg.Store.PartitionBytes(p)
		cfg.Logger.Info("Compacted partition: partition=%d bytes_before=%d bytes_after=%d ceiling=%d", p, before, after, ceiling)
		if after > ceiling {
			return nil, &types.JobError{
				Kind:      types.KindCapacityExceeded,
				Split:     -1,
				Partition: p,
				Cause:     fmt.Errorf("partition spilled %d bytes, ceiling is %d", after, ceiling),
			}
		}
	}

	part := &Partition[K, V]{Index: p, mem: mem, runs: runs}
	cfg.Logger.Debug("Partition materialized: partition=%d entries=%d in_memory=%d runs=%d", p, part.Size(), len(mem), len(runs))
	return part, nil
}
