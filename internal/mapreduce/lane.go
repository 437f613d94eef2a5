package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"

	"LocalMR/internal/spill"
	"LocalMR/internal/types"
)

// Lane is one map worker's exclusive output: a buffer and a list of spilled
// runs per partition. Pairs of the split being mapped are staged separately
// and only join the lane when the attempt commits.
type Lane[K cmp.Ordered, V any] struct {
	worker int
	cfg    *Config[K, V]
	budget int64

	mem      [][]spill.Entry[K, V]
	runs     [][]*spill.Run
	memBytes int64

	split      int
	seq        int64
	records    int64
	stage      [][]spill.Entry[K, V]
	stageRuns  [][]*spill.Run
	stageBytes int64
	err        error
}

func newLane[K cmp.Ordered, V any](worker int, cfg *Config[K, V]) *Lane[K, V] {
	n := cfg.PartitionCount
	return &Lane[K, V]{
		worker:    worker,
		cfg:       cfg,
		budget:    cfg.laneBudget(),
		mem:       make([][]spill.Entry[K, V], n),
		runs:      make([][]*spill.Run, n),
		stage:     make([][]spill.Entry[K, V], n),
		stageRuns: make([][]*spill.Run, n),
	}
}

// begin starts a new attempt for split.
func (l *Lane[K, V]) begin(split int) {
	l.split = split
	l.seq = 0
	l.records = 0
	l.err = nil
}

// emit is handed to the mapper. Failures are parked in l.err and surfaced
// after the current record.
func (l *Lane[K, V]) emit(key K, value V) {
	if l.err != nil {
		return
	}
	p, err := l.cfg.partition(key)
	if err != nil {
		l.err = err
		return
	}

	l.stage[p] = append(l.stage[p], spill.Entry[K, V]{Key: key, Value: value, Split: l.split, Seq: l.seq})
	l.seq++
	l.stageBytes += entrySize(key, value)

	if l.memBytes+l.stageBytes > l.budget {
		if err := l.spillStage(); err != nil {
			l.err = err
			return
		}
		if err := l.spillMem(); err != nil {
			l.err = err
		}
	}
}

func (l *Lane[K, V]) spillStage() error {
	for p, entries := range l.stage {
		if len(entries) == 0 {
			continue
		}
		spill.Sort(entries)
		run, err := spill.WriteRun(l.cfg.Store, p, entries)
		if err != nil {
			return types.SpillIO(p, err)
		}
		l.stageRuns[p] = append(l.stageRuns[p], run)
		l.stage[p] = entries[:0]
	}
	l.stageBytes = 0
	return nil
}

func (l *Lane[K, V]) spillMem() error {
	for p, entries := range l.mem {
		if len(entries) == 0 {
			continue
		}
		spill.Sort(entries)
		run, err := spill.WriteRun(l.cfg.Store, p, entries)
		if err != nil {
			return types.SpillIO(p, err)
		}
		l.runs[p] = append(l.runs[p], run)
		l.mem[p] = nil
	}
	l.memBytes = 0
	return nil
}

// commit accepts the staged attempt. After a combiner error the caller aborts
// and may retry; spill failures come back as *types.JobError.
func (l *Lane[K, V]) commit(ctx context.Context) error {
	if l.cfg.Combiner != nil {
		if err := l.combineStage(ctx); err != nil {
			return err
		}
	}

	var emitted int64
	for p := range l.stage {
		emitted += int64(len(l.stage[p]))
		for _, r := range l.stageRuns[p] {
			emitted += int64(r.Entries)
		}
		l.mem[p] = append(l.mem[p], l.stage[p]...)
		l.runs[p] = append(l.runs[p], l.stageRuns[p]...)
		l.stage[p] = l.stage[p][:0]
		l.stageRuns[p] = nil
	}
	l.memBytes += l.stageBytes
	l.stageBytes = 0

	l.cfg.Counters.Records.Add(l.records)
	l.cfg.Counters.Emitted.Add(emitted)

	if l.memBytes > l.budget {
		return l.spillMem()
	}
	return nil
}

// combineStage runs the combiner over the staged pairs of each partition.
// On error the stage is unusable and must be aborted.
func (l *Lane[K, V]) combineStage(ctx context.Context) error {
	combine := combineFunc(ctx, l.cfg.Combiner)
	combined := make([][]spill.Entry[K, V], len(l.stage))
	var bytes int64

	for p, entries := range l.stage {
		if len(entries) == 0 {
			continue
		}
		spill.Sort(entries)
		out, err := combineSorted(entries, combine)
		if err != nil {
			return err
		}
		combined[p] = out
		for _, e := range out {
			bytes += entrySize(e.Key, e.Value)
		}
	}

	compacted := make([]*spill.Run, len(l.stageRuns))
	for p, runs := range l.stageRuns {
		if len(runs) == 0 {
			continue
		}
		run, err := spill.Compact(l.cfg.Store, p, runs, combine)
		if err != nil {
			// Compact already removed the inputs of finished partitions.
			for q, r := range compacted {
				if r != nil {
					l.stageRuns[q] = []*spill.Run{r}
				}
			}
			var ce *combineError
			if errors.As(err, &ce) {
				return err
			}
			return types.SpillIO(p, err)
		}
		compacted[p] = run
	}

	for p := range l.stage {
		l.stage[p] = combined[p]
		if compacted[p] != nil {
			l.stageRuns[p] = []*spill.Run{compacted[p]}
		}
	}
	l.stageBytes = bytes
	return nil
}

// abort throws away the staged attempt, including its runs.
func (l *Lane[K, V]) abort() {
	for p := range l.stage {
		l.stage[p] = l.stage[p][:0]
		if len(l.stageRuns[p]) > 0 {
			l.cfg.Store.Remove(l.stageRuns[p]...)
			l.stageRuns[p] = nil
		}
	}
	l.stageBytes = 0
	l.err = nil
}

// combineError marks a failure of the user combiner, as opposed to spill I/O.
type combineError struct {
	err error
}

func (e *combineError) Error() string { return e.err.Error() }
func (e *combineError) Unwrap() error { return e.err }

// combineFunc adapts a combiner to spill.CombineFunc. Outputs keep the
// position of the group's first entry so value order stays deterministic.
func combineFunc[K cmp.Ordered, V any](ctx context.Context, combiner Reducer[K, V]) spill.CombineFunc[K, V] {
	return func(group []spill.Entry[K, V]) ([]spill.Entry[K, V], error) {
		first := group[0]
		values := func(yield func(V) bool) {
			for _, e := range group {
				if !yield(e.Value) {
					return
				}
			}
		}

		var out []spill.Entry[K, V]
		var keyErr error
		emit := func(k K, v V) {
			if cmp.Compare(k, first.Key) != 0 {
				keyErr = fmt.Errorf("combiner emitted key %v for group %v", k, first.Key)
				return
			}
			out = append(out, spill.Entry[K, V]{Key: k, Value: v, Split: first.Split, Seq: first.Seq + int64(len(out))})
		}

		if err := callReducer(ctx, combiner, first.Key, iter.Seq[V](values), emit); err != nil {
			return nil, &combineError{err: err}
		}
		if keyErr != nil {
			return nil, &combineError{err: keyErr}
		}
		return out, nil
	}
}

func combineSorted[K cmp.Ordered, V any](entries []spill.Entry[K, V], combine spill.CombineFunc[K, V]) ([]spill.Entry[K, V], error) {
	var out []spill.Entry[K, V]
	for i := 0; i < len(entries); {
		j := i + 1
		for j < len(entries) && cmp.Compare(entries[j].Key, entries[i].Key) == 0 {
			j++
		}
		group, err := combine(entries[i:j])
		if err != nil {
			return nil, err
		}
		out = append(out, group...)
		i = j
	}
	return out, nil
}

// entrySize estimates the in-memory footprint of one pair.
func entrySize[K cmp.Ordered, V any](key K, value V) int64 {
	return 32 + valueSize(key) + valueSize(value)
}

func valueSize(v any) int64 {
	switch x := v.(type) {
	case string:
		return int64(len(x)) + 16
	case []byte:
		return int64(len(x)) + 24
	default:
		return 8
	}
}
