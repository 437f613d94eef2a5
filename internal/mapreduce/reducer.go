package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"LocalMR/internal/spill"
	"LocalMR/internal/types"
)

// RunReduce reduces every partition on cfg.Parallelism workers. The result
// holds each partition's output in key order, indexed by partition.
func RunReduce[K cmp.Ordered, V any](ctx context.Context, parts []*Partition[K, V], reducer Reducer[K, V], cfg *Config[K, V]) ([][]types.KeyValue[K, V], error) {
	out := make([][]types.KeyValue[K, V], len(parts))

	err := runPool(ctx, cfg.Parallelism, len(parts), func(ctx context.Context, worker, task int) error {
		kvs, err := runReduceTask(ctx, parts[task], reducer, cfg)
		if err != nil {
			return err
		}
		out[task] = kvs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runReduceTask[K cmp.Ordered, V any](ctx context.Context, part *Partition[K, V], reducer Reducer[K, V], cfg *Config[K, V]) ([]types.KeyValue[K, V], error) {
	for attempt := 1; ; attempt++ {
		kvs, keys, failedKey, err := reducePartition(ctx, part, reducer)
		if err == nil {
			cfg.Counters.Keys.Add(keys)
			cfg.Logger.Debug("Reduce task committed: partition=%d keys=%d outputs=%d attempt=%d", part.Index, keys, len(kvs), attempt)
			return kvs, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if _, ok := types.AsJobError(err); ok {
			return nil, err
		}
		if attempt >= cfg.MaxAttempts {
			cfg.Logger.Error("Reduce task failed: partition=%d key=%v attempts=%d err=%v", part.Index, failedKey, attempt, err)
			return nil, &types.JobError{
				Kind:      types.KindReducer,
				Split:     -1,
				Partition: part.Index,
				Key:       fmt.Sprint(failedKey),
				Cause:     err,
			}
		}

		cfg.Counters.ReduceRetries.Add(1)
		cfg.Logger.Warn("Retrying reduce task: partition=%d key=%v attempt=%d err=%v", part.Index, failedKey, attempt, err)
	}
}

// reducePartition makes one pass over a partition. On a reducer error it
// returns the key being reduced; the partial output is dropped.
func reducePartition[K cmp.Ordered, V any](ctx context.Context, part *Partition[K, V], reducer Reducer[K, V]) ([]types.KeyValue[K, V], int64, K, error) {
	var zero K

	it, err := part.Open()
	if err != nil {
		return nil, 0, zero, types.SpillIO(part.Index, err)
	}
	defer it.Close()

	g := &grouper[K, V]{it: it}
	defer g.endGroup()
	var out []types.KeyValue[K, V]
	emit := func(k K, v V) {
		out = append(out, types.KeyValue[K, V]{Key: k, Value: v})
	}

	var keys int64
	for {
		key, ok := g.nextKey()
		if g.err != nil {
			return nil, keys, zero, types.SpillIO(part.Index, g.err)
		}
		if !ok {
			return out, keys, zero, nil
		}

		if err := callReducer(ctx, reducer, key, g.values(), emit); err != nil {
			return nil, keys, key, err
		}
		if err := g.skipGroup(); err != nil {
			return nil, keys, key, types.SpillIO(part.Index, err)
		}
		g.endGroup()
		keys++

		if err := ctx.Err(); err != nil {
			return nil, keys, key, err
		}
	}
}

// grouper splits a sorted stream into runs of equal keys.
type grouper[K cmp.Ordered, V any] struct {
	it      spill.Iterator[K, V]
	head    spill.Entry[K, V]
	hasHead bool
	done    bool
	key     K
	gen     int
	err     error
}

func (g *grouper[K, V]) fill() {
	if g.hasHead || g.done {
		return
	}
	e, err := g.it.Next()
	if err != nil {
		g.done = true
		if !errors.Is(err, io.EOF) {
			g.err = err
		}
		return
	}
	g.head = e
	g.hasHead = true
}

func (g *grouper[K, V]) inGroup() bool {
	g.fill()
	return g.hasHead && cmp.Compare(g.head.Key, g.key) == 0
}

// nextKey advances to the next key group.
func (g *grouper[K, V]) nextKey() (K, bool) {
	g.fill()
	if !g.hasHead {
		var zero K
		return zero, false
	}
	g.key = g.head.Key
	return g.key, true
}

// values yields the current group's values. The sequence is single-pass:
// ranging over it a second time, or after its group ended, yields nothing.
func (g *grouper[K, V]) values() iter.Seq[V] {
	gen := g.gen
	used := false
	return func(yield func(V) bool) {
		if used || gen != g.gen {
			return
		}
		used = true
		for g.gen == gen && g.inGroup() {
			v := g.head.Value
			g.hasHead = false
			if !yield(v) {
				return
			}
		}
	}
}

// endGroup retires the current group's value sequence.
func (g *grouper[K, V]) endGroup() {
	g.gen++
}

// skipGroup drains whatever the reducer left of the current group.
func (g *grouper[K, V]) skipGroup() error {
	for g.inGroup() {
		g.hasHead = false
	}
	return g.err
}
