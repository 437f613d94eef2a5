package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"

	"LocalMR/internal/source"
	"LocalMR/internal/spill"
	"LocalMR/internal/types"
)

// RunMap maps every split on cfg.Parallelism workers and returns their lanes.
// A split is retried up to cfg.MaxAttempts times; only the output of its
// successful attempt reaches a lane.
func RunMap[K cmp.Ordered, V any](ctx context.Context, splits []source.Split, mapper Mapper[K, V], cfg *Config[K, V]) ([]*Lane[K, V], error) {
	if err := CheckTypes[K, V](); err != nil {
		return nil, err
	}

	lanes := make([]*Lane[K, V], cfg.Parallelism)
	for w := range lanes {
		lanes[w] = newLane(w, cfg)
	}

	err := runPool(ctx, cfg.Parallelism, len(splits), func(ctx context.Context, worker, task int) error {
		return runMapTask(ctx, lanes[worker], splits[task], mapper, cfg)
	})
	if err != nil {
		return nil, err
	}
	return lanes, nil
}

func runMapTask[K cmp.Ordered, V any](ctx context.Context, lane *Lane[K, V], split source.Split, mapper Mapper[K, V], cfg *Config[K, V]) error {
	for attempt := 1; ; attempt++ {
		err := mapSplit(ctx, lane, split, mapper)
		if err == nil {
			err = lane.commit(ctx)
			if err == nil {
				cfg.Logger.Debug("Map task committed: split=%d name=%s worker=%d attempt=%d", split.Index(), split.Name(), lane.worker, attempt)
				return nil
			}
		}
		lane.abort()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if _, ok := types.AsJobError(err); ok {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			cfg.Logger.Error("Map task failed: split=%d name=%s attempts=%d err=%v", split.Index(), split.Name(), attempt, err)
			return &types.JobError{Kind: types.KindMapper, Split: split.Index(), Partition: -1, Cause: err}
		}

		cfg.Counters.MapRetries.Add(1)
		cfg.Logger.Warn("Retrying map task: split=%d name=%s worker=%d attempt=%d err=%v", split.Index(), split.Name(), lane.worker, attempt, err)
	}
}

// mapSplit feeds one split through the mapper record by record, stopping at
// the first record boundary after ctx is cancelled.
func mapSplit[K cmp.Ordered, V any](ctx context.Context, lane *Lane[K, V], split source.Split, mapper Mapper[K, V]) error {
	lane.begin(split.Index())

	rr, err := split.Open()
	if err != nil {
		return sourceError(err)
	}
	defer rr.Close()

	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return sourceError(err)
		}

		err = callMapper(ctx, mapper, rec, lane.emit)
		if lane.err != nil {
			// Spill failures are fatal and win over the mapper's own error.
			if _, ok := types.AsJobError(lane.err); ok || err == nil {
				return lane.err
			}
		}
		if err != nil {
			return err
		}
		lane.records++

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// CheckTypes rejects key or value types that a spill round trip would not
// reproduce exactly, so spilling can never change what a reducer sees.
func CheckTypes[K cmp.Ordered, V any]() error {
	if err := spill.Codable[K](); err != nil {
		return fmt.Errorf("unsupported key type: %w", err)
	}
	if err := spill.Codable[V](); err != nil {
		return fmt.Errorf("unsupported value type: %w", err)
	}
	return nil
}

func sourceError(err error) error {
	if _, ok := types.AsJobError(err); ok {
		return err
	}
	return types.SourceUnavailable(err)
}
