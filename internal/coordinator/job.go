package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"LocalMR/internal/logger"
	"LocalMR/internal/mapreduce"
	"LocalMR/internal/source"
	"LocalMR/internal/spill"
	"LocalMR/internal/types"
)

// JobSpec is what a caller submits: where input comes from, the user
// functions, and where output goes.
type JobSpec[K cmp.Ordered, V any] struct {
	Name        string
	Source      source.Source
	Mapper      mapreduce.Mapper[K, V]
	Reducer     mapreduce.Reducer[K, V]
	Combiner    mapreduce.Reducer[K, V]  // optional
	Partitioner mapreduce.Partitioner[K] // optional, defaults to HashPartitioner
	Sink        mapreduce.Sink[K, V]     // optional
}

// Result is the outcome of a finished job. Err is nil exactly when Phase is DONE.
type Result[K cmp.Ordered, V any] struct {
	JobID  string
	Phase  types.Phase
	Output []types.KeyValue[K, V]
	Err    *types.JobError
	Stats  types.Stats
}

// Aborter is implemented by sinks that can discard a partially written output.
type Aborter interface {
	Abort() error
}

// Handle refers to a submitted job.
type Handle[K cmp.Ordered, V any] struct {
	job *job[K, V]
}

// ID returns the job id.
func (h *Handle[K, V]) ID() string { return h.job.id }

// Phase returns the job's current phase.
func (h *Handle[K, V]) Phase() types.Phase { return h.job.record().Phase }

// Done is closed once the job is DONE or FAILED.
func (h *Handle[K, V]) Done() <-chan struct{} { return h.job.done }

// Cancel fails the job unless it already finished. Workers stop at their next
// record or key; nothing is written to the sink.
func (h *Handle[K, V]) Cancel() { h.job.cancelJob() }

// Wait blocks until the job finishes or ctx ends. The error is the job's
// failure, or ctx's error if waiting was abandoned.
func (h *Handle[K, V]) Wait(ctx context.Context) (Result[K, V], error) {
	select {
	case <-h.job.done:
	case <-ctx.Done():
		return Result[K, V]{JobID: h.job.id, Phase: h.Phase()}, ctx.Err()
	}

	res := h.job.result
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

type job[K cmp.Ordered, V any] struct {
	id    string
	spec  JobSpec[K, V]
	opts  mapreduce.Options
	coord *Coordinator
	log   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	counters mapreduce.Counters

	mu         sync.Mutex
	phase      types.Phase
	splits     int
	partitions int
	store      *spill.Store
	failure    *types.JobError
	submitted  time.Time
	updated    time.Time

	result Result[K, V]
}

// Submit validates spec and starts the job in the background.
func Submit[K cmp.Ordered, V any](c *Coordinator, spec JobSpec[K, V], opts mapreduce.Options) (*Handle[K, V], error) {
	if spec.Source == nil {
		return nil, errors.New("job has no source")
	}
	if spec.Mapper == nil || spec.Reducer == nil {
		return nil, errors.New("job needs both a mapper and a reducer")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job options: %w", err)
	}
	if err := mapreduce.CheckTypes[K, V](); err != nil {
		return nil, err
	}

	id := "job-" + uuid.New().String()[:8]
	if spec.Name == "" {
		spec.Name = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	j := &job[K, V]{
		id:        id,
		spec:      spec,
		opts:      opts.WithDefaults(),
		coord:     c,
		log:       c.logger.Named(id),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		phase:     types.PhasePending,
		submitted: now,
		updated:   now,
	}
	j.partitions = j.opts.PartitionCount

	if err := c.register(id, j); err != nil {
		cancel()
		return nil, err
	}
	c.record(j.record())
	c.logger.Info("Job submitted: job_id=%s name=%s parallelism=%d partitions=%d", id, spec.Name, j.opts.Parallelism, j.opts.PartitionCount)

	go j.run()
	return &Handle[K, V]{job: j}, nil
}

func (j *job[K, V]) record() types.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := types.JobRecord{
		ID:         j.id,
		Name:       j.spec.Name,
		Phase:      j.phase,
		Splits:     j.splits,
		Partitions: j.partitions,
		Stats:      j.statsLocked(),
		Submitted:  j.submitted,
		Updated:    j.updated,
	}
	if j.failure != nil {
		rec.ErrorKind = j.failure.Kind
		rec.Error = j.failure.Error()
	}
	return rec
}

func (j *job[K, V]) statsLocked() types.Stats {
	stats := j.counters.Snapshot()
	stats.Splits = j.splits
	stats.Partitions = j.partitions
	if j.store != nil {
		stats.SpilledRuns, stats.SpilledBytes = j.store.Totals()
	}
	return stats
}

func (j *job[K, V]) cancelJob() { j.cancel() }

// transition moves the job to phase unless it was cancelled meanwhile.
func (j *job[K, V]) transition(phase types.Phase) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	from := j.phase
	j.phase = phase
	j.updated = time.Now()
	j.mu.Unlock()

	j.log.Info("Job phase changed: from=%s to=%s", from, phase)
	j.coord.record(j.record())
	return nil
}

func (j *job[K, V]) run() {
	defer j.coord.wg.Done()
	defer j.cancel()

	output, err := j.execute()
	if err != nil {
		j.finish(nil, j.classify(err))
		return
	}
	j.finish(output, nil)
}

// execute runs the phases in order. Each phase returns only once all of its
// tasks are done, which is the barrier between phases.
func (j *job[K, V]) execute() ([]types.KeyValue[K, V], error) {
	opts := j.opts

	store, err := spill.NewStore(opts.SpillDir, j.id)
	if err != nil {
		return nil, types.SpillIO(-1, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			j.log.Warn("Failed to clean spill directory: %v", err)
		}
	}()

	partitioner := j.spec.Partitioner
	if partitioner == nil {
		partitioner = mapreduce.HashPartitioner[K]
	}
	cfg := &mapreduce.Config[K, V]{
		Options:     opts,
		Store:       store,
		Partitioner: partitioner,
		Combiner:    j.spec.Combiner,
		Logger:      j.log,
		Counters:    &j.counters,
	}

	splits, err := j.spec.Source.Splits()
	if err != nil {
		if _, ok := types.AsJobError(err); ok {
			return nil, err
		}
		return nil, types.SourceUnavailable(err)
	}

	j.mu.Lock()
	j.splits = len(splits)
	j.store = store
	j.mu.Unlock()

	if err := j.transition(types.PhaseMapping); err != nil {
		return nil, err
	}
	lanes, err := mapreduce.RunMap(j.ctx, splits, j.spec.Mapper, cfg)
	if err != nil {
		return nil, err
	}

	if err := j.transition(types.PhaseShuffling); err != nil {
		return nil, err
	}
	parts, err := mapreduce.Shuffle(j.ctx, lanes, cfg)
	if err != nil {
		return nil, err
	}

	if err := j.transition(types.PhaseReducing); err != nil {
		return nil, err
	}
	outs, err := mapreduce.RunReduce(j.ctx, parts, j.spec.Reducer, cfg)
	if err != nil {
		return nil, err
	}

	// Last chance to honour a cancel; past this point the output is committed.
	if err := j.ctx.Err(); err != nil {
		return nil, err
	}

	var output []types.KeyValue[K, V]
	for _, part := range outs {
		output = append(output, part...)
	}
	j.counters.OutputRecords.Add(int64(len(output)))

	if j.spec.Sink != nil {
		if err := writeSink(j.spec.Sink, output); err != nil {
			return nil, &types.JobError{Kind: types.KindOutput, Split: -1, Partition: -1, Cause: err}
		}
	}
	return output, nil
}

func writeSink[K cmp.Ordered, V any](sink mapreduce.Sink[K, V], output []types.KeyValue[K, V]) error {
	for _, kv := range output {
		if err := sink.Write(kv); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	return nil
}

// classify turns whatever stopped the job into its structured failure.
// A cancelled job is reported as cancelled whatever its workers returned.
func (j *job[K, V]) classify(err error) *types.JobError {
	if j.ctx.Err() != nil {
		return &types.JobError{Kind: types.KindCancelled, Split: -1, Partition: -1, Cause: context.Canceled}
	}
	if je, ok := types.AsJobError(err); ok {
		return je
	}
	return types.SpillIO(-1, err)
}

func (j *job[K, V]) finish(output []types.KeyValue[K, V], failure *types.JobError) {
	phase := types.PhaseDone
	if failure != nil {
		phase = types.PhaseFailed
		output = nil
		if a, ok := j.spec.Sink.(Aborter); ok {
			if err := a.Abort(); err != nil {
				j.log.Warn("Failed to discard output: %v", err)
			}
		}
	}

	j.mu.Lock()
	j.phase = phase
	j.failure = failure
	j.updated = time.Now()
	j.result = Result[K, V]{
		JobID:  j.id,
		Phase:  phase,
		Output: output,
		Err:    failure,
		Stats:  j.statsLocked(),
	}
	j.mu.Unlock()

	if failure != nil {
		j.log.Error("Job failed: %s", logger.Fields(map[string]interface{}{
			"kind":      failure.Kind,
			"split":     failure.Split,
			"partition": failure.Partition,
			"key":       failure.Key,
			"cause":     failure.Cause,
		}))
	} else {
		j.log.Info("Job done: outputs=%d", len(output))
	}
	j.coord.record(j.record())
	close(j.done)
}
