package coordinator

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"LocalMR/internal/ledger"
	"LocalMR/internal/logger"
	"LocalMR/internal/mapreduce"
	"LocalMR/internal/sink"
	"LocalMR/internal/source"
	"LocalMR/internal/types"
)

var words = mapreduce.MapperFunc[string, int](func(_ context.Context, rec types.Record, emit func(string, int)) error {
	for _, w := range strings.Fields(rec.Text) {
		emit(w, 1)
	}
	return nil
})

func sumAbove(threshold int) mapreduce.ReducerFunc[string, int] {
	return func(_ context.Context, key string, values iter.Seq[int], emit func(string, int)) error {
		total := 0
		for v := range values {
			total += v
		}
		if total > threshold {
			emit(key, total)
		}
		return nil
	}
}

type phaseJournal struct {
	mu     sync.Mutex
	phases map[string][]types.Phase
	fail   bool
}

func (p *phaseJournal) RecordJob(rec types.JobRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phases == nil {
		p.phases = make(map[string][]types.Phase)
	}
	p.phases[rec.ID] = append(p.phases[rec.ID], rec.Phase)
	if p.fail {
		return errors.New("journal unavailable")
	}
	return nil
}

func (p *phaseJournal) Forget(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.phases, id)
	return nil
}

func (p *phaseJournal) of(id string) []types.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Phase(nil), p.phases[id]...)
}

func newCoordinator(t *testing.T, journal Journal) *Coordinator {
	t.Helper()
	c := New(Config{Journal: journal, Logger: logger.Discard()})
	t.Cleanup(func() { c.Close() })
	return c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTheCatSat(t *testing.T) {
	c := newCoordinator(t, nil)
	out := &sink.Collect[string, int]{}

	h, err := Submit(c, JobSpec[string, int]{
		Name:    "wordcount",
		Source:  source.Lines{Lines: []string{"the cat sat", "the cat", "sat"}, PerSplit: 1},
		Mapper:  words,
		Reducer: sumAbove(0),
		Sink:    out,
	}, mapreduce.Options{Parallelism: 2, PartitionCount: 1})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := h.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if res.Phase != types.PhaseDone {
		t.Fatalf("Expected DONE, got %s", res.Phase)
	}

	want := []types.KeyValue[string, int]{{Key: "cat", Value: 2}, {Key: "sat", Value: 2}, {Key: "the", Value: 2}}
	if !reflect.DeepEqual(res.Output, want) {
		t.Fatalf("Expected %v, got %v", want, res.Output)
	}
	if !reflect.DeepEqual(out.Pairs(), want) || !out.Closed() {
		t.Fatalf("Sink got %v (closed=%v)", out.Pairs(), out.Closed())
	}
	if res.Stats.Splits != 3 || res.Stats.Records != 3 || res.Stats.Emitted != 6 || res.Stats.OutputRecords != 3 {
		t.Fatalf("Unexpected stats: %+v", res.Stats)
	}
	t.Logf("✓ %s finished with %v", res.JobID, res.Output)
}

func TestFilterReducer(t *testing.T) {
	cases := []struct {
		name  string
		count int
		want  []types.KeyValue[string, int]
	}{
		{"above threshold", 10, []types.KeyValue[string, int]{{Key: "a", Value: 10}}},
		{"below threshold", 3, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCoordinator(t, nil)
			h, err := Submit(c, JobSpec[string, int]{
				Source:  source.Lines{Lines: []string{strings.TrimSpace(strings.Repeat("a ", tc.count))}},
				Mapper:  words,
				Reducer: sumAbove(5),
			}, mapreduce.Options{PartitionCount: 3})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}

			res, err := h.Wait(waitCtx(t))
			if err != nil {
				t.Fatalf("Job failed: %v", err)
			}
			if !reflect.DeepEqual(res.Output, tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, res.Output)
			}
		})
	}
}

func TestEmptyInputIsDone(t *testing.T) {
	c := newCoordinator(t, nil)
	out := &sink.Collect[string, int]{}
	h, err := Submit(c, JobSpec[string, int]{
		Source:  source.Lines{},
		Mapper:  words,
		Reducer: sumAbove(0),
		Sink:    out,
	}, mapreduce.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := h.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if res.Phase != types.PhaseDone || len(res.Output) != 0 {
		t.Fatalf("Expected DONE with no output, got %s %v", res.Phase, res.Output)
	}
	if !out.Closed() || len(out.Pairs()) != 0 {
		t.Fatal("Expected an empty, closed sink")
	}
}

func TestFailingMapperFailsJob(t *testing.T) {
	c := newCoordinator(t, nil)
	out := &sink.Collect[string, int]{}
	var calls atomic.Int32

	h, err := Submit(c, JobSpec[string, int]{
		Source: source.Lines{Lines: []string{"ok", "ok", "bad", "ok"}, PerSplit: 1},
		Mapper: mapreduce.MapperFunc[string, int](func(_ context.Context, rec types.Record, emit func(string, int)) error {
			if rec.Text == "bad" {
				calls.Add(1)
				return errors.New("cannot parse record")
			}
			emit(rec.Text, 1)
			return nil
		}),
		Reducer: sumAbove(0),
		Sink:    out,
	}, mapreduce.Options{Parallelism: 2})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := h.Wait(waitCtx(t))
	if !errors.Is(err, types.ErrMapper) {
		t.Fatalf("Expected MapperError, got %v", err)
	}
	if res.Phase != types.PhaseFailed || res.Output != nil {
		t.Fatalf("Expected FAILED without output, got %s %v", res.Phase, res.Output)
	}
	if res.Err.Split != 2 {
		t.Fatalf("Expected split 2 to be blamed, got %d", res.Err.Split)
	}
	if calls.Load() != 2 {
		t.Fatalf("Expected one retry, mapper saw the bad record %d times", calls.Load())
	}
	if len(out.Pairs()) != 0 || out.Closed() {
		t.Fatal("Sink must be untouched by a failed job")
	}

	rec, err := c.Status(h.ID())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if rec.Phase != types.PhaseFailed || rec.ErrorKind != types.KindMapper {
		t.Fatalf("Unexpected record: %+v", rec)
	}
}

func TestCancelWhileReducing(t *testing.T) {
	journal := &phaseJournal{}
	c := newCoordinator(t, journal)
	out := &sink.Collect[string, int]{}
	started := make(chan struct{})
	var once sync.Once

	h, err := Submit(c, JobSpec[string, int]{
		Source: source.Lines{Lines: []string{"a b c", "a b"}},
		Mapper: words,
		Reducer: mapreduce.ReducerFunc[string, int](func(ctx context.Context, key string, values iter.Seq[int], emit func(string, int)) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		}),
		Sink: out,
	}, mapreduce.Options{Parallelism: 1, PartitionCount: 1})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(30 * time.Second):
		t.Fatal("Reducer never started")
	}
	if p := h.Phase(); p != types.PhaseReducing {
		t.Fatalf("Expected REDUCING, got %s", p)
	}
	h.Cancel()

	res, err := h.Wait(waitCtx(t))
	if !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("Expected Cancelled, got %v", err)
	}
	if res.Phase != types.PhaseFailed {
		t.Fatalf("Expected FAILED, got %s", res.Phase)
	}
	if len(out.Pairs()) != 0 || out.Closed() {
		t.Fatal("Sink must be untouched by a cancelled job")
	}

	phases := journal.of(h.ID())
	if phases[len(phases)-1] != types.PhaseFailed {
		t.Fatalf("Expected the journal to end with FAILED, got %v", phases)
	}
}

func TestJournalSeesEveryTransition(t *testing.T) {
	journal := &phaseJournal{fail: true}
	c := newCoordinator(t, journal)

	h, err := Submit(c, JobSpec[string, int]{
		Source:  source.Lines{Lines: []string{"x y"}},
		Mapper:  words,
		Reducer: sumAbove(0),
	}, mapreduce.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Journal failures must not fail the job: %v", err)
	}

	want := []types.Phase{types.PhasePending, types.PhaseMapping, types.PhaseShuffling, types.PhaseReducing, types.PhaseDone}
	if got := journal.of(h.ID()); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func TestMissingInputIsSourceUnavailable(t *testing.T) {
	c := newCoordinator(t, nil)
	h, err := Submit(c, JobSpec[string, int]{
		Source:  source.Files{Paths: []string{"/does/not/exist"}},
		Mapper:  words,
		Reducer: sumAbove(0),
	}, mapreduce.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := h.Wait(waitCtx(t))
	if !errors.Is(err, types.ErrSourceUnavailable) {
		t.Fatalf("Expected SourceUnavailable, got %v", err)
	}
	if res.Phase != types.PhaseFailed {
		t.Fatalf("Expected FAILED, got %s", res.Phase)
	}
}

type brokenSink struct{ aborted bool }

func (b *brokenSink) Write(types.KeyValue[string, int]) error { return errors.New("disk full") }
func (b *brokenSink) Close() error                            { return nil }
func (b *brokenSink) Abort() error                            { b.aborted = true; return nil }

func TestSinkFailureIsOutputError(t *testing.T) {
	c := newCoordinator(t, nil)
	out := &brokenSink{}
	h, err := Submit(c, JobSpec[string, int]{
		Source:  source.Lines{Lines: []string{"a"}},
		Mapper:  words,
		Reducer: sumAbove(0),
		Sink:    out,
	}, mapreduce.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err = h.Wait(waitCtx(t))
	if !errors.Is(err, types.ErrOutput) {
		t.Fatalf("Expected OutputError, got %v", err)
	}
	if !out.aborted {
		t.Fatal("Expected the sink to be aborted")
	}
}

func TestConcurrentJobs(t *testing.T) {
	c := newCoordinator(t, nil)

	var handles []*Handle[string, int]
	for i := 0; i < 4; i++ {
		h, err := Submit(c, JobSpec[string, int]{
			Source:  source.Lines{Lines: []string{"a b", "b"}, PerSplit: 1},
			Mapper:  words,
			Reducer: sumAbove(0),
		}, mapreduce.Options{Parallelism: 2, PartitionCount: 2})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		res, err := h.Wait(waitCtx(t))
		if err != nil {
			t.Fatalf("Job %s failed: %v", h.ID(), err)
		}
		got := map[string]int{}
		for _, kv := range res.Output {
			got[kv.Key] = kv.Value
		}
		if got["a"] != 1 || got["b"] != 2 {
			t.Fatalf("Job %s produced %v", h.ID(), got)
		}
	}

	if jobs := c.Jobs(); len(jobs) != 4 {
		t.Fatalf("Expected 4 jobs, got %d", len(jobs))
	}
	if err := c.Forget(handles[0].ID()); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, err := c.Status(handles[0].ID()); err == nil {
		t.Fatal("Expected forgotten job to be gone")
	}
}

func TestWaitGivesUpWithContext(t *testing.T) {
	c := newCoordinator(t, nil)
	release := make(chan struct{})

	h, err := Submit(c, JobSpec[string, int]{
		Source: source.Lines{Lines: []string{"a"}},
		Mapper: mapreduce.MapperFunc[string, int](func(ctx context.Context, _ types.Record, emit func(string, int)) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			emit("a", 1)
			return nil
		}),
		Reducer: sumAbove(0),
	}, mapreduce.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	close(release)
	if res, err := h.Wait(waitCtx(t)); err != nil || res.Phase != types.PhaseDone {
		t.Fatalf("Expected DONE after release, got %s %v", res.Phase, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	c := newCoordinator(t, nil)

	if _, err := Submit(c, JobSpec[string, int]{Mapper: words, Reducer: sumAbove(0)}, mapreduce.Options{}); err == nil {
		t.Fatal("Expected an error without a source")
	}
	if _, err := Submit(c, JobSpec[string, int]{Source: source.Lines{}, Reducer: sumAbove(0)}, mapreduce.Options{}); err == nil {
		t.Fatal("Expected an error without a mapper")
	}
	if _, err := Submit(c, JobSpec[string, int]{Source: source.Lines{}, Mapper: words, Reducer: sumAbove(0)}, mapreduce.Options{Parallelism: -1}); err == nil {
		t.Fatal("Expected an error for negative parallelism")
	}

	c.Close()
	if _, err := Submit(c, JobSpec[string, int]{Source: source.Lines{}, Mapper: words, Reducer: sumAbove(0)}, mapreduce.Options{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestSubmitRejectsInterfaceValues(t *testing.T) {
	c := newCoordinator(t, nil)

	_, err := Submit(c, JobSpec[string, any]{
		Source: source.Lines{Lines: []string{"a"}},
		Mapper: mapreduce.MapperFunc[string, any](func(_ context.Context, rec types.Record, emit func(string, any)) error {
			emit(rec.Text, 1)
			return nil
		}),
		Reducer: mapreduce.ReducerFunc[string, any](func(_ context.Context, key string, values iter.Seq[any], emit func(string, any)) error {
			return nil
		}),
	}, mapreduce.Options{})
	if err == nil {
		t.Fatal("Expected Submit to refuse interface-typed values")
	}
	if len(c.Jobs()) != 0 {
		t.Fatal("A refused job must not be registered")
	}
}

func TestForgetReachesLedger(t *testing.T) {
	l, err := ledger.Open(ledger.Config{Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	defer l.Close()

	c := newCoordinator(t, l)
	h, err := Submit(c, JobSpec[string, int]{
		Source:  source.Lines{Lines: []string{"a b"}},
		Mapper:  words,
		Reducer: sumAbove(0),
	}, mapreduce.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Job failed: %v", err)
	}

	rec, ok := l.GetJob(h.ID())
	if !ok || rec.Phase != types.PhaseDone {
		t.Fatalf("Expected ledger to hold the job as DONE, got %+v (found=%v)", rec, ok)
	}

	if err := c.Forget(h.ID()); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, ok := l.GetJob(h.ID()); ok {
		t.Fatal("Forgotten job is still in the ledger")
	}
	if _, err := c.Status(h.ID()); err == nil {
		t.Fatal("Forgotten job is still in the coordinator")
	}
}
