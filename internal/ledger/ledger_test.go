package ledger

import (
	"testing"
	"time"

	"LocalMR/internal/logger"
	"LocalMR/internal/types"
)

func openLedger(t *testing.T, dir string) *Ledger {
	t.Helper()
	l, err := Open(Config{NodeID: "test-ledger", DataDir: dir, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	return l
}

func record(id string, phase types.Phase, at time.Time) types.JobRecord {
	return types.JobRecord{ID: id, Name: "wordcount", Phase: phase, Submitted: at, Updated: at}
}

func TestInMemoryLedgerRecordsTransitions(t *testing.T) {
	l := openLedger(t, "")
	defer l.Close()

	if !l.IsLeader() {
		t.Fatal("Expected single ledger node to lead")
	}

	start := time.Now()
	phases := []types.Phase{types.PhasePending, types.PhaseMapping, types.PhaseShuffling, types.PhaseReducing, types.PhaseDone}
	for i, p := range phases {
		if err := l.RecordJob(record("job-1", p, start.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("RecordJob(%s) failed: %v", p, err)
		}
	}

	rec, ok := l.GetJob("job-1")
	if !ok {
		t.Fatal("Job not found in ledger")
	}
	if rec.Phase != types.PhaseDone {
		t.Fatalf("Expected DONE, got %s", rec.Phase)
	}
	t.Logf("✓ Ledger holds %s in %s", rec.ID, rec.Phase)
}

func TestStaleRecordIsIgnored(t *testing.T) {
	l := openLedger(t, "")
	defer l.Close()

	now := time.Now()
	l.RecordJob(record("job-1", types.PhaseDone, now))
	if err := l.RecordJob(record("job-1", types.PhaseMapping, now.Add(-time.Second))); err != nil {
		t.Fatalf("RecordJob failed: %v", err)
	}

	rec, _ := l.GetJob("job-1")
	if rec.Phase != types.PhaseDone {
		t.Fatalf("Older record overwrote newer one: %s", rec.Phase)
	}
}

func TestForget(t *testing.T) {
	l := openLedger(t, "")
	defer l.Close()

	now := time.Now()
	l.RecordJob(record("job-1", types.PhaseDone, now))
	l.RecordJob(record("job-2", types.PhaseFailed, now.Add(time.Millisecond)))

	if err := l.Forget("job-1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, ok := l.GetJob("job-1"); ok {
		t.Fatal("Forgotten job still present")
	}
	if err := l.Forget("job-1"); err == nil {
		t.Fatal("Expected error forgetting an unknown job")
	}

	jobs := l.Jobs()
	if len(jobs) != 1 || jobs[0].ID != "job-2" {
		t.Fatalf("Unexpected jobs: %+v", jobs)
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	l := openLedger(t, dir)
	l.RecordJob(record("job-a", types.PhaseDone, now))
	l.RecordJob(record("job-b", types.PhaseFailed, now.Add(time.Millisecond)))
	if err := l.Snapshot(); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	l.RecordJob(record("job-c", types.PhaseDone, now.Add(2*time.Millisecond)))
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openLedger(t, dir)
	defer reopened.Close()

	jobs := reopened.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("Expected 3 jobs after restart, got %d", len(jobs))
	}
	want := []string{"job-a", "job-b", "job-c"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("Job %d: expected %s, got %s", i, id, jobs[i].ID)
		}
	}
	if jobs[1].Phase != types.PhaseFailed {
		t.Fatalf("Expected job-b FAILED, got %s", jobs[1].Phase)
	}
}
