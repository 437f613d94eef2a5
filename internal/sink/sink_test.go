package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"LocalMR/internal/types"
)

func TestCollect(t *testing.T) {
	c := &Collect[string, int]{}
	c.Write(types.KeyValue[string, int]{Key: "a", Value: 1})
	c.Write(types.KeyValue[string, int]{Key: "b", Value: 2})
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	pairs := c.Pairs()
	if len(pairs) != 2 || pairs[1].Key != "b" || pairs[1].Value != 2 {
		t.Fatalf("Unexpected pairs: %v", pairs)
	}
	if !c.Closed() {
		t.Fatal("Expected sink to be closed")
	}
	if err := c.Write(types.KeyValue[string, int]{Key: "c"}); err == nil {
		t.Fatal("Expected write after close to fail")
	}
	t.Logf("✓ Collect kept %d pairs", len(pairs))
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLines[string, int](&buf)
	s.Write(types.KeyValue[string, int]{Key: "the", Value: 2})
	s.Write(types.KeyValue[string, int]{Key: `say "hi"`, Value: 1})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := "\"the\"\t2\n\"say \\\"hi\\\"\"\t1\n"
	if buf.String() != want {
		t.Fatalf("Expected %q, got %q", want, buf.String())
	}
}

func TestFileIsWrittenOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "counts.jsonl")
	f := NewFile[string, int](path)

	f.Write(types.KeyValue[string, int]{Key: "a", Value: 1})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Output should not exist before Close, stat err=%v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if string(data) != "\"a\"\t1\n" {
		t.Fatalf("Unexpected output %q", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("Expected only the output file, found %d entries", len(entries))
	}
}

func TestFileEmptyOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	f := NewFile[string, int](path)
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected an empty output file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("Expected empty file, got %d bytes", info.Size())
	}
}

func TestFileAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counts.jsonl")
	os.WriteFile(path, []byte("previous\n"), 0644)

	f := NewFile[string, int](path)
	f.Write(types.KeyValue[string, int]{Key: "a", Value: 1})
	if err := f.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "previous\n" {
		t.Fatalf("Abort changed the existing output: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("Temp file left behind: %d entries", len(entries))
	}
	if err := f.Abort(); err != nil {
		t.Fatalf("Second abort failed: %v", err)
	}
}
