// Package spill keeps sorted runs of intermediate pairs on local disk and
// merges them back in key order.
package spill

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var handle = &codec.MsgpackHandle{}

// Entry is an intermediate pair tagged with where it came from. Split and Seq
// order values of equal keys by split, then by emission.
type Entry[K cmp.Ordered, V any] struct {
	Key   K
	Value V
	Split int
	Seq   int64
}

// Compare orders entries by key, split, then emission sequence.
func Compare[K cmp.Ordered, V any](a, b Entry[K, V]) int {
	if c := cmp.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Split, b.Split); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Sort sorts entries in place, keeping the relative order of ties.
func Sort[K cmp.Ordered, V any](entries []Entry[K, V]) {
	slices.SortStableFunc(entries, Compare[K, V])
}

// Run describes one sorted run file for one partition.
type Run struct {
	Path      string
	Partition int
	Entries   int
	Bytes     int64
}

// Store owns a job's spill directory.
type Store struct {
	dir string

	mu      sync.Mutex
	next    int
	live    map[int]int64 // partition -> bytes currently on disk
	runs    int64
	written int64
	closed  bool
}

// NewStore creates a fresh spill directory under parent (os.TempDir when empty).
func NewStore(parent, prefix string) (*Store, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill parent %s: %w", parent, err)
	}
	dir, err := os.MkdirTemp(parent, prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	return &Store{dir: dir, live: make(map[int]int64)}, nil
}

// Dir returns the spill directory.
func (s *Store) Dir() string {
	return s.dir
}

// PartitionBytes returns the bytes of live runs for partition.
func (s *Store) PartitionBytes(partition int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[partition]
}

// Totals returns how many runs and bytes were ever written.
func (s *Store) Totals() (runs, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.written
}

// Remove deletes runs and releases their bytes.
func (s *Store) Remove(runs ...*Run) error {
	var firstErr error
	for _, r := range runs {
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove run %s: %w", r.Path, err)
		}
		s.mu.Lock()
		s.live[r.Partition] -= r.Bytes
		s.mu.Unlock()
	}
	return firstErr
}

// Close deletes the spill directory and everything in it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove spill directory %s: %w", s.dir, err)
	}
	return nil
}

// Writer streams sorted entries into a new run.
type Writer[K cmp.Ordered, V any] struct {
	store     *Store
	partition int
	path      string
	file      *os.File
	buf       *bufio.Writer
	counter   *countingWriter
	enc       *codec.Encoder
	entries   int
}

// Create opens a new run for partition. Entries must be written in Compare order.
func Create[K cmp.Ordered, V any](s *Store, partition int) (*Writer[K, V], error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("spill store %s is closed", s.dir)
	}
	s.next++
	name := fmt.Sprintf("run-p%05d-%06d", partition, s.next)
	s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create run %s: %w", path, err)
	}

	counter := &countingWriter{w: f}
	buf := bufio.NewWriterSize(counter, 64<<10)
	return &Writer[K, V]{
		store:     s,
		partition: partition,
		path:      path,
		file:      f,
		buf:       buf,
		counter:   counter,
		enc:       codec.NewEncoder(buf, handle),
	}, nil
}

// Write appends one entry.
func (w *Writer[K, V]) Write(e Entry[K, V]) error {
	if err := w.enc.Encode(&e); err != nil {
		return fmt.Errorf("failed to encode entry into %s: %w", w.path, err)
	}
	w.entries++
	return nil
}

// Finish flushes and closes the run and registers its size with the store.
func (w *Writer[K, V]) Finish() (*Run, error) {
	if err := w.buf.Flush(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to flush run %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.path)
		return nil, fmt.Errorf("failed to close run %s: %w", w.path, err)
	}

	run := &Run{Path: w.path, Partition: w.partition, Entries: w.entries, Bytes: w.counter.n}

	w.store.mu.Lock()
	w.store.live[w.partition] += run.Bytes
	w.store.runs++
	w.store.written += run.Bytes
	w.store.mu.Unlock()
	return run, nil
}

// Abort discards the run.
func (w *Writer[K, V]) Abort() {
	w.file.Close()
	os.Remove(w.path)
}

// WriteRun writes already sorted entries as a single run.
func WriteRun[K cmp.Ordered, V any](s *Store, partition int, entries []Entry[K, V]) (*Run, error) {
	w, err := Create[K, V](s, partition)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w.Finish()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
