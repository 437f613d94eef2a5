// Package sink holds the destinations a job's final pairs can be written to.
package sink

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"LocalMR/internal/types"
)

// Collect keeps every pair in memory.
type Collect[K cmp.Ordered, V any] struct {
	mu     sync.Mutex
	pairs  []types.KeyValue[K, V]
	closed bool
}

func (c *Collect[K, V]) Write(kv types.KeyValue[K, V]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("sink is closed")
	}
	c.pairs = append(c.pairs, kv)
	return nil
}

func (c *Collect[K, V]) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Pairs returns a copy of what was written so far.
func (c *Collect[K, V]) Pairs() []types.KeyValue[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.KeyValue[K, V](nil), c.pairs...)
}

// Closed reports whether Close was called.
func (c *Collect[K, V]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// JSONLines writes one `json(key)<TAB>json(value)` line per pair.
// Close flushes but does not close the underlying writer.
type JSONLines[K cmp.Ordered, V any] struct {
	w *bufio.Writer
}

func NewJSONLines[K cmp.Ordered, V any](w io.Writer) *JSONLines[K, V] {
	return &JSONLines[K, V]{w: bufio.NewWriter(w)}
}

func (j *JSONLines[K, V]) Write(kv types.KeyValue[K, V]) error {
	key, err := json.Marshal(kv.Key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	value, err := json.Marshal(kv.Value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	j.w.Write(key)
	j.w.WriteByte('\t')
	j.w.Write(value)
	return j.w.WriteByte('\n')
}

func (j *JSONLines[K, V]) Close() error {
	return j.w.Flush()
}

// File writes JSON lines to a temp file next to Path and renames it into
// place on Close, so Path holds either nothing new or the complete output.
type File[K cmp.Ordered, V any] struct {
	Path string

	tmp   *os.File
	lines *JSONLines[K, V]
}

func NewFile[K cmp.Ordered, V any](path string) *File[K, V] {
	return &File[K, V]{Path: path}
}

func (f *File[K, V]) open() error {
	if f.tmp != nil {
		return nil
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	f.tmp = tmp
	f.lines = NewJSONLines[K, V](tmp)
	return nil
}

func (f *File[K, V]) Write(kv types.KeyValue[K, V]) error {
	if err := f.open(); err != nil {
		return err
	}
	return f.lines.Write(kv)
}

func (f *File[K, V]) Close() error {
	if err := f.open(); err != nil {
		return err
	}
	if err := f.lines.Close(); err != nil {
		f.Abort()
		return fmt.Errorf("failed to flush output: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		f.tmp = nil
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.Path); err != nil {
		os.Remove(f.tmp.Name())
		f.tmp = nil
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	f.tmp = nil
	return nil
}

// Abort discards anything written since the sink was created.
func (f *File[K, V]) Abort() error {
	if f.tmp == nil {
		return nil
	}
	name := f.tmp.Name()
	f.tmp.Close()
	f.tmp = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial output: %w", err)
	}
	return nil
}
