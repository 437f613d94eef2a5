package spill

import (
	"bufio"
	"cmp"
	"container/heap"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Iterator yields entries in Compare order. Next returns io.EOF at the end.
type Iterator[K cmp.Ordered, V any] interface {
	Next() (Entry[K, V], error)
	Close() error
}

type sliceIterator[K cmp.Ordered, V any] struct {
	entries []Entry[K, V]
	next    int
}

// FromSlice iterates over sorted in-memory entries.
func FromSlice[K cmp.Ordered, V any](entries []Entry[K, V]) Iterator[K, V] {
	return &sliceIterator[K, V]{entries: entries}
}

func (it *sliceIterator[K, V]) Next() (Entry[K, V], error) {
	if it.next >= len(it.entries) {
		return Entry[K, V]{}, io.EOF
	}
	e := it.entries[it.next]
	it.next++
	return e, nil
}

func (it *sliceIterator[K, V]) Close() error { return nil }

type runReader[K cmp.Ordered, V any] struct {
	run       *Run
	file      *os.File
	dec       *codec.Decoder
	remaining int
}

// Open reads a run back from disk.
func Open[K cmp.Ordered, V any](r *Run) (Iterator[K, V], error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run %s: %w", r.Path, err)
	}
	return &runReader[K, V]{
		run:       r,
		file:      f,
		dec:       codec.NewDecoder(bufio.NewReaderSize(f, 64<<10), handle),
		remaining: r.Entries,
	}, nil
}

func (rr *runReader[K, V]) Next() (Entry[K, V], error) {
	var e Entry[K, V]
	if rr.remaining == 0 {
		return e, io.EOF
	}
	if err := rr.dec.Decode(&e); err != nil {
		return e, fmt.Errorf("failed to decode run %s: %w", rr.run.Path, err)
	}
	rr.remaining--
	return e, nil
}

func (rr *runReader[K, V]) Close() error {
	return rr.file.Close()
}

type mergeItem[K cmp.Ordered, V any] struct {
	entry Entry[K, V]
	src   int
}

type mergeHeap[K cmp.Ordered, V any] []mergeItem[K, V]

func (h mergeHeap[K, V]) Len() int { return len(h) }

func (h mergeHeap[K, V]) Less(i, j int) bool {
	if c := Compare(h[i].entry, h[j].entry); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}

func (h mergeHeap[K, V]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap[K, V]) Push(x any) { *h = append(*h, x.(mergeItem[K, V])) }

func (h *mergeHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type merger[K cmp.Ordered, V any] struct {
	sources []Iterator[K, V]
	h       mergeHeap[K, V]
}

// Merge k-way merges sorted iterators. Ties go to the earlier source.
// Closing the result closes every source.
func Merge[K cmp.Ordered, V any](sources ...Iterator[K, V]) (Iterator[K, V], error) {
	m := &merger[K, V]{sources: sources}
	for i, src := range sources {
		e, err := src.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			m.Close()
			return nil, err
		}
		m.h = append(m.h, mergeItem[K, V]{entry: e, src: i})
	}
	heap.Init(&m.h)
	return m, nil
}

func (m *merger[K, V]) Next() (Entry[K, V], error) {
	if len(m.h) == 0 {
		return Entry[K, V]{}, io.EOF
	}

	top := m.h[0]
	e, err := m.sources[top.src].Next()
	switch {
	case err == io.EOF:
		heap.Pop(&m.h)
	case err != nil:
		return Entry[K, V]{}, err
	default:
		m.h[0].entry = e
		heap.Fix(&m.h, 0)
	}
	return top.entry, nil
}

func (m *merger[K, V]) Close() error {
	var firstErr error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenAll merges a sorted in-memory segment with runs.
func OpenAll[K cmp.Ordered, V any](mem []Entry[K, V], runs []*Run) (Iterator[K, V], error) {
	sources := []Iterator[K, V]{FromSlice(mem)}
	for _, r := range runs {
		it, err := Open[K, V](r)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, err
		}
		sources = append(sources, it)
	}
	return Merge(sources...)
}

// CombineFunc rewrites the entries of one key. It receives entries in Compare
// order and must return entries with the same key.
type CombineFunc[K cmp.Ordered, V any] func(group []Entry[K, V]) ([]Entry[K, V], error)

// Compact merges runs of one partition into a single run, passing each key
// group through combine when it is non-nil. The input runs are removed only
// after the new run is complete.
func Compact[K cmp.Ordered, V any](s *Store, partition int, runs []*Run, combine CombineFunc[K, V]) (*Run, error) {
	it, err := OpenAll[K, V](nil, runs)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	w, err := Create[K, V](s, partition)
	if err != nil {
		return nil, err
	}

	flush := func(group []Entry[K, V]) error {
		if combine != nil {
			out, err := combine(group)
			if err != nil {
				return err
			}
			group = out
		}
		for _, e := range group {
			if err := w.Write(e); err != nil {
				return err
			}
		}
		return nil
	}

	var group []Entry[K, V]
	for {
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.Abort()
			return nil, err
		}
		if len(group) > 0 && cmp.Compare(group[0].Key, e.Key) != 0 {
			if err := flush(group); err != nil {
				w.Abort()
				return nil, err
			}
			group = group[:0]
		}
		group = append(group, e)
	}
	if len(group) > 0 {
		if err := flush(group); err != nil {
			w.Abort()
			return nil, err
		}
	}

	run, err := w.Finish()
	if err != nil {
		return nil, err
	}
	it.Close()
	if err := s.Remove(runs...); err != nil {
		return nil, err
	}
	return run, nil
}
