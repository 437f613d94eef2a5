// Package source turns raw input into ordered records grouped in splits.
package source

import (
	"fmt"
	"io"

	"LocalMR/internal/types"
)

// Source produces the splits of a job's input. Calling Splits twice on the
// same input must return identical splits.
type Source interface {
	Splits() ([]Split, error)
}

// Split is a contiguous, non-overlapping slice of the input read by exactly
// one map task.
type Split interface {
	Index() int
	Name() string
	Open() (RecordReader, error)
}

// RecordReader yields the records of one split in order. Next returns io.EOF
// once the split is exhausted.
type RecordReader interface {
	Next() (types.Record, error)
	Close() error
}

// Lines is an in-memory source holding PerSplit lines per split.
type Lines struct {
	Name     string
	Lines    []string
	PerSplit int
}

// Splits implements Source.
func (l Lines) Splits() ([]Split, error) {
	per := l.PerSplit
	if per <= 0 {
		per = 1000
	}
	name := l.Name
	if name == "" {
		name = "lines"
	}

	var splits []Split
	for start := 0; start < len(l.Lines); start += per {
		end := min(start+per, len(l.Lines))
		splits = append(splits, &lineSplit{
			index: len(splits),
			name:  name,
			lines: l.Lines[start:end],
			first: start,
		})
	}
	return splits, nil
}

type lineSplit struct {
	index int
	name  string
	lines []string
	first int
}

func (s *lineSplit) Index() int { return s.index }

func (s *lineSplit) Name() string {
	return fmt.Sprintf("%s[%d:%d]", s.name, s.first, s.first+len(s.lines))
}

func (s *lineSplit) Open() (RecordReader, error) {
	return &lineReader{split: s}, nil
}

type lineReader struct {
	split *lineSplit
	next  int
}

func (r *lineReader) Next() (types.Record, error) {
	if r.next >= len(r.split.lines) {
		return types.Record{}, io.EOF
	}
	rec := types.Record{
		Source: r.split.name,
		Offset: int64(r.split.first + r.next),
		Index:  r.next,
		Text:   r.split.lines[r.next],
	}
	r.next++
	return rec, nil
}

func (r *lineReader) Close() error { return nil }
