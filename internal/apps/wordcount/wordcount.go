// Package wordcount holds the word counting jobs.
package wordcount

import (
	"context"
	"iter"
	"strings"
	"unicode"

	"LocalMR/internal/coordinator"
	"LocalMR/internal/mapreduce"
	"LocalMR/internal/source"
	"LocalMR/internal/types"
)

// DefaultThreshold is the count a word must exceed to be reported by the
// filtered job.
const DefaultThreshold = 5

// Words emits (word, 1) for every whitespace separated word.
var Words = mapreduce.MapperFunc[string, int](func(_ context.Context, rec types.Record, emit func(string, int)) error {
	for _, w := range strings.Fields(rec.Text) {
		emit(w, 1)
	}
	return nil
})

// CleanWords lower-cases each word and strips everything but letters,
// digits and underscores. Words left empty are skipped.
var CleanWords = mapreduce.MapperFunc[string, int](func(_ context.Context, rec types.Record, emit func(string, int)) error {
	for _, w := range strings.Fields(rec.Text) {
		if clean := Clean(w); clean != "" {
			emit(clean, 1)
		}
	}
	return nil
})

// Clean normalizes a word the way CleanWords does.
func Clean(word string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return unicode.ToLower(r)
		}
		return -1
	}, word)
}

// Sum adds up a word's counts. It is also a valid combiner.
var Sum = mapreduce.ReducerFunc[string, int](func(_ context.Context, word string, counts iter.Seq[int], emit func(string, int)) error {
	emit(word, total(counts))
	return nil
})

// SumAbove reports a word only when its count is greater than threshold.
func SumAbove(threshold int) mapreduce.ReducerFunc[string, int] {
	return func(_ context.Context, word string, counts iter.Seq[int], emit func(string, int)) error {
		if n := total(counts); n > threshold {
			emit(word, n)
		}
		return nil
	}
}

func total(counts iter.Seq[int]) int {
	n := 0
	for c := range counts {
		n += c
	}
	return n
}

// Spec builds the plain word count job.
func Spec(src source.Source, sink mapreduce.Sink[string, int]) coordinator.JobSpec[string, int] {
	return coordinator.JobSpec[string, int]{
		Name:     "wordcount",
		Source:   src,
		Mapper:   Words,
		Reducer:  Sum,
		Combiner: Sum,
		Sink:     sink,
	}
}

// FilterSpec builds the normalized word count that only keeps words seen
// more than threshold times.
func FilterSpec(src source.Source, threshold int, sink mapreduce.Sink[string, int]) coordinator.JobSpec[string, int] {
	return coordinator.JobSpec[string, int]{
		Name:     "wordcount-filter",
		Source:   src,
		Mapper:   CleanWords,
		Reducer:  SumAbove(threshold),
		Combiner: Sum,
		Sink:     sink,
	}
}
