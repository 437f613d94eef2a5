// Package grep finds the lines matching a pattern and reports where each
// distinct line occurs.
package grep

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"LocalMR/internal/coordinator"
	"LocalMR/internal/mapreduce"
	"LocalMR/internal/source"
	"LocalMR/internal/types"
)

// Grep handles grep operations as a map/reduce job.
type Grep struct {
	pattern string
	regex   *regexp.Regexp
}

// New compiles pattern.
func New(pattern string) (*Grep, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	return &Grep{
		pattern: pattern,
		regex:   regex,
	}, nil
}

// Map emits (line, source:offset) for matching lines.
func (g *Grep) Map(_ context.Context, rec types.Record, emit func(string, string)) error {
	if g.regex.MatchString(rec.Text) {
		emit(rec.Text, fmt.Sprintf("%s:%d", rec.Source, rec.Offset))
	}
	return nil
}

// Reduce joins every location of a matched line.
// Format: matched_line -> [file1:12, file2:40, ...]
func (g *Grep) Reduce(_ context.Context, line string, locations iter.Seq[string], emit func(string, string)) error {
	var all []string
	for loc := range locations {
		all = append(all, loc)
	}
	if len(all) == 0 {
		return nil
	}
	emit(line, fmt.Sprintf("%s -> [%s]", line, strings.Join(all, ", ")))
	return nil
}

// Spec builds the grep job over src.
func (g *Grep) Spec(src source.Source, sink mapreduce.Sink[string, string]) coordinator.JobSpec[string, string] {
	return coordinator.JobSpec[string, string]{
		Name:    "grep " + g.pattern,
		Source:  src,
		Mapper:  g,
		Reducer: g,
		Sink:    sink,
	}
}

// PrintResults prints grep results to stdout.
func PrintResults(results []types.KeyValue[string, string]) {
	if len(results) == 0 {
		fmt.Println("No matches found")
		return
	}

	for _, kv := range results {
		fmt.Println(kv.Value)
	}
}
