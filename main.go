package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"LocalMR/internal/apps/grep"
	"LocalMR/internal/apps/wordcount"
	"LocalMR/internal/coordinator"
	"LocalMR/internal/ledger"
	"LocalMR/internal/logger"
	"LocalMR/internal/mapreduce"
	"LocalMR/internal/sink"
	"LocalMR/internal/source"
	"LocalMR/internal/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := flag.String("app", "wordcount", "Job to run: 'wordcount', 'wordcount-filter' or 'grep'")
	pattern := flag.String("pattern", "", "Regular expression for the grep job")
	minCount := flag.Int("min-count", wordcount.DefaultThreshold, "wordcount-filter reports words seen more than this many times")
	parallelism := flag.Int("parallelism", 0, "Worker count per phase (default: number of CPUs)")
	partitions := flag.Int("partitions", 0, "Reduce partition count (default: parallelism)")
	spillThreshold := flag.Int64("spill-threshold", mapreduce.DefaultSpillThreshold, "In-memory bytes buffered before spilling to disk")
	spillCeiling := flag.Int64("spill-ceiling", 0, "Maximum spilled bytes per partition, 0 for no limit")
	spillDir := flag.String("spill-dir", "", "Parent directory for spill files (default: system temp dir)")
	splitSize := flag.Int64("split-size", source.DefaultSplitSize, "Bytes of input per map task")
	maxAttempts := flag.Int("max-attempts", mapreduce.DefaultMaxAttempts, "Attempts per map or reduce task")
	ledgerDir := flag.String("ledger-dir", "", "Directory of the job ledger; empty disables it")
	history := flag.Bool("history", false, "Print the jobs recorded in -ledger-dir and exit")
	output := flag.String("output", "", "Write results to this file instead of stdout")
	logLevel := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	if _, err := logger.ParseLevel(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	lg := logger.New(*logLevel)

	var journal coordinator.Journal
	if *ledgerDir != "" {
		l, err := ledger.Open(ledger.Config{DataDir: *ledgerDir, Logger: lg})
		if err != nil {
			lg.Error("Failed to open job ledger: %v", err)
			return 1
		}
		defer l.Close()
		journal = l

		if *history {
			printHistory(l.Jobs())
			return 0
		}
	} else if *history {
		fmt.Fprintln(os.Stderr, "-history requires -ledger-dir")
		return 2
	}

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file or directory>...\n", os.Args[0])
		flag.PrintDefaults()
		return 2
	}

	opts := mapreduce.Options{
		Parallelism:         *parallelism,
		PartitionCount:      *partitions,
		SpillThresholdBytes: *spillThreshold,
		SpillCeilingBytes:   *spillCeiling,
		SpillDir:            *spillDir,
		MaxAttempts:         *maxAttempts,
	}
	src := source.Files{Paths: paths, SplitSize: *splitSize}

	c := coordinator.New(coordinator.Config{Journal: journal, Logger: lg})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *app {
	case "wordcount":
		err = runJob(ctx, c, wordcount.Spec(src, nil), opts, *output)
	case "wordcount-filter":
		err = runJob(ctx, c, wordcount.FilterSpec(src, *minCount, nil), opts, *output)
	case "grep":
		if *pattern == "" {
			fmt.Fprintln(os.Stderr, "-pattern is required for grep")
			return 2
		}
		g, gerr := grep.New(*pattern)
		if gerr != nil {
			fmt.Fprintln(os.Stderr, gerr)
			return 2
		}
		err = runJob(ctx, c, g.Spec(src, nil), opts, *output)
	default:
		fmt.Fprintf(os.Stderr, "Unknown app: %s\n", *app)
		return 2
	}

	if err != nil {
		lg.Error("%v", err)
		return 1
	}
	return 0
}

// runJob submits spec, cancels it on interrupt and writes its output as
// JSON lines to path or stdout.
func runJob[V any](ctx context.Context, c *coordinator.Coordinator, spec coordinator.JobSpec[string, V], opts mapreduce.Options, path string) error {
	if path != "" {
		spec.Sink = sink.NewFile[string, V](path)
	} else {
		spec.Sink = sink.NewJSONLines[string, V](os.Stdout)
	}

	h, err := coordinator.Submit(c, spec, opts)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.Done():
		}
	}()

	res, err := h.Wait(context.Background())
	if err != nil {
		var je *types.JobError
		if errors.As(err, &je) {
			return fmt.Errorf("job %s failed: %s", res.JobID, logger.Fields(map[string]interface{}{
				"kind":      je.Kind,
				"split":     je.Split,
				"partition": je.Partition,
				"key":       je.Key,
				"cause":     je.Cause,
			}))
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "%s: %s\n", res.JobID, logger.Fields(map[string]interface{}{
		"splits":        res.Stats.Splits,
		"records":       res.Stats.Records,
		"emitted":       res.Stats.Emitted,
		"spilled_runs":  res.Stats.SpilledRuns,
		"spilled_bytes": res.Stats.SpilledBytes,
		"keys":          res.Stats.Keys,
		"outputs":       res.Stats.OutputRecords,
	}))
	return nil
}

func printHistory(jobs []types.JobRecord) {
	if len(jobs) == 0 {
		fmt.Println("No jobs recorded")
		return
	}
	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-16s %-9s splits=%d partitions=%d outputs=%d submitted=%s",
			j.ID, j.Name, j.Phase, j.Splits, j.Partitions, j.Stats.OutputRecords, j.Submitted.Format("2006-01-02T15:04:05"))
		if j.Error != "" {
			line += " error=" + j.Error
		}
		fmt.Println(line)
	}
}
