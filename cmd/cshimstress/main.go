// Command cshimstress hammers an allocation backend through the facade with
// random traffic from several goroutines and verifies every block.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/docopt/docopt-go"
	gojson "github.com/goccy/go-json"

	"github.com/hupe1980/cshim"
	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/backend/arena"
	"github.com/hupe1980/cshim/backend/checked"
	"github.com/hupe1980/cshim/backend/heap"
	"github.com/hupe1980/cshim/backend/limited"
	"github.com/hupe1980/cshim/backend/mmalloc"
	"github.com/hupe1980/cshim/internal/resource"
	"github.com/hupe1980/cshim/internal/workload"
	"github.com/hupe1980/cshim/trace"
)

const usage = `Allocator stress test.
Usage:
  cshimstress [--backend=NAME] [--workers=N] [--ops=N] [--max-size=N] [--max-live=N]
              [--limit=BYTES] [--seed=N] [--trace=FILE] [--codec=C] [--json]
  cshimstress --replay=FILE [--backend=NAME] [--limit=BYTES] [--json]
  cshimstress -h | --help
Options:
  -h --help         Show this screen.
  --backend=NAME    heap, mmalloc, arena or checked [default: heap].
  --workers=N       Concurrent goroutines [default: 4].
  --ops=N           Operations across all workers [default: 100000].
  --max-size=N      Largest request in bytes [default: 65536].
  --max-live=N      Live blocks per worker [default: 256].
  --limit=BYTES     Memory budget in bytes, 0 for none [default: 0].
  --seed=N          Seed of worker 0 [default: 4711].
  --trace=FILE      Record every backend call to FILE.
  --codec=C         Trace compression: raw, zstd or lz4 [default: zstd].
  --replay=FILE     Replay a recorded trace instead of generating traffic.
  --json            Print the report as JSON.`

var parser = &docopt.Parser{HelpHandler: docopt.PrintHelpAndExit}

type config struct {
	Backend string
	Workers int
	Ops     int
	MaxSize int
	MaxLive int
	Limit   int
	Seed    int
	Trace   string
	Codec   string
	Replay  string
	JSON    bool `docopt:"--json"`
}

type budget struct {
	Limit      int64 `json:"limit"`
	Used       int64 `json:"used"`
	Peak       int64 `json:"peak"`
	Rejections int64 `json:"rejections"`
}

type report struct {
	Backend     string                  `json:"backend"`
	Budget      *budget                 `json:"budget,omitempty"`
	Workload    *workload.Report        `json:"workload,omitempty"`
	Replay      *trace.Summary          `json:"replay,omitempty"`
	TraceEvents uint64                  `json:"trace_events,omitempty"`
	Leaks       []string                `json:"leaks,omitempty"`
	Facade      cshim.BasicMetricsStats `json:"facade"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseConfig(argv []string) (config, error) {
	var cfg config
	opts, err := parser.ParseArgs(usage, argv, "")
	if err != nil {
		return cfg, err
	}
	if err := opts.Bind(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Backend == "" {
		cfg.Backend = "heap"
	}
	return cfg, nil
}

func newBackend(cfg config) (backend.Backend, *checked.Backend, *resource.Controller, error) {
	var (
		b   backend.Backend
		chk *checked.Backend
		rc  *resource.Controller
	)
	switch strings.ToLower(cfg.Backend) {
	case "heap":
		b = heap.New()
	case "mmalloc":
		b = mmalloc.New()
	case "arena":
		a, err := arena.New()
		if err != nil {
			return nil, nil, nil, err
		}
		b = a
	case "checked":
		chk = checked.New(mmalloc.New())
		b = chk
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Limit > 0 {
		rc = resource.NewController(resource.Config{MemoryLimitBytes: int64(cfg.Limit)})
		b = limited.New(b, rc)
	}
	return b, chk, rc, nil
}

func run(ctx context.Context, argv []string, out io.Writer) (err error) {
	cfg, err := parseConfig(argv)
	if err != nil {
		return err
	}

	b, chk, rc, err := newBackend(cfg)
	if err != nil {
		return err
	}

	var rec *trace.Recorder
	if cfg.Trace != "" && cfg.Replay == "" {
		file, r, terr := startTrace(b, cfg)
		if terr != nil {
			_ = backend.Close(b)
			return terr
		}
		defer func() {
			if cerr := file.Close(); err == nil {
				err = cerr
			}
		}()
		rec, b = r, r
	}

	metrics := &cshim.BasicMetricsCollector{}
	f := cshim.New(b, cshim.WithMetricsCollector(metrics))
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	rep := report{Backend: cfg.Backend}
	if cfg.Replay != "" {
		r, err := trace.OpenFile(cfg.Replay)
		if err != nil {
			return err
		}
		defer r.Close()

		sum, err := trace.Replay(f, r)
		if err != nil {
			return err
		}
		rep.Replay = &sum
	} else {
		wr, err := workload.Run(ctx, f, workload.Config{
			Workers: cfg.Workers,
			Ops:     cfg.Ops,
			MaxSize: cfg.MaxSize,
			MaxLive: cfg.MaxLive,
			Seed:    int64(cfg.Seed),
		})
		if err != nil {
			return err
		}
		rep.Workload = &wr
	}

	if rec != nil {
		if err := rec.Flush(); err != nil {
			return err
		}
		rep.TraceEvents = rec.Events()
	}
	if chk != nil {
		for _, l := range chk.Leaks() {
			rep.Leaks = append(rep.Leaks, l.String())
		}
	}
	if rc != nil {
		rep.Budget = &budget{
			Limit:      rc.MemoryLimit(),
			Used:       rc.MemoryUsage(),
			Peak:       rc.PeakUsage(),
			Rejections: rc.Rejections(),
		}
	}
	rep.Facade = metrics.GetStats()

	if cfg.JSON {
		enc := gojson.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(out, &rep)
	return nil
}

func startTrace(b backend.Backend, cfg config) (*os.File, *trace.Recorder, error) {
	codec, err := trace.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Create(cfg.Trace)
	if err != nil {
		return nil, nil, err
	}
	rec, err := trace.NewRecorder(b, file, trace.WithCodec(codec))
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return file, rec, nil
}

func printReport(w io.Writer, rep *report) {
	fmt.Fprintln(w, "Backend:", rep.Backend)
	if wr := rep.Workload; wr != nil {
		fmt.Fprintln(w, "Operations:", wr.Ops)
		fmt.Fprintf(w, "Seconds: %.2f\n", wr.Duration.Seconds())
		if s := wr.Duration.Seconds(); s > 0 {
			fmt.Fprintf(w, "Ops/sec: %.0f\n", float64(wr.Ops)/s)
		}
		fmt.Fprintln(w, "Bytes requested:", wr.Bytes)
		fmt.Fprintln(w, "Peak live bytes:", wr.PeakLive)
		fmt.Fprintln(w, "Out of memory:", wr.OutOfMemory)
	}
	if sum := rep.Replay; sum != nil {
		fmt.Fprintln(w, "Replayed events:", sum.Events)
		fmt.Fprintln(w, "Mismatched:", sum.Mismatched)
		fmt.Fprintln(w, "Skipped:", sum.Skipped)
		fmt.Fprintln(w, "Live at end:", sum.Live)
	}
	if bu := rep.Budget; bu != nil {
		fmt.Fprintf(w, "Budget: %d of %d bytes in use, peak %d, %d rejections\n", bu.Used, bu.Limit, bu.Peak, bu.Rejections)
	}
	if rep.TraceEvents > 0 {
		fmt.Fprintln(w, "Trace events:", rep.TraceEvents)
	}

	fmt.Fprintln(w)
	for _, op := range cshim.Ops() {
		if n := rep.Facade.ByOp[op]; n > 0 {
			fmt.Fprintf(w, "%-16s %d\n", op, n)
		}
	}
	for _, l := range rep.Leaks {
		fmt.Fprintln(w, "leak:", l)
	}
}
