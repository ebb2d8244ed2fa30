// Command terrain derives ground elevation, steepness and vegetation
// density rasters from every classified LAS/LAZ tile in a directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/terrain.report/internal/batch"
	"github.com/banshee-data/terrain.report/internal/config"
	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/monitoring"
	"github.com/banshee-data/terrain.report/internal/pipeline"
	"github.com/banshee-data/terrain.report/internal/quicklook"
	"github.com/banshee-data/terrain.report/internal/runstore"
	"github.com/banshee-data/terrain.report/internal/version"
	"github.com/banshee-data/terrain.report/internal/wbt"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	input      string
	output     string
	work       string
	tool       string
	db         string
	timeout    string
	history    int
	quicklook  bool
	concurrent bool
	verbose    bool
	trace      bool
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("terrain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "path to a .json or .yaml config file")
	fs.StringVar(&o.input, "input", "", "directory of classified .las/.laz tiles")
	fs.StringVar(&o.output, "output", "", "directory for final rasters (default: input dir)")
	fs.StringVar(&o.work, "work", "", "scratch directory for transient files")
	fs.StringVar(&o.tool, "tool", "", "WhiteboxTools executable")
	fs.StringVar(&o.db, "db", "", "SQLite run history database")
	fs.StringVar(&o.timeout, "timeout", "", "per-invocation tool timeout, e.g. 10m")
	fs.IntVar(&o.history, "history", 0, "list the N most recent runs from -db and exit")
	fs.BoolVar(&o.quicklook, "quicklook", false, "write PNG previews of the final rasters")
	fs.BoolVar(&o.concurrent, "concurrent", false, "run the four raster passes of a tile concurrently")
	fs.BoolVar(&o.verbose, "v", false, "log per-stage diagnostics")
	fs.BoolVar(&o.trace, "vv", false, "also log tool command lines and output")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, fs, nil
}

// loadConfig reads the config file, if any, and applies the flags that
// were set explicitly on top of it.
func loadConfig(o *options, fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.InputDir = o.input
		case "output":
			cfg.OutputDir = o.output
		case "work":
			cfg.WorkDir = o.work
		case "tool":
			cfg.ToolPath = config.Ptr(o.tool)
		case "db":
			cfg.RunDB = o.db
		case "timeout":
			cfg.ToolTimeout = config.Ptr(o.timeout)
		case "quicklook":
			cfg.Quicklook = config.Ptr(o.quicklook)
		case "concurrent":
			cfg.ConcurrentRasters = config.Ptr(o.concurrent)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, flags, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if o.version {
		fmt.Fprintf(stdout, "terrain %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return 0
	}

	writers := monitoring.LogWriters{Ops: stderr}
	if o.verbose || o.trace {
		writers.Diag = stderr
	}
	if o.trace {
		writers.Trace = stderr
	}
	monitoring.SetLogWriters(writers)

	cfg, err := loadConfig(o, flags)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	if o.history > 0 {
		if err := printHistory(ctx, cfg.RunDB, o.history, stdout); err != nil {
			fmt.Fprintf(stderr, "history: %v\n", err)
			return 1
		}
		return 0
	}
	if cfg.InputDir == "" {
		fmt.Fprintln(stderr, "an input directory is required (-input or input_dir)")
		return 2
	}

	report, err := runBatch(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "terrain: %v\n", err)
		if report == nil {
			return 1
		}
	}
	printReport(report, stdout)
	if !report.OK() {
		return 1
	}
	return 0
}

func runBatch(ctx context.Context, cfg *config.Config) (*batch.Report, error) {
	osfs := fsutil.OSFileSystem{}

	tool := wbt.NewCommandTool(cfg.GetToolPath(), cfg.GetToolTimeout(), osfs)
	v, err := tool.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("WhiteboxTools not usable at %q: %w", cfg.GetToolPath(), err)
	}
	monitoring.Opsf("using %s", v)

	if err := osfs.MkdirAll(cfg.GetWorkDir(), 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	deps := pipeline.Deps{
		Tool:         tool,
		FS:           osfs,
		Decompressor: wbt.NewDecompressor(cfg.LazDecompressCommand, osfs),
	}
	if cfg.GetQuicklook() {
		deps.Previewer = quicklook.NewRenderer(osfs)
	}
	tiles, err := pipeline.NewTilePipeline(cfg, deps)
	if err != nil {
		return nil, err
	}

	batchDeps := batch.Deps{FS: osfs}
	if cfg.RunDB != "" {
		store, err := runstore.Open(cfg.RunDB)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		batchDeps.Recorder = store
	}

	runner, err := batch.NewRunner(cfg, tiles, batchDeps)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx)
}

func printReport(r *batch.Report, w io.Writer) {
	fmt.Fprintf(w, "run %s: %d completed, %d failed in %v\n", r.RunID, r.Completed, r.Failed, r.Duration.Round(time.Millisecond))
	if r.Canceled {
		fmt.Fprintln(w, "batch canceled before all tiles ran")
	}
	for _, f := range r.Failures() {
		fmt.Fprintf(w, "  FAILED %s at %s (%s): %v\n", f.Tile, f.Stage, f.Kind, f.Err)
	}
}

func printHistory(ctx context.Context, path string, n int, w io.Writer) error {
	if path == "" {
		return fmt.Errorf("-history needs a run database (-db or run_db)")
	}
	store, err := runstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tCOMPLETED\tFAILED\tINPUT")
	for _, r := range runs {
		id := r.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\t%s\n", id, r.Started.Local().Format(time.DateTime),
			r.Duration.Round(time.Second), r.Completed, r.Failed, r.InputDir)
	}
	return tw.Flush()
}
