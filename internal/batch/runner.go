// Package batch runs the tile pipeline over every point-cloud tile in a
// directory and aggregates the per-tile results into a report.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/terrain.report/internal/config"
	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/monitoring"
	"github.com/banshee-data/terrain.report/internal/pipeline"
	"github.com/banshee-data/terrain.report/internal/timeutil"
)

// TileRunner processes one tile. *pipeline.TilePipeline implements it.
type TileRunner interface {
	Run(ctx context.Context, path string) pipeline.Result
}

// Recorder persists a finished report.
type Recorder interface {
	RecordRun(ctx context.Context, report *Report) error
}

// Report is the structured outcome of a batch.
type Report struct {
	RunID     string
	InputDir  string
	OutputDir string
	Started   time.Time
	Duration  time.Duration
	Tiles     []pipeline.Result
	Completed int
	Failed    int
	// Canceled is set when the context ended before every tile ran.
	Canceled bool
}

// Failures returns the failed tile results in run order.
func (r *Report) Failures() []pipeline.Result {
	var out []pipeline.Result
	for _, t := range r.Tiles {
		if t.Status == pipeline.StatusFailed {
			out = append(out, t)
		}
	}
	return out
}

// OK reports whether every discovered tile completed.
func (r *Report) OK() bool {
	return r.Failed == 0 && !r.Canceled
}

// Deps are optional collaborators of a Runner.
type Deps struct {
	FS       fsutil.FileSystem
	Recorder Recorder
	Clock    timeutil.Clock
}

// Runner processes tiles one at a time in name order. A failed tile never
// stops the batch; cancelling the context does, before the next tile.
type Runner struct {
	inputDir   string
	outputDir  string
	extensions []string
	tiles      TileRunner

	fs       fsutil.FileSystem
	recorder Recorder
	clock    timeutil.Clock
}

// NewRunner returns a Runner over cfg.InputDir.
func NewRunner(cfg *config.Config, tiles TileRunner, deps Deps) (*Runner, error) {
	if cfg.InputDir == "" {
		return nil, fmt.Errorf("batch: input_dir is required")
	}
	if tiles == nil {
		return nil, fmt.Errorf("batch: tile runner is required")
	}
	if deps.FS == nil {
		deps.FS = fsutil.OSFileSystem{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	return &Runner{
		inputDir:   cfg.InputDir,
		outputDir:  cfg.GetOutputDir(),
		extensions: cfg.GetExtensions(),
		tiles:      tiles,
		fs:         deps.FS,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
	}, nil
}

// Discover lists the tiles in the input directory whose extension is
// recognised, case-insensitively, sorted by name.
func (r *Runner) Discover() ([]string, error) {
	names, err := r.fs.ReadDir(r.inputDir)
	if err != nil {
		return nil, fmt.Errorf("list input dir %s: %w", r.inputDir, err)
	}
	var tiles []string
	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		for _, want := range r.extensions {
			if ext == want {
				tiles = append(tiles, filepath.Join(r.inputDir, name))
				break
			}
		}
	}
	return tiles, nil
}

// Run processes every discovered tile. The returned error covers only
// failures outside any tile: an unreadable input directory or a failed
// history write. Tile failures are in the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		InputDir:  r.inputDir,
		OutputDir: r.outputDir,
		Started:   r.clock.Now(),
	}

	tiles, err := r.Discover()
	if err != nil {
		return nil, err
	}
	monitoring.Opsf("batch %s: %d tiles in %s", report.RunID[:8], len(tiles), r.inputDir)

	for i, path := range tiles {
		if ctx.Err() != nil {
			report.Canceled = true
			monitoring.Opsf("batch canceled with %d of %d tiles left", len(tiles)-i, len(tiles))
			break
		}
		res := r.tiles.Run(ctx, path)
		report.Tiles = append(report.Tiles, res)

		switch res.Status {
		case pipeline.StatusCompleted:
			report.Completed++
			monitoring.Opsf("[%d/%d] %s completed in %v", i+1, len(tiles), res.Tile, res.Duration)
		default:
			report.Failed++
			monitoring.Opsf("[%d/%d] %s failed at %s (%s): %v", i+1, len(tiles), res.Tile, res.Stage, res.Kind, res.Err)
		}
		for _, w := range res.Warnings {
			monitoring.Diagf("%s: warning: %s", res.Tile, w)
		}
	}
	report.Duration = r.clock.Since(report.Started)
	monitoring.Opsf("batch %s: %d completed, %d failed in %v", report.RunID[:8], report.Completed, report.Failed, report.Duration)

	if r.recorder != nil {
		// The history write must survive a cancelled batch.
		if err := r.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			return report, fmt.Errorf("record run %s: %w", report.RunID, err)
		}
	}
	return report, nil
}
