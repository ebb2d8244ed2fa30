// Package pipeline runs the per-tile terrain derivation: elevation grids,
// gradient magnitude and vegetation density ratio, with every transient
// artifact tracked and released whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/terrain.report/internal/config"
	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/monitoring"
	"github.com/banshee-data/terrain.report/internal/pointcloud"
	"github.com/banshee-data/terrain.report/internal/raster"
	"github.com/banshee-data/terrain.report/internal/surface"
	"github.com/banshee-data/terrain.report/internal/timeutil"
	"github.com/banshee-data/terrain.report/internal/wbt"
)

// Final output name suffixes, appended to the tile stem.
const (
	SuffixElevation = "_ground_points_hr"
	SuffixGradient  = "_ground_points_grad"
	SuffixDensity   = "_veg_density"
	SuffixPreview   = "_preview.png"
)

// Status is the terminal state of a tile run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outputs lists the final files a completed tile produced.
type Outputs struct {
	Elevation    string
	Gradient     string
	DensityRatio string
	Previews     []string
}

// Result is the structured outcome of one tile run.
type Result struct {
	Tile   string
	Status Status
	// Stage, Kind and Err are set when Status is StatusFailed.
	Stage    Stage
	Kind     ErrorKind
	Err      error
	Outputs  Outputs
	Warnings []string
	Started  time.Time
	Duration time.Duration
}

// Previewer renders a quicklook image of a final raster.
type Previewer interface {
	Render(r *raster.Raster, path string) error
}

// Deps are the collaborators of a TilePipeline. Only Tool is required.
type Deps struct {
	Tool         wbt.Tool
	FS           fsutil.FileSystem
	Store        raster.Store
	Decompressor *wbt.Decompressor
	Previewer    Previewer
	Clock        timeutil.Clock
}

// TilePipeline derives the final rasters of one tile at a time. It holds
// no per-tile state, so one instance serves a whole batch.
type TilePipeline struct {
	outputDir      string
	workDir        string
	highResolution float64
	resolution     float64
	crs            string
	rasterExt      string
	nonGround      pointcloud.ClassSet
	concurrent     bool

	fs           fsutil.FileSystem
	store        raster.Store
	grid         wbt.GridGenerator
	density      wbt.DensityCounter
	decompressor *wbt.Decompressor
	previewer    Previewer
	clock        timeutil.Clock
}

// NewTilePipeline builds a pipeline from cfg. A nil Previewer disables
// quicklooks regardless of cfg.
func NewTilePipeline(cfg *config.Config, deps Deps) (*TilePipeline, error) {
	if deps.Tool == nil {
		return nil, fmt.Errorf("tile pipeline: tool is required")
	}
	nonGround, err := pointcloud.NewClassSet(cfg.NonGroundClasses()...)
	if err != nil {
		return nil, fmt.Errorf("tile pipeline: %w", err)
	}
	if deps.FS == nil {
		deps.FS = fsutil.OSFileSystem{}
	}
	if deps.Store == nil {
		deps.Store = raster.NewASCIIStore(deps.FS)
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if !cfg.GetQuicklook() {
		deps.Previewer = nil
	}

	return &TilePipeline{
		outputDir:      cfg.GetOutputDir(),
		workDir:        cfg.GetWorkDir(),
		highResolution: cfg.GetHighResolution(),
		resolution:     cfg.GetResolution(),
		crs:            cfg.GetCRS(),
		rasterExt:      cfg.GetRasterExt(),
		nonGround:      nonGround,
		concurrent:     cfg.GetConcurrentRasters(),
		fs:             deps.FS,
		store:          deps.Store,
		grid:           wbt.GridGenerator{Tool: deps.Tool},
		density:        wbt.DensityCounter{Tool: deps.Tool, RadiusFactor: cfg.GetRadiusFactor()},
		decompressor:   deps.Decompressor,
		previewer:      deps.Previewer,
		clock:          deps.Clock,
	}, nil
}

// tileRun carries the paths and registry of one invocation.
type tileRun struct {
	name      string
	input     string
	stem      string
	scratch   string
	artifacts *Artifacts

	elevation string
	gradient  string
	ratio     string

	proxy       string
	elevationLR string
	groundCount string
	allCount    string
}

func (p *TilePipeline) newRun(path string) *tileRun {
	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	scratch := filepath.Join(p.workDir, fsutil.SanitizeName(stem)+"-"+uuid.NewString()[:8])
	final := func(suffix string) string { return filepath.Join(p.outputDir, stem+suffix+p.rasterExt) }
	transient := func(suffix string) string { return filepath.Join(scratch, "tile"+suffix+p.rasterExt) }

	return &tileRun{
		name:        name,
		input:       path,
		stem:        stem,
		scratch:     scratch,
		artifacts:   NewArtifacts(p.fs),
		elevation:   final(SuffixElevation),
		gradient:    final(SuffixGradient),
		ratio:       final(SuffixDensity),
		proxy:       filepath.Join(scratch, "tile_count.las"),
		elevationLR: transient("_ground_points_lr"),
		groundCount: transient("_ground_count"),
		allCount:    transient("_all_count"),
	}
}

// Run processes the tile at path. It never panics on tile errors and
// always releases transient artifacts before returning; a cleanup failure
// is reported in the result rather than dropped.
func (p *TilePipeline) Run(ctx context.Context, path string) Result {
	run := p.newRun(path)
	res := Result{Tile: run.name, Started: p.clock.Now()}

	err := p.execute(ctx, run, &res)

	if cleanupErr := run.artifacts.ReleaseAll(); cleanupErr != nil {
		monitoring.Opsf("%s: cleanup: %v", run.name, cleanupErr)
		if err == nil {
			err = newStageError(run.name, StageCleanup, cleanupErr)
		} else {
			err = errors.Join(err, fmt.Errorf("cleanup: %w", cleanupErr))
		}
	}
	res.Duration = p.clock.Since(res.Started)

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		res.Kind = Classify(err)
		var se *StageError
		if errors.As(err, &se) {
			res.Stage = se.Stage
		}
		res.Outputs = Outputs{}
		return res
	}
	res.Status = StatusCompleted
	return res
}

func (p *TilePipeline) stage(ctx context.Context, run *tileRun, s Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return newStageError(run.name, s, err)
	}
	start := p.clock.Now()
	if err := fn(); err != nil {
		return newStageError(run.name, s, err)
	}
	monitoring.Diagf("%s: %s done in %v", run.name, s, p.clock.Since(start))
	return nil
}

func (p *TilePipeline) execute(ctx context.Context, run *tileRun, res *Result) error {
	var tile *pointcloud.Tile

	err := p.stage(ctx, run, StageLoad, func() error {
		for _, out := range []string{run.elevation, run.gradient, run.ratio} {
			if err := fsutil.ContainedIn(out, p.outputDir); err != nil {
				return err
			}
		}
		if err := fsutil.ContainedIn(run.scratch, p.workDir); err != nil {
			return err
		}
		if err := p.fs.MkdirAll(run.scratch, 0755); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		run.artifacts.TrackDir(run.scratch)

		var err error
		tile, err = p.load(ctx, run)
		return err
	})
	if err != nil {
		return err
	}
	ground := tile.Count(p.nonGround)
	monitoring.Diagf("%s: %d points, %d ground", run.name, len(tile.Points), ground)

	if err := p.stage(ctx, run, StageCountProxy, func() error {
		proxy, err := pointcloud.CountProxy(tile)
		if err != nil {
			return err
		}
		run.artifacts.Track(run.proxy)
		return pointcloud.Write(p.fs, run.proxy, proxy)
	}); err != nil {
		return err
	}

	if err := p.fs.MkdirAll(p.outputDir, 0755); err != nil {
		return newStageError(run.name, StageElevationHR, fmt.Errorf("create output dir: %w", err))
	}

	if p.concurrent {
		if err := p.generateConcurrently(ctx, run); err != nil {
			return err
		}
		if err := p.gradientStage(ctx, run, res); err != nil {
			return err
		}
	} else {
		if err := p.elevationStages(ctx, run); err != nil {
			return err
		}
		if err := p.gradientStage(ctx, run, res); err != nil {
			return err
		}
		if err := p.countStages(ctx, run); err != nil {
			return err
		}
	}

	if err := p.ratioStage(ctx, run, res); err != nil {
		return err
	}
	res.Outputs.Elevation = run.elevation
	res.Outputs.Gradient = run.gradient
	res.Outputs.DensityRatio = run.ratio
	p.previewElevation(run, res)
	return nil
}

// load reads the tile, decompressing LAZ into the scratch dir first.
func (p *TilePipeline) load(ctx context.Context, run *tileRun) (*pointcloud.Tile, error) {
	src := run.input
	if strings.EqualFold(filepath.Ext(src), ".laz") {
		if p.decompressor == nil {
			return nil, fmt.Errorf("%w (no laz_decompress_command configured)", pointcloud.ErrCompressed)
		}
		src = filepath.Join(run.scratch, "tile.las")
		run.artifacts.Track(src)
		if err := p.decompressor.Decompress(ctx, run.input, src); err != nil {
			return nil, err
		}
	}
	return pointcloud.Read(p.fs, src)
}

func (p *TilePipeline) elevationHR(ctx context.Context, run *tileRun) error {
	return p.stage(ctx, run, StageElevationHR, func() error {
		if err := p.grid.Generate(ctx, run.input, run.elevation, run.scratch, p.highResolution, p.nonGround); err != nil {
			return err
		}
		return p.ensureProjection(run.elevation)
	})
}

func (p *TilePipeline) elevationLR(ctx context.Context, run *tileRun) error {
	return p.stage(ctx, run, StageElevationLR, func() error {
		run.artifacts.TrackRaster(run.elevationLR)
		return p.grid.Generate(ctx, run.input, run.elevationLR, run.scratch, p.resolution, p.nonGround)
	})
}

func (p *TilePipeline) groundCount(ctx context.Context, run *tileRun) error {
	return p.stage(ctx, run, StageGroundCount, func() error {
		run.artifacts.TrackRaster(run.groundCount)
		return p.density.Count(ctx, run.proxy, run.groundCount, run.scratch, p.resolution, p.nonGround)
	})
}

func (p *TilePipeline) allCount(ctx context.Context, run *tileRun) error {
	return p.stage(ctx, run, StageAllCount, func() error {
		run.artifacts.TrackRaster(run.allCount)
		return p.density.Count(ctx, run.proxy, run.allCount, run.scratch, p.resolution, nil)
	})
}

func (p *TilePipeline) elevationStages(ctx context.Context, run *tileRun) error {
	if err := p.elevationHR(ctx, run); err != nil {
		return err
	}
	return p.elevationLR(ctx, run)
}

func (p *TilePipeline) countStages(ctx context.Context, run *tileRun) error {
	if err := p.groundCount(ctx, run); err != nil {
		return err
	}
	return p.allCount(ctx, run)
}

// generateConcurrently runs the four tool invocations of a tile at once.
// Their outputs are disjoint; all four are joined before anything reads
// them.
func (p *TilePipeline) generateConcurrently(ctx context.Context, run *tileRun) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, step := range []func(context.Context, *tileRun) error{
		p.elevationHR, p.elevationLR, p.groundCount, p.allCount,
	} {
		g.Go(func() error { return step(gctx, run) })
	}
	return g.Wait()
}

func (p *TilePipeline) gradientStage(ctx context.Context, run *tileRun, res *Result) error {
	return p.stage(ctx, run, StageGradient, func() error {
		elev, err := p.readRaster(run.elevationLR)
		if err != nil {
			return err
		}
		grad, err := surface.Gradient(elev, elev.Meta.CellSize)
		if err != nil {
			return err
		}
		if err := p.store.Write(run.gradient, grad); err != nil {
			return err
		}
		p.preview(run, res, grad, run.gradient)
		return run.artifacts.ReleaseRaster(run.elevationLR)
	})
}

func (p *TilePipeline) ratioStage(ctx context.Context, run *tileRun, res *Result) error {
	return p.stage(ctx, run, StageDensityRatio, func() error {
		ground, err := p.readRaster(run.groundCount)
		if err != nil {
			return err
		}
		all, err := p.readRaster(run.allCount)
		if err != nil {
			return err
		}
		ratio, err := surface.DensityRatio(ground, all)
		if err != nil {
			return err
		}
		if err := p.store.Write(run.ratio, ratio); err != nil {
			return err
		}
		p.preview(run, res, ratio, run.ratio)
		return errors.Join(run.artifacts.ReleaseRaster(run.groundCount), run.artifacts.ReleaseRaster(run.allCount))
	})
}

// readRaster reads a tool-produced raster, assigning the configured CRS
// when the tool left no projection sidecar.
func (p *TilePipeline) readRaster(path string) (*raster.Raster, error) {
	r, err := p.store.Read(path)
	if err != nil {
		return nil, err
	}
	if r.Meta.CRS == "" {
		r.Meta.CRS = p.crs
	}
	return r, nil
}

// ensureProjection writes a .prj sidecar for a final raster the tool
// wrote directly.
func (p *TilePipeline) ensureProjection(path string) error {
	prj := raster.SidecarPath(path)
	if p.crs == "" || p.fs.Exists(prj) {
		return nil
	}
	if err := p.fs.WriteFile(prj, []byte(p.crs+"\n"), 0644); err != nil {
		return fmt.Errorf("write projection %s: %w", prj, err)
	}
	return nil
}

// preview renders a quicklook. Failures become warnings on the result.
func (p *TilePipeline) preview(run *tileRun, res *Result, r *raster.Raster, path string) {
	if p.previewer == nil {
		return
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + SuffixPreview
	if err := p.previewer.Render(r, out); err != nil {
		monitoring.Opsf("%s: preview %s: %v", run.name, filepath.Base(out), err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("preview %s: %v", filepath.Base(out), err))
		return
	}
	res.Outputs.Previews = append(res.Outputs.Previews, out)
}

func (p *TilePipeline) previewElevation(run *tileRun, res *Result) {
	if p.previewer == nil {
		return
	}
	elev, err := p.readRaster(run.elevation)
	if err != nil {
		monitoring.Opsf("%s: preview elevation: %v", run.name, err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("preview elevation: %v", err))
		return
	}
	p.preview(run, res, elev, run.elevation)
}
