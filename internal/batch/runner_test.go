package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/terrain.report/internal/config"
	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/pipeline"
	"github.com/banshee-data/terrain.report/internal/raster"
	"github.com/banshee-data/terrain.report/internal/testutil"
	"github.com/banshee-data/terrain.report/internal/timeutil"
	"github.com/banshee-data/terrain.report/internal/wbt"
)

func testConfig() *config.Config {
	return &config.Config{InputDir: "/in", OutputDir: "/out", WorkDir: "/work"}
}

type stubTiles struct {
	seen   []string
	failOn string
	cancel context.CancelFunc
}

func (s *stubTiles) Run(_ context.Context, path string) pipeline.Result {
	s.seen = append(s.seen, path)
	if s.cancel != nil {
		s.cancel()
	}
	if strings.HasSuffix(path, s.failOn) && s.failOn != "" {
		return pipeline.Result{Tile: path, Status: pipeline.StatusFailed, Stage: pipeline.StageLoad, Kind: pipeline.KindUnreadable, Err: errors.New("bad")}
	}
	return pipeline.Result{Tile: path, Status: pipeline.StatusCompleted}
}

func TestDiscover(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/in/sub", 0755))
	for _, name := range []string{"b.LAZ", "a.las", "notes.txt", "a_ground_points_hr.asc", "c.las.bak", "sub/d.las"} {
		require.NoError(t, mfs.WriteFile("/in/"+name, []byte("x"), 0644))
	}

	r, err := NewRunner(testConfig(), &stubTiles{}, Deps{FS: mfs})
	require.NoError(t, err)
	tiles, err := r.Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{"/in/a.las", "/in/b.LAZ"}, tiles)
}

func TestDiscover_CustomExtensions(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/in", 0755))
	require.NoError(t, mfs.WriteFile("/in/a.las", []byte("x"), 0644))
	require.NoError(t, mfs.WriteFile("/in/b.laz", []byte("x"), 0644))

	cfg := testConfig()
	cfg.Extensions = []string{".LAS"}
	r, err := NewRunner(cfg, &stubTiles{}, Deps{FS: mfs})
	require.NoError(t, err)
	tiles, err := r.Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{"/in/a.las"}, tiles)
}

func TestRunner_MissingInputDir(t *testing.T) {
	r, err := NewRunner(testConfig(), &stubTiles{}, Deps{FS: fsutil.NewMemoryFileSystem()})
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.Error(t, err)
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(&config.Config{}, &stubTiles{}, Deps{})
	assert.Error(t, err)
	_, err = NewRunner(testConfig(), nil, Deps{})
	assert.Error(t, err)
}

func TestRunner_FailureDoesNotStopBatch(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/in", 0755))
	for _, name := range []string{"a.las", "b.las", "c.las"} {
		require.NoError(t, mfs.WriteFile("/in/"+name, []byte("x"), 0644))
	}
	tiles := &stubTiles{failOn: "b.las"}
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	clock.Step = time.Second

	r, err := NewRunner(testConfig(), tiles, Deps{FS: mfs, Clock: clock})
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/in/a.las", "/in/b.las", "/in/c.las"}, tiles.seen)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.OK())
	require.Len(t, report.Failures(), 1)
	assert.Equal(t, "/in/b.las", report.Failures()[0].Tile)
	assert.Len(t, report.RunID, 36)
	assert.Equal(t, time.Unix(1700000000, 0), report.Started)
	assert.Equal(t, time.Second, report.Duration)
}

func TestRunner_CancelStopsBeforeNextTile(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/in", 0755))
	for _, name := range []string{"a.las", "b.las"} {
		require.NoError(t, mfs.WriteFile("/in/"+name, []byte("x"), 0644))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tiles := &stubTiles{cancel: cancel}

	rec := &memRecorder{}
	r, err := NewRunner(testConfig(), tiles, Deps{FS: mfs, Recorder: rec})
	require.NoError(t, err)
	report, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"/in/a.las"}, tiles.seen)
	assert.True(t, report.Canceled)
	assert.False(t, report.OK())
	require.Len(t, rec.reports, 1, "a cancelled batch is still recorded")
}

type memRecorder struct {
	reports []*Report
	err     error
}

func (m *memRecorder) RecordRun(_ context.Context, r *Report) error {
	m.reports = append(m.reports, r)
	return m.err
}

func TestRunner_RecorderFailure(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/in", 0755))
	rec := &memRecorder{err: errors.New("database is locked")}

	r, err := NewRunner(testConfig(), &stubTiles{}, Deps{FS: mfs, Recorder: rec})
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.True(t, report.OK())
}

// Two tiles: the first fails in the grid generator, the second completes
// and its final rasters are co-registered.
func TestRunner_FirstTileToolFailureSecondCompletes(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	spec := testutil.DefaultTileSpec()
	first := spec.WriteTile(t, mfs, "/in", "63_6.las")
	spec.WriteTile(t, mfs, "/in", "63_7.las")

	tool := testutil.NewFakeTool(mfs, 8)
	tool.Fail = func(req wbt.Request) error {
		if req.Input == first && req.Algorithm == wbt.LidarTINGridding {
			return fmt.Errorf("%w: exit status 101", wbt.ErrToolFailed)
		}
		return nil
	}
	cfg := testConfig()
	tp, err := pipeline.NewTilePipeline(cfg, pipeline.Deps{Tool: tool, FS: mfs})
	require.NoError(t, err)
	r, err := NewRunner(cfg, tp, Deps{FS: mfs})
	require.NoError(t, err)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	failed := report.Failures()
	require.Len(t, failed, 1)
	assert.Equal(t, "63_6.las", failed[0].Tile)
	assert.Equal(t, pipeline.StageElevationHR, failed[0].Stage)
	assert.Equal(t, pipeline.KindToolFailure, failed[0].Kind)

	done := report.Tiles[1]
	require.Equal(t, pipeline.StatusCompleted, done.Status, "err: %v", done.Err)

	store := raster.NewASCIIStore(mfs)
	grad, err := store.Read(done.Outputs.Gradient)
	require.NoError(t, err)
	ratio, err := store.Read(done.Outputs.DensityRatio)
	require.NoError(t, err)
	assert.NoError(t, grad.Meta.CoRegistered(ratio.Meta))
	if diff := cmp.Diff(grad.Meta, ratio.Meta, cmpIgnoreType()); diff != "" {
		t.Errorf("final rasters not co-registered (-grad +ratio):\n%s", diff)
	}

	for _, f := range mfs.Files() {
		assert.False(t, strings.HasPrefix(f, "/work/"), "transient left behind: %s", f)
		assert.False(t, strings.HasPrefix(f, "/out/63_6"), "failed tile produced %s", f)
	}
}

func cmpIgnoreType() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".DataType"
	}, cmp.Ignore())
}
