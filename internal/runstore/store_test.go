package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/terrain.report/internal/batch"
	"github.com/banshee-data/terrain.report/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string, started time.Time) *batch.Report {
	return &batch.Report{
		RunID:     id,
		InputDir:  "/data/70_7",
		OutputDir: "/data/out",
		Started:   started,
		Duration:  90 * time.Second,
		Completed: 1,
		Failed:    1,
		Tiles: []pipeline.Result{
			{
				Tile:     "63_6.las",
				Status:   pipeline.StatusFailed,
				Stage:    pipeline.StageElevationHR,
				Kind:     pipeline.KindToolFailure,
				Err:      errors.New("63_6.las: elevation_hr: external tool failed"),
				Duration: 1500 * time.Millisecond,
			},
			{
				Tile:   "63_7.las",
				Status: pipeline.StatusCompleted,
				Outputs: pipeline.Outputs{
					Elevation:    "/data/out/63_7_ground_points_hr.asc",
					Gradient:     "/data/out/63_7_ground_points_grad.asc",
					DensityRatio: "/data/out/63_7_veg_density.asc",
				},
				Warnings: []string{"preview 63_7_veg_density_preview.png: no font cache"},
				Duration: 80 * time.Second,
			},
		},
	}
}

func TestOpen_MigratesSchema(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Running migrations again is a no-op.
	assert.NoError(t, s.MigrateUp())
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordRun(context.Background(), sampleReport("run-a", time.Unix(1700000000, 0))))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecordRun_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Unix(1700000000, 123000000).UTC()

	require.NoError(t, s.RecordRun(ctx, sampleReport("run-a", started)))

	runs, err := s.ListRuns(ctx, 5)
	require.NoError(t, err)
	want := []RunSummary{{
		RunID:     "run-a",
		InputDir:  "/data/70_7",
		OutputDir: "/data/out",
		Started:   started,
		Duration:  90 * time.Second,
		Completed: 1,
		Failed:    1,
	}}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}

	tiles, err := s.TileResults(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, tiles, 2)
	assert.Equal(t, TileRecord{
		Seq:      0,
		Tile:     "63_6.las",
		Status:   pipeline.StatusFailed,
		Stage:    pipeline.StageElevationHR,
		Kind:     pipeline.KindToolFailure,
		Error:    "63_6.las: elevation_hr: external tool failed",
		Duration: 1500 * time.Millisecond,
	}, tiles[0])
	assert.Equal(t, pipeline.StatusCompleted, tiles[1].Status)
	assert.Equal(t, "/data/out/63_7_veg_density.asc", tiles[1].Outputs.DensityRatio)
	assert.Equal(t, []string{"preview 63_7_veg_density_preview.png: no font cache"}, tiles[1].Warnings)
	assert.Empty(t, tiles[1].Error)
}

func TestRecordRun_DuplicateIDRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordRun(ctx, sampleReport("run-a", time.Unix(1700000000, 0))))

	assert.Error(t, s.RecordRun(ctx, sampleReport("run-a", time.Unix(1700000100, 0))))

	tiles, err := s.TileResults(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, tiles, 2)
}

func TestListRuns_NewestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.RecordRun(ctx, sampleReport(id, time.Unix(1700000000+int64(i)*3600, 0))))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "mid", runs[1].RunID)

	all, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTileResults_UnknownRun(t *testing.T) {
	s := openTestStore(t)
	tiles, err := s.TileResults(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, tiles)
}

func TestStore_IsBatchRecorder(t *testing.T) {
	var _ batch.Recorder = (*Store)(nil)
}
