// Package testutil provides shared terrain fixtures: synthetic classified
// tiles and a fake rasterising tool that stands in for WhiteboxTools.
package testutil

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/pointcloud"
	"github.com/banshee-data/terrain.report/internal/raster"
	"github.com/banshee-data/terrain.report/internal/wbt"
)

// Classes used by the synthetic tiles.
const (
	ClassGround     = 2
	ClassVegetation = 5
)

// TileSpec describes a synthetic square tile anchored at (0, 0). Ground
// points lie on the plane z = Base + SlopeX*x + SlopeY*y on a regular
// Spacing lattice offset by half a spacing, so no point sits on a cell
// boundary for any cell size that is a multiple of Spacing.
type TileSpec struct {
	Extent  float64
	Spacing float64
	Base    float64
	SlopeX  float64
	SlopeY  float64
	// VegetationX adds one vegetation point per lattice node with x below
	// this value, 10 m above the ground.
	VegetationX float64
	// GroundHole removes ground points with x and y both at or above this
	// value. Zero disables the hole.
	GroundHole float64
}

// DefaultTileSpec is an 8 m tile with a 0.25 m lattice.
func DefaultTileSpec() TileSpec {
	return TileSpec{Extent: 8, Spacing: 0.25, Base: 100, SlopeX: 2, SlopeY: 4, VegetationX: 4, GroundHole: 6}
}

// Points generates the tile's points in lattice order.
func (s TileSpec) Points() []pointcloud.Point {
	n := int(math.Round(s.Extent / s.Spacing))
	var pts []pointcloud.Point
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x := s.Spacing/2 + float64(j)*s.Spacing
			y := s.Spacing/2 + float64(i)*s.Spacing
			z := s.Base + s.SlopeX*x + s.SlopeY*y
			hole := s.GroundHole > 0 && x >= s.GroundHole && y >= s.GroundHole
			if !hole {
				pts = append(pts, pointcloud.Point{X: x, Y: y, Z: z, Classification: ClassGround})
			}
			if x < s.VegetationX {
				pts = append(pts, pointcloud.Point{X: x, Y: y, Z: z + 10, Classification: ClassVegetation})
			}
		}
	}
	return pts
}

// Encode returns the tile as LAS bytes with millimetre scale.
func (s TileSpec) Encode(t testing.TB) []byte {
	t.Helper()
	data, err := pointcloud.Encode(pointcloud.Header{Scale: [3]float64{0.001, 0.001, 0.001}}, s.Points())
	if err != nil {
		t.Fatalf("encode synthetic tile: %v", err)
	}
	return data
}

// WriteTile stores the tile at path, creating the parent directory.
func (s TileSpec) WriteTile(t testing.TB, fs fsutil.FileSystem, dir, name string) string {
	t.Helper()
	if err := fs.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := dir + "/" + name
	if err := fs.WriteFile(path, s.Encode(t), 0644); err != nil {
		t.Fatalf("write tile %s: %v", path, err)
	}
	return path
}

// WriteEmptyTile stores a valid LAS file with no points.
func WriteEmptyTile(t testing.TB, fs fsutil.FileSystem, dir, name string) string {
	t.Helper()
	data, err := pointcloud.Encode(pointcloud.Header{}, nil)
	if err != nil {
		t.Fatalf("encode empty tile: %v", err)
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := dir + "/" + name
	if err := fs.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write tile %s: %v", path, err)
	}
	return path
}

// FakeTool implements wbt.Tool by binning points into square cells over a
// fixed extent anchored at (0, 0). LidarTINGridding writes the mean Z of
// the surviving points per cell (nodata where a cell is empty);
// LidarPointDensity writes the per-cell sum of Z, which is the point
// count when fed a count-proxy tile.
type FakeTool struct {
	FS     fsutil.FileSystem
	Extent float64
	// Fail, when set, is consulted before every request.
	Fail func(req wbt.Request) error

	mu       sync.Mutex
	requests []wbt.Request
}

// NewFakeTool returns a FakeTool over fs for tiles of the given extent.
func NewFakeTool(fs fsutil.FileSystem, extent float64) *FakeTool {
	return &FakeTool{FS: fs, Extent: extent}
}

// Requests returns every request seen so far, in call order.
func (f *FakeTool) Requests() []wbt.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wbt.Request(nil), f.requests...)
}

// Run implements wbt.Tool.
func (f *FakeTool) Run(ctx context.Context, req wbt.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Fail != nil {
		if err := f.Fail(req); err != nil {
			return err
		}
	}

	tile, err := pointcloud.Read(f.FS, req.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", wbt.ErrToolFailed, err)
	}

	n := int(math.Round(f.Extent / req.Resolution))
	meta := raster.GeoMeta{
		Rows:     n,
		Cols:     n,
		CellSize: req.Resolution,
		NoData:   raster.DefaultNoData,
		DataType: raster.Float32,
	}
	sum := make([]float64, n*n)
	cnt := make([]int, n*n)
	for _, p := range tile.Points {
		if req.Exclude.Contains(p.Classification) {
			continue
		}
		col := int(math.Floor(p.X / req.Resolution))
		row := n - 1 - int(math.Floor(p.Y/req.Resolution))
		if col < 0 || col >= n || row < 0 || row >= n {
			continue
		}
		sum[row*n+col] += p.Z
		cnt[row*n+col]++
	}

	out := raster.New(meta)
	for k := range sum {
		v := sum[k]
		if req.Algorithm == wbt.LidarTINGridding {
			v = meta.NoData
			if cnt[k] > 0 {
				v = sum[k] / float64(cnt[k])
			}
		}
		out.Set(k/n, k%n, v)
	}
	return raster.NewASCIIStore(f.FS).Write(req.Output, out)
}
