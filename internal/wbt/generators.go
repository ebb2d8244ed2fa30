package wbt

import (
	"context"

	"github.com/banshee-data/terrain.report/internal/pointcloud"
)

// GridGenerator interpolates an elevation grid from the points of a tile
// that survive the exclusion set.
type GridGenerator struct {
	Tool Tool
}

// Generate writes the TIN-gridded elevation raster of input to output.
// workDir is the tool's working directory; empty leaves it unset.
func (g GridGenerator) Generate(ctx context.Context, input, output, workDir string, resolution float64, exclude pointcloud.ClassSet) error {
	return g.Tool.Run(ctx, Request{
		Algorithm:  LidarTINGridding,
		Input:      input,
		Output:     output,
		WorkDir:    workDir,
		Resolution: resolution,
		Exclude:    exclude,
	})
}

// DefaultRadiusFactor is the density search radius in cells.
const DefaultRadiusFactor = 2.0

// DensityCounter rasterises per-cell point counts. Fed a count-proxy
// cloud, whose elevations are all 1, the resulting cell values count
// points rather than sum heights.
type DensityCounter struct {
	Tool Tool
	// RadiusFactor scales the resolution into the search radius. Zero
	// selects DefaultRadiusFactor.
	RadiusFactor float64
}

// Radius returns the search radius used at resolution.
func (d DensityCounter) Radius(resolution float64) float64 {
	f := d.RadiusFactor
	if f == 0 {
		f = DefaultRadiusFactor
	}
	return f * resolution
}

// Count writes the density raster of input to output. An empty exclusion
// set counts every point.
func (d DensityCounter) Count(ctx context.Context, input, output, workDir string, resolution float64, exclude pointcloud.ClassSet) error {
	return d.Tool.Run(ctx, Request{
		Algorithm:  LidarPointDensity,
		Input:      input,
		Output:     output,
		WorkDir:    workDir,
		Resolution: resolution,
		Radius:     d.Radius(resolution),
		Exclude:    exclude,
	})
}
