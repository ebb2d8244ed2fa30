// Package surface derives terrain products from gridded rasters: the
// gradient magnitude of an elevation grid and the all-to-ground point
// count ratio used as a vegetation density proxy.
//
// Both operations are pure functions over raster.Raster values so they
// can be exercised with synthetic grids; no external tool is involved.
package surface

import (
	"fmt"
	"math"

	"github.com/banshee-data/terrain.report/internal/raster"
)

// Gradient returns the gradient magnitude of elev with cell spacing
// cellSize. Each axis component is a central difference in the interior
// and a one-sided difference at the grid edge, divided by the spacing;
// the magnitude is the Euclidean norm of the two components.
//
// Nodata cells stay nodata. A valid cell next to a nodata cell uses the
// one-sided difference toward its valid neighbour, and an axis with no
// valid neighbour (including a single-cell axis) contributes zero. The
// output keeps elev's georeferencing and is typed float32.
func Gradient(elev *raster.Raster, cellSize float64) (*raster.Raster, error) {
	if elev == nil {
		return nil, fmt.Errorf("gradient: nil elevation raster")
	}
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		return nil, fmt.Errorf("gradient: invalid cell size %g", cellSize)
	}

	meta := elev.Meta
	meta.DataType = raster.Float32
	out := raster.New(meta)

	rows, cols := meta.Rows, meta.Cols
	valid := func(i, j int) bool {
		return i >= 0 && i < rows && j >= 0 && j < cols && !elev.IsNoData(elev.At(i, j))
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			z := elev.At(i, j)
			if elev.IsNoData(z) {
				out.Set(i, j, meta.NoData)
				continue
			}
			dy := axisDerivative(z, valid(i-1, j), valid(i+1, j),
				func() float64 { return elev.At(i-1, j) },
				func() float64 { return elev.At(i+1, j) }, cellSize)
			dx := axisDerivative(z, valid(i, j-1), valid(i, j+1),
				func() float64 { return elev.At(i, j-1) },
				func() float64 { return elev.At(i, j+1) }, cellSize)
			out.Set(i, j, math.Hypot(dx, dy))
		}
	}
	return out, nil
}

// axisDerivative picks the finite-difference form for one axis given
// which neighbours hold valid samples.
func axisDerivative(z float64, hasPrev, hasNext bool, prev, next func() float64, h float64) float64 {
	switch {
	case hasPrev && hasNext:
		return (next() - prev()) / (2 * h)
	case hasNext:
		return (next() - z) / h
	case hasPrev:
		return (z - prev()) / h
	}
	return 0
}
