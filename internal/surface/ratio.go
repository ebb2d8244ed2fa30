package surface

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/terrain.report/internal/raster"
)

// DensityRatio divides the all-points count by the ground-only count
// cell by cell. The two rasters must be co-registered; anything else is
// an error wrapping raster.ErrShapeMismatch.
//
// Where the ground count is zero the cell receives max(all)+1, where the
// maximum runs over the whole all-points raster. For integer counts this
// sentinel is strictly larger than any ratio with a non-zero denominator,
// so the output stays totally ordered and free of NaN. Nodata cells in
// either input count as zero points.
//
// The result carries the all-points metadata, typed float32.
func DensityRatio(ground, all *raster.Raster) (*raster.Raster, error) {
	if ground == nil || all == nil {
		return nil, fmt.Errorf("density ratio: nil count raster")
	}
	if err := ground.Meta.CoRegistered(all.Meta); err != nil {
		return nil, fmt.Errorf("density ratio: %w", err)
	}

	g := counts(ground)
	a := counts(all)
	sentinel := floats.Max(a) + 1

	ratio := make([]float64, len(a))
	for k := range a {
		if g[k] == 0 {
			ratio[k] = sentinel
			continue
		}
		ratio[k] = a[k] / g[k]
	}

	meta := all.Meta
	meta.DataType = raster.Float32
	out := raster.New(meta)
	for k, v := range ratio {
		out.Set(k/meta.Cols, k%meta.Cols, v)
	}
	return out, nil
}

// counts flattens r row-major with nodata replaced by zero.
func counts(r *raster.Raster) []float64 {
	out := make([]float64, 0, r.Meta.Rows*r.Meta.Cols)
	for i := 0; i < r.Meta.Rows; i++ {
		for j := 0; j < r.Meta.Cols; j++ {
			v := r.At(i, j)
			if r.IsNoData(v) {
				v = 0
			}
			out = append(out, v)
		}
	}
	return out
}
