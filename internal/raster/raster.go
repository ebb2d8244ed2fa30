// Package raster holds the georeferenced grid type shared by every
// pipeline stage, the co-registration check that guards cell-wise
// arithmetic, and the file codec used to exchange grids with the
// external gridding tool.
package raster

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when two rasters that must be co-registered
// differ in shape, origin, cell size or CRS.
var ErrShapeMismatch = errors.New("rasters are not co-registered")

// DataType is the cell type recorded for a raster. It controls how values
// are written; in memory every cell is a float64.
type DataType string

const (
	Int32   DataType = "int32"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

// DefaultNoData is used when a grid file does not declare a nodata value.
const DefaultNoData = -9999.0

// GeoMeta is the georeferencing template of a raster. Row 0 is the
// northern edge; OriginX/OriginY locate the lower-left corner of the
// lower-left cell.
type GeoMeta struct {
	Rows     int
	Cols     int
	OriginX  float64
	OriginY  float64
	CellSize float64
	CRS      string
	NoData   float64
	DataType DataType
}

// CoRegistered returns nil when m and o share shape, origin, cell size and
// CRS, and an error wrapping ErrShapeMismatch naming the first difference
// otherwise. Comparison is exact: both grids must come from invocations
// with identical resolution and extent.
func (m GeoMeta) CoRegistered(o GeoMeta) error {
	switch {
	case m.Rows != o.Rows || m.Cols != o.Cols:
		return fmt.Errorf("%w: shape %dx%d vs %dx%d", ErrShapeMismatch, m.Rows, m.Cols, o.Rows, o.Cols)
	case m.OriginX != o.OriginX || m.OriginY != o.OriginY:
		return fmt.Errorf("%w: origin (%g, %g) vs (%g, %g)", ErrShapeMismatch, m.OriginX, m.OriginY, o.OriginX, o.OriginY)
	case m.CellSize != o.CellSize:
		return fmt.Errorf("%w: cell size %g vs %g", ErrShapeMismatch, m.CellSize, o.CellSize)
	case m.CRS != o.CRS:
		return fmt.Errorf("%w: crs %q vs %q", ErrShapeMismatch, m.CRS, o.CRS)
	}
	return nil
}

// Raster is a grid of cell values plus its georeferencing metadata.
type Raster struct {
	Meta GeoMeta
	Data *mat.Dense
}

// New allocates a zero-filled raster for meta. Rows and Cols must be
// positive.
func New(meta GeoMeta) *Raster {
	return &Raster{Meta: meta, Data: mat.NewDense(meta.Rows, meta.Cols, nil)}
}

// FromRows builds a raster from row-major values, north row first. The
// shape in meta is overwritten by the shape of rows.
func FromRows(meta GeoMeta, rows [][]float64) (*Raster, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("raster must have at least one cell")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	meta.Rows, meta.Cols = len(rows), cols
	return &Raster{Meta: meta, Data: mat.NewDense(meta.Rows, cols, data)}, nil
}

// At returns the value at row r, column c.
func (r *Raster) At(row, col int) float64 {
	return r.Data.At(row, col)
}

// Set stores v at row r, column c.
func (r *Raster) Set(row, col int, v float64) {
	r.Data.Set(row, col, v)
}

// IsNoData reports whether v is the raster's nodata marker. NaN is always
// treated as nodata.
func (r *Raster) IsNoData(v float64) bool {
	return math.IsNaN(v) || v == r.Meta.NoData
}

// Rows returns the raster values as row slices. Intended for tests and
// small grids.
func (r *Raster) Rows() [][]float64 {
	out := make([][]float64, r.Meta.Rows)
	for i := range out {
		out[i] = mat.Row(nil, i, r.Data)
	}
	return out
}

// ValidRange returns the smallest and largest non-nodata values and false
// when every cell is nodata.
func (r *Raster) ValidRange() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	raw := r.Data.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			if r.IsNoData(v) {
				continue
			}
			ok = true
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	return lo, hi, ok
}
