// Package quicklook renders PNG heat-map previews of final rasters.
package quicklook

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/raster"
)

// Renderer writes previews through FS.
type Renderer struct {
	FS fsutil.FileSystem
	// Width is the image width; height follows the raster aspect ratio.
	Width vg.Length
	// Colors is the palette size.
	Colors int
}

// NewRenderer returns a Renderer with a 6 inch, 32 colour heat palette.
func NewRenderer(fs fsutil.FileSystem) *Renderer {
	return &Renderer{FS: fs, Width: 6 * vg.Inch, Colors: 32}
}

// Render draws r as a heat map and writes a PNG to path. Nodata cells are
// left transparent.
func (q *Renderer) Render(r *raster.Raster, path string) error {
	lo, hi, ok := r.ValidRange()
	if !ok {
		return fmt.Errorf("quicklook %s: raster has no valid cells", filepath.Base(path))
	}
	if hi == lo {
		hi = lo + 1
	}

	hm := plotter.NewHeatMap(rasterGrid{r}, palette.Heat(q.Colors, 1))
	hm.Min, hm.Max = lo, hi
	hm.NaN = color.Transparent
	hm.Rasterized = true

	p := plot.New()
	p.Title.Text = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p.X.Label.Text = "easting"
	p.Y.Label.Text = "northing"
	p.Add(hm)

	height := q.Width * vg.Length(float64(r.Meta.Rows)/float64(r.Meta.Cols))
	if height < 2*vg.Inch {
		height = 2 * vg.Inch
	}
	wt, err := p.WriterTo(q.Width, height, "png")
	if err != nil {
		return fmt.Errorf("quicklook %s: %w", filepath.Base(path), err)
	}

	w, err := q.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create quicklook %s: %w", path, err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("write quicklook %s: %w", path, err)
	}
	return w.Close()
}

// rasterGrid adapts a raster to plotter.GridXYZ. Grid row 0 is the
// southern row; nodata becomes NaN.
type rasterGrid struct {
	r *raster.Raster
}

func (g rasterGrid) Dims() (c, r int) { return g.r.Meta.Cols, g.r.Meta.Rows }

func (g rasterGrid) Z(c, r int) float64 {
	v := g.r.At(g.r.Meta.Rows-1-r, c)
	if g.r.IsNoData(v) {
		return math.NaN()
	}
	return v
}

func (g rasterGrid) X(c int) float64 {
	return g.r.Meta.OriginX + (float64(c)+0.5)*g.r.Meta.CellSize
}

func (g rasterGrid) Y(r int) float64 {
	return g.r.Meta.OriginY + (float64(r)+0.5)*g.r.Meta.CellSize
}
