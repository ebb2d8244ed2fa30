package raster

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/terrain.report/internal/fsutil"
)

// Store reads and writes rasters by path.
type Store interface {
	Read(path string) (*Raster, error)
	Write(path string, r *Raster) error
}

// ASCIIStore persists rasters as ESRI ASCII grids with a .prj sidecar
// carrying the CRS string. WhiteboxTools writes this format whenever the
// output path ends in .asc.
type ASCIIStore struct {
	FS fsutil.FileSystem
}

// NewASCIIStore returns an ASCIIStore over fs.
func NewASCIIStore(fs fsutil.FileSystem) *ASCIIStore {
	return &ASCIIStore{FS: fs}
}

// SidecarPath returns the .prj path that accompanies a grid file.
func SidecarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
}

// Read decodes the grid at path. The CRS comes from the .prj sidecar
// when present and is left empty otherwise.
func (s *ASCIIStore) Read(path string) (*Raster, error) {
	f, err := s.FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", path, err)
	}
	defer f.Close()

	r, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster %s: %w", path, err)
	}

	if prj, err := s.FS.ReadFile(SidecarPath(path)); err == nil {
		r.Meta.CRS = strings.TrimSpace(string(prj))
	}
	return r, nil
}

// Write encodes r to path and, when r has a CRS, writes the sidecar.
func (s *ASCIIStore) Write(path string, r *Raster) error {
	w, err := s.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create raster %s: %w", path, err)
	}
	bw := bufio.NewWriter(w)
	if err := Encode(bw, r); err != nil {
		w.Close()
		return fmt.Errorf("encode raster %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return fmt.Errorf("write raster %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close raster %s: %w", path, err)
	}

	if r.Meta.CRS != "" {
		if err := s.FS.WriteFile(SidecarPath(path), []byte(r.Meta.CRS+"\n"), 0644); err != nil {
			return fmt.Errorf("write projection %s: %w", SidecarPath(path), err)
		}
	}
	return nil
}

// Decode parses an ESRI ASCII grid. Both the corner and centre forms of
// the origin keys are accepted; a centre origin is shifted by half a cell.
// Grids whose every value is an integer literal are tagged Int32,
// everything else Float32.
func Decode(rd io.Reader) (*Raster, error) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)

	header := map[string]float64{}
	var first string
	haveFirst := false
	for sc.Scan() {
		key := strings.ToLower(sc.Text())
		if !isHeaderKey(key) {
			first, haveFirst = sc.Text(), true
			break
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("header key %s has no value", key)
		}
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", key, err)
		}
		header[key] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for _, key := range []string{"ncols", "nrows", "cellsize"} {
		if _, ok := header[key]; !ok {
			return nil, fmt.Errorf("missing header %s", key)
		}
	}
	meta := GeoMeta{
		Cols:     int(header["ncols"]),
		Rows:     int(header["nrows"]),
		CellSize: header["cellsize"],
		NoData:   DefaultNoData,
		DataType: Int32,
	}
	if meta.Rows <= 0 || meta.Cols <= 0 {
		return nil, fmt.Errorf("invalid grid shape %dx%d", meta.Rows, meta.Cols)
	}
	if meta.CellSize <= 0 {
		return nil, fmt.Errorf("invalid cell size %g", meta.CellSize)
	}
	if v, ok := header["nodata_value"]; ok {
		meta.NoData = v
	}
	if x, ok := header["xllcorner"]; ok {
		meta.OriginX = x
	} else if x, ok := header["xllcenter"]; ok {
		meta.OriginX = x - meta.CellSize/2
	}
	if y, ok := header["yllcorner"]; ok {
		meta.OriginY = y
	} else if y, ok := header["yllcenter"]; ok {
		meta.OriginY = y - meta.CellSize/2
	}

	r := New(meta)
	want := meta.Rows * meta.Cols
	n := 0
	put := func(tok string) error {
		if n >= want {
			return fmt.Errorf("more than %d values", want)
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("value %d: %w", n, err)
		}
		if r.Meta.DataType == Int32 && strings.ContainsAny(tok, ".eE") {
			r.Meta.DataType = Float32
		}
		r.Data.Set(n/meta.Cols, n%meta.Cols, v)
		n++
		return nil
	}
	if haveFirst {
		if err := put(first); err != nil {
			return nil, err
		}
	}
	for sc.Scan() {
		if err := put(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n != want {
		return nil, fmt.Errorf("got %d values, want %d", n, want)
	}
	return r, nil
}

func isHeaderKey(key string) bool {
	switch key {
	case "ncols", "nrows", "xllcorner", "yllcorner", "xllcenter", "yllcenter", "cellsize", "nodata_value":
		return true
	}
	return false
}

// Encode writes r as an ESRI ASCII grid using the corner origin form.
func Encode(w io.Writer, r *Raster) error {
	m := r.Meta
	if _, err := fmt.Fprintf(w, "ncols %d\nnrows %d\nxllcorner %s\nyllcorner %s\ncellsize %s\nNODATA_value %s\n",
		m.Cols, m.Rows,
		strconv.FormatFloat(m.OriginX, 'f', -1, 64),
		strconv.FormatFloat(m.OriginY, 'f', -1, 64),
		strconv.FormatFloat(m.CellSize, 'f', -1, 64),
		formatValue(m.NoData, m.DataType)); err != nil {
		return err
	}

	var line []byte
	for i := 0; i < m.Rows; i++ {
		line = line[:0]
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				line = append(line, ' ')
			}
			line = append(line, formatValue(r.Data.At(i, j), m.DataType)...)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func formatValue(v float64, dt DataType) string {
	switch dt {
	case Int32:
		return strconv.FormatInt(int64(math.Round(v)), 10)
	case Float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return strconv.FormatFloat(v, 'g', -1, 32)
	}
}
