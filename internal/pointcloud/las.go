// Package pointcloud reads and writes classified LAS point-cloud tiles.
//
// Only the fields the terrain pipeline needs are decoded: scaled X/Y/Z
// and the classification code. Everything else in a record is kept as raw
// bytes so a derived tile can be written back without loss.
package pointcloud

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/terrain.report/internal/fsutil"
)

var (
	// ErrUnreadable marks a tile that cannot be parsed or holds no points.
	ErrUnreadable = errors.New("unreadable point cloud")
	// ErrCompressed marks LAZ point data, which must be decompressed first.
	ErrCompressed = fmt.Errorf("%w: compressed (LAZ) point data", ErrUnreadable)
)

// Header field offsets in the LAS public header block.
const (
	offVersionMajor = 24
	offVersionMinor = 25
	offHeaderSize   = 94
	offPointOffset  = 96
	offFormat       = 104
	offRecordLength = 105
	offLegacyCount  = 107
	offScale        = 131
	offOffset       = 155
	offMaxX         = 179
	offMaxZ         = 211
	offMinZ         = 219
	offCount64      = 247

	minHeaderSize = 227
)

// minRecordLength is the smallest record size for each point data format.
var minRecordLength = map[uint8]uint16{
	0: 20, 1: 28, 2: 26, 3: 34, 4: 57, 5: 63,
	6: 30, 7: 36, 8: 38, 9: 59, 10: 67,
}

// Header is the subset of the LAS public header the pipeline uses.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	HeaderSize   uint16
	PointOffset  uint32
	Format       uint8
	Compressed   bool
	RecordLength uint16
	PointCount   uint64
	Scale        [3]float64
	Offset       [3]float64
	Min          [3]float64
	Max          [3]float64
}

// Point is one decoded record.
type Point struct {
	X, Y, Z        float64
	Classification uint8
}

// Tile is a decoded point-cloud file. Points are in file order.
type Tile struct {
	Path   string
	Header Header
	Points []Point

	raw []byte
}

// Raw returns the encoded file bytes the tile was decoded from.
func (t *Tile) Raw() []byte { return t.raw }

// Count returns how many points survive excluding the given classes.
func (t *Tile) Count(exclude ClassSet) int {
	if len(exclude) == 0 {
		return len(t.Points)
	}
	n := 0
	for _, p := range t.Points {
		if !exclude.Contains(p.Classification) {
			n++
		}
	}
	return n
}

// Read loads and decodes the tile at path. Every failure, including an
// empty tile, wraps ErrUnreadable.
func Read(fs fsutil.FileSystem, path string) (*Tile, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	t, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Path = path
	return t, nil
}

// Write persists the tile's encoded bytes to path.
func Write(fs fsutil.FileSystem, path string, t *Tile) error {
	if err := fs.WriteFile(path, t.raw, 0644); err != nil {
		return fmt.Errorf("write point cloud %s: %w", path, err)
	}
	return nil
}

// ParseHeader decodes the public header block.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < minHeaderSize {
		return h, fmt.Errorf("%w: file too short for LAS header (%d bytes)", ErrUnreadable, len(data))
	}
	if string(data[0:4]) != "LASF" {
		return h, fmt.Errorf("%w: missing LASF signature", ErrUnreadable)
	}

	le := binary.LittleEndian
	h.VersionMajor = data[offVersionMajor]
	h.VersionMinor = data[offVersionMinor]
	h.HeaderSize = le.Uint16(data[offHeaderSize:])
	h.PointOffset = le.Uint32(data[offPointOffset:])
	rawFormat := data[offFormat]
	h.Compressed = rawFormat&0x80 != 0
	h.Format = rawFormat & 0x3F
	h.RecordLength = le.Uint16(data[offRecordLength:])
	h.PointCount = uint64(le.Uint32(data[offLegacyCount:]))

	if h.VersionMajor == 1 && h.VersionMinor >= 4 && int(h.HeaderSize) >= offCount64+8 && len(data) >= offCount64+8 {
		if n := le.Uint64(data[offCount64:]); n > 0 {
			h.PointCount = n
		}
	}

	for i := 0; i < 3; i++ {
		h.Scale[i] = readFloat(data, offScale+8*i)
		h.Offset[i] = readFloat(data, offOffset+8*i)
		// Max and min alternate per axis: MaxX MinX MaxY MinY MaxZ MinZ.
		h.Max[i] = readFloat(data, offMaxX+16*i)
		h.Min[i] = readFloat(data, offMaxX+16*i+8)
	}

	if h.HeaderSize < minHeaderSize {
		return h, fmt.Errorf("%w: header size %d below minimum", ErrUnreadable, h.HeaderSize)
	}
	return h, nil
}

// Decode parses a complete LAS file.
func Decode(data []byte) (*Tile, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Compressed {
		return nil, ErrCompressed
	}
	need, ok := minRecordLength[h.Format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported point format %d", ErrUnreadable, h.Format)
	}
	if h.RecordLength < need {
		return nil, fmt.Errorf("%w: record length %d too short for format %d", ErrUnreadable, h.RecordLength, h.Format)
	}
	if h.PointCount == 0 {
		return nil, fmt.Errorf("%w: tile has no points", ErrUnreadable)
	}
	if uint64(h.PointOffset) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: point offset %d beyond end of file (%d bytes)", ErrUnreadable, h.PointOffset, len(data))
	}
	// Compare by division so a forged 64-bit count cannot wrap the size.
	if fit := (uint64(len(data)) - uint64(h.PointOffset)) / uint64(h.RecordLength); h.PointCount > fit {
		return nil, fmt.Errorf("%w: %d points of %d bytes overrun file (%d bytes)", ErrUnreadable, h.PointCount, h.RecordLength, len(data))
	}

	le := binary.LittleEndian
	points := make([]Point, h.PointCount)
	for i := range points {
		rec := data[uint64(h.PointOffset)+uint64(i)*uint64(h.RecordLength):]
		points[i] = Point{
			X: float64(int32(le.Uint32(rec[0:])))*h.Scale[0] + h.Offset[0],
			Y: float64(int32(le.Uint32(rec[4:])))*h.Scale[1] + h.Offset[1],
			Z: float64(int32(le.Uint32(rec[8:])))*h.Scale[2] + h.Offset[2],
		}
		if h.Format >= 6 {
			points[i].Classification = rec[16]
		} else {
			points[i].Classification = rec[15] & 0x1F
		}
	}

	return &Tile{Header: h, Points: points, raw: data}, nil
}

// Encode builds an uncompressed LAS 1.2 file with point format 0 from
// points, using the scale and offset from h (0.01 and zero when unset).
// Bounds are computed from the points.
func Encode(h Header, points []Point) ([]byte, error) {
	const headerSize = minHeaderSize
	const recordLength = 20
	scale := h.Scale
	for i := range scale {
		if scale[i] == 0 {
			scale[i] = 0.01
		}
	}
	for _, p := range points {
		if p.Classification > 31 {
			return nil, fmt.Errorf("classification %d does not fit point format 0", p.Classification)
		}
	}

	buf := make([]byte, headerSize+len(points)*recordLength)
	le := binary.LittleEndian
	copy(buf[0:4], "LASF")
	buf[offVersionMajor] = 1
	buf[offVersionMinor] = 2
	copy(buf[58:90], "terrain.report")
	le.PutUint16(buf[offHeaderSize:], headerSize)
	le.PutUint32(buf[offPointOffset:], headerSize)
	buf[offFormat] = 0
	le.PutUint16(buf[offRecordLength:], recordLength)
	le.PutUint32(buf[offLegacyCount:], uint32(len(points)))

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i, p := range points {
		rec := buf[headerSize+i*recordLength:]
		for axis, v := range [3]float64{p.X, p.Y, p.Z} {
			le.PutUint32(rec[4*axis:], uint32(int32(math.Round((v-h.Offset[axis])/scale[axis]))))
			lo[axis] = math.Min(lo[axis], v)
			hi[axis] = math.Max(hi[axis], v)
		}
		rec[15] = p.Classification
	}
	if len(points) == 0 {
		lo, hi = [3]float64{}, [3]float64{}
	}

	for i := 0; i < 3; i++ {
		putFloat(buf, offScale+8*i, scale[i])
		putFloat(buf, offOffset+8*i, h.Offset[i])
		putFloat(buf, offMaxX+16*i, hi[i])
		putFloat(buf, offMaxX+16*i+8, lo[i])
	}
	return buf, nil
}

func readFloat(data []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
}

func putFloat(data []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(data[off:], math.Float64bits(v))
}
