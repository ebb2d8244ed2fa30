package pointcloud

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CountProxy returns a copy of t whose every point has elevation 1.
// Rasterising the proxy with a density tool then measures how many
// points fall in a cell rather than how high they are.
//
// Only the Z integer of each record and the header Z bounds change; every
// other byte of the file, including VLRs and extra record bytes, is kept.
// Applying CountProxy to its own output yields identical bytes.
func CountProxy(t *Tile) (*Tile, error) {
	h := t.Header
	if h.Scale[2] == 0 {
		return nil, fmt.Errorf("%w: zero Z scale", ErrUnreadable)
	}
	zInt := math.Round((1 - h.Offset[2]) / h.Scale[2])
	if zInt < math.MinInt32 || zInt > math.MaxInt32 {
		return nil, fmt.Errorf("%w: Z offset %g and scale %g cannot encode 1", ErrUnreadable, h.Offset[2], h.Scale[2])
	}

	raw := make([]byte, len(t.raw))
	copy(raw, t.raw)

	le := binary.LittleEndian
	z := uint32(int32(zInt))
	for i := uint64(0); i < h.PointCount; i++ {
		off := uint64(h.PointOffset) + i*uint64(h.RecordLength) + 8
		le.PutUint32(raw[off:], z)
	}
	putFloat(raw, offMaxZ, 1)
	putFloat(raw, offMinZ, 1)

	proxy, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	proxy.Path = t.Path
	return proxy, nil
}
