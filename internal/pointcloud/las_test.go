package pointcloud

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/terrain.report/internal/fsutil"
)

func samplePoints() []Point {
	return []Point{
		{X: 652001.25, Y: 7070003.5, Z: 312.4, Classification: 2},
		{X: 652002.75, Y: 7070001.0, Z: 318.9, Classification: 5},
		{X: 652003.00, Y: 7070002.5, Z: 311.0, Classification: 2},
		{X: 652000.50, Y: 7070000.5, Z: 325.2, Classification: 7},
	}
}

func encodeSample(t *testing.T) []byte {
	t.Helper()
	data, err := Encode(Header{Offset: [3]float64{652000, 7070000, 0}}, samplePoints())
	require.NoError(t, err)
	return data
}

func TestDecode_RoundTripsEncodedTile(t *testing.T) {
	tile, err := Decode(encodeSample(t))
	require.NoError(t, err)

	assert.Equal(t, uint8(1), tile.Header.VersionMajor)
	assert.Equal(t, uint8(2), tile.Header.VersionMinor)
	assert.Equal(t, uint64(4), tile.Header.PointCount)
	assert.Equal(t, uint16(20), tile.Header.RecordLength)
	assert.InDelta(t, 325.2, tile.Header.Max[2], 1e-9)
	assert.InDelta(t, 311.0, tile.Header.Min[2], 1e-9)

	approx := cmp.Comparer(func(a, b float64) bool { return a-b < 1e-6 && b-a < 1e-6 })
	if diff := cmp.Diff(samplePoints(), tile.Points, approx); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Rejects(t *testing.T) {
	good := encodeSample(t)

	empty, err := Encode(Header{}, nil)
	require.NoError(t, err)

	truncated := good[:len(good)-5]

	badSig := append([]byte(nil), good...)
	copy(badSig, "XXXX")

	badFormat := append([]byte(nil), good...)
	badFormat[offFormat] = 42

	shortRecord := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(shortRecord[offRecordLength:], 12)

	offsetPastEnd := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(offsetPastEnd[offPointOffset:], uint32(len(good)+64))

	cases := map[string][]byte{
		"no points":     empty,
		"truncated":     truncated,
		"signature":     badSig,
		"format":        badFormat,
		"record length": shortRecord,
		"short header":  good[:100],
		"offset":        offsetPastEnd,
		// 2^59 records of 32 bytes wrap a 64-bit size product to zero.
		"wrapping count": las14Header(1<<59, 32),
		"huge count":     las14Header(1<<40, 30),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = Decode(data) })
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnreadable))
		})
	}
}

// las14Header builds a LAS 1.4 format 6 header that claims count points
// but carries no point records.
func las14Header(count uint64, recordLength uint16) []byte {
	const headerSize = 375
	data := make([]byte, headerSize)
	le := binary.LittleEndian
	copy(data, "LASF")
	data[offVersionMajor] = 1
	data[offVersionMinor] = 4
	le.PutUint16(data[offHeaderSize:], headerSize)
	le.PutUint32(data[offPointOffset:], headerSize)
	data[offFormat] = 6
	le.PutUint16(data[offRecordLength:], recordLength)
	le.PutUint64(data[offCount64:], count)
	for i := 0; i < 3; i++ {
		putFloat(data, offScale+8*i, 0.001)
	}
	return data
}

func TestDecode_Compressed(t *testing.T) {
	data := encodeSample(t)
	data[offFormat] |= 0x80

	_, err := Decode(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompressed))
	assert.True(t, errors.Is(err, ErrUnreadable))
}

func TestDecode_Format6Classification(t *testing.T) {
	const recordLength = 30
	data := make([]byte, minHeaderSize+2*recordLength)
	le := binary.LittleEndian
	copy(data, "LASF")
	data[offVersionMajor] = 1
	data[offVersionMinor] = 4
	le.PutUint16(data[offHeaderSize:], minHeaderSize)
	le.PutUint32(data[offPointOffset:], minHeaderSize)
	data[offFormat] = 6
	le.PutUint16(data[offRecordLength:], recordLength)
	le.PutUint32(data[offLegacyCount:], 2)
	for i := 0; i < 3; i++ {
		putFloat(data, offScale+8*i, 0.001)
	}
	rec0 := data[minHeaderSize:]
	le.PutUint32(rec0[8:], 1500)
	rec0[16] = 40
	rec1 := data[minHeaderSize+recordLength:]
	rec1[16] = 2

	tile, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, tile.Points, 2)
	assert.Equal(t, uint8(40), tile.Points[0].Classification)
	assert.InDelta(t, 1.5, tile.Points[0].Z, 1e-9)
	assert.Equal(t, uint8(2), tile.Points[1].Classification)
}

func TestEncode_RejectsWideClass(t *testing.T) {
	_, err := Encode(Header{}, []Point{{Classification: 40}})
	assert.Error(t, err)
}

func TestTile_Count(t *testing.T) {
	tile, err := Decode(encodeSample(t))
	require.NoError(t, err)

	assert.Equal(t, 4, tile.Count(nil))

	nonGround, err := NewClassSet(0, 1, 3, 4, 5, 6, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, tile.Count(nonGround))
}

func TestReadWrite(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/in", 0755))
	require.NoError(t, mfs.WriteFile("/in/63_6.las", encodeSample(t), 0644))

	tile, err := Read(mfs, "/in/63_6.las")
	require.NoError(t, err)
	assert.Equal(t, "/in/63_6.las", tile.Path)

	require.NoError(t, Write(mfs, "/in/copy.las", tile))
	copied, err := mfs.ReadFile("/in/copy.las")
	require.NoError(t, err)
	assert.Equal(t, tile.Raw(), copied)

	_, err = Read(mfs, "/in/missing.las")
	assert.True(t, errors.Is(err, ErrUnreadable))
}

func TestCountProxy(t *testing.T) {
	tile, err := Decode(encodeSample(t))
	require.NoError(t, err)
	tile.Path = "/in/63_6.las"

	proxy, err := CountProxy(tile)
	require.NoError(t, err)
	assert.Equal(t, tile.Path, proxy.Path)
	require.Len(t, proxy.Points, len(tile.Points))
	for i, p := range proxy.Points {
		assert.InDelta(t, 1.0, p.Z, 1e-9)
		assert.Equal(t, tile.Points[i].X, p.X)
		assert.Equal(t, tile.Points[i].Y, p.Y)
		assert.Equal(t, tile.Points[i].Classification, p.Classification)
	}
	assert.Equal(t, 1.0, proxy.Header.Max[2])
	assert.Equal(t, 1.0, proxy.Header.Min[2])
	assert.Equal(t, len(tile.Raw()), len(proxy.Raw()))

	again, err := CountProxy(proxy)
	require.NoError(t, err)
	assert.Equal(t, proxy.Raw(), again.Raw())

	// The source tile is untouched.
	assert.InDelta(t, 312.4, tile.Points[0].Z, 1e-6)
}

func TestCountProxy_OffsetOutOfRange(t *testing.T) {
	data, err := Encode(Header{Offset: [3]float64{0, 0, 1e12}, Scale: [3]float64{0.01, 0.01, 0.001}}, []Point{{Z: 1e12}})
	require.NoError(t, err)
	tile, err := Decode(data)
	require.NoError(t, err)

	_, err = CountProxy(tile)
	assert.Error(t, err)
}
