package pointcloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassSet(t *testing.T) {
	s, err := NewClassSet(7, 0, 3, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, ClassSet{0, 1, 3, 7}, s)
	assert.Equal(t, "0,1,3,7", s.String())
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(2))
	assert.False(t, s.Contains(200))

	_, err = NewClassSet(256)
	assert.Error(t, err)
	_, err = NewClassSet(-1)
	assert.Error(t, err)
}

func TestParseClassSet(t *testing.T) {
	s, err := ParseClassSet(" 5, 1 ,3")
	require.NoError(t, err)
	assert.Equal(t, "1,3,5", s.String())

	empty, err := ParseClassSet("")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, "", empty.String())

	_, err = ParseClassSet("1,x")
	assert.Error(t, err)
}
