package monitoring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})

	Opsf("tile %s failed", "a.las")
	Diagf("stage %s took %dms", "gradient", 12)
	Tracef("whitebox_tools -r=LidarTINGridding")

	assert.Contains(t, ops.String(), "[terrain] ")
	assert.Contains(t, ops.String(), "tile a.las failed")
	assert.NotContains(t, ops.String(), "gradient")
	assert.Contains(t, diag.String(), "stage gradient took 12ms")
	assert.NotContains(t, diag.String(), "whitebox_tools")
}

func TestSetLogWriters_NilDisables(t *testing.T) {
	var ops bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops})
	SetLogWriters(LogWriters{})

	// Must not panic with every stream disabled.
	Opsf("dropped")
	Diagf("dropped")
	Tracef("dropped")

	assert.Empty(t, ops.String())
}
