package wgsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryPointsOfLibrary(t *testing.T) {
	entries := EntryPoints(Source)
	require.Len(t, entries, 4)

	assert.Equal(t, Workgroup{16, 16, 1}, entries["sharpen_main"])
	assert.Equal(t, Workgroup{16, 16, 1}, entries["distort_main"])
	assert.Equal(t, Workgroup{16, 16, 1}, entries["correct_main"])
	assert.Equal(t, Workgroup{256, 1, 1}, entries["pack_main"])

	_, ok := entries["plumb_bob"]
	assert.False(t, ok, "helper functions are not entry points")
}

func TestEntryPointsParsing(t *testing.T) {
	src := `
@compute @workgroup_size(8u, 4u, 2u)
fn a(@builtin(global_invocation_id) gid: vec3<u32>) {}

@compute
@workgroup_size( 64 )
fn b() {}
`
	entries := EntryPoints(src)
	assert.Equal(t, Workgroup{8, 4, 2}, entries["a"])
	assert.Equal(t, Workgroup{64, 1, 1}, entries["b"])
	assert.Empty(t, EntryPoints("fn main() {}"))
}
