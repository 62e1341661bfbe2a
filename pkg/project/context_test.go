package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/pkg/errors"
)

func TestSchemaFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/home/user/myproject", "specmem_myproject"},
		{"/home/user/My-Project", "specmem_my_project"},
		{"/srv/api.v2", "specmem_api_v2"},
		{"/srv/weird--..--name", "specmem_weird_name"},
		{"/srv/snake_case_ok", "specmem_snake_case_ok"},
		{"/srv/___", "specmem_default"},
		{"/srv/--- ---", "specmem_default"},
		{"/srv/123numbers", "specmem_123numbers"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SchemaFromPath(tc.path), "path %q", tc.path)
	}
}

func TestSchemaFromPathStable(t *testing.T) {
	first := SchemaFromPath("/home/user/myproject")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, SchemaFromPath("/home/user/myproject"))
	}
	// Trailing separators do not change the derivation
	assert.Equal(t, first, SchemaFromPath("/home/user/myproject/"))
}

func TestHashFromPath(t *testing.T) {
	h := HashFromPath("/home/user/myproject")
	assert.Len(t, h, 12)
	assert.Equal(t, h, HashFromPath("/home/user/myproject"))
	assert.NotEqual(t, h, HashFromPath("/home/user/otherproject"))
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.Equal(t, errors.ClassInvalidRequest, errors.ClassOf(err))

	_, err = New("   ")
	require.Error(t, err)
}

func TestContains(t *testing.T) {
	ctx, err := New("/my/project")
	require.NoError(t, err)

	assert.True(t, ctx.Contains("/my/project"))
	assert.True(t, ctx.Contains("/my/project/sub/dir"))
	assert.True(t, ctx.Contains("/my"))
	assert.False(t, ctx.Contains("/other/project"))
	assert.False(t, ctx.Contains("/my/projectx"))
	assert.False(t, ctx.Contains(""))
}

func TestSocketPath(t *testing.T) {
	ctx, err := New("/my/project")
	require.NoError(t, err)

	path := ctx.SocketPath("/var/run/specmem")
	assert.Equal(t, "/var/run/specmem/"+ctx.Hash()+"/sockets/embeddings.sock", path)
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	reg := NewRegistry()

	a, err := reg.Resolve("/my/project")
	require.NoError(t, err)
	b, err := reg.Resolve("/my/project/")
	require.NoError(t, err)

	assert.Same(t, a, b)

	other, err := reg.Resolve("/other/project")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Len(t, reg.Known(), 2)
}
