package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubClosureAndPathInfo(t *testing.T) {
	s := NewStub()
	dep := StorePath{
		StorePath: "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-glibc-2.39",
		NarHash:   "sha256:dep",
		NarSize:   10,
	}
	top := StorePath{
		StorePath:  "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-hello-2.12",
		NarHash:    "sha256:top",
		NarSize:    20,
		References: []string{dep.StorePath},
	}
	s.Add(dep, []byte("dep-nar"))
	s.Add(top, []byte("top-nar"))

	ctx := context.Background()

	info, err := s.PathInfo(ctx, top.StorePath)
	require.NoError(t, err)
	assert.Equal(t, "sha256:top", info.NarHash)

	closure, err := s.Closure(ctx, top.StorePath)
	require.NoError(t, err)
	assert.Len(t, closure, 2)

	valid, err := s.IsValid(ctx, "/nix/store/does-not-exist")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = s.PathInfo(ctx, "/nix/store/does-not-exist")
	assert.ErrorIs(t, err, ErrNotValid)
}

func TestSplitStorePath(t *testing.T) {
	hash, name := splitStorePath("/nix/store/abcdefghijklmnopqrstuvwxyz123456-hello-1.0")
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz123456", hash)
	assert.Equal(t, "hello-1.0", name)
}
