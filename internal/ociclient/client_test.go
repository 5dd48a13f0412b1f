package ociclient

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/require"
)

// newTestClient spins up an in-process fake OCI registry (the same one
// go-containerregistry's own tests use) and returns a Client pointed at
// it, per DESIGN.md's chosen test strategy.
func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c := New(Options{Host: u.Host, NoSSL: true})
	return c, "oranc-test-repo"
}

func TestPutAndGetBlob(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()

	content := strings.Repeat("hello nix store", 100)
	dgst, size, err := c.PutBlob(ctx, repo, strings.NewReader(content))
	require.NoError(t, err)
	require.EqualValues(t, len(content), size)

	exists, headSize, err := c.HeadBlob(ctx, repo, dgst)
	require.NoError(t, err)
	require.True(t, exists)
	require.EqualValues(t, len(content), headSize)

	rc, err := c.GetBlob(ctx, repo, dgst)
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, len(content))
	n, err := readFull(rc, buf)
	require.NoError(t, err)
	require.Equal(t, content, string(buf[:n]))
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

func TestPutAndGetManifest(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()

	_, _, err := c.PutPlaceholderConfig(ctx, repo)
	require.NoError(t, err)

	layerDigest, layerSize, err := c.PutBlob(ctx, repo, strings.NewReader("nar bytes"))
	require.NoError(t, err)

	man := c.BuildManifest(Descriptor{Digest: layerDigest, Size: layerSize}, "nix-cache-info", "nar")
	tag := "nix-cache-info"
	putDigest, err := c.PutManifest(ctx, repo, tag, man)
	require.NoError(t, err)
	require.NotEmpty(t, putDigest)

	fetched, fetchedDigest, err := c.GetManifest(ctx, repo, tag)
	require.NoError(t, err)
	require.Equal(t, putDigest, fetchedDigest)
	require.Len(t, fetched.Layers, 1)
	require.Equal(t, layerDigest, fetched.Layers[0].Digest)
	require.Equal(t, "nix-cache-info", fetched.Annotations["dev.oranc.key"])
}

func TestHeadBlobNotFound(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()

	exists, _, err := c.HeadBlob(ctx, repo, "sha256:0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, exists)
}
