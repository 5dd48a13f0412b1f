package router

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/require"

	"github.com/linyinfeng/oranc/internal/ociclient"
)

func newTestRouter(t *testing.T) (http.Handler, *ociclient.Client, string) {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c := ociclient.New(ociclient.Options{Host: u.Host, NoSSL: true})
	repo := "oranc"

	h := New(Config{
		Client:          c,
		IgnoreUpstream:  []string{"nix-cache-info"},
		Logger:          slog.New(slog.DiscardHandler),
		UpstreamTimeout: 0,
	})
	return h, c, repo
}

func TestSplitPath(t *testing.T) {
	host, repo, key, ok := splitPath("/cache.example.com/my/repo/nix-cache-info")
	require.True(t, ok)
	require.Equal(t, "cache.example.com", host)
	require.Equal(t, "my/repo", repo)
	require.Equal(t, "nix-cache-info", key)

	_, _, _, ok = splitPath("/cache.example.com")
	require.False(t, ok)
}

func TestHandlePullNotFound(t *testing.T) {
	h, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/registry.example.com/oranc/nix-cache-info", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePullServesPublishedObject(t *testing.T) {
	h, c, repo := newTestRouter(t)
	ctx := context.Background()

	content := []byte("StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 40\n")
	dgst, size, err := c.PutBlob(ctx, repo, bytes.NewReader(content))
	require.NoError(t, err)
	_, _, err = c.PutPlaceholderConfig(ctx, repo)
	require.NoError(t, err)

	man := c.BuildManifest(ociclient.Descriptor{Digest: dgst, Size: size}, "nix-cache-info", "nix-cache-info")
	_, err = c.PutManifest(ctx, repo, "nix-cache-info", man)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/registry.example.com/"+repo+"/nix-cache-info", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	require.Equal(t, content, body)
}
