package pushpipeline

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/stretchr/testify/require"

	"github.com/linyinfeng/oranc/internal/compress"
	"github.com/linyinfeng/oranc/internal/ociclient"
	"github.com/linyinfeng/oranc/internal/oracle"
)

func newTestPipeline(t *testing.T) (*Pipeline, *oracle.Stub) {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client := ociclient.New(ociclient.Options{Host: u.Host, NoSSL: true})
	stub := oracle.NewStub()

	secretKey, _, err := signature.GenerateKeypair("test-1", nil)
	require.NoError(t, err)

	p := New(Options{
		Client:      client,
		Oracle:      stub,
		Repository:  "oranc-push-test",
		Compression: compress.Identity{},
		SigningKey:  secretKey,
		Parallel:    2,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return p, stub
}

func TestRunUploadsNewPath(t *testing.T) {
	p, stub := newTestPipeline(t)

	stub.Add(oracle.StorePath{
		Hash:      "abcdefghijklmnopqrstuvwxyz123456",
		Name:      "hello-1.0",
		StorePath: "/nix/store/abcdefghijklmnopqrstuvwxyz123456-hello-1.0",
		NarHash:   "sha256:placeholder",
		NarSize:   7,
	}, []byte("content"))

	results, summary := p.Run(context.Background(), []string{"/nix/store/abcdefghijklmnopqrstuvwxyz123456-hello-1.0"})
	require.Len(t, results, 1)
	require.Equal(t, Uploaded, results[0].Outcome, "%+v", results[0])
	require.EqualValues(t, 1, summary.Uploaded)
	require.EqualValues(t, 0, summary.Failed)
}

func TestRunSkipsOnSecondPush(t *testing.T) {
	p, stub := newTestPipeline(t)

	path := "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-hello-1.0"
	stub.Add(oracle.StorePath{
		Hash:      "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		StorePath: path,
		NarHash:   "sha256:placeholder",
		NarSize:   7,
	}, []byte("content"))

	_, summary1 := p.Run(context.Background(), []string{path})
	require.EqualValues(t, 1, summary1.Uploaded)

	_, summary2 := p.Run(context.Background(), []string{path})
	require.EqualValues(t, 1, summary2.Skipped, "second push should be a no-op")
	require.EqualValues(t, 0, summary2.Uploaded)
}

func TestRunExpandsClosure(t *testing.T) {
	p, stub := newTestPipeline(t)

	dep := "/nix/store/dddddddddddddddddddddddddddddddd-libc-2.40"
	root := "/nix/store/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee-app-1.0"

	stub.Add(oracle.StorePath{
		Hash:      "dddddddddddddddddddddddddddddddd",
		StorePath: dep,
		NarHash:   "sha256:placeholder",
		NarSize:   3,
	}, []byte("dep"))
	stub.Add(oracle.StorePath{
		Hash:       "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		StorePath:  root,
		NarHash:    "sha256:placeholder",
		NarSize:    3,
		References: []string{dep},
	}, []byte("app"))

	results, summary := p.Run(context.Background(), []string{root})
	require.Len(t, results, 2, "pushing root should also push its closure")
	require.EqualValues(t, 2, summary.Uploaded)

	pushed := map[string]bool{}
	for _, res := range results {
		require.Equal(t, Uploaded, res.Outcome, "%+v", res)
		pushed[res.StorePath] = true
	}
	require.True(t, pushed[dep], "dependency should have been pushed")
	require.True(t, pushed[root], "root should have been pushed")
}

func TestRunDedupesSharedClosureAcrossRoots(t *testing.T) {
	p, stub := newTestPipeline(t)

	shared := "/nix/store/ffffffffffffffffffffffffffffffff-glibc-2.40"
	a := "/nix/store/11111111111111111111111111111111-a-1.0"
	b := "/nix/store/22222222222222222222222222222222-b-1.0"

	stub.Add(oracle.StorePath{
		Hash:      "ffffffffffffffffffffffffffffffff",
		StorePath: shared,
		NarHash:   "sha256:placeholder",
		NarSize:   3,
	}, []byte("shr"))
	stub.Add(oracle.StorePath{
		Hash:       "11111111111111111111111111111111",
		StorePath:  a,
		NarHash:    "sha256:placeholder",
		NarSize:    3,
		References: []string{shared},
	}, []byte("aaa"))
	stub.Add(oracle.StorePath{
		Hash:       "22222222222222222222222222222222",
		StorePath:  b,
		NarHash:    "sha256:placeholder",
		NarSize:    3,
		References: []string{shared},
	}, []byte("bbb"))

	results, summary := p.Run(context.Background(), []string{a, b})
	require.Len(t, results, 3, "shared dependency must only be pushed once")
	require.EqualValues(t, 3, summary.Uploaded)
}

func TestRunFailsOnMissingNarHash(t *testing.T) {
	p, stub := newTestPipeline(t)

	path := "/nix/store/cccccccccccccccccccccccccccccccc-broken-1.0"
	stub.Add(oracle.StorePath{
		Hash:      "cccccccccccccccccccccccccccccccc",
		StorePath: path,
		NarHash:   "",
	}, []byte("content"))

	results, summary := p.Run(context.Background(), []string{path})
	require.Equal(t, Failed, results[0].Outcome)
	require.EqualValues(t, 1, summary.Failed)
}
