// Package router implements the pull-path HTTP surface (spec §4.3):
// resolving `{registry}/{repository_path}/{key...}`, the ignore-upstream
// and upstream-fallthrough short-circuits, and the registry GET
// translation via internal/ociclient and internal/tagcodec.
//
// Grounded on the teacher's cmd/api/main.go chi wiring (r.Route, scoped
// middleware groups, RequestID/RealIP/Recoverer/otelchi/AccessLogger
// ordering) adapted to oranc's anonymous read-only surface.
package router

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"

	"github.com/linyinfeng/oranc/internal/logger"
	"github.com/linyinfeng/oranc/internal/middleware"
	"github.com/linyinfeng/oranc/internal/ociclient"
	"github.com/linyinfeng/oranc/internal/tagcodec"
)

// keyStartRe recognises the first URL segment that begins the Nix cache
// key, per spec §6.1: "nix-cache-info", "nar", "realisations", or a
// 32-character base-32 `<hash>.narinfo` file.
var keyStartRe = regexp.MustCompile(`^(nix-cache-info|nar|realisations|[0-9a-z]{32}\.narinfo)$`)

// Config configures a Router.
type Config struct {
	Client          *ociclient.Client
	IgnoreUpstream  []string // literal key prefixes resolved directly against the registry
	Upstreams       []string // base URLs of conventional Nix caches to fall through to
	UpstreamTimeout time.Duration
	Logger          *slog.Logger
	OtelEnabled     bool
	OtelServiceName string
}

// Router resolves incoming Nix-cache HTTP requests into registry calls.
type Router struct {
	cfg        Config
	httpClient *http.Client
}

// New builds the chi-based HTTP handler for the server.
func New(cfg Config) http.Handler {
	rt := &Router{cfg: cfg, httpClient: &http.Client{Timeout: cfg.UpstreamTimeout}}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.OtelEnabled {
		r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	}
	r.Use(middleware.InjectLogger(cfg.Logger))
	r.Use(middleware.AccessLogger(cfg.Logger))

	r.Get("/", rt.handleBanner)
	r.Get("/healthz", rt.handleHealthz)
	r.Get("/*", rt.handlePull)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	return r
}

func (rt *Router) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "oranc: a Nix binary cache backed by an OCI registry")
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// splitPath separates the URL path into (registryHost, repositoryPath,
// key), per spec §6.1: registryHost is the first segment; key begins at
// the first segment matching keyStartRe; everything between is the
// repository path.
func splitPath(path string) (registryHost, repository, key string, ok bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 {
		return "", "", "", false
	}
	registryHost = segs[0]

	keyStart := -1
	for i := 1; i < len(segs); i++ {
		if keyStartRe.MatchString(segs[i]) {
			keyStart = i
			break
		}
	}
	if keyStart < 0 {
		return "", "", "", false
	}
	repository = strings.Join(segs[1:keyStart], "/")
	key = strings.Join(segs[keyStart:], "/")
	if repository == "" || key == "" {
		return "", "", "", false
	}
	return registryHost, repository, key, true
}

func (rt *Router) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	outcome := middleware.OutcomeFromContext(ctx)

	_, repository, key, ok := splitPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if rt.isIgnoreUpstream(key) {
		rt.servePull(w, r, repository, key, outcome)
		return
	}

	if len(rt.cfg.Upstreams) > 0 {
		if rt.tryUpstreams(w, r, key, outcome) {
			return
		}
		log.DebugContext(ctx, "all upstreams missed, falling through to registry", "key", key)
	}

	rt.servePull(w, r, repository, key, outcome)
}

func (rt *Router) isIgnoreUpstream(key string) bool {
	for _, prefix := range rt.cfg.IgnoreUpstream {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// tryUpstreams issues parallel GETs to every configured upstream and
// streams the first 200 response to w, per spec §4.3 step 2. Returns
// true if a response was served.
func (rt *Router) tryUpstreams(w http.ResponseWriter, r *http.Request, key string, outcome *middleware.Outcome) bool {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	type result struct {
		resp *http.Response
	}
	// Sized to hold one response per upstream, so every winning GET can be
	// buffered without a goroutine blocking on send.
	results := make(chan result, len(rt.cfg.Upstreams))

	grp, gctx := errgroup.WithContext(ctx)
	for _, base := range rt.cfg.Upstreams {
		base := base
		grp.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, strings.TrimRight(base, "/")+"/"+key, nil)
			if err != nil {
				return nil
			}
			resp, err := rt.httpClient.Do(req)
			if err != nil {
				return nil
			}
			if resp.StatusCode == http.StatusOK {
				results <- result{resp: resp}
			} else {
				resp.Body.Close()
			}
			return nil
		})
	}

	go func() {
		grp.Wait()
		close(results)
	}()

	first, ok := <-results
	// A second (or later) upstream can also answer 200 while we're already
	// streaming the first; drain and close every remaining buffered
	// response so none of their bodies leak.
	go func() {
		for res := range results {
			res.resp.Body.Close()
		}
	}()

	if !ok || first.resp == nil {
		return false
	}
	defer first.resp.Body.Close()

	setOutcome(outcome, "upstream", "hit")
	copyHeaders(w.Header(), first.resp.Header)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, first.resp.Body); err != nil {
		log.WarnContext(ctx, "error streaming upstream response", "key", key, "error", err)
	}
	return true
}

// servePull resolves key against the OCI registry: encode -> GET
// manifest -> extract layer digest -> stream blob, per spec §4.3 step 3.
func (rt *Router) servePull(w http.ResponseWriter, r *http.Request, repository, key string, outcome *middleware.Outcome) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	tag, err := tagcodec.Encode(key)
	if err != nil {
		log.WarnContext(ctx, "key too long to encode as a tag", "key", key, "error", err)
		setOutcome(outcome, "registry", "miss")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	man, _, err := rt.cfg.Client.GetManifest(ctx, repository, tag)
	if err != nil {
		rt.writeUpstreamError(w, r, key, err, outcome)
		return
	}
	if len(man.Layers) == 0 {
		setOutcome(outcome, "registry", "miss")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	layer := man.Layers[0]

	blob, err := rt.cfg.Client.GetBlob(ctx, repository, layer.Digest)
	if err != nil {
		rt.writeUpstreamError(w, r, key, err, outcome)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", layer.MediaType)
	if layer.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", layer.Size))
	}
	w.Header().Set("ETag", `"`+layer.Digest.String()+`"`)
	w.WriteHeader(http.StatusOK)

	setOutcome(outcome, "registry", "hit")
	if _, err := io.Copy(w, blob); err != nil {
		log.WarnContext(ctx, "error streaming blob to client", "key", key, "error", err)
	}
}

// writeUpstreamError maps a registry-client error to the response codes
// from spec §7.
func (rt *Router) writeUpstreamError(w http.ResponseWriter, r *http.Request, key string, err error, outcome *middleware.Outcome) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	switch {
	case errors.Is(err, ociclient.ErrNotFound):
		setOutcome(outcome, "registry", "miss")
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ociclient.ErrTransient):
		setOutcome(outcome, "registry", "error")
		w.Header().Set("Retry-After", "5")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		setOutcome(outcome, "registry", "error")
		log.ErrorContext(ctx, "registry error serving key", "key", key, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// setOutcome records the cache-resolution outcome for the access log, if the
// request's context is tracking one.
func setOutcome(outcome *middleware.Outcome, source, result string) {
	if outcome == nil {
		return
	}
	outcome.Source, outcome.Result = source, result
}

func copyHeaders(dst, src http.Header) {
	for _, h := range []string{"Content-Type", "Content-Length", "ETag"} {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
}
