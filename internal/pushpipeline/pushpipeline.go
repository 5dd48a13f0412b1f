// Package pushpipeline implements the streaming per-path push pipeline
// from spec §4.4: Plan -> NAR serialize -> Compress -> Upload layer ->
// Build .narinfo -> Publish manifests, with bounded parallel fan-out
// across store paths.
//
// Grounded on the teacher's lib/images/manager.go staged-pipeline shape
// (status tracking per unit of work, one unit processed start-to-finish
// per goroutine) but using golang.org/x/sync/errgroup.SetLimit instead of
// lib/images/queue.go's mutex-guarded active-map, since this is a
// one-shot bounded batch rather than a long-lived manager (see
// DESIGN.md).
package pushpipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/linyinfeng/oranc/internal/compress"
	"github.com/linyinfeng/oranc/internal/narinfo"
	"github.com/linyinfeng/oranc/internal/ociclient"
	"github.com/linyinfeng/oranc/internal/oracle"
	"github.com/linyinfeng/oranc/internal/tagcodec"
	gonarinfo "github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
)

// Outcome classifies what happened to one store path.
type Outcome int

const (
	Uploaded Outcome = iota
	Skipped
	Failed
)

// SkipReason distinguishes why a path was skipped, so callers can tell an
// idempotent re-push (harmless) from a policy skip (spec §6.1 exit code 4).
type SkipReason int

const (
	SkipReasonNone SkipReason = iota
	SkipReasonAlreadyUploaded
	SkipReasonSigningPolicy
)

// Result is reported once per store path.
type Result struct {
	StorePath  string
	Outcome    Outcome
	SkipReason SkipReason
	Err        error
}

// Options configures a Pipeline run.
type Options struct {
	Client                    *ociclient.Client
	Oracle                    oracle.Oracle
	Repository                string
	Compression               compress.Algorithm
	SigningKey                signature.SecretKey
	AlreadySigned             bool
	ExcludedSigningKeyPattern *regexp.Regexp
	Parallel                  int
	Logger                    *slog.Logger
}

// Pipeline runs the push pipeline over a set of store paths.
type Pipeline struct {
	opts Options
}

// New constructs a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	return &Pipeline{opts: opts}
}

// Summary is the final uploaded=/skipped=/failed= tally (spec §7).
type Summary struct {
	Uploaded int64
	Skipped  int64
	Failed   int64
}

func (s Summary) String() string {
	return fmt.Sprintf("uploaded=%d skipped=%d failed=%d", s.Uploaded, s.Skipped, s.Failed)
}

// Run pushes every store path in paths, plus the transitive reference
// closure of each (per spec §2: "uses the oracle to compute path info and
// closures, then for each path runs the push pipeline", and §4.4: "the
// registry contains, for each path and its NAR-referenced dependencies, a
// .narinfo and a nar/... object"). Closures are expanded and deduplicated
// before the parallel fan-out, so a dependency shared by two requested
// paths is only pushed once. Honors the configured parallelism bound and
// returns per-path results plus the summary.
func (p *Pipeline) Run(ctx context.Context, paths []string) ([]Result, Summary) {
	expanded, expandErrs := p.expandClosures(ctx, paths)

	results := make([]Result, len(expanded), len(expanded)+len(expandErrs))
	var summary Summary

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(p.opts.Parallel)

	for i, sp := range expanded {
		i, sp := i, sp
		grp.Go(func() error {
			res := p.pushOne(gctx, sp)
			results[i] = res
			switch res.Outcome {
			case Uploaded:
				atomic.AddInt64(&summary.Uploaded, 1)
			case Skipped:
				atomic.AddInt64(&summary.Skipped, 1)
			case Failed:
				atomic.AddInt64(&summary.Failed, 1)
			}
			return nil // per-path errors never abort the batch (spec §7)
		})
	}
	_ = grp.Wait()

	for _, res := range expandErrs {
		results = append(results, res)
		atomic.AddInt64(&summary.Failed, 1)
	}

	return results, summary
}

// expandClosures asks the oracle for the transitive reference closure of
// every requested path (Stage 1's closure half, spec §6.3 Closure), then
// deduplicates the union so a path reachable from more than one root is
// only queued once. Paths whose closure cannot be determined are reported
// as failed results rather than dropped silently.
func (p *Pipeline) expandClosures(ctx context.Context, paths []string) ([]string, []Result) {
	seen := make(map[string]struct{}, len(paths))
	var expanded []string
	var failures []Result

	for _, root := range paths {
		closure, err := p.opts.Oracle.Closure(ctx, root)
		if err != nil {
			failures = append(failures, fail(Result{StorePath: root}, fmt.Errorf("compute closure: %w", err)))
			continue
		}
		for _, sp := range closure {
			if _, ok := seen[sp.StorePath]; ok {
				continue
			}
			seen[sp.StorePath] = struct{}{}
			expanded = append(expanded, sp.StorePath)
		}
	}

	return expanded, failures
}

// pushOne runs the full per-path pipeline, never returning an error
// directly: failures are captured in the Result per spec §7's
// propagation policy ("per-path errors during push are logged, counted,
// and do not abort the batch").
func (p *Pipeline) pushOne(ctx context.Context, storePath string) Result {
	log := p.opts.Logger
	res := Result{StorePath: storePath}

	// Stage 1: Plan.
	info, err := p.opts.Oracle.PathInfo(ctx, storePath)
	if err != nil {
		if errors.Is(err, oracle.ErrNotValid) {
			return fail(res, fmt.Errorf("path not valid in oracle: %w", err))
		}
		return fail(res, fmt.Errorf("plan: %w", err))
	}
	if info.NarHash == "" {
		return fail(res, errors.New("plan: nar_hash is absent"))
	}

	signedByExcludedKey := false
	if p.opts.ExcludedSigningKeyPattern != nil {
		for _, sig := range info.Signatures {
			name, _, _ := strings.Cut(sig, ":")
			if p.opts.ExcludedSigningKeyPattern.MatchString(name) {
				signedByExcludedKey = true
				break
			}
		}
	}
	if signedByExcludedKey && !p.opts.AlreadySigned {
		log.InfoContext(ctx, "skipping path already signed by excluded key", "path", storePath)
		res.Outcome = Skipped
		res.SkipReason = SkipReasonSigningPolicy
		return res
	}

	narTag, err := tagcodec.Encode(narInfoKey(info.Hash))
	if err != nil {
		return fail(res, fmt.Errorf("%w: %v", tagcodec.ErrKeyTooLong, err))
	}

	// Duplicate detection: HEAD the narinfo manifest first; if it exists and
	// the blob its layer references is present, the path counts as already
	// uploaded. No NAR or file digest is recomputed for this check.
	if existing, err := p.opts.Client.HeadManifestDigest(ctx, p.opts.Repository, narTag); err == nil {
		man, _, getErr := p.opts.Client.GetManifest(ctx, p.opts.Repository, narTag)
		if getErr == nil && len(man.Layers) > 0 {
			log.DebugContext(ctx, "narinfo manifest already present, checking nar layer", "path", storePath, "digest", existing)
			if p.narAlreadyUploaded(ctx, man) {
				res.Outcome = Skipped
				res.SkipReason = SkipReasonAlreadyUploaded
				return res
			}
		}
	}

	// Stage 2: NAR serialize.
	narReader, err := p.opts.Oracle.NarStream(ctx, storePath)
	if err != nil {
		return fail(res, fmt.Errorf("nar serialize: %w", err))
	}
	defer narReader.Close()

	narHasher := sha256.New()
	var narSize countWriter
	teedNar := io.TeeReader(narReader, io.MultiWriter(narHasher, &narSize))

	// Stage 3: Compress, computing file_hash/file_size concurrently via a
	// pipe so the NAR never fully buffers in memory.
	pr, pw := io.Pipe()
	var compressErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w, err := p.opts.Compression.NewWriter(pw)
		if err != nil {
			compressErr = fmt.Errorf("compress: %w", err)
			pw.CloseWithError(compressErr)
			return
		}
		if _, err := io.Copy(w, teedNar); err != nil {
			compressErr = fmt.Errorf("compress: copy: %w", err)
			w.Close()
			pw.CloseWithError(compressErr)
			return
		}
		if err := w.Close(); err != nil {
			compressErr = fmt.Errorf("compress: close: %w", err)
			pw.CloseWithError(compressErr)
			return
		}
		pw.Close()
	}()

	fileHasher := sha256.New()
	var fileSize countWriter
	teedCompressed := io.TeeReader(pr, io.MultiWriter(fileHasher, &fileSize))

	// Stage 4: Upload layer.
	narLayerDigest, uploadedSize, err := p.opts.Client.PutBlob(ctx, p.opts.Repository, teedCompressed)
	wg.Wait()
	if compressErr != nil {
		return fail(res, compressErr)
	}
	if err != nil {
		return fail(res, fmt.Errorf("upload layer: %w", err))
	}

	fileHash := fmt.Sprintf("sha256:%x", fileHasher.Sum(nil))
	if narLayerDigest.String() != fileHash {
		return fail(res, fmt.Errorf("%w: registry returned %s, computed %s", ociclient.ErrDigestMismatch, narLayerDigest, fileHash))
	}

	narHash := fmt.Sprintf("sha256:%x", narHasher.Sum(nil))

	// Stage 5: Build .narinfo.
	url := fmt.Sprintf("nar/%s.nar%s", strings.TrimPrefix(fileHash, "sha256:"), p.opts.Compression.Ext())
	ni, err := narinfo.Build(narinfo.BuildInput{
		StorePath:   info.StorePath,
		URL:         url,
		Compression: p.opts.Compression.Name(),
		FileHash:    fileHash,
		FileSize:    fileSize.n,
		NarHash:     narHash,
		NarSize:     narSize.n,
		References:  info.References,
		Deriver:     info.Deriver,
		CA:          info.CA,
	}, p.opts.SigningKey)
	if err != nil {
		return fail(res, fmt.Errorf("build narinfo: %w", err))
	}

	if p.opts.AlreadySigned && signedByExcludedKey {
		if !verifyAgainstExisting(ni, info.Signatures) {
			return fail(res, fmt.Errorf("signature mismatch for %s", storePath))
		}
	}

	narBlobTag, err := tagcodec.Encode(narKey(fileHash, p.opts.Compression.Ext()))
	if err != nil {
		return fail(res, fmt.Errorf("%w: %v", tagcodec.ErrKeyTooLong, err))
	}

	if _, _, err := p.opts.Client.PutPlaceholderConfig(ctx, p.opts.Repository); err != nil {
		return fail(res, fmt.Errorf("upload placeholder config: %w", err))
	}

	narManifest := p.opts.Client.BuildManifest(
		ociclient.Descriptor{Digest: narLayerDigest, Size: uploadedSize},
		narKey(fileHash, p.opts.Compression.Ext()),
		"nar",
	)
	// Stage 6a: publish the NAR-layer manifest. This MUST happen-before
	// the narinfo manifest publish (spec §5 ordering guarantee).
	if _, err := p.opts.Client.PutManifest(ctx, p.opts.Repository, narBlobTag, narManifest); err != nil {
		return fail(res, fmt.Errorf("publish nar manifest: %w", err))
	}

	narinfoDigest, narinfoSize, err := p.opts.Client.PutBlobBytes(ctx, p.opts.Repository, []byte(ni.String()))
	if err != nil {
		return fail(res, fmt.Errorf("upload narinfo layer: %w", err))
	}
	narinfoManifest := p.opts.Client.BuildManifest(
		ociclient.Descriptor{Digest: narinfoDigest, Size: narinfoSize},
		narInfoKey(info.Hash),
		"narinfo",
	)
	// Stage 6b: publish the narinfo manifest.
	if _, err := p.opts.Client.PutManifest(ctx, p.opts.Repository, narTag, narinfoManifest); err != nil {
		return fail(res, fmt.Errorf("publish narinfo manifest: %w", err))
	}

	log.InfoContext(ctx, "pushed path", "path", storePath, "nar_hash", narHash, "file_hash", fileHash)
	res.Outcome = Uploaded
	return res
}

// narAlreadyUploaded HEADs the first layer of an existing narinfo manifest
// (the narinfo record's own blob) and reports whether it is present. It
// does not look at the NAR blob and does not compare any digest with one
// computed locally.
func (p *Pipeline) narAlreadyUploaded(ctx context.Context, man *ociclient.Manifest) bool {
	if len(man.Layers) == 0 {
		return false
	}
	exists, _, err := p.opts.Client.HeadBlob(ctx, p.opts.Repository, man.Layers[0].Digest)
	return err == nil && exists
}

// verifyAgainstExisting implements the --already-signed check (spec §4.4
// stage 1 / §7 SignatureMismatch): the freshly recomputed signature must
// equal one already recorded for the path, byte for byte.
func verifyAgainstExisting(ni *gonarinfo.NarInfo, existingSigs []string) bool {
	if len(ni.Signatures) == 0 {
		return false
	}
	recomputed := ni.Signatures[0].String()
	for _, raw := range existingSigs {
		if raw == recomputed {
			return true
		}
	}
	return false
}

func fail(res Result, err error) Result {
	res.Outcome = Failed
	res.Err = err
	return res
}

func narInfoKey(hash string) string {
	return hash + ".narinfo"
}

func narKey(fileHash, ext string) string {
	return "nar/" + strings.TrimPrefix(fileHash, "sha256:") + ".nar" + ext
}

// countWriter counts bytes written through it.
type countWriter struct{ n int64 }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
