// Command oranc exposes a Nix binary cache backed by an OCI registry:
// `oranc serve` runs the HTTP pull server, and `oranc push` streams
// store paths from standard input into the registry.
//
// Flag parsing follows the teacher's cmd/exec/main.go convention:
// stdlib flag, a repeatable-flag flag.Value for list options, usage
// errors printed with flag.PrintDefaults and a non-zero exit.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linyinfeng/oranc/internal/compress"
	"github.com/linyinfeng/oranc/internal/config"
	"github.com/linyinfeng/oranc/internal/logger"
	"github.com/linyinfeng/oranc/internal/narinfo"
	"github.com/linyinfeng/oranc/internal/ociclient"
	"github.com/linyinfeng/oranc/internal/oracle"
	"github.com/linyinfeng/oranc/internal/otel"
	"github.com/linyinfeng/oranc/internal/pushpipeline"
	"github.com/linyinfeng/oranc/internal/router"
	"github.com/linyinfeng/oranc/internal/tagcodec"

	goflag "flag"
)

// Exit codes per spec §6.1.
const (
	exitOK          = 0
	exitGeneric     = 1
	exitUsage       = 2
	exitAuthFailure = 3
	exitPushSkipped = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "push":
		err = runPush(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		os.Exit(exitOK)
	default:
		usage()
		os.Exit(exitUsage)
	}

	if err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitUsage)
		}
		var authErr *authError
		if errors.As(err, &authErr) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitAuthFailure)
		}
		var skippedErr *pushSkippedError
		if errors.As(err, &skippedErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitPushSkipped)
		}
		slog.Error("oranc: fatal error", "error", err)
		os.Exit(exitGeneric)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: oranc <serve|push> [options] [initialize]")
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

type pushSkippedError struct{ msg string }

func (e *pushSkippedError) Error() string { return e.msg }

// stringList implements flag.Value for repeatable/comma-joined list
// flags, mirroring cmd/exec/main.go's envFlags pattern.
type stringList struct{ values []string }

func (s *stringList) String() string { return strings.Join(s.values, ",") }

func (s *stringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			s.values = append(s.values, part)
		}
	}
	return nil
}

func runServe(args []string) error {
	cfg := config.Load()

	fs := goflag.NewFlagSet("serve", goflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	fs.StringVar(&cfg.RegistryHost, "registry", cfg.RegistryHost, "OCI registry host")
	fs.StringVar(&cfg.Repository, "repository", cfg.Repository, "OCI repository path")
	fs.BoolVar(&cfg.NoSSL, "no-ssl", cfg.NoSSL, "use plain HTTP for the registry connection")
	var upstreams, ignoreUpstream stringList
	upstreams.values = cfg.Upstreams
	ignoreUpstream.values = cfg.IgnoreUpstream
	fs.Var(&upstreams, "upstream", "upstream Nix cache URL to fall through to before the registry (repeatable)")
	fs.Var(&ignoreUpstream, "ignore-upstream", "key prefix resolved directly from the registry (repeatable)")
	if err := fs.Parse(args); err != nil {
		fs.PrintDefaults()
		return &usageError{err.Error()}
	}
	cfg.Upstreams = upstreams.values
	cfg.IgnoreUpstream = ignoreUpstream.values

	if err := cfg.Validate(); err != nil {
		return &usageError{err.Error()}
	}

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemRouter, logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, otelShutdown, err := otel.Init(ctx, otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		log.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	client := ociclient.New(ociclient.Options{
		Host:      cfg.RegistryHost,
		NoSSL:     cfg.NoSSL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		MediaType: cfg.LayerMediaType,
		Tracer:    cfg.OtelEnabled,
	})

	handler := router.New(router.Config{
		Client:          client,
		IgnoreUpstream:  cfg.IgnoreUpstream,
		Upstreams:       cfg.Upstreams,
		UpstreamTimeout: cfg.RequestTimeout,
		Logger:          log,
		OtelEnabled:     cfg.OtelEnabled,
		OtelServiceName: cfg.OtelServiceName,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("starting oranc server", "addr", cfg.ListenAddr, "registry", cfg.RegistryHost, "repository", cfg.Repository)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		log.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}

func runPush(args []string) error {
	cfg := config.Load()

	fs := goflag.NewFlagSet("push", goflag.ContinueOnError)
	fs.StringVar(&cfg.RegistryHost, "registry", cfg.RegistryHost, "OCI registry host")
	fs.StringVar(&cfg.Repository, "repository", cfg.Repository, "OCI repository path")
	fs.BoolVar(&cfg.NoSSL, "no-ssl", cfg.NoSSL, "use plain HTTP for the registry connection")
	fs.BoolVar(&cfg.AlreadySigned, "already-signed", cfg.AlreadySigned, "verify pre-existing signatures instead of skipping signed paths")
	fs.StringVar(&cfg.ExcludedSigningKeyPattern, "excluded-signing-key-pattern", cfg.ExcludedSigningKeyPattern, "regex matching signing key names to treat as already covering a path")
	fs.IntVar(&cfg.Parallel, "parallel", cfg.Parallel, "number of store paths pushed concurrently")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "compression algorithm: xz, zstd, or none")
	fs.BoolVar(&cfg.AllowImmutableDB, "allow-immutable-db", cfg.AllowImmutableDB, "open the Nix database in immutable mode when the directory is not writable")
	fs.StringVar(&cfg.PushLogDir, "push-log-dir", cfg.PushLogDir, "write a per-store-path push log under this directory (disabled when empty)")
	var fallbackEncodings stringList
	fallbackEncodings.values = cfg.FallbackEncodings
	fs.Var(&fallbackEncodings, "fallback-encodings", "legacy tag decoder names (repeatable); stored in the configuration only, push does not decode tags")
	if err := fs.Parse(args); err != nil {
		fs.PrintDefaults()
		return &usageError{err.Error()}
	}
	cfg.FallbackEncodings = fallbackEncodings.values

	if err := cfg.Validate(); err != nil {
		return &usageError{err.Error()}
	}

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemPush, logCfg)

	var storePathLog *logger.StorePathLogHandler
	if cfg.PushLogDir != "" {
		storePathLog = logger.NewStorePathLogHandler(log.Handler(), func(storePath string) string {
			return filepath.Join(cfg.PushLogDir, filepath.Base(storePath)+".log")
		})
		log = slog.New(storePathLog)
		defer storePathLog.CloseAll()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ociclient.New(ociclient.Options{
		Host:      cfg.RegistryHost,
		NoSSL:     cfg.NoSSL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		MediaType: cfg.LayerMediaType,
	})

	remaining := fs.Args()
	if len(remaining) == 1 && remaining[0] == "initialize" {
		return runInitialize(ctx, client, cfg, log)
	}
	if len(remaining) != 0 {
		return &usageError{fmt.Sprintf("unexpected arguments: %v", remaining)}
	}

	if cfg.SigningKey == "" {
		return &authError{"ORANC_SIGNING_KEY must be set to push store paths"}
	}
	signingKey, err := narinfo.LoadSigningKey(cfg.SigningKey)
	if err != nil {
		return &authError{fmt.Sprintf("load signing key: %v", err)}
	}

	compressionAlgo, err := compress.ByName(cfg.Compression)
	if err != nil {
		return &usageError{err.Error()}
	}

	var excludedPattern *regexp.Regexp
	if cfg.ExcludedSigningKeyPattern != "" {
		excludedPattern, err = regexp.Compile(cfg.ExcludedSigningKeyPattern)
		if err != nil {
			return &usageError{fmt.Sprintf("invalid --excluded-signing-key-pattern: %v", err)}
		}
	}

	db, err := oracle.Open(cfg.DatabasePath, cfg.AllowImmutableDB)
	if err != nil {
		return fmt.Errorf("open nix database: %w", err)
	}
	defer db.Close()

	paths, err := readStorePaths(os.Stdin)
	if err != nil {
		return fmt.Errorf("read store paths from stdin: %w", err)
	}
	if len(paths) == 0 {
		log.Warn("no store paths read from standard input")
		return nil
	}

	pipeline := pushpipeline.New(pushpipeline.Options{
		Client:                    client,
		Oracle:                    db,
		Repository:                cfg.Repository,
		Compression:               compressionAlgo,
		SigningKey:                signingKey,
		AlreadySigned:             cfg.AlreadySigned,
		ExcludedSigningKeyPattern: excludedPattern,
		Parallel:                  cfg.Parallel,
		Logger:                    log,
	})

	results, summary := pipeline.Run(ctx, paths)
	for _, res := range results {
		if res.Outcome == pushpipeline.Failed {
			log.Error("failed to push path", "path", res.StorePath, "error", res.Err)
		}
		if storePathLog != nil {
			storePathLog.WriteResult(res)
		}
	}

	fmt.Println(summary.String())
	log.Info("push summary", "uploaded", summary.Uploaded, "skipped", summary.Skipped, "failed", summary.Failed)

	if summary.Failed > 0 {
		return fmt.Errorf("%d path(s) failed to push", summary.Failed)
	}
	signingPolicySkips := 0
	for _, res := range results {
		if res.Outcome == pushpipeline.Skipped && res.SkipReason == pushpipeline.SkipReasonSigningPolicy {
			signingPolicySkips++
		}
	}
	if summary.Uploaded == 0 && len(results) > 0 && signingPolicySkips == len(results) {
		return &pushSkippedError{"every path was already covered by an excluded signing key; nothing uploaded"}
	}
	return nil
}

// runInitialize implements `oranc push initialize` (spec §4.3, §4.4):
// publish the well-known nix-cache-info object.
func runInitialize(ctx context.Context, client *ociclient.Client, cfg *config.Config, log *slog.Logger) error {
	const payload = "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 40\n"

	if _, _, err := client.PutPlaceholderConfig(ctx, cfg.Repository); err != nil {
		return fmt.Errorf("upload placeholder config: %w", err)
	}

	dgst, size, err := client.PutBlobBytes(ctx, cfg.Repository, []byte(payload))
	if err != nil {
		return fmt.Errorf("upload nix-cache-info layer: %w", err)
	}

	tag, err := tagcodec.Encode("nix-cache-info")
	if err != nil {
		return fmt.Errorf("encode nix-cache-info tag: %w", err)
	}

	man := client.BuildManifest(ociclient.Descriptor{Digest: dgst, Size: size}, "nix-cache-info", "nix-cache-info")
	if _, err := client.PutManifest(ctx, cfg.Repository, tag, man); err != nil {
		return fmt.Errorf("publish nix-cache-info manifest: %w", err)
	}

	log.Info("initialized nix-cache-info", "repository", cfg.Repository)
	fmt.Println("uploaded=1 skipped=0 failed=0")
	return nil
}

func readStorePaths(r *os.File) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}
