// Package config loads oranc's runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/joho/godotenv"
)

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// getBuildVersion extracts version info from Go's embedded build info.
// Returns git short hash + "-dirty" suffix if uncommitted changes, or "unknown" if unavailable.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		return "unknown"
	}

	if len(revision) > 8 {
		revision = revision[:8]
	}
	if dirty {
		revision += "-dirty"
	}
	return revision
}

// Config holds all runtime configuration for both the "serve" and "push"
// subcommands. Not every field is relevant to every subcommand.
type Config struct {
	// Server
	ListenAddr     string
	NoSSL          bool
	IgnoreUpstream []string // key patterns served directly from the registry, bypassing upstream fall-through
	Upstreams      []string // substitute caches tried before falling back to the registry
	LayerMediaType string
	RequestTimeout time.Duration

	// Registry
	RegistryHost string
	Repository   string
	Username     string
	Password     string

	// Push
	Parallel                  int
	Compression               string // xz | zstd | none
	AlreadySigned             bool
	ExcludedSigningKeyPattern string
	FallbackEncodings         []string
	AllowImmutableDB          bool
	SigningKey                string
	DatabasePath              string
	PushLogDir                string // when set, per-store-path push logs are written under this directory

	// OpenTelemetry
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
// Automatically loads a .env file if present (missing file is not an error).
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     getEnv("ORANC_LISTEN_ADDR", ":8080"),
		NoSSL:          getEnvBool("ORANC_NO_SSL", false),
		IgnoreUpstream: getEnvList("ORANC_IGNORE_UPSTREAM", []string{"nix-cache-info"}),
		Upstreams:      getEnvList("ORANC_UPSTREAMS", nil),
		LayerMediaType: getEnv("ORANC_LAYER_MEDIA_TYPE", "application/octet-stream"),
		RequestTimeout: time.Duration(getEnvInt("ORANC_REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,

		RegistryHost: getEnv("ORANC_REGISTRY", ""),
		Repository:   getEnv("ORANC_REPOSITORY", ""),
		Username:     getEnv("ORANC_USERNAME", ""),
		Password:     getEnv("ORANC_PASSWORD", ""),

		Parallel:                  getEnvInt("ORANC_PARALLEL", 4),
		Compression:               getEnv("ORANC_COMPRESSION", "xz"),
		AlreadySigned:             getEnvBool("ORANC_ALREADY_SIGNED", false),
		ExcludedSigningKeyPattern: getEnv("ORANC_EXCLUDED_SIGNING_KEY_PATTERN", ""),
		FallbackEncodings:         getEnvList("ORANC_FALLBACK_ENCODINGS", nil),
		AllowImmutableDB:          getEnvBool("ORANC_ALLOW_IMMUTABLE_DB", false),
		SigningKey:                getEnv("ORANC_SIGNING_KEY", ""),
		DatabasePath:              getEnv("ORANC_DATABASE_PATH", "/nix/var/nix/db/db.sqlite"),
		PushLogDir:                getEnv("ORANC_PUSH_LOG_DIR", ""),

		OtelEnabled:           getEnvBool("ORANC_OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("ORANC_OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("ORANC_OTEL_SERVICE_NAME", "oranc"),
		OtelServiceInstanceID: getEnv("ORANC_OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("ORANC_OTEL_INSECURE", true),
		Version:               getEnv("ORANC_VERSION", getBuildVersion()),
		Env:                   getEnv("ORANC_ENV", "unset"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable into a slice,
// trimming whitespace and dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if out == nil {
		return defaultValue
	}
	return out
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch c.Compression {
	case "xz", "zstd", "none":
	default:
		return fmt.Errorf("ORANC_COMPRESSION must be one of xz, zstd, none, got %q", c.Compression)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("ORANC_PARALLEL must be >= 1, got %d", c.Parallel)
	}
	if c.AlreadySigned && c.ExcludedSigningKeyPattern == "" {
		return fmt.Errorf("ORANC_ALREADY_SIGNED requires ORANC_EXCLUDED_SIGNING_KEY_PATTERN to be set")
	}
	if c.RegistryHost == "" {
		return fmt.Errorf("ORANC_REGISTRY must be set")
	}
	if c.Repository == "" {
		return fmt.Errorf("ORANC_REPOSITORY must be set")
	}
	// reference.NameRegexp is unanchored; require the whole path to match.
	anchoredName := regexp.MustCompile(`^(?:` + reference.NameRegexp.String() + `)$`)
	if !anchoredName.MatchString(c.Repository) {
		return fmt.Errorf("ORANC_REPOSITORY %q is not a valid OCI repository path", c.Repository)
	}
	return nil
}
