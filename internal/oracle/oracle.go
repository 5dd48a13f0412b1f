// Package oracle implements the valid-path oracle (spec §6.3): the
// interface the push pipeline uses to look up store-path metadata and
// stream NAR content without depending on a particular backing store.
//
// Grounded on input-output-hk/spongix's router.go (reads Nix's sqlite
// database read-only via a dedicated connection helper, and computes NAR
// hashes with nixbase32.EncodeToString over a digest) and
// nix-community/go-nix's nar package (confirmed by a-h/depot's
// integration test, which reads a NAR stream via nar.NewReader and
// switches on hdr.Type == nar.TypeRegular).
package oracle

import (
	"context"
	"io"
)

// StorePath is the metadata the push pipeline needs for one Nix store
// path, per spec §3.
type StorePath struct {
	Hash       string // 32-character base-32 path hash
	Name       string
	StorePath  string // full /nix/store/<hash>-<name>
	NarHash    string // sha256:<base32-or-hex>, as recorded in the DB
	NarSize    int64
	References []string // full store paths, including self if self-referential
	Deriver    string
	CA         string
	Signatures []string // "name:<base64>" entries already attached, if any
}

// Oracle is the interface the push pipeline consumes (spec §6.3). It may
// be backed by direct SQLite access to the Nix database, or by a test
// stub injecting synthetic store paths.
type Oracle interface {
	// PathInfo returns metadata for storePath. Returns ErrNotValid if the
	// path is not present (or not valid) in the backing database.
	PathInfo(ctx context.Context, storePath string) (*StorePath, error)

	// NarStream returns a lazy, canonical NAR serialization of storePath.
	// The caller must Close the returned reader.
	NarStream(ctx context.Context, storePath string) (io.ReadCloser, error)

	// Closure returns the transitive reference closure of storePath,
	// including storePath itself.
	Closure(ctx context.Context, storePath string) ([]*StorePath, error)

	// IsValid reports whether storePath is a valid path in the backing
	// database.
	IsValid(ctx context.Context, storePath string) (bool, error)

	// Close releases any resources (database handles) held by the oracle.
	Close() error
}
