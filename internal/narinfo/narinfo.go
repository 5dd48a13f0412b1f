// Package narinfo builds and signs the `.narinfo` text records the push
// pipeline publishes alongside each NAR layer, and verifies signatures
// when re-checking already-signed paths.
//
// Grounded on github.com/nix-community/go-nix's narinfo/narinfo-signature
// packages, whose API shape is confirmed by the a-h/depot integration
// test fixtures and input-output-hk/spongix's signing call.
package narinfo

import (
	"fmt"
	"strings"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/nix-community/go-nix/pkg/nixhash"
)

// BuildInput carries the fields the push pipeline has computed by the
// time it is ready to assemble a NarInfo record (§4.4 stage 5).
type BuildInput struct {
	StorePath    string // /nix/store/<hash>-<name>
	URL          string // nar/<filehash>.nar.<ext>
	Compression  string // xz | zstd | none
	FileHash     string // sha256:<hex> of the compressed artifact
	FileSize     int64
	NarHash      string // sha256:<hex> of the uncompressed NAR
	NarSize      int64
	References   []string
	Deriver      string
	CA           string
}

// Build assembles a NarInfo record and signs it with key, appending a
// `Sig:` line. Nix's canonical signing scheme signs the fingerprint
// string "1;<storepath>;<narhash>;<narsize>;<refs>", produced by the
// go-nix NarInfo's own Fingerprint method so oranc never hand-rolls the
// format.
func Build(in BuildInput, key signature.SecretKey) (*narinfo.NarInfo, error) {
	ni := &narinfo.NarInfo{
		StorePath:   in.StorePath,
		URL:         in.URL,
		Compression: in.Compression,
		FileHash:    mustParseHash(in.FileHash),
		FileSize:    uint64(in.FileSize),
		NarHash:     mustParseHash(in.NarHash),
		NarSize:     uint64(in.NarSize),
		References:  in.References,
		Deriver:     in.Deriver,
		CA:          in.CA,
	}

	sig, err := key.Sign(nil, ni.Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("sign narinfo for %s: %w", in.StorePath, err)
	}
	ni.Signatures = append(ni.Signatures, sig)

	return ni, nil
}

// mustParseHash parses a "sha256:<hex-or-base32>" style digest string into
// go-nix's Hash type. The push pipeline always supplies digests it has
// itself computed, so a parse failure indicates a programming error
// upstream rather than bad external input.
func mustParseHash(s string) nixhash.Hash {
	h, err := nixhash.ParseAny(s, nil)
	if err != nil {
		panic(fmt.Sprintf("narinfo: invalid digest %q computed internally: %v", s, err))
	}
	return *h
}

// LoadSigningKey parses an Ed25519 signing key in Nix's "name:<base64>"
// format, as read from ORANC_SIGNING_KEY.
func LoadSigningKey(s string) (signature.SecretKey, error) {
	key, err := signature.LoadSecretKey(s)
	if err != nil {
		return signature.SecretKey{}, fmt.Errorf("load signing key: %w", err)
	}
	return key, nil
}

// Verify checks that info carries at least one signature verifiable by
// pub, used in --already-signed mode to confirm a re-computed signature
// matches a pre-existing one (§4.4 stage 1, §7 SignatureMismatch).
func Verify(info *narinfo.NarInfo, pub signature.PublicKey) bool {
	fingerprint := info.Fingerprint()
	for _, sig := range info.Signatures {
		if pub.Verify(fingerprint, sig) {
			return true
		}
	}
	return false
}

// Parse parses a NarInfo text record, e.g. one fetched from an upstream
// cache during --already-signed verification.
func Parse(data string) (*narinfo.NarInfo, error) {
	ni, err := narinfo.Parse(strings.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse narinfo: %w", err)
	}
	return ni, nil
}
