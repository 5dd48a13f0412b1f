// Package compress implements the push pipeline's compression backends.
//
// Modeled as a small capability set per DESIGN.md/SPEC_FULL.md §9: each
// Algorithm produces an io.WriteCloser that compresses bytes written to it
// into an underlying stream, plus the file-extension NarInfo's URL field
// requires.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Algorithm is a compression backend usable by the push pipeline.
type Algorithm interface {
	// Name is the NarInfo `Compression:` field value.
	Name() string
	// Ext is the file extension appended to `nar/<filehash>.nar`.
	Ext() string
	// NewWriter wraps dst so that bytes written to the returned writer are
	// compressed into dst. Callers must Close the writer to flush trailers.
	NewWriter(dst io.Writer) (io.WriteCloser, error)
	// NewReader wraps src so that reads from the returned reader yield the
	// decompressed stream.
	NewReader(src io.Reader) (io.Reader, error)
}

// Identity performs no compression at all ("none"), per the spec's
// {xz, zstd, identity} variant set.
type Identity struct{}

func (Identity) Name() string { return "none" }
func (Identity) Ext() string  { return "" }
func (Identity) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}
func (Identity) NewReader(src io.Reader) (io.Reader, error) { return src, nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// XZ is the spec's default compression backend.
type XZ struct{}

func (XZ) Name() string { return "xz" }
func (XZ) Ext() string  { return ".xz" }

func (XZ) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	w, err := xz.NewWriter(dst)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	return w, nil
}

func (XZ) NewReader(src io.Reader) (io.Reader, error) {
	r, err := xz.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create xz reader: %w", err)
	}
	return r, nil
}

// Zstd is the optional compression backend.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }
func (Zstd) Ext() string  { return ".zst" }

func (Zstd) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	w, err := zstd.NewWriter(dst)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return w, nil
}

func (Zstd) NewReader(src io.Reader) (io.Reader, error) {
	r, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return r, nil
}

// ByName resolves a compression algorithm by its configuration name
// (xz, zstd, none), matching internal/config's ORANC_COMPRESSION values.
func ByName(name string) (Algorithm, error) {
	switch name {
	case "xz":
		return XZ{}, nil
	case "zstd":
		return Zstd{}, nil
	case "none":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("compress: unknown algorithm %q", name)
	}
}
