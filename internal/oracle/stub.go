package oracle

import (
	"bytes"
	"context"
	"io"
)

// Stub is an in-memory Oracle implementation for tests, injecting
// synthetic store paths instead of reading a real Nix database (spec
// §6.3, §9 "Valid-path oracle abstraction").
type Stub struct {
	Paths map[string]*StorePath
	Nars  map[string][]byte
}

// NewStub returns an empty Stub ready for test fixtures to populate.
func NewStub() *Stub {
	return &Stub{
		Paths: make(map[string]*StorePath),
		Nars:  make(map[string][]byte),
	}
}

// Add registers a synthetic store path and its NAR content.
func (s *Stub) Add(info StorePath, narContent []byte) {
	s.Paths[info.StorePath] = &info
	s.Nars[info.StorePath] = narContent
}

func (s *Stub) PathInfo(_ context.Context, storePath string) (*StorePath, error) {
	info, ok := s.Paths[storePath]
	if !ok {
		return nil, ErrNotValid
	}
	cp := *info
	return &cp, nil
}

func (s *Stub) NarStream(_ context.Context, storePath string) (io.ReadCloser, error) {
	content, ok := s.Nars[storePath]
	if !ok {
		return nil, ErrNotValid
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *Stub) Closure(ctx context.Context, storePath string) ([]*StorePath, error) {
	seen := map[string]bool{}
	var result []*StorePath
	queue := []string{storePath}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		info, err := s.PathInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
		for _, ref := range info.References {
			if !seen[ref] {
				queue = append(queue, ref)
			}
		}
	}
	return result, nil
}

func (s *Stub) IsValid(_ context.Context, storePath string) (bool, error) {
	_, ok := s.Paths[storePath]
	return ok, nil
}

func (s *Stub) Close() error { return nil }
