package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nix-community/go-nix/pkg/nar"
	"github.com/samber/lo"
)

// SQLiteOracle reads store-path metadata directly from Nix's own
// database at /nix/var/nix/db/db.sqlite and serializes NAR content from
// the live filesystem under /nix/store.
//
// Schema (Nix's ValidPaths/Refs tables, read-only, never migrated by
// oranc):
//
//	ValidPaths(id, path, hash, registrationTime, deriver, narSize, ultimate, sigs, ca)
//	Refs(referrer -> ValidPaths.id, reference -> ValidPaths.id)
type SQLiteOracle struct {
	db *sql.DB
}

// Open opens the Nix database at dbPath read-only. When allowImmutable
// is set and the directory is not writable, the connection is opened
// with Nix's own `immutable=1` query mode (no WAL files created), per
// spec §5 ("Shared resources").
func Open(dbPath string, allowImmutable bool) (*SQLiteOracle, error) {
	dsn := "file:" + dbPath + "?mode=ro"
	// 0x2 is W_OK: only fall back to immutable mode when the database
	// directory cannot be written.
	if allowImmutable && syscall.Access(filepath.Dir(dbPath), 0x2) != nil {
		dsn += "&immutable=1"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open nix database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping nix database: %w", err)
	}
	return &SQLiteOracle{db: db}, nil
}

func (o *SQLiteOracle) Close() error { return o.db.Close() }

const pathInfoQuery = `
SELECT id, path, hash, deriver, narSize, sigs, ca
FROM ValidPaths
WHERE path = ?
`

func (o *SQLiteOracle) rowByPath(ctx context.Context, storePath string) (id int64, info *StorePath, err error) {
	var (
		path, hash           string
		deriver, sigs, ca    sql.NullString
		narSize              sql.NullInt64
	)
	row := o.db.QueryRowContext(ctx, pathInfoQuery, storePath)
	if err := row.Scan(&id, &path, &hash, &deriver, &narSize, &sigs, &ca); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, ErrNotValid
		}
		return 0, nil, fmt.Errorf("query path info for %s: %w", storePath, err)
	}

	info = &StorePath{
		StorePath: path,
		NarHash:   hash,
		NarSize:   narSize.Int64,
		Deriver:   deriver.String,
		CA:        ca.String,
	}
	info.Hash, info.Name = splitStorePath(path)
	if sigs.Valid && sigs.String != "" {
		info.Signatures = strings.Split(sigs.String, " ")
	}
	return id, info, nil
}

// PathInfo implements Oracle.
func (o *SQLiteOracle) PathInfo(ctx context.Context, storePath string) (*StorePath, error) {
	id, info, err := o.rowByPath(ctx, storePath)
	if err != nil {
		return nil, err
	}

	refs, err := o.referencesOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query references of %s: %w", storePath, err)
	}
	info.References = refs
	return info, nil
}

const referencesQuery = `
SELECT ValidPaths.path
FROM Refs
JOIN ValidPaths ON ValidPaths.id = Refs.reference
WHERE Refs.referrer = ?
`

func (o *SQLiteOracle) referencesOf(ctx context.Context, id int64) ([]string, error) {
	rows, err := o.db.QueryContext(ctx, referencesQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return lo.Uniq(refs), rows.Err()
}

// IsValid implements Oracle.
func (o *SQLiteOracle) IsValid(ctx context.Context, storePath string) (bool, error) {
	_, _, err := o.rowByPath(ctx, storePath)
	if err == ErrNotValid {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Closure implements Oracle, walking references breadth-first starting
// from storePath (inclusive).
func (o *SQLiteOracle) Closure(ctx context.Context, storePath string) ([]*StorePath, error) {
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

		info, err := o.PathInfo(ctx, p)
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

// NarStream implements Oracle by serializing the live filesystem content
// at storePath as a canonical NAR, using go-nix's nar writer (the same
// package a-h/depot's integration test reads back with nar.NewReader).
func (o *SQLiteOracle) NarStream(ctx context.Context, storePath string) (io.ReadCloser, error) {
	if valid, err := o.IsValid(ctx, storePath); err != nil {
		return nil, err
	} else if !valid {
		return nil, ErrNotValid
	}

	pr, pw := io.Pipe()
	go func() {
		err := nar.DumpPath(pw, storePath)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// splitStorePath separates /nix/store/<hash>-<name> into its 32-char
// hash prefix and the remaining name.
func splitStorePath(path string) (hash, name string) {
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}
	dash := strings.IndexByte(base, '-')
	if dash < 0 {
		return base, ""
	}
	return base[:dash], base[dash+1:]
}
