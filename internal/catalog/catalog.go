// ============================================================================
// bulkop Catalog - data-object metadata
// ============================================================================
//
// Package: internal/catalog
// File: catalog.go
// Purpose: SQLite table of data objects. Bulk operations enumerate their work
//          items from it lazily, one page at a time.
//
// Schema:
//   data_objects(logical_path PK, coll_name, data_name, physical_path,
//                size, checksum, modified)
//
// Logical paths are absolute ("/tempZone/home/rods/a.txt"); a collection is
// the logical parent directory. Physical paths are relative to the vault.
//
// ============================================================================

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/bulkop/internal/errcode"
)

// PageSize is the number of rows Walk reads per query.
const PageSize = 256

const schema = `
CREATE TABLE IF NOT EXISTS data_objects (
	logical_path  TEXT PRIMARY KEY,
	coll_name     TEXT NOT NULL,
	data_name     TEXT NOT NULL,
	physical_path TEXT NOT NULL,
	size          INTEGER NOT NULL DEFAULT 0,
	checksum      TEXT NOT NULL DEFAULT '',
	modified      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS data_objects_coll ON data_objects (coll_name, logical_path);
`

// Object is one catalog row.
type Object struct {
	LogicalPath  string
	Collection   string
	Name         string
	PhysicalPath string
	Size         int64
	Checksum     string
	Modified     time.Time
}

// Catalog is a handle on the SQLite database.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at dsn. ":memory:" gives a
// private in-memory catalog.
func Open(dsn string) (*Catalog, error) {
	if dsn == "" {
		return nil, errcode.New(errcode.SysInvalidInputParam, "catalog path must not be empty")
	}
	if dsn != ":memory:" {
		dsn = "file:" + dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// one writer; also keeps :memory: on a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// CleanPath normalises a logical path: absolute, no trailing slash.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// PhysicalPath is the default vault location of a logical path.
func PhysicalPath(logical string) string {
	return strings.TrimPrefix(CleanPath(logical), "/")
}

// Register inserts or replaces obj. Collection and Name are derived from
// LogicalPath; an empty PhysicalPath gets the default mapping.
func (c *Catalog) Register(ctx context.Context, obj Object) error {
	logical := CleanPath(obj.LogicalPath)
	if logical == "/" {
		return errcode.New(errcode.SysInvalidInputParam, "logical path must name an object")
	}
	phys := obj.PhysicalPath
	if phys == "" {
		phys = PhysicalPath(logical)
	}
	mod := obj.Modified
	if mod.IsZero() {
		mod = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO data_objects (logical_path, coll_name, data_name, physical_path, size, checksum, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (logical_path) DO UPDATE SET
			physical_path = excluded.physical_path,
			size = excluded.size,
			checksum = excluded.checksum,
			modified = excluded.modified`,
		logical, path.Dir(logical), path.Base(logical), phys, obj.Size, obj.Checksum, mod)
	if err != nil {
		return fmt.Errorf("register %s: %w", logical, err)
	}
	return nil
}

// Get returns the object at logical.
func (c *Catalog) Get(ctx context.Context, logical string) (Object, error) {
	logical = CleanPath(logical)
	row := c.db.QueryRowContext(ctx, `
		SELECT logical_path, coll_name, data_name, physical_path, size, checksum, modified
		FROM data_objects WHERE logical_path = ?`, logical)

	obj, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, errcode.Newf(errcode.CatNoRowsFound, "no data object %s", logical)
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", logical, err)
	}
	return obj, nil
}

// Remove deletes the row of logical.
func (c *Catalog) Remove(ctx context.Context, logical string) error {
	logical = CleanPath(logical)
	res, err := c.db.ExecContext(ctx, `DELETE FROM data_objects WHERE logical_path = ?`, logical)
	if err != nil {
		return fmt.Errorf("remove %s: %w", logical, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errcode.Newf(errcode.CatNoRowsFound, "no data object %s", logical)
	}
	return nil
}

// SetChecksum records the checksum of logical.
func (c *Catalog) SetChecksum(ctx context.Context, logical, sum string) error {
	logical = CleanPath(logical)
	res, err := c.db.ExecContext(ctx,
		`UPDATE data_objects SET checksum = ?, modified = ? WHERE logical_path = ?`,
		sum, time.Now().UTC(), logical)
	if err != nil {
		return fmt.Errorf("set checksum of %s: %w", logical, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errcode.Newf(errcode.CatNoRowsFound, "no data object %s", logical)
	}
	return nil
}

// filter is the WHERE clause selecting a collection, or the whole subtree
// below it when recursive.
func filter(coll string, recursive bool) (string, []any) {
	coll = CleanPath(coll)
	if !recursive {
		return "coll_name = ?", []any{coll}
	}
	if coll == "/" {
		return "1 = 1", nil
	}
	prefix := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(coll) + "/%"
	return `(coll_name = ? OR coll_name LIKE ? ESCAPE '\')`, []any{coll, prefix}
}

// Count returns the number of objects Walk would yield.
func (c *Catalog) Count(ctx context.Context, coll string, recursive bool) (int, error) {
	where, args := filter(coll, recursive)
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_objects WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

// Walk yields the objects of coll in logical path order. Rows are read a page
// at a time with no cursor held between pages, so the caller may modify the
// catalog while iterating.
func (c *Catalog) Walk(ctx context.Context, coll string, recursive bool) iter.Seq2[Object, error] {
	where, args := filter(coll, recursive)
	query := `SELECT logical_path, coll_name, data_name, physical_path, size, checksum, modified
		FROM data_objects WHERE ` + where + ` AND logical_path > ? ORDER BY logical_path LIMIT ?`

	return func(yield func(Object, error) bool) {
		after := ""
		for {
			page, err := c.page(ctx, query, append(append([]any{}, args...), after, PageSize)...)
			if err != nil {
				yield(Object{}, fmt.Errorf("walk %s: %w", coll, err))
				return
			}
			for _, obj := range page {
				if !yield(obj, nil) {
					return
				}
			}
			if len(page) < PageSize {
				return
			}
			after = page[len(page)-1].LogicalPath
		}
	}
}

func (c *Catalog) page(ctx context.Context, query string, args ...any) ([]Object, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Object, error) {
	var obj Object
	err := s.Scan(&obj.LogicalPath, &obj.Collection, &obj.Name, &obj.PhysicalPath,
		&obj.Size, &obj.Checksum, &obj.Modified)
	return obj, err
}
