// ============================================================================
// bulkop Plugins - concrete bulk operations
// ============================================================================
//
// Package: internal/plugins
// File: plugins.go
// Purpose: remove, copy and checksum over catalog data objects. Each one
//          enumerates its items from the catalog, leases a pooled remote
//          connection per item and runs one storage call with it.
//
// Request fields:
//   logical_path  object or collection to operate on (required)
//   recursive     include sub-collections (default false)
//   destination   target collection (copy)
//   verify        compare against the stored checksum (checksum)
//
// ============================================================================

package plugins

import (
	"context"
	"iter"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Request fields.
const (
	KeyLogicalPath = "logical_path"
	KeyRecursive   = "recursive"
	KeyDestination = "destination"
	KeyVerify      = "verify"
)

// Remote is the storage API a pooled connection must offer.
type Remote interface {
	Unlink(ctx context.Context, path string) error
	Copy(ctx context.Context, src, dst string) (int64, error)
	Checksum(ctx context.Context, path string) (string, error)
}

// All returns every plugin, bound to cat.
func All(cat *catalog.Catalog) []operation.Plugin {
	return []operation.Plugin{
		&Remove{Catalog: cat},
		&Copy{Catalog: cat},
		&Checksum{Catalog: cat},
	}
}

// NewRegistry returns a registry holding All(cat).
func NewRegistry(cat *catalog.Catalog) (*operation.Registry, error) {
	return operation.NewRegistry(All(cat)...)
}

// target is what a request points at.
type target struct {
	path      string
	object    *catalog.Object // set when path names a single object
	recursive bool
}

func parseTarget(ctx context.Context, cat *catalog.Catalog, req types.Document) (target, error) {
	p, _ := blackboard.String(req, KeyLogicalPath)
	if p == "" {
		return target{}, errcode.New(errcode.SysInvalidInputParam, "missing logical_path")
	}
	t := target{path: catalog.CleanPath(p)}
	t.recursive, _ = blackboard.Bool(req, KeyRecursive)

	obj, err := cat.Get(ctx, t.path)
	switch {
	case err == nil:
		t.object = &obj
	case errcode.Code(err) != errcode.CatNoRowsFound:
		return target{}, err
	}
	return t, nil
}

// items counts and enumerates the objects of t. A target matching nothing
// is an error.
func (t target) items(ctx context.Context, cat *catalog.Catalog) (int, iter.Seq2[catalog.Object, error], error) {
	if t.object != nil {
		obj := *t.object
		return 1, func(yield func(catalog.Object, error) bool) { yield(obj, nil) }, nil
	}

	n, err := cat.Count(ctx, t.path, t.recursive)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, errcode.Newf(errcode.CatNoRowsFound, "no data objects under %s", t.path)
	}
	return n, cat.Walk(ctx, t.path, t.recursive), nil
}

// withRemote leases a connection for one call. A failure that is not a coded
// storage error marks the connection for refresh.
func withRemote(ctx context.Context, conns *connpool.Pool, fn func(Remote) error) error {
	lease, err := conns.Get(ctx)
	if err != nil {
		return err
	}
	defer lease.Close()

	remote, ok := lease.Conn().(Remote)
	if !ok {
		return errcode.New(errcode.SysNotSupported, "connection does not support storage calls")
	}

	err = fn(remote)
	if _, coded := errcode.As(err); err != nil && !coded {
		lease.Release()
	}
	return err
}

// run is the shape shared by every plugin: resolve connections and items,
// then hand the per-item job to the bulk engine.
func run(ctx context.Context, env *operation.Env, total int, seq iter.Seq2[catalog.Object, error],
	job func(ctx context.Context, conns *connpool.Pool, obj catalog.Object) error) error {

	conns, err := env.Connections(ctx)
	if err != nil {
		return err
	}
	_, err = operation.RunBulk(ctx, env, total, seq, func(ctx context.Context, obj catalog.Object) error {
		return job(ctx, conns, obj)
	})
	return err
}
