package plugins

import (
	"context"

	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Remove unlinks data objects and drops their catalog rows.
type Remove struct {
	Catalog *catalog.Catalog
}

func (*Remove) Name() string { return "remove" }
func (*Remove) Async() bool  { return true }

func (p *Remove) Run(ctx context.Context, env *operation.Env, req types.Document) error {
	t, err := parseTarget(ctx, p.Catalog, req)
	if err != nil {
		return err
	}
	total, seq, err := t.items(ctx, p.Catalog)
	if err != nil {
		return err
	}

	return run(ctx, env, total, seq, func(ctx context.Context, conns *connpool.Pool, obj catalog.Object) error {
		err := withRemote(ctx, conns, func(r Remote) error {
			return r.Unlink(ctx, obj.PhysicalPath)
		})
		if err != nil {
			return err
		}
		return p.Catalog.Remove(ctx, obj.LogicalPath)
	})
}
