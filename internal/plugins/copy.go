package plugins

import (
	"context"
	"path"
	"strings"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Copy replicates data objects into a destination collection, keeping the
// layout below the source collection.
type Copy struct {
	Catalog *catalog.Catalog
}

func (*Copy) Name() string { return "copy" }
func (*Copy) Async() bool  { return true }

func (p *Copy) Run(ctx context.Context, env *operation.Env, req types.Document) error {
	t, err := parseTarget(ctx, p.Catalog, req)
	if err != nil {
		return err
	}
	raw, _ := blackboard.String(req, KeyDestination)
	if raw == "" {
		return errcode.New(errcode.SysInvalidInputParam, "missing destination")
	}
	dest := catalog.CleanPath(raw)

	// the source's own collection when it names one object
	base := t.path
	if t.object != nil {
		base = t.object.Collection
	} else if dest == t.path || strings.HasPrefix(dest, strings.TrimSuffix(t.path, "/")+"/") {
		return errcode.Newf(errcode.SysInvalidInputParam, "destination %s is inside the source %s", dest, t.path)
	}

	total, seq, err := t.items(ctx, p.Catalog)
	if err != nil {
		return err
	}

	return run(ctx, env, total, seq, func(ctx context.Context, conns *connpool.Pool, obj catalog.Object) error {
		rel := strings.TrimPrefix(strings.TrimPrefix(obj.LogicalPath, base), "/")
		logical := path.Join(dest, rel)
		phys := catalog.PhysicalPath(logical)

		var size int64
		err := withRemote(ctx, conns, func(r Remote) (err error) {
			size, err = r.Copy(ctx, obj.PhysicalPath, phys)
			return err
		})
		if err != nil {
			return err
		}
		return p.Catalog.Register(ctx, catalog.Object{
			LogicalPath:  logical,
			PhysicalPath: phys,
			Size:         size,
			Checksum:     obj.Checksum,
		})
	})
}
