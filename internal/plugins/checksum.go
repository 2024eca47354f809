package plugins

import (
	"context"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Checksum computes checksums on the storage side and records them. With
// verify set, an object whose stored checksum differs fails instead.
type Checksum struct {
	Catalog *catalog.Catalog
}

func (*Checksum) Name() string { return "checksum" }
func (*Checksum) Async() bool  { return true }

func (p *Checksum) Run(ctx context.Context, env *operation.Env, req types.Document) error {
	t, err := parseTarget(ctx, p.Catalog, req)
	if err != nil {
		return err
	}
	verify, _ := blackboard.Bool(req, KeyVerify)

	total, seq, err := t.items(ctx, p.Catalog)
	if err != nil {
		return err
	}

	return run(ctx, env, total, seq, func(ctx context.Context, conns *connpool.Pool, obj catalog.Object) error {
		var sum string
		err := withRemote(ctx, conns, func(r Remote) (err error) {
			sum, err = r.Checksum(ctx, obj.PhysicalPath)
			return err
		})
		if err != nil {
			return err
		}
		if verify && obj.Checksum != "" && obj.Checksum != sum {
			return errcode.Newf(errcode.UserChksumMismatch, "%s: stored %s, computed %s", obj.LogicalPath, obj.Checksum, sum)
		}
		return p.Catalog.SetChecksum(ctx, obj.LogicalPath, sum)
	})
}
