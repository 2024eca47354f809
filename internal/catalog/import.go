package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/ChuLiYu/bulkop/internal/errcode"
)

// Import registers every regular file below dir as an object of coll,
// keeping the directory structure. dir must lie inside vaultRoot; physical
// paths are recorded relative to it. It returns the number of objects
// registered.
func (c *Catalog) Import(ctx context.Context, dir, coll, vaultRoot string) (int, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", dir, err)
	}
	vault, err := filepath.Abs(vaultRoot)
	if err != nil {
		return 0, fmt.Errorf("resolve vault %s: %w", vaultRoot, err)
	}
	if root != vault && !strings.HasPrefix(root, vault+string(filepath.Separator)) {
		return 0, errcode.Newf(errcode.SysInvalidInputParam, "%s is outside the vault %s", dir, vaultRoot)
	}
	coll = CleanPath(coll)

	count := 0
	err = godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(pathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de.IsDir() || !de.IsRegular() {
				return nil
			}
			// leftovers of interrupted writes
			if strings.HasPrefix(de.Name(), ".bulkop-") {
				return nil
			}

			fi, err := os.Stat(pathname)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, pathname)
			if err != nil {
				return err
			}
			phys, err := filepath.Rel(vault, pathname)
			if err != nil {
				return err
			}

			obj := Object{
				LogicalPath:  path.Join(coll, filepath.ToSlash(rel)),
				PhysicalPath: filepath.ToSlash(phys),
				Size:         fi.Size(),
				Modified:     fi.ModTime().UTC(),
			}
			if err := c.Register(ctx, obj); err != nil {
				return err
			}
			count++
			return nil
		},
		ErrorCallback: func(pathname string, err error) godirwalk.ErrorAction {
			slog.Warn("Catalog import failed", "path", pathname, "error", err)
			return godirwalk.Halt
		},
	})
	if err != nil {
		return count, fmt.Errorf("import %s: %w", dir, err)
	}

	slog.Info("Catalog import finished", "dir", dir, "collection", coll, "objects", count)
	return count, nil
}
