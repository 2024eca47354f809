package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkop/internal/errcode"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func register(t *testing.T, c *Catalog, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, c.Register(context.Background(), Object{LogicalPath: p, Size: 1}))
	}
}

func collect(t *testing.T, c *Catalog, coll string, recursive bool) []string {
	t.Helper()
	var out []string
	for obj, err := range c.Walk(context.Background(), coll, recursive) {
		require.NoError(t, err)
		out = append(out, obj.LogicalPath)
	}
	return out
}

func TestOpenValidates(t *testing.T) {
	_, err := Open("")
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.Code(err))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	register(t, c, "/zone/a")
	require.NoError(t, c.Close())

	// reopened, the row survives
	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Get(context.Background(), "/zone/a")
	assert.NoError(t, err)
}

func TestRegisterAndGet(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, Object{LogicalPath: "zone/home/rods//a.txt", Size: 42}))

	obj, err := c.Get(ctx, "/zone/home/rods/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/zone/home/rods/a.txt", obj.LogicalPath)
	assert.Equal(t, "/zone/home/rods", obj.Collection)
	assert.Equal(t, "a.txt", obj.Name)
	assert.Equal(t, "zone/home/rods/a.txt", obj.PhysicalPath)
	assert.Equal(t, int64(42), obj.Size)
	assert.False(t, obj.Modified.IsZero())

	// upsert
	require.NoError(t, c.Register(ctx, Object{LogicalPath: "/zone/home/rods/a.txt", PhysicalPath: "elsewhere", Size: 7}))
	obj, err = c.Get(ctx, "/zone/home/rods/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", obj.PhysicalPath)
	assert.Equal(t, int64(7), obj.Size)

	err = c.Register(ctx, Object{LogicalPath: "/"})
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.Code(err))
}

func TestGetAndRemoveMissing(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "/nope")
	assert.Equal(t, errcode.CatNoRowsFound, errcode.Code(err))
	assert.Equal(t, errcode.CatNoRowsFound, errcode.Code(c.Remove(ctx, "/nope")))
	assert.Equal(t, errcode.CatNoRowsFound, errcode.Code(c.SetChecksum(ctx, "/nope", "x")))
}

func TestRemoveAndChecksum(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()
	register(t, c, "/z/a", "/z/b")

	require.NoError(t, c.SetChecksum(ctx, "/z/a", "sha2:abc"))
	obj, err := c.Get(ctx, "/z/a")
	require.NoError(t, err)
	assert.Equal(t, "sha2:abc", obj.Checksum)

	require.NoError(t, c.Remove(ctx, "/z/a"))
	assert.Equal(t, []string{"/z/b"}, collect(t, c, "/z", false))
}

func TestWalkAndCount(t *testing.T) {
	c := openCatalog(t)
	register(t, c,
		"/z/home/a", "/z/home/b",
		"/z/home/sub/c", "/z/home/sub/deep/d",
		"/z/homework/e", // shares the prefix, not the collection
		"/z/other/f")

	tests := []struct {
		name      string
		coll      string
		recursive bool
		want      []string
	}{
		{"flat", "/z/home", false, []string{"/z/home/a", "/z/home/b"}},
		{"recursive", "/z/home", true, []string{"/z/home/a", "/z/home/b", "/z/home/sub/c", "/z/home/sub/deep/d"}},
		{"trailing slash", "/z/home/", false, []string{"/z/home/a", "/z/home/b"}},
		{"empty collection", "/z/none", true, nil},
		{"everything", "/", true, []string{"/z/home/a", "/z/home/b", "/z/home/sub/c", "/z/home/sub/deep/d", "/z/homework/e", "/z/other/f"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, c, tt.coll, tt.recursive))
			n, err := c.Count(context.Background(), tt.coll, tt.recursive)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
		})
	}
}

func TestWalkLikeWildcardsAreLiteral(t *testing.T) {
	c := openCatalog(t)
	register(t, c, "/z/a_b/x", "/z/aXb/y")

	assert.Equal(t, []string{"/z/a_b/x"}, collect(t, c, "/z/a_b", true))
}

func TestWalkPaginates(t *testing.T) {
	c := openCatalog(t)
	n := PageSize*2 + 17
	for i := 0; i < n; i++ {
		register(t, c, fmt.Sprintf("/z/obj-%05d", i))
	}

	got := collect(t, c, "/z", false)
	require.Len(t, got, n)
	assert.Equal(t, "/z/obj-00000", got[0])
	assert.Equal(t, fmt.Sprintf("/z/obj-%05d", n-1), got[n-1])
}

func TestWalkWhileRemoving(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()
	n := PageSize + 10
	for i := 0; i < n; i++ {
		register(t, c, fmt.Sprintf("/z/obj-%05d", i))
	}

	seen := 0
	for obj, err := range c.Walk(ctx, "/z", false) {
		require.NoError(t, err)
		require.NoError(t, c.Remove(ctx, obj.LogicalPath))
		seen++
	}
	assert.Equal(t, n, seen)

	count, err := c.Count(ctx, "/z", false)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWalkStopsEarly(t *testing.T) {
	c := openCatalog(t)
	register(t, c, "/z/a", "/z/b", "/z/c")

	var got []string
	for obj := range c.Walk(context.Background(), "/z", false) {
		got = append(got, obj.LogicalPath)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"/z/a", "/z/b"}, got)
}

func TestWalkReportsErrors(t *testing.T) {
	c := openCatalog(t)
	register(t, c, "/z/a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs int
	for _, err := range c.Walk(ctx, "/z", false) {
		if err != nil {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestImport(t *testing.T) {
	vault := t.TempDir()
	dir := filepath.Join(vault, "incoming")
	files := map[string]string{
		"a.txt":           "aaa",
		"sub/b.txt":       "bb",
		"sub/deep/c.txt":  "c",
		"sub/.bulkop-123": "partial",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	c := openCatalog(t)
	ctx := context.Background()

	n, err := c.Import(ctx, dir, "/z/home", vault)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []string{"/z/home/a.txt", "/z/home/sub/b.txt", "/z/home/sub/deep/c.txt"},
		collect(t, c, "/z/home", true))

	obj, err := c.Get(ctx, "/z/home/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "incoming/sub/b.txt", obj.PhysicalPath)
	assert.Equal(t, int64(2), obj.Size)
}

func TestImportOutsideVault(t *testing.T) {
	c := openCatalog(t)
	_, err := c.Import(context.Background(), t.TempDir(), "/z", t.TempDir())
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.Code(err))
}
