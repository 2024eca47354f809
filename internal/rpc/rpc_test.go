package rpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/objstore"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// recordingHandler answers every document with a fixed reply and keeps what
// it was sent.
type recordingHandler struct {
	mu    sync.Mutex
	got   []types.Document
	reply types.Document
}

func (h *recordingHandler) Handle(_ context.Context, req types.Document) types.Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, req)
	return h.reply
}

type harness struct {
	lis   *bufconn.Listener
	store *objstore.Store
}

func (h *harness) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	})
}

func (h *harness) dial(t *testing.T, ep connpool.Endpoint) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), ep, h.dialer())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func startServer(t *testing.T, handler Handler, opts ...grpc.ServerOption) *harness {
	t.Helper()
	store, err := objstore.New(t.TempDir(), 0)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(opts...)
	NewServer(handler, store).Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	return &harness{lis: lis, store: store}
}

var rods = connpool.Endpoint{Host: "agent", Port: 1247, User: "rods", Zone: "tempZone"}

func TestExecuteRoundTrip(t *testing.T) {
	handler := &recordingHandler{reply: types.Document{
		types.KeyStatus:   "running",
		types.KeyProgress: "0",
		types.KeyErrors: []any{
			types.Outcome{Code: errcode.UserFileDoesNotExist, Message: "gone"}.Document(),
		},
		"names": []string{"a", "b"},
	}}
	h := startServer(t, handler)
	c := h.dial(t, rods)

	reply, err := c.Execute(context.Background(), types.Document{
		types.KeyRequest: "operation",
		types.KeyPlugin:  "remove",
		"recursive":      true,
		"count":          3,
	})
	require.NoError(t, err)

	assert.Equal(t, "running", reply[types.KeyStatus])
	assert.Equal(t, []any{"a", "b"}, reply["names"])
	errs := []types.Outcome{{Code: errcode.UserFileDoesNotExist, Message: "gone"}}
	assert.Equal(t, errs, blackboard.Errors(reply))

	require.Len(t, handler.got, 1)
	assert.Equal(t, "remove", handler.got[0][types.KeyPlugin])
	assert.Equal(t, true, handler.got[0]["recursive"])
	assert.Equal(t, float64(3), handler.got[0]["count"])
}

func TestMissingIdentityIsRejected(t *testing.T) {
	h := startServer(t, &recordingHandler{})

	_, err := Dial(context.Background(), connpool.Endpoint{Host: "agent", Port: 1247}, h.dialer())
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestPassword(t *testing.T) {
	h := startServer(t, &recordingHandler{}, RequirePassword("s3cret"))

	for _, pw := range []string{"", "wrong"} {
		ep := rods
		ep.Password = pw
		_, err := Dial(context.Background(), ep, h.dialer())
		require.Error(t, err, "password %q", pw)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	}

	ep := rods
	ep.Password = "s3cret"
	c := h.dial(t, ep)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestNoPasswordConfigured(t *testing.T) {
	h := startServer(t, &recordingHandler{}, RequirePassword(""))
	ep := rods
	ep.Password = "anything"
	c := h.dial(t, ep)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestProxyIdentity(t *testing.T) {
	h := startServer(t, &recordingHandler{})
	ep := rods
	ep.ProxyUser, ep.ProxyZone = "admin", "otherZone"

	c := h.dial(t, ep)
	assert.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "admin", c.Endpoint().ProxyUser)
}

func TestObjectCalls(t *testing.T) {
	h := startServer(t, &recordingHandler{})
	c := h.dial(t, rods)
	ctx := context.Background()

	_, err := h.store.Put("home/a.txt", strings.NewReader("abc"))
	require.NoError(t, err)

	size, err := c.Stat(ctx, "home/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	n, err := c.Copy(ctx, "home/a.txt", "home/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sum, err := c.Checksum(ctx, "home/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "sha2:ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=", sum)

	require.NoError(t, c.Unlink(ctx, "home/a.txt"))
	_, err = h.store.Stat("home/a.txt")
	assert.Equal(t, errcode.UserFileDoesNotExist, errcode.Code(err))
}

func TestObjectErrorsKeepTheirCode(t *testing.T) {
	h := startServer(t, &recordingHandler{})
	c := h.dial(t, rods)
	ctx := context.Background()

	err := c.Unlink(ctx, "missing.txt")
	require.Error(t, err)
	assert.Equal(t, errcode.UserFileDoesNotExist, errcode.Code(err))
	assert.Contains(t, errcode.Outcome(err).Message, "missing.txt")

	_, err = c.Checksum(ctx, "../../etc/passwd")
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.Code(err))

	_, err = c.object(ctx, map[string]any{keyOp: "truncate", keyPath: "a"})
	assert.Equal(t, errcode.SysInvalidInputParam, errcode.Code(err))
}

func TestObjectWithoutVault(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer()
	NewServer(&recordingHandler{}, nil).Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	h := &harness{lis: lis}
	c := h.dial(t, rods)
	err := c.Unlink(context.Background(), "a")
	assert.Equal(t, errcode.SysNotSupported, errcode.Code(err))
}

func TestTransportErrorsAreUncoded(t *testing.T) {
	h := startServer(t, &recordingHandler{})
	c := h.dial(t, rods)
	require.NoError(t, c.Close())

	err := c.Unlink(context.Background(), "a")
	require.Error(t, err)
	assert.Equal(t, errcode.SysUnknownError, errcode.Code(err))
	assert.Contains(t, err.Error(), "rpc unlink failed")
	assert.Error(t, c.Ping(context.Background()))
}

func TestFactoryFeedsConnectionPool(t *testing.T) {
	h := startServer(t, &recordingHandler{})
	ctx := context.Background()

	pool, err := connpool.New(ctx, connpool.Options{
		Size:     2,
		Endpoint: rods,
		Factory:  Factory(h.dialer()),
	})
	require.NoError(t, err)
	defer pool.Close(ctx)

	lease, err := pool.Get(ctx)
	require.NoError(t, err)
	defer lease.Close()

	conn, ok := lease.Conn().(*Conn)
	require.True(t, ok)
	assert.NoError(t, conn.Ping(ctx))
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"coded", status.Error(codes.Aborted, "-310000: a.txt: no such file"), errcode.UserFileDoesNotExist, "a.txt: no such file"},
		{"aborted without code", status.Error(codes.Aborted, "conflict"), errcode.SysUnknownError, ""},
		{"other status", status.Error(codes.Unavailable, "-310000: x"), errcode.SysUnknownError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeError("unlink", tt.err)
			assert.Equal(t, tt.code, errcode.Code(err))
			if tt.msg != "" {
				assert.Equal(t, tt.msg, errcode.Outcome(err).Message)
			}
		})
	}
}
