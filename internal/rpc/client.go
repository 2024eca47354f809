package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Conn is a client connection to an agent. It satisfies connpool.Connection.
type Conn struct {
	cc       *grpc.ClientConn
	md       metadata.MD
	endpoint connpool.Endpoint
}

// Dial connects to ep and logs in with a Ping. Transport security defaults
// to insecure; pass grpc.WithTransportCredentials to override.
func Dial(ctx context.Context, ep connpool.Endpoint, opts ...grpc.DialOption) (*Conn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	cc, err := grpc.NewClient("passthrough:///"+ep.Address(), opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Address(), err)
	}

	md := metadata.Pairs(MDUser, ep.User, MDZone, ep.Zone)
	if ep.ProxyUser != "" {
		md.Set(MDProxyUser, ep.ProxyUser)
		md.Set(MDProxyZone, ep.ProxyZone)
	}
	if ep.Password != "" {
		md.Set(MDPassword, ep.Password)
	}

	c := &Conn{cc: cc, md: md, endpoint: ep}
	if err := c.Ping(ctx); err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("login to %s as %s#%s: %w", ep.Address(), ep.User, ep.Zone, err)
	}
	return c, nil
}

// Factory adapts Dial to a connection pool factory.
func Factory(opts ...grpc.DialOption) connpool.Factory {
	return func(ctx context.Context, ep connpool.Endpoint) (connpool.Connection, error) {
		return Dial(ctx, ep, opts...)
	}
}

func (c *Conn) outgoing(ctx context.Context) context.Context {
	return metadata.NewOutgoingContext(ctx, c.md)
}

// Endpoint returns the endpoint c was dialled with.
func (c *Conn) Endpoint() connpool.Endpoint { return c.endpoint }

// Close closes the underlying client connection.
func (c *Conn) Close() error {
	return c.cc.Close()
}

// Ping checks that the agent answers.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.cc.Invoke(c.outgoing(ctx), methodPing, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("rpc ping failed: %w", err)
	}
	return nil
}

// Execute sends a request or command document and returns the reply.
// Numbers in the reply come back as float64.
func (c *Conn) Execute(ctx context.Context, doc types.Document) (types.Document, error) {
	in, err := toStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(c.outgoing(ctx), methodExecute, in, out); err != nil {
		return nil, fmt.Errorf("rpc execute failed: %w", err)
	}
	return out.AsMap(), nil
}

func (c *Conn) object(ctx context.Context, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode object request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(c.outgoing(ctx), methodObject, in, out); err != nil {
		return nil, decodeError(fmt.Sprint(req[keyOp]), err)
	}
	return out.AsMap(), nil
}

// Unlink removes a file from the agent's vault.
func (c *Conn) Unlink(ctx context.Context, path string) error {
	_, err := c.object(ctx, map[string]any{keyOp: opUnlink, keyPath: path})
	return err
}

// Copy copies src to dst inside the agent's vault and returns the size.
func (c *Conn) Copy(ctx context.Context, src, dst string) (int64, error) {
	reply, err := c.object(ctx, map[string]any{keyOp: opCopy, keyPath: src, keyDestination: dst})
	if err != nil {
		return 0, err
	}
	return number(reply[keySize]), nil
}

// Checksum returns the agent-computed checksum of path.
func (c *Conn) Checksum(ctx context.Context, path string) (string, error) {
	reply, err := c.object(ctx, map[string]any{keyOp: opChecksum, keyPath: path})
	if err != nil {
		return "", err
	}
	sum, _ := reply[keyChecksum].(string)
	return sum, nil
}

// Stat returns the size of path.
func (c *Conn) Stat(ctx context.Context, path string) (int64, error) {
	reply, err := c.object(ctx, map[string]any{keyOp: opStat, keyPath: path})
	if err != nil {
		return 0, err
	}
	return number(reply[keySize]), nil
}

func number(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}
