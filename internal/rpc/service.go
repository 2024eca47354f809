// ============================================================================
// bulkop RPC - agent service
// ============================================================================
//
// Package: internal/rpc
// File: service.go
// Purpose: The control channel. Command documents travel as
//          google.protobuf.Struct, so the service needs no generated code:
//
//   service bulkop.v1.Agent {
//     rpc Execute(google.protobuf.Struct) returns (google.protobuf.Struct);
//     rpc Ping(google.protobuf.Empty)    returns (google.protobuf.Empty);
//     rpc Object(google.protobuf.Struct) returns (google.protobuf.Struct);
//   }
//
// Execute hands the document to the operation controller. Object runs one
// storage call (unlink, copy, checksum, stat) against the local vault; it is
// what remote jobs invoke through pooled connections.
//
// Every call must carry the caller identity in metadata (x-bulkop-user,
// x-bulkop-zone, optional proxy pair). Identity is logged, not verified.
//
// ============================================================================

package rpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/logging"
	"github.com/ChuLiYu/bulkop/internal/objstore"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

const (
	serviceName = "bulkop.v1.Agent"

	methodExecute = "/" + serviceName + "/Execute"
	methodPing    = "/" + serviceName + "/Ping"
	methodObject  = "/" + serviceName + "/Object"
)

// Metadata keys carrying the caller identity.
const (
	MDUser      = "x-bulkop-user"
	MDZone      = "x-bulkop-zone"
	MDProxyUser = "x-bulkop-proxy-user"
	MDProxyZone = "x-bulkop-proxy-zone"
	MDPassword  = "x-bulkop-password"
)

// Object request fields and operations.
const (
	keyOp          = "op"
	keyPath        = "path"
	keyDestination = "destination"
	keySize        = "size"
	keyChecksum    = "checksum"

	opUnlink   = "unlink"
	opCopy     = "copy"
	opChecksum = "checksum"
	opStat     = "stat"
)

// AgentServer is the server API of bulkop.v1.Agent.
type AgentServer interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Object(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Execute(ctx, req.(*structpb.Struct))
	})
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPing}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Ping(ctx, req.(*emptypb.Empty))
	})
}

func objectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Object(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodObject}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Object(ctx, req.(*structpb.Struct))
	})
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Object", Handler: objectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bulkop/v1/agent.proto",
}

// Handler answers command documents; *operation.Controller is one.
type Handler interface {
	Handle(ctx context.Context, req types.Document) types.Document
}

// Server implements bulkop.v1.Agent.
type Server struct {
	handler Handler
	store   *objstore.Store
}

// NewServer creates the service. store may be nil on a control-only agent;
// Object then answers SYS_NOT_SUPPORTED.
func NewServer(handler Handler, store *objstore.Store) *Server {
	return &Server{handler: handler, store: store}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&agentServiceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the identity interceptor installed.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(identityInterceptor)}, opts...)
	return grpc.NewServer(opts...)
}

// Execute passes a request or command document to the controller.
func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.handler == nil {
		return nil, status.Error(codes.Unimplemented, "no operation controller")
	}
	reply := s.handler.Handle(ctx, in.AsMap())
	out, err := toStruct(reply)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// Ping is the trivial read-only request used to probe connections.
func (s *Server) Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

// Object runs one vault call.
func (s *Server) Object(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, codedStatus(errcode.New(errcode.SysNotSupported, "agent has no storage vault"))
	}

	req := in.AsMap()
	op, _ := blackboard.String(req, keyOp)
	p, _ := blackboard.String(req, keyPath)

	reply := map[string]any{}
	var err error
	switch op {
	case opUnlink:
		err = s.store.Unlink(p)
	case opCopy:
		dst, _ := blackboard.String(req, keyDestination)
		var n int64
		if n, err = s.store.Copy(p, dst); err == nil {
			reply[keySize] = n
		}
	case opChecksum:
		var sum string
		if sum, err = s.store.Checksum(p); err == nil {
			reply[keyChecksum] = sum
		}
	case opStat:
		var n int64
		if n, err = s.store.Stat(p); err == nil {
			reply[keySize] = n
		}
	default:
		err = errcode.Newf(errcode.SysInvalidInputParam, "invalid object operation %q", op)
	}
	if err != nil {
		slog.DebugContext(ctx, "Object call failed", "op", op, "path", p, "error", err)
		return nil, codedStatus(err)
	}

	out, err := structpb.NewStruct(reply)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// RequirePassword makes the server reject callers whose password differs.
// An empty password accepts everyone.
func RequirePassword(password string) grpc.ServerOption {
	if password == "" {
		return grpc.EmptyServerOption{}
	}
	want := []byte(password)
	return grpc.ChainUnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		if subtle.ConstantTimeCompare([]byte(first(md, MDPassword)), want) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid password")
		}
		return handler(ctx, req)
	})
}

// identityInterceptor rejects calls without a user and tags the context
// logger with the caller.
func identityInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	user, zone := first(md, MDUser), first(md, MDZone)
	if user == "" {
		return nil, status.Error(codes.Unauthenticated, "missing caller identity")
	}

	attrs := []slog.Attr{slog.String("caller", user+"#"+zone)}
	if proxy := first(md, MDProxyUser); proxy != "" && proxy != user {
		attrs = append(attrs, slog.String("proxy", proxy+"#"+first(md, MDProxyZone)))
	}
	return handler(logging.ContextAttrs(ctx, attrs...), req)
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// toStruct converts a document of arbitrary Go values through JSON, which
// Struct understands natively.
func toStruct(doc types.Document) (*structpb.Struct, error) {
	data, err := blackboard.Encode(doc)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}

// codedStatus carries a coded error as "<code>: <message>".
func codedStatus(err error) error {
	out := errcode.Outcome(err)
	return status.Error(codes.Aborted, fmt.Sprintf("%d: %s", out.Code, out.Message))
}

// decodeError restores a coded error from codedStatus; other failures are
// wrapped as transport errors.
func decodeError(call string, err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.Aborted {
		if raw, msg, found := strings.Cut(st.Message(), ": "); found {
			if code, perr := strconv.Atoi(raw); perr == nil {
				return errcode.New(code, msg)
			}
		}
	}
	return fmt.Errorf("rpc %s failed: %w", call, err)
}
