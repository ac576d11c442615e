package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "polycentric.v1.EventStore"

// unary adapts a Server method to a grpc.MethodDesc. Request decoding
// failures are client errors.
func unary[Req any, PReq interface {
	*Req
	WireMessage
}, Resp any](name string, call func(*Server, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, status.Error(codes.InvalidArgument, status.Convert(err).Message())
			}
			s := srv.(*Server)
			if ic == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(PReq))
			})
		},
	}
}

// ServiceDesc describes the event store service; messages use Codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitEvents", (*Server).SubmitEvents),
		unary("RequestEventsByRanges", (*Server).RequestEventsByRanges),
		unary("KnownRanges", (*Server).KnownRanges),
		unary("Head", (*Server).Head),
		unary("QueryLatest", (*Server).QueryLatest),
		unary("QueryReferences", (*Server).QueryReferences),
		unary("QueryClaims", (*Server).QueryClaims),
		unary("FindClaimAndVouch", (*Server).FindClaimAndVouch),
		unary("Explore", (*Server).Explore),
		unary("Search", (*Server).Search),
		unary("RequestChallenge", (*Server).RequestChallenge),
		unary("ClaimHandle", (*Server).ClaimHandle),
		unary("ResolveHandle", (*Server).ResolveHandle),
	},
	Metadata: "polycentric/v1/event_store",
}

// Register adds s to gs.
func Register(gs grpc.ServiceRegistrar, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Method returns the full method name used by clients.
func Method(name string) string { return "/" + ServiceName + "/" + name }
