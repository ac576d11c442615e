package grpcserver

import (
	"context"
	"net"

	"google.golang.org/grpc/peer"
)

type ctxKey string

const requestIDKey ctxKey = "polycentric.requestID"

// WithRequestID stores the request id assigned by LoggingUnary.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromCtx fetches the request id.
func RequestIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// remoteAddr returns the full peer address, or "" when unknown.
func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// remoteHost is remoteAddr without the port, the unit the abuse limiter counts.
func remoteHost(ctx context.Context) string {
	addr := remoteAddr(ctx)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
