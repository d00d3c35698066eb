package cachesync

import (
	"context"
	"fmt"
	"strings"
)

// Runtime is the execution side a Coordinator runs on.
type Runtime int

const (
	// RuntimeAuto resolves to server when a render or key/value layer is
	// configured and to client otherwise.
	RuntimeAuto Runtime = iota
	RuntimeServer
	RuntimeClient
)

func (r Runtime) String() string {
	switch r {
	case RuntimeServer:
		return "server"
	case RuntimeClient:
		return "client"
	default:
		return "auto"
	}
}

// ParseRuntime accepts "auto", "server" and "client". "" is auto.
func ParseRuntime(s string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return RuntimeAuto, nil
	case "server":
		return RuntimeServer, nil
	case "client":
		return RuntimeClient, nil
	}
	return RuntimeAuto, fmt.Errorf("cachesync: unknown runtime %q", s)
}

type runtimeKey struct{}
type queryCacheKey struct{}

// WithRuntime overrides the coordinator runtime for calls made with ctx.
func WithRuntime(ctx context.Context, r Runtime) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, runtimeKey{}, r)
}

// WithQueryCache supplies the client query cache handle for calls made with ctx.
// It takes precedence over Options.QueryCache.
func WithQueryCache(ctx context.Context, qc QueryCache) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, queryCacheKey{}, qc)
}

func runtimeFromContext(ctx context.Context) (Runtime, bool) {
	r, ok := ctx.Value(runtimeKey{}).(Runtime)
	if !ok || r == RuntimeAuto {
		return RuntimeAuto, false
	}
	return r, true
}

func queryCacheFromContext(ctx context.Context) QueryCache {
	qc, _ := ctx.Value(queryCacheKey{}).(QueryCache)
	return qc
}
