// Package kit carries the caller of an operator action through context and
// adapts endpoints to the transports sheetledger exposes (HTTP handlers,
// MCP tools, the CLI).
package kit

import "context"

// Caller identifies who triggered an operation and through which surface.
// The audit journal records it with every state-changing action.
type Caller struct {
	Actor      string `json:"actor,omitempty"`
	Transport  string `json:"transport"` // "http", "mcp", "cli"
	RequestID  string `json:"request_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

type callerKey struct{}

// CallerFrom returns the caller stored in ctx. Transport defaults to "http".
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	if c.Transport == "" {
		c.Transport = "http"
	}
	return c
}

// WithCaller replaces the caller in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func update(ctx context.Context, fn func(*Caller)) context.Context {
	c, _ := ctx.Value(callerKey{}).(Caller)
	fn(&c)
	return WithCaller(ctx, c)
}

// WithActor records the operator acting on the request.
func WithActor(ctx context.Context, actor string) context.Context {
	return update(ctx, func(c *Caller) { c.Actor = actor })
}

// GetActor returns the operator, or "" for system calls such as timers.
func GetActor(ctx context.Context) string { return CallerFrom(ctx).Actor }

func WithTransport(ctx context.Context, t string) context.Context {
	return update(ctx, func(c *Caller) { c.Transport = t })
}

func GetTransport(ctx context.Context) string { return CallerFrom(ctx).Transport }

func WithRequestID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Caller) { c.RequestID = id })
}

func GetRequestID(ctx context.Context) string { return CallerFrom(ctx).RequestID }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return update(ctx, func(c *Caller) { c.RemoteAddr = addr })
}

func GetRemoteAddr(ctx context.Context) string { return CallerFrom(ctx).RemoteAddr }
