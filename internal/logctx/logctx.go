// Package logctx carries call attribution through a context so that log records written while a
// tool call is being served can be traced back to it.
package logctx

import (
	"context"
	"log/slog"
)

// Handler adds the call data found in the record's context as a "call" group.
type Handler struct {
	slog.Handler
}

// CallData identifies one tool invocation.
type CallData struct {
	CallID    string
	Server    string
	Tool      string
	CatalogID string
}

type callDataKey struct{}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("call",
			slog.String("id", cd.CallID),
			slog.String("server", cd.Server),
			slog.String("tool", cd.Tool),
			slog.String("catalog_id", cd.CatalogID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// WithCallData returns a context carrying data.
func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}

// CallDataFrom returns the call data carried by ctx, if any.
func CallDataFrom(ctx context.Context) (*CallData, bool) {
	cd, ok := ctx.Value(callDataKey{}).(*CallData)
	return cd, ok
}
