package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request, session and scope attributes
// found on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("identity", sd.Identity),
		))
	}

	if sc, ok := ctx.Value(scopeDataKey{}).(*ScopeData); ok {
		r.AddAttrs(slog.Group("scope",
			slog.String("id", sc.ScopeID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	UserID    string
	// Identity is how the session was resolved: "api_key", "user" or "anonymous".
	Identity string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type scopeDataKey struct{}

type ScopeData struct {
	ScopeID string
}

func WithScopeData(ctx context.Context, data *ScopeData) context.Context {
	return context.WithValue(ctx, scopeDataKey{}, data)
}
