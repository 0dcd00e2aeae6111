// Package sessionhttp binds every HTTP request to a session and publishes a
// request-scoped *scope.Scope on the request context.
package sessionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/session-scope-go/auth"
	"github.com/ggoodman/session-scope-go/internal/logctx"
	"github.com/ggoodman/session-scope-go/scope"
	"github.com/ggoodman/session-scope-go/sessions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	SessionIDHeader       = "X-Session-Id"
	APIKeyHeader          = "X-API-Key"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

const (
	identityAPIKey    = "api_key"
	identityUser      = "user"
	identityAnonymous = "anonymous"
)

// Option configures a Middleware.
type Option func(*Middleware)

// WithBypassPaths lists request paths that skip session handling entirely.
func WithBypassPaths(paths ...string) Option {
	return func(m *Middleware) {
		for _, p := range paths {
			if p = strings.TrimSpace(p); p != "" {
				m.bypass[p] = struct{}{}
			}
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Middleware) {
		if log != nil {
			m.log = log
		}
	}
}

// WithAuthenticator validates bearer tokens into a user identity. Without it
// the Authorization header is ignored.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(m *Middleware) { m.authn = a }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Middleware) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithAnonymousDuration gives sessions created for anonymous requests an
// explicit lease so that clients can resume them by echoing X-Session-Id.
// By default anonymous sessions end as soon as their request completes.
func WithAnonymousDuration(d time.Duration) Option {
	return func(m *Middleware) { m.anonDuration = d }
}

// Middleware resolves the caller's identity, attaches the request to a
// session and guarantees the request's scope is released afterwards.
type Middleware struct {
	mgr          *sessions.Manager
	factory      *scope.Factory
	bypass       map[string]struct{}
	log          *slog.Logger
	authn        auth.Authenticator
	tracer       trace.Tracer
	anonDuration time.Duration
}

// New constructs a Middleware. A nil factory uses the manager's.
func New(mgr *sessions.Manager, factory *scope.Factory, opts ...Option) *Middleware {
	if factory == nil {
		factory = mgr.Scopes()
	}
	m := &Middleware{
		mgr:     mgr,
		factory: factory,
		bypass:  make(map[string]struct{}),
		log:     slog.Default(),
		tracer:  otel.Tracer("session-scope.sessionhttp"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns a handler that runs next inside a session-bound scope.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Handle(w, r, func(r *http.Request) { next.ServeHTTP(w, r) })
	})
}

// Handle runs next with a request whose context carries the current scope.
// It reports whether next was invoked; when it was not, an error response has
// already been written.
func (m *Middleware) Handle(w http.ResponseWriter, r *http.Request, next func(*http.Request)) bool {
	if _, ok := m.bypass[r.URL.Path]; ok {
		next(r)
		return true
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	ctx, span := m.tracer.Start(ctx, "session.request",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		),
	)
	defer span.End()

	id, ok := m.identify(ctx, w, r)
	if !ok {
		span.SetStatus(codes.Error, "authentication failed")
		return false
	}
	span.SetAttributes(attribute.String("session.identity", id.kind))

	sc := m.factory.CreateScope(nil)
	sess, err := m.attach(ctx, id, sc.ID(), r.Header.Get(SessionIDHeader))
	if err != nil {
		_ = sc.Dispose()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.ErrorContext(ctx, "session.attach.fail", slog.String("identity", id.kind), slog.String("err", err.Error()))
		if errors.Is(err, sessions.ErrInvalidArgument) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
		} else {
			writeJSONError(w, http.StatusInternalServerError, "session unavailable")
		}
		return false
	}

	sc.SetSessionID(sess.ID())
	ctx = scope.WithCurrent(ctx, sc)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: id.userID, Identity: id.kind})
	ctx = logctx.WithScopeData(ctx, &logctx.ScopeData{ScopeID: sc.ID()})
	span.SetAttributes(attribute.String("session.id", sess.ID()), attribute.String("scope.id", sc.ID()))
	w.Header().Set(SessionIDHeader, sess.ID())

	defer m.release(ctx, sess, sc)
	next(r.WithContext(ctx))
	return true
}

type identity struct {
	kind   string
	userID string
	apiKey string
}

// identify resolves the caller: an API key takes precedence over a user,
// and requests with neither are anonymous. It writes the error response and
// reports false when a presented bearer token is rejected.
func (m *Middleware) identify(ctx context.Context, w http.ResponseWriter, r *http.Request) (identity, bool) {
	if key, ok := auth.APIKeyFromContext(ctx); ok {
		return identity{kind: identityAPIKey, apiKey: key}, true
	}
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return identity{kind: identityAPIKey, apiKey: key}, true
	}
	if ui, ok := auth.UserInfoFromContext(ctx); ok {
		return identity{kind: identityUser, userID: ui.UserID()}, true
	}
	if m.authn != nil && r.Header.Get(authorizationHeader) != "" {
		ui := m.checkAuthentication(ctx, w, r)
		if ui == nil {
			return identity{}, false
		}
		return identity{kind: identityUser, userID: ui.UserID()}, true
	}
	return identity{kind: identityAnonymous}, true
}

func (m *Middleware) checkAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
		m.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, `Bearer error="invalid_request", error_description="malformed bearer authorization header"`)
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := m.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInsufficientScope):
			m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, `Bearer error="insufficient_scope"`)
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
		case errors.Is(err, auth.ErrUnauthorized):
			m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, `Bearer error="invalid_token"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
		default:
			m.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "authentication unavailable")
		}
		return nil
	}
	return userInfo
}

// attach obtains the session for id and registers scopeID on it. A session
// that ends between lookup and registration is looked up once more.
func (m *Middleware) attach(ctx context.Context, id identity, scopeID, requestedSessionID string) (*sessions.Session, error) {
	var lastErr error
	for range 2 {
		sess, err := m.lookup(ctx, id, scopeID, requestedSessionID)
		if err != nil {
			return nil, err
		}
		err = m.mgr.AddScopeToSession(ctx, sess, scopeID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, sessions.ErrSessionEnded) {
			return nil, err
		}
		lastErr = err
		requestedSessionID = ""
	}
	return nil, lastErr
}

func (m *Middleware) lookup(ctx context.Context, id identity, scopeID, requestedSessionID string) (*sessions.Session, error) {
	switch id.kind {
	case identityAPIKey:
		return m.mgr.GetSessionByAPIKey(ctx, id.apiKey, scopeID)
	case identityUser:
		return m.mgr.GetSessionByUserID(ctx, id.userID, scopeID)
	}

	if requestedSessionID != "" {
		sess, err := m.mgr.GetSession(ctx, requestedSessionID)
		switch {
		case err == nil:
			if _, hasUser := sess.UserID(); !hasUser {
				if _, hasKey := sess.APIKey(); !hasKey {
					return sess, nil
				}
			}
			// Identified sessions are never handed to anonymous callers.
			m.log.InfoContext(ctx, "session.resume.denied", slog.String("session_id", requestedSessionID))
		case errors.Is(err, sessions.ErrSessionNotFound):
			m.log.InfoContext(ctx, "session.resume.miss", slog.String("session_id", requestedSessionID))
		default:
			return nil, err
		}
	}
	if m.anonDuration > 0 {
		return m.mgr.CreateSession(ctx, scopeID, sessions.WithDuration(m.anonDuration))
	}
	return m.mgr.GetSessionByScope(ctx, scopeID)
}

// release runs after the request, including when the handler panics. Its
// failures are logged and never replace the handler's outcome.
func (m *Middleware) release(ctx context.Context, sess *sessions.Session, sc *scope.Scope) {
	ctx = context.WithoutCancel(ctx)
	if err := m.mgr.RemoveScopeFromSession(ctx, sc.ID(), sess); err != nil {
		m.log.WarnContext(ctx, "session.scope.remove.fail", slog.String("err", err.Error()))
	}
	if err := sc.Dispose(); err != nil {
		m.log.WarnContext(ctx, "scope.dispose.fail", slog.String("err", err.Error()))
	}
	// Another request may have joined the session since this one started;
	// the manager re-checks eligibility at the moment of termination.
	if _, err := m.mgr.EndSessionIfIdle(ctx, sess); err != nil {
		m.log.ErrorContext(ctx, "session.end.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
}

// writeJSONError emits a minimal JSON body for rejections that happen before
// the wrapped handler runs. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
		},
	})
}

