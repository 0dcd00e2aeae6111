package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/ggoodman/session-scope-go/scope"
	"github.com/ggoodman/session-scope-go/sessionhttp"
	"github.com/ggoodman/session-scope-go/sessionhttp/sessiongin"
	"github.com/ggoodman/session-scope-go/sessions"
	"github.com/ggoodman/session-scope-go/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var loggerType = reflect.TypeFor[*slog.Logger]()

// scopeAudit records the operations performed within one scope and logs
// them when the scope is disposed.
type scopeAudit struct {
	log *slog.Logger

	mu     sync.Mutex
	events []string
}

func (a *scopeAudit) record(event string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *scopeAudit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) > 0 {
		a.log.Debug("scope.audit", slog.Any("events", a.events))
	}
	return nil
}

type sessionView struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id,omitempty"`
	HasAPIKey          bool      `json:"has_api_key"`
	Scopes             int       `json:"scopes"`
	Conversations      []string  `json:"conversations"`
	OrderID            string    `json:"order_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	ExpiresImmediately bool      `json:"expires_immediately"`
}

func viewOf(sess *sessions.Session) sessionView {
	v := sessionView{
		ID:                 sess.ID(),
		Scopes:             sess.ScopeCount(),
		Conversations:      sess.ConversationIDs(),
		CreatedAt:          sess.CreatedAt(),
		ExpiresAt:          sess.ExpiresAt(),
		ExpiresImmediately: sess.ExpiresImmediately(),
	}
	v.UserID, _ = sess.UserID()
	_, v.HasAPIKey = sess.APIKey()
	if o := sess.Order(); o != nil {
		v.OrderID = o.ID
	}
	return v
}

type api struct {
	mgr *sessions.Manager
}

func newRouter(mgr *sessions.Manager, mw *sessionhttp.Middleware, reg *prometheus.Registry) *gin.Engine {
	a := &api{mgr: mgr}

	r := gin.New()
	r.Use(gin.Recovery(), sessiongin.Middleware(mw))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": mgr.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	r.GET("/session", a.getSession)
	r.DELETE("/session", a.endSession)
	r.PUT("/session/order/:orderID", a.attachOrder)
	r.POST("/conversations", a.createConversation)
	r.POST("/conversations/:id/messages", a.addMessage)
	r.POST("/orders/lookup", a.lookupOrders)
	return r
}

// current returns the request scope and its session, or writes an error.
func (a *api) current(c *gin.Context) (*scope.Scope, *sessions.Session, bool) {
	sc, ok := sessiongin.Scope(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no request scope"})
		return nil, nil, false
	}
	sid, _ := sc.SessionID()
	sess, err := a.mgr.GetSession(c.Request.Context(), sid)
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	if audit, err := scope.Resolve[*scopeAudit](sc); err == nil {
		audit.record(c.Request.Method + " " + c.FullPath())
	}
	return sc, sess, true
}

func (a *api) getSession(c *gin.Context) {
	_, sess, ok := a.current(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (a *api) endSession(c *gin.Context) {
	_, sess, ok := a.current(c)
	if !ok {
		return
	}
	if err := a.mgr.EndSession(c.Request.Context(), sess); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) attachOrder(c *gin.Context) {
	sc, _, ok := a.current(c)
	if !ok {
		return
	}
	sess, err := a.mgr.GetSessionByOrder(c.Request.Context(), c.Param("orderID"), sc.ID())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Order())
}

type createConversationRequest struct {
	Tool    string `json:"tool"`
	Content string `json:"content"`
}

func (a *api) createConversation(c *gin.Context) {
	sc, _, ok := a.current(c)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var seed []storage.Message
	if req.Content != "" {
		seed = append(seed, storage.Message{Role: "user", Content: req.Content, ToolName: req.Tool})
	}
	id, err := a.mgr.InitializeConversation(c.Request.Context(), sc.ID(), req.Tool, seed...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *api) addMessage(c *gin.Context) {
	sc, _, ok := a.current(c)
	if !ok {
		return
	}
	var msg storage.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.mgr.AddMessage(c.Request.Context(), sc.ID(), c.Param("id"), msg); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type lookupOrdersRequest struct {
	IDs         []string `json:"ids"`
	Parallelism int      `json:"parallelism"`
}

// lookupOrders fetches several orders concurrently, each in its own child
// scope of the request.
func (a *api) lookupOrders(c *gin.Context) {
	sc, _, ok := a.current(c)
	if !ok {
		return
	}
	var req lookupOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var mu sync.Mutex
	found := make(map[string]*storage.Order)
	var opts []sessions.ParallelOption
	if req.Parallelism > 0 {
		opts = append(opts, sessions.WithMaxDegreeOfParallelism(req.Parallelism))
	}
	err := sessions.ParallelForEach(c.Request.Context(), a.mgr, sc, req.IDs, func(ctx context.Context, child *scope.Scope, id string) error {
		orders, err := scope.Resolve[storage.OrderRepository](child)
		if err != nil {
			return err
		}
		if audit, err := scope.Resolve[*scopeAudit](child); err == nil {
			audit.record("order.get " + id)
		}
		o, err := orders.GetOrder(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mu.Lock()
		found[id] = o
		mu.Unlock()
		return nil
	}, opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": found})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sessions.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sessions.ErrCustomerNotFound):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, sessions.ErrSessionEnded):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
