// Package admin serves the operational HTTP endpoints: health, readiness,
// Prometheus metrics, read-only model introspection over REST and GraphQL,
// and change streams over websockets.
package admin

import (
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/middleware"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/odm"
)

const maxDocumentBytes = 1 << 20

// ErrModelNotFound is returned for an unregistered model name.
var ErrModelNotFound = apperrors.New("MODEL_NOT_FOUND", "model not registered", http.StatusNotFound)

// ErrBadDocument is returned when a request body is not an Extended JSON object.
var ErrBadDocument = apperrors.New("BAD_DOCUMENT", "request body must be an extended JSON object", http.StatusBadRequest)

// ModelInfo describes a registered model.
type ModelInfo struct {
	Name       string   `json:"name"`
	Collection string   `json:"collection"`
	Paths      []string `json:"paths"`
	Virtuals   []string `json:"virtuals,omitempty"`
	Indexes    []string `json:"indexes,omitempty"`
}

// Handler serves the admin routes for one connection.
type Handler struct {
	conn        *odm.Connection
	metrics     http.Handler
	metricsPath string
	auth        *Authenticator
	logger      *zap.Logger
	schema      graphql.Schema
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAuthenticator requires a bearer token on the model routes. A nil
// authenticator leaves them open.
func WithAuthenticator(a *Authenticator) HandlerOption {
	return func(h *Handler) { h.auth = a }
}

func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a handler. metrics is mounted at metricsPath when both
// are set.
func NewHandler(conn *odm.Connection, metrics http.Handler, metricsPath string, opts ...HandlerOption) (*Handler, error) {
	h := &Handler{conn: conn, metrics: metrics, metricsPath: metricsPath, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	schema, err := buildSchema(conn)
	if err != nil {
		return nil, err
	}
	h.schema = schema
	return h, nil
}

// NewRouter builds the gin engine with recovery, request IDs and access logs.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger, "/health", "/ready", h.metricsPath))
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the admin routes on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)
	if h.metrics != nil && h.metricsPath != "" {
		r.GET(h.metricsPath, gin.WrapH(h.metrics))
	}

	api := r.Group("")
	if h.auth != nil {
		api.Use(h.auth.Middleware())
	}
	api.GET("/graphql", h.graphql)
	api.POST("/graphql", h.graphql)

	models := api.Group("/models")
	models.GET("", h.listModels)
	models.GET("/:name", h.getModel)
	models.POST("/:name/validate", h.validate)
	models.GET("/:name/watch", h.watch)
}

func (h *Handler) health(c *gin.Context) {
	if !h.conn.Ping(c.Request.Context()) {
		middleware.Abort(c, apperrors.ErrNotConnected)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": h.conn.Name()})
}

func (h *Handler) ready(c *gin.Context) {
	state := h.conn.ReadyState()
	status := http.StatusOK
	if state != odm.Connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"state": state.String()})
}

func describe(m *odm.Model) ModelInfo {
	s := m.Schema()
	info := ModelInfo{
		Name:       m.Name(),
		Collection: m.CollectionName(),
		Paths:      s.Paths(),
		Virtuals:   s.Virtuals(),
	}
	for _, idx := range s.IndexModels() {
		info.Indexes = append(info.Indexes, idx.IndexName())
	}
	return info
}

func (h *Handler) listModels(c *gin.Context) {
	models := h.conn.Registry().Models()
	out := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, describe(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, out)
}

func (h *Handler) lookup(c *gin.Context) (*odm.Model, bool) {
	name := c.Param("name")
	m, ok := h.conn.Registry().Lookup(name)
	if !ok {
		middleware.Abort(c, ErrModelNotFound.WithMessage("model "+name+" not registered"))
		return nil, false
	}
	return m, true
}

func (h *Handler) getModel(c *gin.Context) {
	m, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, describe(m))
}

// validate checks the posted document against the model schema. An invalid
// document is still a 200; the verdict is in the body.
func (h *Handler) validate(c *gin.Context) {
	m, ok := h.lookup(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentBytes))
	if err != nil {
		middleware.Abort(c, ErrBadDocument.WithError(err))
		return
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(body, false, &doc); err != nil {
		middleware.Abort(c, ErrBadDocument.WithError(err))
		return
	}
	c.JSON(http.StatusOK, m.Schema().Validate(c.Request.Context(), doc))
}
