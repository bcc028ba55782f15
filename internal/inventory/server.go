// Package inventory serves a read-only HTTP view over the resource caches.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/dc-tec/keycloak-sync-operator/internal/cache"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second

	requestIDKey = "request_id"
)

// ListResponse is the body of a list or batch request.
type ListResponse struct {
	Kind        string    `json:"kind"`
	Items       any       `json:"items"`
	LastFetched time.Time `json:"lastFetched,omitzero"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// Server is a read-only echo server over a set of collections.
type Server struct {
	addr        string
	echo        *echo.Echo
	collections map[string]Collection
	log         logr.Logger
}

// NewServer builds the server. addr is only used by Start.
func NewServer(addr string, collections []Collection, log logr.Logger) *Server {
	s := &Server{
		addr:        addr,
		collections: make(map[string]Collection, len(collections)),
		log:         log.WithName("inventory"),
	}
	for _, c := range collections {
		s.collections[c.Kind()] = c
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Server.ReadHeaderTimeout = readHeaderTimeout

	e.Use(requestID())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			s.log.V(1).Info("Request served", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency.String(), "requestID", c.Get(requestIDKey))
			return nil
		},
	}))

	e.GET("/healthz", s.healthz)
	api := e.Group("/api/v1")
	api.GET("", s.kinds)
	api.GET("/batch/:kind", s.batch)
	api.GET("/:kind", s.list)
	api.GET("/:kind/:name", s.get)
	api.POST("/:kind/refetch", s.refetch)

	s.echo = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled. It implements manager.Runnable.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Inventory server listening", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down inventory server: %w", err)
	}
	return nil
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Every replica serves reads.
func (s *Server) NeedLeaderElection() bool {
	return false
}

func (s *Server) collection(c echo.Context) (Collection, error) {
	kind := c.Param("kind")
	col, ok := s.collections[kind]
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown kind %q", kind))
	}
	return col, nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) kinds(c echo.Context) error {
	kinds := make([]string, 0, len(s.collections))
	for kind := range s.collections {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return c.JSON(http.StatusOK, map[string][]string{"kinds": kinds})
}

func (s *Server) list(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return err
	}
	items, err := col.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{Kind: col.Kind(), Items: items, LastFetched: col.LastFetched()})
}

func (s *Server) get(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return err
	}
	item, err := col.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) batch(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return err
	}
	var names []string
	for _, name := range strings.Split(c.QueryParam("names"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter names is required")
	}
	items, err := col.Batch(c.Request().Context(), names)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{Kind: col.Kind(), Items: items, LastFetched: col.LastFetched()})
}

func (s *Server) refetch(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return err
	}
	if err := col.Refetch(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"kind": col.Kind(), "lastFetched": col.LastFetched()})
}

// handleError maps handler errors to JSON: echo errors keep their code, cache misses are
// 404 and anything else is a failure of the source of record, reported as 502.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusBadGateway
	message := err.Error()

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		message = fmt.Sprintf("%v", httpErr.Message)
	case cache.IsNotFound(err):
		code = http.StatusNotFound
	}

	requestID, _ := c.Get(requestIDKey).(string)
	if code >= http.StatusInternalServerError {
		s.log.Error(err, "Inventory request failed", "path", c.Path(), "status", code, "requestID", requestID)
	}

	if err := c.JSON(code, ErrorResponse{Error: message, RequestID: requestID}); err != nil {
		s.log.Error(err, "Failed to write error response")
	}
}

// requestID reuses the caller's X-Request-ID or generates one.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.New().String()
			}
			c.Set(requestIDKey, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}
