package output

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

const (
	defaultActionsLimit = 50
	maxActionsLimit     = 1000
)

// BlockedLister lists addresses blocked by this process.
type BlockedLister interface {
	List() []string
}

// ActionLister pages through recorded actions, newest first.
type ActionLister interface {
	List(limit int) ([]domain.Action, error)
}

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type blockedResponse struct {
	Total int      `json:"total"`
	IPs   []string `json:"ips"`
}

// API exposes agent status over HTTP. Any source may be nil; its routes then
// report the feature as unavailable.
type API struct {
	History *domain.PassHistory
	Blocked BlockedLister
	Actions ActionLister
	Health  *HealthChecker
	Metrics *PrometheusMetrics
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/verdicts", a.verdicts)
	api.GET("/blocked", a.blocked)
	api.GET("/actions", a.actions)

	router.GET("/ready", a.ready)
	if a.Metrics != nil {
		router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	}
}

func (a *API) verdicts(c *gin.Context) {
	if a.History == nil {
		c.JSON(http.StatusNotFound, response{Ok: false, Error: "no evaluation loop in this process"})
		return
	}
	last, ok := a.History.Last()
	if !ok {
		c.JSON(http.StatusOK, response{Ok: true})
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: last})
}

func (a *API) blocked(c *gin.Context) {
	if a.Blocked == nil {
		c.JSON(http.StatusNotFound, response{Ok: false, Error: "blocking disabled"})
		return
	}
	ips := a.Blocked.List()
	c.JSON(http.StatusOK, response{Ok: true, Data: blockedResponse{Total: len(ips), IPs: ips}})
}

func (a *API) actions(c *gin.Context) {
	if a.Actions == nil {
		c.JSON(http.StatusNotFound, response{Ok: false, Error: "action store disabled"})
		return
	}

	limit := defaultActionsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, response{Ok: false, Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxActionsLimit)
	}

	actions, err := a.Actions.List(limit)
	if err != nil {
		log.Error().Err(err).Msg("List actions failed")
		c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
		return
	}
	if actions == nil {
		actions = []domain.Action{}
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: actions})
}

func (a *API) ready(c *gin.Context) {
	if a.Health == nil {
		c.JSON(http.StatusOK, response{Ok: true})
		return
	}
	status := a.Health.Check()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response{Ok: status.Healthy, Data: status})
}

// NewRouter builds the gin engine with recovery and request logging.
func NewRouter(api *API) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	api.RegisterRoutes(router)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// StatusServer serves the API on addr until Stop.
type StatusServer struct {
	http *http.Server
	mu   sync.Mutex
	addr string
}

func NewStatusServer(addr string, api *API) *StatusServer {
	return &StatusServer{
		addr: addr,
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(api),
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener synchronously so address errors surface here, then
// serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	s.addr = ln.Addr().String()

	go func() {
		log.Info().Str("addr", s.addr).Msg("Starting status server")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status server error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *StatusServer) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
