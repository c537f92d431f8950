// Package httpapi exposes task control over HTTP: listing, "run now",
// enable/disable and scheduler/pool snapshots.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"autoflow/internal/storage"
	"autoflow/internal/task/engine"
	"autoflow/internal/task/scheduler"
	logx "autoflow/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

func init() { gin.SetMode(gin.ReleaseMode) }

type Config struct {
	Addr string
	// Token, when set, is required as a bearer token on /api routes.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool
}

// Scheduler is the subset of the scheduler the API drives.
type Scheduler interface {
	RunNow(ctx context.Context, id string) (string, error)
	Refresh(ctx context.Context, id string) error
	Snapshot() scheduler.Snapshot
}

type Pool interface {
	Snapshot() engine.Snapshot
}

type Deps struct {
	Store     storage.Store
	Scheduler Scheduler
	Pool      Pool
	// Reload re-reads the config file. Optional.
	Reload func(ctx context.Context) error
	// Supervised lists the app's live background goroutines. Optional.
	Supervised func() []string
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.Comp("httpapi"))}
	s.engine = s.routes()
	return s
}

// Handler returns the gin engine; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.healthz)

	api := r.Group("/api", s.auth())
	{
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.POST("/tasks/:id/run", s.runTask)
		api.POST("/tasks/:id/enable", s.setEnabled(true))
		api.POST("/tasks/:id/disable", s.setEnabled(false))
		api.POST("/tasks/:id/reload", s.reloadTask)
		api.GET("/scheduler", s.schedulerSnapshot)
		api.GET("/engine", s.engineSnapshot)
		api.POST("/reload", s.reloadConfig)
	}
	if s.cfg.Pprof {
		mountPprof(r.Group("/debug/pprof", s.auth()))
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))
	return nil
}

// Addr is the bound address; useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = s.srv.Close()
	}
	<-s.done
	s.srv = nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	want := []byte(s.cfg.Token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
	}
}
