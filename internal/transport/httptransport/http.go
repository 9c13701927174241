// Package httptransport serves the MCP JSON-RPC endpoint over HTTP
// (spec.md §6): a single POST route, strict Content-Type enforcement, and
// the zap/gin middleware stack edirooss-zmux-server's cmd/zmux-server
// main.go builds for its own API.
package httptransport

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/mcp/dispatcher"
	"github.com/nexus-dbg/mcp-server/internal/mcp/jsonrpc"
	"github.com/nexus-dbg/mcp-server/pkg/jsonx"
)

// Config bounds the HTTP server's listen address and concurrency cap.
type Config struct {
	Addr          string
	MaxConcurrent int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:8787",
		MaxConcurrent: 64,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

// Server is the HTTP transport for the MCP JSON-RPC endpoint.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer builds the gin router and wraps it in an http.Server with
// explicit timeouts, matching the teacher's habit of never trusting the
// zero-value (effectively-infinite) http.Server defaults.
func NewServer(cfg Config, disp *dispatcher.Dispatcher, log *zap.Logger) *Server {
	log = log.Named("http")
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})
	r.Use(gin.Recovery())

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(zapLogger(log))
	r.Use(capConcurrentRequests(cfg.MaxConcurrent))
	r.Use(requestID())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/rpc", enforceContentType("application/json", "application/json; charset=utf-8"), rpcHandler(disp))

	return &Server{
		httpServer: &http.Server{
			Addr:           cfg.Addr,
			Handler:        r,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: 1 << 15,
			ErrorLog:       zap.NewStdLog(log.WithOptions(zap.AddCallerSkip(1))),
		},
		log: log,
	}
}

// Run blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func rpcHandler(disp *dispatcher.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		defer c.Request.Body.Close()

		var req jsonrpc.Request
		if err := jsonx.ParseJSONObject(c.Request.Body, &req); err != nil {
			c.JSON(http.StatusOK, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error: "+err.Error(), nil))
			return
		}
		if req.JSONRPC != jsonrpc.Version || req.Method == "" {
			c.JSON(http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid request", nil))
			return
		}

		resp := disp.Handle(c.Request.Context(), req)
		if req.IsNotification() {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func enforceContentType(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		contentType := c.GetHeader("Content-Type")
		for _, a := range allowed {
			if contentType == a {
				c.Next()
				return
			}
		}
		_ = c.Error(errors.New("unsupported content type"))
		c.AbortWithStatusJSON(http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Content-Type must be application/json", nil))
	}
}

// zapLogger logs every request through zap, carried over from
// edirooss-zmux-server's cmd/zmux-server main.go ZapLogger middleware.
func zapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", getRequestID(c)),
			zap.Duration("latency", time.Since(start)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
