// Package admin serves the tracker's HTTP surface: health, readiness,
// Prometheus metrics and read-only views of the registry and ledger.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/danmuck/ingestctl/internal/tracker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	defaultFailureLimit = 20
	snapshotTimeout     = 2 * time.Second
	version             = "0.1.0"
)

// Source is the tracker surface the admin routes read from.
type Source interface {
	Running() bool
	Streams() *stream.Set
	Pending(id stream.ID) int
	Receivers(ctx context.Context) ([]tracker.Registration, error)
	RecentFailures(limit int) []tracker.Failure
}

type Config struct {
	Name        string
	CORSOrigins []string
}

type Server struct {
	name     string
	source   Source
	router   *gin.Engine
	appeared time.Time
}

func New(cfg Config, source Source) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "ingestctl"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log.Logger, name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{name: name, source: source, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.name,
			"version":   version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.source.Running()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     ready,
			"uptime":    time.Since(s.appeared).String(),
			"component": s.name,
		})
	})

	s.router.GET("/receivers", s.handleReceivers)
	s.router.GET("/streams", s.handleStreams)
	s.router.GET("/failures", s.handleFailures)
}

type receiverView struct {
	StreamID int    `json:"stream_id"`
	Address  string `json:"address"`
}

func (s *Server) handleReceivers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()
	regs, err := s.source.Receivers(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tracker.ErrMailboxClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	out := make([]receiverView, 0, len(regs))
	for _, reg := range regs {
		out = append(out, receiverView{StreamID: int(reg.StreamID), Address: reg.Address()})
	}
	c.JSON(http.StatusOK, gin.H{"receivers": out})
}

type streamView struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Pending int    `json:"pending_blocks"`
}

func (s *Server) handleStreams(c *gin.Context) {
	streams := s.source.Streams().Streams()
	out := make([]streamView, 0, len(streams))
	for _, in := range streams {
		out = append(out, streamView{
			ID:      int(in.ID()),
			Name:    in.Name(),
			Pending: s.source.Pending(in.ID()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

func (s *Server) handleFailures(c *gin.Context) {
	limit := defaultFailureLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"failures": s.source.RecentFailures(limit)})
}

// Serve runs the admin listener until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
