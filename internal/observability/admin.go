package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ConnStatus is the protocol server state the admin surface reports.
type ConnStatus interface {
	ActiveConnections() int
	Listening() bool
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	NodeID      string
	Version     string
	CorsOrigins []string
	Commands    dispatch.Lister
	Status      ConnStatus
}

// Admin serves health, readiness, metrics and the command catalog over HTTP.
type Admin struct {
	cfg     AdminConfig
	started time.Time
	router  *gin.Engine
}

func NewAdmin(cfg AdminConfig) *Admin {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger, cfg.NodeID))
	r.Use(RequestMetricsMiddleware(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, started: time.Now(), router: r}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"node":    a.cfg.NodeID,
			"version": a.cfg.Version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.cfg.Status != nil && a.cfg.Status.Listening()
		active := 0
		if a.cfg.Status != nil {
			active = a.cfg.Status.ActiveConnections()
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":       ready,
			"connections": active,
			"node":        a.cfg.NodeID,
		})
	})

	a.router.GET("/commands", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"commands": commandList(a.cfg.Commands),
		})
	})
}

// Serve runs the admin HTTP server until ctx is cancelled.
func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin.http listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type commandView struct {
	Tag         int32  `json:"tag"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func commandList(l dispatch.Lister) []commandView {
	if l == nil {
		return []commandView{}
	}
	infos := l.List()
	out := make([]commandView, 0, len(infos))
	for _, info := range infos {
		out = append(out, commandView{Tag: info.Tag, Name: info.Name, Description: info.Description})
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
