package companion

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/testhost/internal/observability"
	"github.com/danmuck/testhost/internal/platform"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// StatusRouter serves health, readiness, platform info and metrics for the
// companion next to its channel.
func (s *Server) StatusRouter(info platform.Info, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "testhostd"))
	r.Use(observability.RequestMetricsMiddleware("testhostd"))
	if origins := normalizeOrigins(corsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "testhostd",
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":          s.Ready(),
			"channel":        s.Session.Channel,
			"backend":        s.Backend.Name(),
			"active_clients": s.active.Load(),
			"served":         s.served.Load(),
		})
	})

	r.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"identity":        info.Identity(),
			"goos":            info.GOOS,
			"goarch":          info.GOARCH,
			"distro_id":       info.DistroID,
			"distro_version":  info.DistroVersion,
			"version":         info.Version.String(),
			"kernel_release":  info.KernelRelease,
			"openssl_version": info.OpenSSLVersion.String(),
			"privileged":      info.Privileged,
			"process_spawn":   info.SupportsProcessSpawn(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
