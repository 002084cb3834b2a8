package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/logging"
)

// Handler serves the local diagnostics endpoints of a running core:
// health, status, metrics and a manual sync trigger. It is meant for
// localhost only and carries no authentication.
func (a *App) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		s, err := a.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s)
	})
	router.POST("/sync", func(c *gin.Context) {
		res := a.Scheduler.SyncNow(c.Request.Context())
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		c.JSON(status, res)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))
	return router
}

// ApplyConfig applies the settings that can change while running. Only the
// log level is live; everything else needs a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	level := logging.ParseLevel(cfg.Log.Level)
	logging.Get().SetLevel(level)
	logging.Info("[App] Configuration reloaded", map[string]interface{}{"log_level": string(level)})
}
