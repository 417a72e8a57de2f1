package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/patrolsync/internal/config"
	"github.com/kimhsiao/patrolsync/internal/logging"
)

// NewRouter wires every agent route. ws serves the event stream and may be
// nil.
func NewRouter(cfg config.APIConfig, patrols *PatrolHandler, syncs *SyncHandler, ws http.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if ws != nil {
		r.GET("/ws", gin.WrapF(ws))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/patrols", patrols.StartPatrol)
		v1.POST("/patrols/:id/end", patrols.EndPatrol)
		v1.POST("/patrols/:id/interrupt", patrols.InterruptPatrol)
		v1.POST("/patrols/:id/visits", patrols.RecordVisit)
		v1.POST("/patrols/:id/scans", patrols.RecordScan)
		v1.POST("/patrols/:id/observations", patrols.RecordObservation)
		v1.GET("/patrols/:id/progress", patrols.Progress)
		v1.POST("/emergencies", patrols.RecordEmergency)
		v1.GET("/guards/:id/active-patrol", patrols.ActivePatrol)
		v1.POST("/sites/:id/checkpoints/refresh", patrols.RefreshCheckpoints)
		v1.POST("/location", patrols.UpdateLocation)

		v1.GET("/offline-status", syncs.OfflineStatus)
		v1.GET("/sync/status", syncs.GetStatus)
		v1.DELETE("/sync/errors", syncs.ClearErrors)
		v1.POST("/sync", syncs.TriggerSync)
	}
	return r
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logging.Warn("Request completed", fields)
			return
		}
		logging.Debug("Request completed", fields)
	}
}
