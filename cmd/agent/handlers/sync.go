package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/patrolsync/internal/patrol"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
	"github.com/kimhsiao/patrolsync/internal/sync/scheduler"
)

// SyncHandler serves backlog and reconciliation endpoints.
type SyncHandler struct {
	patrols   *patrol.Service
	scheduler *scheduler.Scheduler
	engine    *syncpkg.Engine
}

// NewSyncHandler creates a SyncHandler. engine may be nil, in which case
// the status omits the error history.
func NewSyncHandler(patrols *patrol.Service, sched *scheduler.Scheduler, engine *syncpkg.Engine) *SyncHandler {
	return &SyncHandler{patrols: patrols, scheduler: sched, engine: engine}
}

// OfflineStatus handles GET /offline-status
func (h *SyncHandler) OfflineStatus(c *gin.Context) {
	status, err := h.patrols.OfflineStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetStatus handles GET /sync/status
// Returns scheduler state, the last pass and recent per-item errors.
func (h *SyncHandler) GetStatus(c *gin.Context) {
	response := gin.H{"scheduler": h.scheduler.GetStatus()}
	if h.engine != nil {
		response["errors"] = h.engine.GetErrorHistory()
	}
	c.JSON(http.StatusOK, response)
}

// ClearErrors handles DELETE /sync/errors
func (h *SyncHandler) ClearErrors(c *gin.Context) {
	if h.engine != nil {
		h.engine.ClearErrorHistory()
	}
	c.Status(http.StatusNoContent)
}

// TriggerSync handles POST /sync
// Runs a reconciliation pass and returns its result.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	result, err := h.patrols.SyncNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	response := gin.H{
		"status":        "success",
		"pings_synced":  result.PingsSynced,
		"events_synced": result.EventsSynced,
		"failed":        result.Failed,
		"deferred":      result.Deferred,
		"duration":      result.Duration.Milliseconds(),
	}
	if result.Failed > 0 {
		response["status"] = "partial"
	}
	c.JSON(http.StatusOK, response)
}
