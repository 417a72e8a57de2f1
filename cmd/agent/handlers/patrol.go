// Package handlers exposes the patrol engine over the agent's local REST API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/patrolsync/internal/location"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/patrol"
)

// PatrolHandler serves patrol, report and location endpoints.
type PatrolHandler struct {
	patrols *patrol.Service
	feed    *location.Feed
}

// NewPatrolHandler creates a PatrolHandler. feed may be nil when the agent
// reads positions from elsewhere.
func NewPatrolHandler(patrols *patrol.Service, feed *location.Feed) *PatrolHandler {
	return &PatrolHandler{patrols: patrols, feed: feed}
}

type startRequest struct {
	GuardID           string `json:"guard_id"`
	SiteID            string `json:"site_id"`
	TeamID            string `json:"team_id"`
	CheckpointGroupID string `json:"checkpoint_group_id"`
}

// StartPatrol handles POST /patrols
func (h *PatrolHandler) StartPatrol(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	session, err := h.patrols.Start(c.Request.Context(), patrol.StartRequest{
		GuardID:           req.GuardID,
		SiteID:            req.SiteID,
		TeamID:            req.TeamID,
		CheckpointGroupID: req.CheckpointGroupID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// EndPatrol handles POST /patrols/:id/end
func (h *PatrolHandler) EndPatrol(c *gin.Context) {
	session, err := h.patrols.End(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// InterruptPatrol handles POST /patrols/:id/interrupt
func (h *PatrolHandler) InterruptPatrol(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid json body")
			return
		}
	}
	session, err := h.patrols.Interrupt(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// RecordVisit handles POST /patrols/:id/visits
func (h *PatrolHandler) RecordVisit(c *gin.Context) {
	var body struct {
		CheckpointID string `json:"checkpoint_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	result, err := h.patrols.RecordCheckpoint(c.Request.Context(), c.Param("id"), body.CheckpointID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// RecordScan handles POST /patrols/:id/scans
func (h *PatrolHandler) RecordScan(c *gin.Context) {
	var body struct {
		Payload string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	result, err := h.patrols.RecordScan(c.Request.Context(), c.Param("id"), body.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Progress handles GET /patrols/:id/progress
func (h *PatrolHandler) Progress(c *gin.Context) {
	snap, err := h.patrols.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RecordObservation handles POST /patrols/:id/observations. The body is the
// observation payload.
func (h *PatrolHandler) RecordObservation(c *gin.Context) {
	payload, ok := rawBody(c)
	if !ok {
		return
	}
	obs, outcome, err := h.patrols.RecordObservation(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"observation": obs, "outcome": outcome})
}

// RecordEmergency handles POST /emergencies
func (h *PatrolHandler) RecordEmergency(c *gin.Context) {
	var body struct {
		GuardID  string          `json:"guard_id"`
		PatrolID string          `json:"patrol_id"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if len(body.Payload) == 0 {
		body.Payload = json.RawMessage(`{}`)
	}
	report, outcome, err := h.patrols.RecordEmergency(c.Request.Context(), body.GuardID, body.PatrolID, body.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report": report, "outcome": outcome})
}

// ActivePatrol handles GET /guards/:id/active-patrol
func (h *PatrolHandler) ActivePatrol(c *gin.Context) {
	session, err := h.patrols.ActivePatrol(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "patrol": session})
}

// RefreshCheckpoints handles POST /sites/:id/checkpoints/refresh
func (h *PatrolHandler) RefreshCheckpoints(c *gin.Context) {
	n, err := h.patrols.RefreshCheckpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"site_id": c.Param("id"), "checkpoints": n})
}

type fixRequest struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Accuracy  float64    `json:"accuracy"`
	Heading   *float64   `json:"heading"`
	Speed     *float64   `json:"speed"`
	At        *time.Time `json:"at"`
}

// UpdateLocation handles POST /location. The handset pushes its GPS fixes
// here and the agent's samplers read them back.
func (h *PatrolHandler) UpdateLocation(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "not_implemented", Code: "NOT_IMPLEMENTED", Message: "location feed disabled"})
		return
	}
	var req fixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		badRequest(c, "latitude and longitude are required")
		return
	}
	if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
		badRequest(c, "coordinates out of range")
		return
	}

	fix := location.Fix{
		Coords:   models.Coords{Latitude: *req.Latitude, Longitude: *req.Longitude},
		Accuracy: req.Accuracy,
		Heading:  req.Heading,
		Speed:    req.Speed,
	}
	if req.At != nil {
		fix.At = req.At.UTC()
	}
	h.feed.Update(fix)
	c.Status(http.StatusNoContent)
}

func rawBody(c *gin.Context) (json.RawMessage, bool) {
	data, err := c.GetRawData()
	if err != nil {
		badRequest(c, "unreadable body")
		return nil, false
	}
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	return json.RawMessage(data), true
}
