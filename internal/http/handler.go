package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/capture"
	"traffic-violation-service/internal/lanes"
	"traffic-violation-service/internal/notify"
	"traffic-violation-service/internal/service"
	"traffic-violation-service/internal/session"
)

// SessionController is the part of session.Session the API drives.
type SessionController interface {
	Start(spec capture.Spec) error
	Stop()
	Status() session.Status
}

type LaneStore interface {
	Snapshot() *lanes.Configuration
	Update(cfg lanes.Configuration) error
}

type FrameSource interface {
	Latest() ([]byte, time.Time, bool)
	RecentErrors() []string
}

type Handler struct {
	violationService *service.ViolationService
	session          SessionController
	lanes            LaneStore
	frames           FrameSource
	hub              *notify.Hub
	log              zerolog.Logger
}

// NewHandler wires the API. violationService and hub may be nil when the
// database or live feed are disabled.
func NewHandler(
	violationService *service.ViolationService,
	sess SessionController,
	laneStore LaneStore,
	frames FrameSource,
	hub *notify.Hub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		violationService: violationService,
		session:          sess,
		lanes:            laneStore,
		frames:           frames,
		hub:              hub,
		log:              log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	if h.hub != nil {
		r.GET("/ws", h.liveFeed)
	}

	public := r.Group("/api/v1")
	{
		public.GET("/lanes", h.getLanes)
		public.GET("/session", h.sessionStatus)
		public.GET("/session/frame", h.latestFrame)
		public.GET("/violations", h.listViolations)
		public.GET("/violations/stats", h.violationStats)
		public.GET("/violations/:id", h.getViolation)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.PUT("/lanes", h.putLanes)
		protected.POST("/session/start", h.startSession)
		protected.POST("/session/stop", h.stopSession)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) liveFeed(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func (h *Handler) getLanes(c *gin.Context) {
	cfg := h.lanes.Snapshot()
	if cfg == nil {
		c.JSON(http.StatusNotFound, errorResponse("no lane configuration"))
		return
	}
	c.JSON(http.StatusOK, successResponse(cfg))
}

func (h *Handler) putLanes(c *gin.Context) {
	var cfg lanes.Configuration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := h.lanes.Update(cfg); err != nil {
		if errors.Is(err, lanes.ErrInvalidConfig) {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to save lane configuration")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	if h.violationService != nil {
		// The audit copy is best effort; the new configuration is already live.
		_ = h.violationService.RecordLaneConfig(c.Request.Context(), cfg)
	}

	c.JSON(http.StatusOK, successResponse(h.lanes.Snapshot()))
}

func (h *Handler) startSession(c *gin.Context) {
	var spec capture.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if spec.Kind == capture.KindFile && strings.TrimSpace(spec.Path) == "" {
		c.JSON(http.StatusBadRequest, errorResponse("path is required for file sources"))
		return
	}

	if err := h.session.Start(spec); err != nil {
		if errors.Is(err, capture.ErrOpen) {
			c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to start session")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusAccepted, successResponse(h.session.Status()))
}

func (h *Handler) stopSession(c *gin.Context) {
	h.session.Stop()
	c.JSON(http.StatusAccepted, successResponse(h.session.Status()))
}

func (h *Handler) sessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":   h.session.Status(),
		"errors": h.frames.RecentErrors(),
	})
}

func (h *Handler) latestFrame(c *gin.Context) {
	jpeg, at, ok := h.frames.Latest()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Last-Modified", at.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", jpeg)
}

func (h *Handler) requireViolations(c *gin.Context) bool {
	if h.violationService == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("violation database is disabled"))
		return false
	}
	return true
}

func (h *Handler) violationQuery(c *gin.Context) (service.ViolationQuery, bool) {
	q := service.ViolationQuery{
		Plate:       c.Query("plate"),
		VehicleType: c.Query("vehicle_type"),
		From:        c.Query("from"),
		To:          c.Query("to"),
		Limit:       50,
	}
	if l := c.Query("lane_id"); l != "" {
		lane, err := parseInt(l)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("lane_id must be an integer"))
			return q, false
		}
		q.LaneID = &lane
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}
	return q, true
}

func (h *Handler) listViolations(c *gin.Context) {
	if !h.requireViolations(c) {
		return
	}
	q, ok := h.violationQuery(c)
	if !ok {
		return
	}

	violations, err := h.violationService.FindViolations(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) violationStats(c *gin.Context) {
	if !h.requireViolations(c) {
		return
	}
	q, ok := h.violationQuery(c)
	if !ok {
		return
	}

	stats, err := h.violationService.Stats(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

func (h *Handler) getViolation(c *gin.Context) {
	if !h.requireViolations(c) {
		return
	}
	v, err := h.violationService.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(v))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
