package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/internal/service"
	"github.com/schoolgate/pickup-api/pkg/config"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
	"github.com/schoolgate/pickup-api/pkg/response"
)

// EventsHandler streams pickup status changes to clients over SSE.
type EventsHandler struct {
	fanout   *service.FanoutService
	pickups  *service.PickupService
	students *service.StudentService
	cfg      config.FanoutConfig
}

// NewEventsHandler constructs EventsHandler.
func NewEventsHandler(fanout *service.FanoutService, pickups *service.PickupService, students *service.StudentService, cfg config.FanoutConfig) *EventsHandler {
	return &EventsHandler{fanout: fanout, pickups: pickups, students: students, cfg: cfg}
}

// Stream godoc
// @Summary Subscribe to pickup events
// @Description Server-sent events stream of status changes. Staff receive every event; parents only events for their linked students. A periodic sync event carries the full active queue so clients can reconcile after missed deliveries.
// @Tags Events
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Router /events/pickups [get]
func (h *EventsHandler) Stream(c *gin.Context) {
	claims := claimsFromContext(c)

	filter, err := h.filterFor(c, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	sub := h.fanout.Subscribe(filter)
	defer h.fanout.Unsubscribe(sub)

	pollInterval := h.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case event, ok := <-sub.Events():
			if !ok {
				// Disconnected for lagging; the client reconnects and
				// re-fetches state.
				c.SSEvent("reset", gin.H{"reason": "subscription closed"})
				return false
			}
			c.SSEvent("pickup", event)
			return true
		case <-ticker.C:
			// Delivery is at-least-once; the snapshot lets clients that
			// missed events converge without reconnecting.
			if board, _, err := h.pickups.ActiveQueue(c.Request.Context()); err == nil {
				c.SSEvent("sync", board)
			}
			return true
		}
	})
}

func (h *EventsHandler) filterFor(c *gin.Context, claims *models.JWTClaims) (service.EventFilter, error) {
	if claims.Role.CanOperateDesk() {
		return service.FilterAll, nil
	}

	students, err := h.students.List(c.Request.Context(), claims)
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "no students linked to this account")
	}
	ids := make([]string, len(students))
	for i, s := range students {
		ids[i] = s.ID
	}
	return service.FilterByStudents(ids...), nil
}
