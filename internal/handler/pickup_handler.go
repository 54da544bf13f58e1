package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/internal/service"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
	"github.com/schoolgate/pickup-api/pkg/response"
)

// PickupHandler exposes the pickup request lifecycle over HTTP.
type PickupHandler struct {
	pickups *service.PickupService
}

// NewPickupHandler constructs PickupHandler.
func NewPickupHandler(pickups *service.PickupService) *PickupHandler {
	return &PickupHandler{pickups: pickups}
}

// Create godoc
// @Summary Create pickup request
// @Description Open a pickup request for a student; the caller must be a guardian or hold an active authorization
// @Tags Pickups
// @Accept json
// @Produce json
// @Param payload body dto.CreatePickupRequest true "Pickup payload"
// @Success 201 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /pickups [post]
func (h *PickupHandler) Create(c *gin.Context) {
	var req dto.CreatePickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid pickup payload"))
		return
	}

	request, err := h.pickups.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, request)
}

// Get godoc
// @Summary Get pickup request
// @Tags Pickups
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /pickups/{id} [get]
func (h *PickupHandler) Get(c *gin.Context) {
	request, err := h.pickups.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// List godoc
// @Summary List pickup requests
// @Description Parents see their own requests; staff see everything
// @Tags Pickups
// @Produce json
// @Param student_id query string false "Filter by student"
// @Param status query string false "Comma-separated statuses"
// @Param from query string false "RFC3339 lower bound on request time"
// @Param to query string false "RFC3339 upper bound on request time"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /pickups [get]
func (h *PickupHandler) List(c *gin.Context) {
	query := dto.PickupQuery{StudentID: c.Query("student_id")}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.RequestStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !status.Valid() {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown status: "+part))
				return
			}
			query.Status = append(query.Status, status)
		}
	}
	if raw := c.Query("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "from must be RFC3339"))
			return
		}
		query.From = ts
	}
	if raw := c.Query("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "to must be RFC3339"))
			return
		}
		query.To = ts
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		query.Offset = offset
	}

	requests, err := h.pickups.List(c.Request.Context(), query, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// Transition godoc
// @Summary Transition pickup request
// @Description Move a request to CALLED, COMPLETED or CANCELLED; repeating the current status is a no-op
// @Tags Pickups
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionPickupRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /pickups/{id}/transition [post]
func (h *PickupHandler) Transition(c *gin.Context) {
	var req dto.TransitionPickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transition payload"))
		return
	}

	request, err := h.pickups.Transition(c.Request.Context(), c.Param("id"), req.Status, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// ActiveQueue godoc
// @Summary Active pickup queue
// @Description The queue-board view of all PENDING and CALLED requests, oldest first
// @Tags Pickups
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /pickups/queue [get]
func (h *PickupHandler) ActiveQueue(c *gin.Context) {
	board, cached, err := h.pickups.ActiveQueue(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, board, nil, map[string]interface{}{"cached": cached})
}
