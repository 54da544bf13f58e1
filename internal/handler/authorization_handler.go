package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/service"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
	"github.com/schoolgate/pickup-api/pkg/response"
)

// AuthorizationHandler exposes delegated pickup grants over HTTP.
type AuthorizationHandler struct {
	authorizations *service.AuthorizationService
	resolver       *service.ResolverService
}

// NewAuthorizationHandler constructs AuthorizationHandler.
func NewAuthorizationHandler(authorizations *service.AuthorizationService, resolver *service.ResolverService) *AuthorizationHandler {
	return &AuthorizationHandler{authorizations: authorizations, resolver: resolver}
}

// Create godoc
// @Summary Delegate pickup rights
// @Description Grant another parent the right to pick up a student within a date window and weekday set
// @Tags Authorizations
// @Accept json
// @Produce json
// @Param payload body dto.CreateAuthorizationRequest true "Authorization payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /authorizations [post]
func (h *AuthorizationHandler) Create(c *gin.Context) {
	var req dto.CreateAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid authorization payload"))
		return
	}

	auth, err := h.authorizations.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, auth)
}

// ListByStudent godoc
// @Summary List authorizations for a student
// @Tags Authorizations
// @Produce json
// @Param id path string true "Student ID"
// @Param active query bool false "Only active grants"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/authorizations [get]
func (h *AuthorizationHandler) ListByStudent(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	auths, err := h.authorizations.ListByStudent(c.Request.Context(), c.Param("id"), activeOnly, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, auths, nil)
}

// Deactivate godoc
// @Summary Revoke an authorization
// @Description Soft-deactivates the grant; history is preserved
// @Tags Authorizations
// @Produce json
// @Param id path string true "Authorization ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /authorizations/{id} [delete]
func (h *AuthorizationHandler) Deactivate(c *gin.Context) {
	auth, err := h.authorizations.Deactivate(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, auth, nil)
}

// Resolve godoc
// @Summary Resolve pickup permission
// @Description Answers whether a party may pick up a student at a moment in time, with a denial reason
// @Tags Authorizations
// @Produce json
// @Param party_id query string false "Party to check; defaults to the caller"
// @Param student_id query string true "Student ID"
// @Param at query string false "RFC3339 moment; defaults to now"
// @Success 200 {object} response.Envelope
// @Router /authorizations/resolve [get]
func (h *AuthorizationHandler) Resolve(c *gin.Context) {
	var query dto.ResolveQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.StudentID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "student_id is required"))
		return
	}

	claims := claimsFromContext(c)
	partyID := query.PartyID
	if partyID == "" {
		partyID = claims.UserID
	}
	// Only staff may probe on behalf of someone else.
	if partyID != claims.UserID && !claims.Role.CanOperateDesk() {
		response.Error(c, appErrors.ErrForbidden)
		return
	}

	at := time.Now().UTC()
	if query.At != "" {
		parsed, err := time.Parse(time.RFC3339, query.At)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "at must be RFC3339"))
			return
		}
		at = parsed
	}

	decision, err := h.resolver.Resolve(c.Request.Context(), partyID, query.StudentID, at)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, decision, nil)
}
