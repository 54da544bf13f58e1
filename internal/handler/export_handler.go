package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/service"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
	"github.com/schoolgate/pickup-api/pkg/response"
)

// ExportHandler exposes the daily pickup log export.
type ExportHandler struct {
	exports *service.ExportService
}

// NewExportHandler constructs ExportHandler.
func NewExportHandler(exports *service.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// GenerateDailyLog godoc
// @Summary Export daily pickup log
// @Description Renders the pickups completed on a day as CSV or PDF and returns a signed download link
// @Tags Exports
// @Produce json
// @Param date query string false "Day (YYYY-MM-DD), defaults to today"
// @Param format query string false "csv or pdf, defaults to csv"
// @Success 200 {object} response.Envelope
// @Router /exports/daily-log [get]
func (h *ExportHandler) GenerateDailyLog(c *gin.Context) {
	var query dto.ExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid export query"))
		return
	}

	res, err := h.exports.GenerateDailyLog(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Download godoc
// @Summary Download export file
// @Description Serves a previously generated export; the token expires
// @Tags Exports
// @Produce application/octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} file
// @Failure 401 {object} response.Envelope
// @Router /exports/download [get]
func (h *ExportHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}

	file, fileName, err := h.exports.Download(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	contentType := "text/csv"
	if strings.HasSuffix(fileName, ".pdf") {
		contentType = "application/pdf"
	}
	c.Header("Content-Disposition", `attachment; filename="`+fileName+`"`)
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
