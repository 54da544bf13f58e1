package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/pkg/config"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
	"github.com/schoolgate/pickup-api/pkg/export"
	"github.com/schoolgate/pickup-api/pkg/storage"
)

type completedLister interface {
	ListCompletedBetween(ctx context.Context, from, to time.Time) ([]models.ActivePickup, error)
}

// ExportService produces the daily pickup log as CSV or PDF, stores the file
// locally and hands out signed, expiring download tokens.
type ExportService struct {
	repo   completedLister
	store  *storage.LocalStore
	signer *storage.Signer
	cfg    config.ExportsConfig
	logger *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(repo completedLister, store *storage.LocalStore, signer *storage.Signer, cfg config.ExportsConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{repo: repo, store: store, signer: signer, cfg: cfg, logger: logger}
}

// GenerateDailyLog renders every pickup completed on the given day and
// returns a signed download reference.
func (s *ExportService) GenerateDailyLog(ctx context.Context, query dto.ExportQuery) (*dto.ExportResponse, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "exports are disabled")
	}

	day := time.Now().UTC()
	if query.Date != "" {
		parsed, err := time.Parse("2006-01-02", query.Date)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD")
		}
		day = parsed
	}
	format := strings.ToLower(query.Format)
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "pdf" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	rows, err := s.repo.ListCompletedBetween(ctx, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to list completed pickups")
	}

	table := export.Table{
		Title:   fmt.Sprintf("Pickup Log %s", from.Format("2006-01-02")),
		Columns: []string{"Student", "Class", "Picked Up By", "Requested", "Called", "Completed"},
	}
	for _, row := range rows {
		called := ""
		if row.CalledTime != nil {
			called = row.CalledTime.UTC().Format("15:04:05")
		}
		table.Rows = append(table.Rows, []string{
			row.StudentName,
			row.ClassName,
			row.ParentName,
			row.RequestTime.UTC().Format("15:04:05"),
			called,
			row.UpdatedAt.UTC().Format("15:04:05"),
		})
	}

	var data []byte
	switch format {
	case "pdf":
		data, err = export.RenderPDF(table)
	default:
		data, err = export.RenderCSV(table)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	fileName := fmt.Sprintf("pickup-log-%s.%s", from.Format("2006-01-02"), format)
	if err := s.store.Save(fileName, data); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Sign(fileName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download token")
	}

	s.logger.Info("daily pickup log exported",
		zap.String("file", fileName),
		zap.Int("rows", len(table.Rows)))
	return &dto.ExportResponse{
		FileName:    fileName,
		DownloadURL: fmt.Sprintf("/exports/download?token=%s", token),
		ExpiresAt:   expiresAt,
	}, nil
}

// Download validates the token and opens the export file it grants.
func (s *ExportService) Download(token string) (*os.File, string, error) {
	fileName, err := s.signer.Verify(token)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}
	file, err := s.store.Open(fileName)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
	}
	return file, fileName, nil
}

// StartCleanup deletes expired export files on an hourly cadence until the
// context is cancelled.
func (s *ExportService) StartCleanup(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.store.CleanupOlderThan(24 * time.Hour)
				if err != nil {
					s.logger.Warn("export cleanup failed", zap.Error(err))
					continue
				}
				if deleted > 0 {
					s.logger.Info("expired exports removed", zap.Int("deleted", deleted))
				}
			}
		}
	}()
}
