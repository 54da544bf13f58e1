package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/pkg/config"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

type staleLister interface {
	ListStaleCalled(ctx context.Context, before time.Time, limit int) ([]models.PickupRequest, error)
}

type sweeperTransitioner interface {
	Transition(ctx context.Context, id string, target models.RequestStatus, actor *models.JWTClaims) (*models.PickupRequest, error)
}

// SweeperService periodically force-completes stale CALLED requests so the
// queue self-heals when staff forget to close out a pickup. Every completion
// goes through the regular transition path, so the same invariants, audit
// trail and fanout apply. Overlapping sweeps (multiple processes) are safe:
// the compare-and-swap makes the second completion a benign no-op.
type SweeperService struct {
	repo    staleLister
	pickups sweeperTransitioner
	cfg     config.SweeperConfig
	metrics *MetricsService
	logger  *zap.Logger
}

// NewSweeperService constructs the sweeper.
func NewSweeperService(repo staleLister, pickups sweeperTransitioner, cfg config.SweeperConfig, metrics *MetricsService, logger *zap.Logger) *SweeperService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &SweeperService{repo: repo, pickups: pickups, cfg: cfg, metrics: metrics, logger: logger}
}

// Sweep completes every CALLED request whose called_time is older than the
// staleness threshold and returns how many it completed. A failure on one
// request never aborts the rest; collected errors are joined and returned.
func (s *SweeperService) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	cutoff := now.Add(-s.cfg.StaleAfter)

	stale, err := s.repo.ListStaleCalled(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to list stale requests")
	}

	completed := 0
	var errs []error
	for _, req := range stale {
		if _, err := s.pickups.Transition(ctx, req.ID, models.StatusCompleted, SweeperActor); err != nil {
			var appErr *appErrors.Error
			if errors.As(err, &appErr) {
				switch appErr.Code {
				case appErrors.ErrConflict.Code, appErrors.ErrAlreadyTerminal.Code:
					// Staff or a concurrent sweep got there first.
					s.logger.Debug("stale request already handled", zap.String("request_id", req.ID))
					continue
				}
			}
			s.logger.Warn("failed to auto-complete stale request",
				zap.String("request_id", req.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		completed++
	}

	s.metrics.ObserveSweep(completed, time.Since(start))
	if completed > 0 {
		s.logger.Info("sweep finished",
			zap.Int("completed", completed),
			zap.Int("stale", len(stale)),
			zap.Time("cutoff", cutoff))
	}
	return completed, errors.Join(errs...)
}

// Start boots a goroutine that sweeps on the configured interval until the
// context is cancelled.
func (s *SweeperService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
					s.logger.Warn("sweep run reported errors", zap.Error(err))
				}
			}
		}
	}()
}
