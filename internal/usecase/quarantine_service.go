package usecase

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// UnknownOriginalPath marks a quarantined file whose source could not be matched to a detection.
const UnknownOriginalPath = "Unknown"

// ErrRestoreTargetRequired is returned when a record has no known original path and no destination was given.
var ErrRestoreTargetRequired = errors.New("restore destination required")

// ErrRestoreTargetExists is returned instead of overwriting a file at the restore target.
var ErrRestoreTargetExists = errors.New("restore target already exists")

// QuarantineService manages files moved aside by clamscan --move.
type QuarantineService struct {
	store     domain.QuarantineStore
	fsManager domain.FileSystemManager
	logger    *zap.Logger
}

// NewQuarantineService creates a quarantine service.
func NewQuarantineService(store domain.QuarantineStore, fs domain.FileSystemManager, logger *zap.Logger) *QuarantineService {
	return &QuarantineService{store: store, fsManager: fs, logger: logger}
}

// List returns records, newest first.
func (q *QuarantineService) List() ([]domain.QuarantineRecord, error) {
	return q.store.List()
}

// Remove deletes the quarantined file (if still present) and its record.
func (q *QuarantineService) Remove(id string) error {
	rec, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if q.fsManager.Exists(rec.QuarantinePath) {
		if err := q.fsManager.Delete(rec.QuarantinePath); err != nil {
			return fmt.Errorf("failed to delete quarantined file: %w", err)
		}
	}
	if err := q.store.Remove(id); err != nil {
		return err
	}
	q.logger.Info("quarantined file removed",
		zap.String("id", id),
		zap.String("path", rec.QuarantinePath))
	return nil
}

// Restore moves the quarantined file back and drops its record. With destDir
// empty the file returns to its original path; otherwise it lands in destDir
// under its quarantined name. Returns the restored path.
func (q *QuarantineService) Restore(id, destDir string) (string, error) {
	rec, err := q.store.Get(id)
	if err != nil {
		return "", err
	}
	if !q.fsManager.Exists(rec.QuarantinePath) {
		return "", fmt.Errorf("%w: quarantined file no longer exists: %s", domain.ErrPathNotFound, rec.QuarantinePath)
	}

	target := rec.OriginalPath
	if destDir != "" {
		target = filepath.Join(q.fsManager.ExpandHome(destDir), filepath.Base(rec.QuarantinePath))
	} else if strings.TrimSpace(target) == "" || strings.EqualFold(target, UnknownOriginalPath) {
		return "", fmt.Errorf("%w: original path of %s is unknown", ErrRestoreTargetRequired, id)
	}

	if q.fsManager.Exists(target) {
		return "", fmt.Errorf("%w: %s", ErrRestoreTargetExists, target)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create restore directory: %w", err)
	}
	if err := q.fsManager.Move(rec.QuarantinePath, target); err != nil {
		return "", fmt.Errorf("failed to restore file: %w", err)
	}
	if err := q.store.Remove(id); err != nil {
		return target, err
	}

	q.logger.Info("quarantined file restored",
		zap.String("id", id),
		zap.String("from", rec.QuarantinePath),
		zap.String("to", target))
	return target, nil
}

// PruneMissing drops records whose quarantined file no longer exists and returns how many were dropped.
func (q *QuarantineService) PruneMissing() (int, error) {
	records, err := q.store.List()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, rec := range records {
		if q.fsManager.Exists(rec.QuarantinePath) {
			continue
		}
		if err := q.store.Remove(rec.ID); err != nil {
			q.logger.Warn("failed to prune quarantine record", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		q.logger.Info("pruned quarantine records", zap.Int("count", pruned))
	}
	return pruned, nil
}
