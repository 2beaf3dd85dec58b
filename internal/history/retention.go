package history

import (
	"context"

	"github.com/sirupsen/logrus"
)

// PurgeExpired deletes runs older than retentionDays from store. A
// non-positive retention keeps everything.
func PurgeExpired(ctx context.Context, store Store, retentionDays int, logger *logrus.Logger) (int, error) {
	if retentionDays <= 0 {
		logger.Debug("Run history retention disabled (retention_days <= 0)")
		return 0, nil
	}

	count, err := store.PurgeRuns(ctx, retentionDays)
	if err != nil {
		logger.WithError(err).WithField("retention_days", retentionDays).Error("Failed to purge old runs")
		return 0, err
	}

	if count > 0 {
		logger.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": retentionDays,
		}).Info("Purged old runs from history")
	}

	return count, nil
}
