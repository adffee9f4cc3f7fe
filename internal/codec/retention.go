package codec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionCleanupError reports files that were due for removal but could not
// be deleted. Pruning continues past them.
type RetentionCleanupError struct {
	Paths []string
	Errs  []error
}

func (e *RetentionCleanupError) Error() string {
	return fmt.Sprintf("failed to remove %d expired log files: %v", len(e.Paths), errors.Join(e.Errs...))
}

func (e *RetentionCleanupError) Unwrap() []error {
	return e.Errs
}

// pruneExpired removes day files older than retentionDays relative to now.
func pruneExpired(logDir string, retentionDays int, now time.Time) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := DayKey(now.AddDate(0, 0, -retentionDays).UnixMilli())

	var (
		cleanupErr   *RetentionCleanupError
		deletedCount int
		deletedBytes int64
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		day, _, ok := parseFileName(entry.Name())
		if !ok || day >= cutoff {
			continue
		}

		path := filepath.Join(logDir, entry.Name())

		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}

		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to delete expired log file")
			if cleanupErr == nil {
				cleanupErr = &RetentionCleanupError{}
			}
			cleanupErr.Paths = append(cleanupErr.Paths, path)
			cleanupErr.Errs = append(cleanupErr.Errs, err)
			continue
		}

		deletedCount++
		deletedBytes += size

		log.Debug().
			Str("file", entry.Name()).
			Int64("size_bytes", size).
			Msg("Deleted expired log file")
	}

	if deletedCount > 0 {
		log.Info().
			Str("log_dir", logDir).
			Int("retention_days", retentionDays).
			Int("deleted_files", deletedCount).
			Int64("deleted_bytes", deletedBytes).
			Msg("Log retention cleanup completed")
	}

	if cleanupErr != nil {
		return cleanupErr
	}
	return nil
}
