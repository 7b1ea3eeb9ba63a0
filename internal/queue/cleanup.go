package queue

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Cleanup removes quarantined (err_*) and orphaned temp (tmp_*) files whose
// encoded enqueue time is older than age. Live pdq_* entries are never
// touched; they only leave the queue through consume or quarantine.
//
// Cleanup does not take the dequeue lock. It races benignly with enqueuers
// (tmp files being actively written are protected by their age) and with the
// flush engine only over err_* files, where ordering is irrelevant.
// Undecodable names and per-file removal failures are logged and skipped.
func (q *Queue) Cleanup(age time.Duration) error {
	deleteBeforeMillis := q.now().Add(-age).UnixMilli()

	for _, prefix := range []string{kindError + "_", kindTemp + "_"} {
		// Iterate a snapshot of the listing; the directory mutates
		// underneath us as removals proceed.
		names, err := q.queuedFiles(prefix)
		if err != nil {
			return err
		}
		for _, name := range names {
			_, tsMillis, _, derr := decodeName(name)
			if derr != nil {
				q.logger.Info("queue: cleanup ignoring invalid file name",
					slog.String("name", name))
				continue
			}
			if tsMillis >= deleteBeforeMillis {
				continue
			}
			if err := os.Remove(filepath.Join(q.cfg.QueueDir, name)); err != nil {
				q.logger.Warn("queue: cleanup could not remove file",
					slog.String("name", name), slog.Any("error", err))
				continue
			}
			q.metricCleanupRemoved()
		}
	}
	return nil
}
