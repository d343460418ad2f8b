// Copyright 2025 James Ross
package obs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// StartQueueDepthUpdater samples the inbox/outbox/rejected directory
// sizes on a fixed interval and updates the QueueDepth gauge. A poll
// error is logged and skipped rather than aborting the ticker, so one
// transient stat failure doesn't stop depth reporting for the other
// directories.
func StartQueueDepthUpdater(ctx context.Context, odinDir string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	dirs := []string{"inbox", "outbox", "rejected"}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range dirs {
					n, err := countEntries(filepath.Join(odinDir, d))
					if err != nil {
						log.Debug("queue depth poll error", String("directory", d), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(d).Set(float64(n))
				}
			}
		}
	}()
}

func countEntries(dir string) (int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		n++
	}
	return n, nil
}
