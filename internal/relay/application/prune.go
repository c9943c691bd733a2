package application

import (
	"context"
	"errors"
	"log"
	"time"
)

// Pruner drops dedupe records that have aged out of their window.
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// RunPruner calls PruneExpired every interval until ctx is done. Errors are
// logged and the loop keeps going.
func RunPruner(ctx context.Context, pruner Pruner, interval time.Duration, logger *log.Logger) error {
	if pruner == nil {
		return errors.New("relay: nil pruner")
	}
	if interval <= 0 {
		return errors.New("relay: non-positive prune interval")
	}
	if logger == nil {
		logger = log.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := pruner.PruneExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Printf("dedupe prune error: err=%v", err)
				continue
			}
			if removed > 0 {
				logger.Printf("dedupe pruned: removed=%d", removed)
			}
		}
	}
}
