package ledger

import (
	"context"
	"fmt"
	"time"
)

const lockRetryWait = 25 * time.Millisecond

func waitForLockRetry(ctx context.Context, lockPath string) error {
	timer := time.NewTimer(lockRetryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
