package quota

import (
	"context"
	"fmt"
	"time"
)

// PruneLogs deletes Quota Log entries created more than retentionDays before
// now. It does not touch the State row and needs no lock.
func PruneLogs(ctx context.Context, pruner EventPruner, now time.Time, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("%w: %d days", ErrInvalidRetention, retentionDays)
	}

	cutoff := now.UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	deleted, err := pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune quota log before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}
