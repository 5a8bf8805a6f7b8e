package session

import (
	"context"
	"time"
)

// Capture drives Drain on a fixed period. Sessions run one per stream
// unless Options.ManualPoll is set, in which case the host schedules Drain
// itself, with a Capture or otherwise.
type Capture struct {
	Interval time.Duration
	Drain    func() ([]Sample, error)
}

// Run polls until ctx is cancelled or Drain fails. A failed drain ends the
// loop; Capture never retries.
func (c *Capture) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Drain(); err != nil {
				return err
			}
		}
	}
}
