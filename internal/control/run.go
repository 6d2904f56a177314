package control

import (
	"context"
	"time"
)

// Cycler runs one control cycle. Implemented by Loop.
type Cycler interface {
	Cycle(ctx context.Context) error
}

// Run calls c.Cycle on every tick until ctx is done or a cycle fails.
// Cancellation is not an error.
func Run(ctx context.Context, c Cycler, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := c.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
