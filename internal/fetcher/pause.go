package fetcher

import (
	"context"
	"time"
)

// Pauser sleeps for a duration unless ctx ends first.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TimerPauser returns the production Pauser.
func TimerPauser() Pauser {
	return timerPauser{}
}
