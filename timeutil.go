package main

import (
	"context"
	"time"

	"github.com/hako/durafmt"
)

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// humanDuration renders d like "2 hours 5 minutes" for status output.
func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "just now"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

func secondsDuration(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func millisDuration(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
