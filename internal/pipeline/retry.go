package pipeline

import (
	"context"
	"time"
)

// backoffDelay вычисляет экспоненциальную задержку: base * 2^attempt с потолком.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// sleepCtx ждет заданную задержку, прерываясь по отмене контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
