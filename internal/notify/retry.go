package notify

import (
	"context"
	"math/rand"
	"time"

	logx "ralph/pkg/logx"
)

// sendWithRetry drives one channel send through the retry engine.
// Transient failures are retried with exponential backoff and jitter;
// fatal failures stop immediately.
func sendWithRetry(ctx context.Context, cfg Config, ch Channel, ev Event, log logx.Logger) (attempts int, err error) {
	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Bound per-send call. Keep tight to avoid hanging senders.
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		sendErr := ch.Send(callCtx, ev)
		cancel()
		if sendErr == nil {
			return attempt, nil
		}
		lastErr = sendErr

		if !retryable(sendErr) {
			log.Debug("send failed (not retryable)",
				logx.String("channel", ch.Name()), logx.Err(sendErr), logx.Int("attempt", attempt))
			return attempt, sendErr
		}
		log.Debug("send failed",
			logx.String("channel", ch.Name()), logx.Err(sendErr),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

// retryDelay computes the backoff before the NEXT attempt.
// Exponential (base * 2^(attempt-1)) capped at RetryMaxDelay, with 0.7..1.3
// jitter so concurrent runs don't retry in lockstep.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
