package journal

import (
	"context"

	"ralph/internal/eventbus"
	"ralph/internal/notify"
	logx "ralph/pkg/logx"
)

// Record consumes delivery outcomes from the bus and persists them.
// Blocking; run it under the supervisor. Returns when ctx ends.
// A nil store makes this a no-op that still drains its subscription.
func Record(ctx context.Context, bus eventbus.Bus, store Store, log logx.Logger) {
	if bus == nil {
		return
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if store == nil {
				continue
			}
			if e.Type != notify.EventDelivery && e.Type != notify.EventDropped {
				continue
			}
			del, ok := e.Data.(notify.Delivery)
			if !ok {
				continue
			}
			entry := Entry{
				At:       del.At,
				RunID:    del.RunID,
				Channel:  del.Channel,
				Kind:     del.Kind,
				Severity: del.Severity,
				Outcome:  del.Outcome,
				Attempts: del.Attempts,
				Error:    del.Error,
				TookMS:   del.TookMS,
			}
			if err := store.Append(ctx, entry); err != nil {
				log.Debug("journal append failed", logx.Err(err))
			}
		}
	}
}
