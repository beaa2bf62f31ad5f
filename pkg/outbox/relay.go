package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PublishFunc writes one record to the transport. Key selects the partition.
type PublishFunc func(ctx context.Context, topic, key string, payload []byte) error

// Relay drains pending outbox records on a fixed interval. A record is
// marked sent only after the transport accepted it; a crash between write
// and mark yields a duplicate publish, which downstream consumers absorb.
type Relay struct {
	store     Store
	publish   PublishFunc
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewRelay(store Store, publish PublishFunc, interval time.Duration, logger *zap.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:     store,
		publish:   publish,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain publishes one batch of pending records. Exposed for tests and for a
// final flush on shutdown.
func (r *Relay) Drain(ctx context.Context) {
	recs, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("outbox fetch failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		if err := r.publish(ctx, rec.Topic, rec.Key, rec.Payload); err != nil {
			r.logger.Error("outbox publish failed",
				zap.String("event_id", rec.EventID),
				zap.String("key", rec.Key),
				zap.Error(err))
			// Leave the record pending; order within the key is preserved
			// by stopping at the first failure.
			return
		}
		if err := r.store.MarkSent(ctx, rec.ID); err != nil {
			r.logger.Error("outbox mark-sent failed", zap.Int64("id", rec.ID), zap.Error(err))
			return
		}
	}
}
