package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/pkg/contracts"
)

// Fetcher is the slice of kafka.Reader the consumer needs. Offsets are
// committed explicitly, only after the handler succeeded.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Consumer pumps reservation events from the topic into the handler.
// Delivery is at-least-once: a crash between handle and commit redelivers
// the event, which the handler absorbs.
type Consumer struct {
	fetcher    Fetcher
	handler    *Handler
	logger     *zap.Logger
	retryDelay time.Duration
}

func New(fetcher Fetcher, handler *Handler, logger *zap.Logger) *Consumer {
	return &Consumer{fetcher: fetcher, handler: handler, logger: logger, retryDelay: time.Second}
}

// WithRetryDelay sets the pause between attempts on a failed event.
func (c *Consumer) WithRetryDelay(d time.Duration) *Consumer {
	c.retryDelay = d
	return c
}

func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("reservation event consumer started")
	for {
		msg, err := c.fetcher.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("consumer stopping")
				return nil
			}
			c.logger.Error("kafka fetch failed", zap.Error(err))
			continue
		}

		var evt contracts.Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// A malformed message would never parse on redelivery either;
			// commit it so it cannot wedge the partition.
			c.logger.Error("event decode failed, skipping",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			c.commit(ctx, msg)
			continue
		}

		// Committing any later offset would acknowledge this one too, so a
		// failed event is retried in place; the loop never fetches past an
		// unacknowledged failure.
		for {
			if err := c.handler.Handle(ctx, evt); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				c.logger.Info("consumer stopping")
				return nil
			case <-time.After(c.retryDelay):
			}
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafkago.Message) {
	if err := c.fetcher.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("offset commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}
