package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs the expiry scan on a fixed interval. It shares the ledger's
// per-key serialization with the request path and never takes a global
// lock, so it cannot stall reservation calls.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(engine *Engine, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			count, err := s.engine.ProcessExpiredReservations(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Info("expired reservations released", zap.Int("count", count))
			}
		}
	}
}
