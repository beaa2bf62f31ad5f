package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/internal/fulfillment/domain"
	"github.com/nazeru/warehousing-go/pkg/contracts"
	"github.com/nazeru/warehousing-go/pkg/metrics"
)

// Hooks are the order workflow collaborators invoked on inventory
// milestones. AdvanceToNextStage releases the order into picking once
// inventory is allocated; HandleInventoryLoss compensates the order when
// its hold is cancelled or expired. Implementations live outside this
// core. A hook error fails the whole event, so the transport redelivers.
type Hooks interface {
	AdvanceToNextStage(ctx context.Context, order *domain.Order) error
	HandleInventoryLoss(ctx context.Context, order *domain.Order, reason string) error
}

// LoggingHooks is the default collaborator: it only records the signal.
type LoggingHooks struct {
	Logger *zap.Logger
}

func (h LoggingHooks) AdvanceToNextStage(ctx context.Context, order *domain.Order) error {
	h.Logger.Info("advancing order to next fulfillment stage", zap.String("order_id", order.OrderID))
	return nil
}

func (h LoggingHooks) HandleInventoryLoss(ctx context.Context, order *domain.Order, reason string) error {
	h.Logger.Info("compensating order for inventory loss",
		zap.String("order_id", order.OrderID),
		zap.String("reason", reason))
	return nil
}

// Handler applies reservation events to fulfillment orders. Every handler
// is safe under at-least-once delivery: the status write is fixed-target,
// and hook invocations are deduplicated by last-applied event id.
type Handler struct {
	store   OrderStore
	hooks   Hooks
	logger  *zap.Logger
	metrics *metrics.ConsumerMetrics // optional
}

func NewHandler(store OrderStore, hooks Hooks, logger *zap.Logger) *Handler {
	return &Handler{store: store, hooks: hooks, logger: logger}
}

func (h *Handler) WithMetrics(m *metrics.ConsumerMetrics) *Handler {
	h.metrics = m
	return h
}

// Handle dispatches one event. A nil return acknowledges the event; an
// error leaves it unacknowledged for redelivery.
func (h *Handler) Handle(ctx context.Context, evt contracts.Event) error {
	var err error
	switch evt.Type {
	case contracts.EventReservationCreated:
		err = h.onCreated(ctx, evt)
	case contracts.EventReservationStatusChanged:
		err = h.onStatusChanged(ctx, evt)
	case contracts.EventReservationCompleted:
		err = h.onCompleted(ctx, evt)
	case contracts.EventReservationCancelled:
		err = h.onCancelled(ctx, evt)
	case contracts.EventReservationExpired:
		err = h.onExpired(ctx, evt)
	default:
		h.logger.Warn("unknown event type ignored",
			zap.String("type", evt.Type),
			zap.String("event_id", evt.EventID))
		h.countSkip("unknown_type")
		return nil
	}

	if errors.Is(err, ErrOrderNotFound) {
		// The order may live in another bounded context or not exist yet;
		// redelivery would not make it appear. Tolerated miss.
		h.logger.Warn("event for unknown order ignored",
			zap.String("order_id", evt.AggregateID),
			zap.String("type", evt.Type),
			zap.String("event_id", evt.EventID))
		h.countSkip("unknown_order")
		return nil
	}
	if err != nil {
		h.logger.Error("event handling failed",
			zap.String("order_id", evt.AggregateID),
			zap.String("type", evt.Type),
			zap.String("event_id", evt.EventID),
			zap.Error(err))
		if h.metrics != nil {
			h.metrics.HandlerFailures.Inc()
		}
		return err
	}
	if h.metrics != nil {
		h.metrics.EventsApplied.WithLabelValues(evt.Type).Inc()
	}
	return nil
}

func (h *Handler) onCreated(ctx context.Context, evt contracts.Event) error {
	return h.store.Update(ctx, evt.AggregateID, func(order *domain.Order) error {
		order.SeenEvent(evt.EventID)
		order.InventoryReservationID = payloadString(evt, contracts.FieldReservationID)
		order.InventoryReservationExpiresAt = payloadTime(evt, contracts.FieldExpirationTime)
		order.SetInventoryStatus(domain.InventoryReserved,
			fmt.Sprintf("inventory reserved (reservation %s)", order.InventoryReservationID))
		return nil
	})
}

func (h *Handler) onStatusChanged(ctx context.Context, evt contracts.Event) error {
	newStatus := payloadString(evt, contracts.FieldNewStatus)
	mapped, ok := domain.MapReservationStatus(newStatus)
	if !ok {
		h.logger.Warn("unmapped reservation status ignored",
			zap.String("order_id", evt.AggregateID),
			zap.String("status", newStatus))
		h.countSkip("unmapped_status")
		return nil
	}
	return h.store.Update(ctx, evt.AggregateID, func(order *domain.Order) error {
		order.SeenEvent(evt.EventID)
		order.SetInventoryStatus(mapped,
			fmt.Sprintf("inventory status changed %s -> %s",
				payloadString(evt, contracts.FieldPreviousStatus), newStatus))
		return nil
	})
}

func (h *Handler) onCompleted(ctx context.Context, evt contracts.Event) error {
	return h.store.Update(ctx, evt.AggregateID, func(order *domain.Order) error {
		duplicate := order.SeenEvent(evt.EventID)
		order.SetInventoryStatus(domain.InventoryAllocated, "inventory allocated, order may proceed to picking")
		if duplicate {
			h.countSkip("duplicate")
			return nil
		}
		return h.hooks.AdvanceToNextStage(ctx, order)
	})
}

func (h *Handler) onCancelled(ctx context.Context, evt contracts.Event) error {
	reason := payloadString(evt, contracts.FieldReason)
	if reason == "" {
		reason = "reservation cancelled"
	}
	return h.applyLoss(ctx, evt, domain.InventoryCancelled, reason)
}

func (h *Handler) onExpired(ctx context.Context, evt contracts.Event) error {
	return h.applyLoss(ctx, evt, domain.InventoryExpired, "reservation expired")
}

func (h *Handler) applyLoss(ctx context.Context, evt contracts.Event, status domain.InventoryStatus, reason string) error {
	return h.store.Update(ctx, evt.AggregateID, func(order *domain.Order) error {
		duplicate := order.SeenEvent(evt.EventID)
		order.SetInventoryStatus(status, fmt.Sprintf("inventory lost: %s", reason))
		if duplicate {
			h.countSkip("duplicate")
			return nil
		}
		return h.hooks.HandleInventoryLoss(ctx, order, reason)
	})
}

func (h *Handler) countSkip(reason string) {
	if h.metrics != nil {
		h.metrics.EventsSkipped.WithLabelValues(reason).Inc()
	}
}
