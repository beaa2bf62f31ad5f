package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
	"github.com/nazeru/warehousing-go/internal/inventory/events"
	"github.com/nazeru/warehousing-go/internal/inventory/ledger"
	"github.com/nazeru/warehousing-go/pkg/contracts"
	"github.com/nazeru/warehousing-go/pkg/metrics"
)

// errSkip marks a reservation that lost the status race inside an Update;
// the caller treats it as a no-op, not a failure.
var errSkip = errors.New("reservation skipped")

const DefaultTTL = 60 * time.Minute

type LineRequest struct {
	ItemID domain.ItemID
	// LocationID is optional; when empty the engine picks the lowest
	// location id with enough available stock.
	LocationID domain.LocationID
	Quantity   int64
	UnitPrice  int64
}

type CreateRequest struct {
	OrderID        string
	UserID         string
	Lines          []LineRequest
	TTL            time.Duration
	IdempotencyKey string
	Priority       bool
}

// Engine owns the reservation lifecycle. Every state transition goes
// through here, is applied under the store's per-reservation serialization,
// and emits one event. Publish failures are logged and never roll back the
// local transition.
type Engine struct {
	ledger    *ledger.Ledger
	store     Store
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *metrics.InventoryMetrics // optional
}

func NewEngine(led *ledger.Ledger, store Store, publisher events.Publisher, logger *zap.Logger) *Engine {
	return &Engine{ledger: led, store: store, publisher: publisher, logger: logger}
}

// WithMetrics attaches prometheus counters. Tests skip this to avoid
// polluting the default registry.
func (e *Engine) WithMetrics(m *metrics.InventoryMetrics) *Engine {
	e.metrics = m
	return e
}

// CreateReservation reserves every line against the ledger, then persists
// the reservation. A mid-sequence ledger failure releases the lines already
// held; no partial reservation is ever persisted.
func (e *Engine) CreateReservation(ctx context.Context, req CreateRequest) (*domain.Reservation, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrInvalidState)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", domain.ErrInvalidState)
	}
	for _, l := range req.Lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line quantity must be positive", domain.ErrInvalidState)
		}
	}

	if req.IdempotencyKey != "" {
		if existing, err := e.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return existing, nil
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	lines := make([]domain.ReservationLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		locationID := l.LocationID
		if locationID == "" {
			selected, err := e.selectLocation(ctx, l.ItemID, l.Quantity)
			if err != nil {
				e.releaseLines(ctx, lines)
				e.countConflict()
				return nil, err
			}
			locationID = selected
		}
		if err := e.ledger.Reserve(ctx, l.ItemID, locationID, l.Quantity); err != nil {
			e.releaseLines(ctx, lines)
			if errors.Is(err, domain.ErrInsufficientStock) {
				e.countConflict()
			}
			return nil, err
		}
		lines = append(lines, domain.ReservationLine{
			ItemID:     l.ItemID,
			LocationID: locationID,
			Quantity:   l.Quantity,
			UnitPrice:  l.UnitPrice,
		})
	}

	now := time.Now().UTC()
	res := &domain.Reservation{
		ID:             uuid.NewString(),
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Lines:          lines,
		Status:         domain.ReservationPending,
		ExpirationTime: now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Insert(ctx, res); err != nil {
		e.releaseLines(ctx, lines)
		if errors.Is(err, ErrDuplicateKey) {
			// A concurrent create with the same key won the insert; its
			// reservation is the one to return.
			if existing, lookupErr := e.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ReservationsCreated.Inc()
	}
	e.publish(ctx, events.ReservationCreated(res))
	return res, nil
}

// selectLocation picks the lowest location id holding enough available
// stock. Deterministic on purpose: replays and tests see the same choice.
func (e *Engine) selectLocation(ctx context.Context, itemID domain.ItemID, qty int64) (domain.LocationID, error) {
	recs, err := e.ledger.ListByItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		if rec.Available >= qty {
			return rec.LocationID, nil
		}
	}
	return "", fmt.Errorf("%w: no location holds %d of item %s", domain.ErrInsufficientStock, qty, itemID)
}

// ConfirmReservation moves PENDING to CONFIRMED and emits a status-changed
// event.
func (e *Engine) ConfirmReservation(ctx context.Context, id string) error {
	var updated *domain.Reservation
	err := e.store.Update(ctx, id, func(res *domain.Reservation) error {
		if res.Status != domain.ReservationPending {
			return fmt.Errorf("%w: cannot confirm reservation in status %s", domain.ErrInvalidState, res.Status)
		}
		res.Status = domain.ReservationConfirmed
		res.UpdatedAt = time.Now().UTC()
		updated = res
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events.ReservationStatusChanged(updated, domain.ReservationPending))
	return nil
}

// ExtendReservation pushes the expiration forward. Legal only while the
// reservation is active.
func (e *Engine) ExtendReservation(ctx context.Context, id string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: extension must be positive", domain.ErrInvalidState)
	}
	return e.store.Update(ctx, id, func(res *domain.Reservation) error {
		if !res.Active() {
			return fmt.Errorf("%w: cannot extend reservation in status %s", domain.ErrInvalidState, res.Status)
		}
		res.ExpirationTime = res.ExpirationTime.Add(d)
		res.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// CompleteReservation commits every active reservation of the order to the
// ledger. Per reservation the commit is all-or-nothing: a line failure
// reverses the lines already committed and leaves the status untouched.
// Returns true when at least one reservation completed.
func (e *Engine) CompleteReservation(ctx context.Context, orderID, userID string) (bool, error) {
	list, err := e.store.ListByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}

	completed := false
	for _, candidate := range list {
		var updated *domain.Reservation
		err := e.store.Update(ctx, candidate.ID, func(res *domain.Reservation) error {
			if !res.Active() {
				return errSkip
			}
			committed := make([]domain.ReservationLine, 0, len(res.Lines))
			for _, line := range res.Lines {
				if err := e.ledger.Commit(ctx, line.ItemID, line.LocationID, line.Quantity); err != nil {
					e.reverseCommits(ctx, committed)
					return err
				}
				committed = append(committed, line)
			}
			res.Status = domain.ReservationCompleted
			res.UpdatedAt = time.Now().UTC()
			updated = res
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return false, err
		}
		completed = true
		e.logger.Info("reservation completed",
			zap.String("reservation_id", updated.ID),
			zap.String("order_id", orderID),
			zap.String("user_id", userID))
		e.publish(ctx, events.ReservationCompleted(updated))
	}
	return completed, nil
}

// CancelReservation releases every active reservation of the order back to
// available stock. Idempotent: with nothing active it is a no-op returning
// false.
func (e *Engine) CancelReservation(ctx context.Context, orderID string) (bool, error) {
	return e.cancelWhere(ctx, orderID, "cancelled by caller")
}

func (e *Engine) cancelWhere(ctx context.Context, orderID, reason string) (bool, error) {
	list, err := e.store.ListByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}

	cancelled := false
	for _, candidate := range list {
		var updated *domain.Reservation
		err := e.store.Update(ctx, candidate.ID, func(res *domain.Reservation) error {
			if !res.Active() {
				return errSkip
			}
			for _, line := range res.Lines {
				if err := e.ledger.Release(ctx, line.ItemID, line.LocationID, line.Quantity); err != nil {
					// Underflow here means a lost or double release; stop
					// before making it worse.
					return err
				}
			}
			res.Status = domain.ReservationCancelled
			res.UpdatedAt = time.Now().UTC()
			updated = res
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return false, err
		}
		cancelled = true
		e.publish(ctx, events.ReservationCancelled(updated, reason))
	}
	return cancelled, nil
}

// ProcessExpiredReservations expires every active reservation at or past
// its expiration time and returns how many it expired. Safe to run
// concurrently with itself and with complete/cancel: the status check
// inside Update skips reservations a racing call already moved.
func (e *Engine) ProcessExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	list, err := e.store.ListExpired(ctx, now, 0)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range list {
		var updated *domain.Reservation
		err := e.store.Update(ctx, candidate.ID, func(res *domain.Reservation) error {
			if !res.ExpiredAt(now) {
				return errSkip
			}
			for _, line := range res.Lines {
				if err := e.ledger.Release(ctx, line.ItemID, line.LocationID, line.Quantity); err != nil {
					return err
				}
			}
			res.Status = domain.ReservationExpired
			res.UpdatedAt = time.Now().UTC()
			updated = res
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			e.logger.Error("reservation expiry failed",
				zap.String("reservation_id", candidate.ID),
				zap.Error(err))
			continue
		}
		count++
		if e.metrics != nil {
			e.metrics.ReservationsExpired.Inc()
		}
		e.publish(ctx, events.ReservationExpired(updated))
	}
	return count, nil
}

// GetTotalReservedQuantity sums quantities held by active reservations for
// the item, optionally narrowed to one location.
func (e *Engine) GetTotalReservedQuantity(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID) (int64, error) {
	list, err := e.store.ListActiveByItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, res := range list {
		for _, line := range res.Lines {
			if line.ItemID != itemID {
				continue
			}
			if locationID != "" && line.LocationID != locationID {
				continue
			}
			total += line.Quantity
		}
	}
	return total, nil
}

func (e *Engine) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return e.store.GetByID(ctx, id)
}

func (e *Engine) ListByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	return e.store.ListByOrder(ctx, orderID)
}

func (e *Engine) releaseLines(ctx context.Context, lines []domain.ReservationLine) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if err := e.ledger.Release(ctx, line.ItemID, line.LocationID, line.Quantity); err != nil {
			e.logger.Error("compensating release failed",
				zap.String("item_id", string(line.ItemID)),
				zap.String("location_id", string(line.LocationID)),
				zap.Int64("quantity", line.Quantity),
				zap.Error(err))
		}
	}
}

func (e *Engine) reverseCommits(ctx context.Context, lines []domain.ReservationLine) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if err := e.ledger.ReverseCommit(ctx, line.ItemID, line.LocationID, line.Quantity); err != nil {
			e.logger.Error("commit reversal failed",
				zap.String("item_id", string(line.ItemID)),
				zap.String("location_id", string(line.LocationID)),
				zap.Int64("quantity", line.Quantity),
				zap.Error(err))
		}
	}
}

func (e *Engine) publish(ctx context.Context, event contracts.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		// Local state is authoritative; never rolled back over transport
		// trouble. Operators watch the publish-failure counter.
		e.logger.Error("event publish failed",
			zap.String("event_id", event.EventID),
			zap.String("type", event.Type),
			zap.String("order_id", event.AggregateID),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.PublishFailures.Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.EventsPublished.Inc()
	}
}

func (e *Engine) countConflict() {
	if e.metrics != nil {
		e.metrics.StockConflicts.Inc()
	}
}
