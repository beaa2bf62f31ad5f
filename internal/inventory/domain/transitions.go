package domain

import "fmt"

// stockTransitions is the allowed-edge table for stock status changes.
// The table is total: every status has at least one way out, so no record
// can be bricked by an operational mishap.
var stockTransitions = map[StockStatus][]StockStatus{
	StockReceiving:    {StockAvailable, StockQualityHold, StockDamaged},
	StockAvailable:    {StockReserved, StockQualityHold, StockCycleCount, StockMissing, StockDamaged, StockExpired, StockRecalled, StockQuarantined, StockInTransit, StockDiscontinued},
	StockReserved:     {StockAvailable, StockAllocated, StockQualityHold, StockMissing},
	StockAllocated:    {StockAvailable, StockMissing, StockDamaged},
	StockQualityHold:  {StockAvailable, StockDamaged, StockQuarantined},
	StockDamaged:      {StockQuarantined, StockInactive},
	StockExpired:      {StockQuarantined, StockInactive},
	StockRecalled:     {StockQuarantined, StockInactive},
	StockMissing:      {StockAvailable, StockCycleCount, StockInactive},
	StockCycleCount:   {StockAvailable, StockMissing},
	StockQuarantined:  {StockAvailable, StockDamaged, StockInactive},
	StockInTransit:    {StockAvailable, StockMissing},
	StockDiscontinued: {StockInactive},
	StockInactive:     {StockAvailable},
}

// CanTransition reports whether from -> to is an allowed stock status edge.
func CanTransition(from, to StockStatus) bool {
	for _, next := range stockTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the outgoing edges for a status. The returned
// slice is shared; callers must not mutate it.
func AllowedTransitions(from StockStatus) []StockStatus {
	return stockTransitions[from]
}

// AllStockStatuses lists every status in the table, for validation and
// exhaustive tests.
func AllStockStatuses() []StockStatus {
	out := make([]StockStatus, 0, len(stockTransitions))
	for s := range stockTransitions {
		out = append(out, s)
	}
	return out
}

// Transition moves the record to a new status after checking the table.
func (r *StockRecord) Transition(to StockStatus) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.touch()
	return nil
}
