/*
Package refund computes deterministic monetary splits for reservation
refunds and decides, via the trigger/stage gate, whether shipping cost is
part of the refund at all.

The calculator is pure: it inspects a reservation and its offer, produces
a Result, and (on Execute) applies the four-field counter update to the
in-memory records. Persistence and event recording belong to the caller,
which wraps the whole thing in one store transaction.
*/
package refund

import "time"

// =============================================================================
// COOLING STAGE - Refund-relevant phase derived from shipment timing
// =============================================================================

type CoolingStage string

const (
	// StageBeforeShipping: paid but nothing shipped yet.
	StageBeforeShipping CoolingStage = "BEFORE_SHIPPING"
	// StageShippedNotDelivered: in transit, no delivery or arrival record.
	StageShippedNotDelivered CoolingStage = "SHIPPED_NOT_DELIVERED"
	// StageWithinCooling: delivered/confirmed, cooling-off window open.
	StageWithinCooling CoolingStage = "WITHIN_COOLING"
	// StageAfterCooling: cooling-off window elapsed.
	StageAfterCooling CoolingStage = "AFTER_COOLING"
	// StageUnknown: cannot be derived; the gate denies shipping refunds.
	StageUnknown CoolingStage = "UNKNOWN"
)

func (s CoolingStage) known() bool {
	switch s {
	case StageBeforeShipping, StageShippedNotDelivered, StageWithinCooling, StageAfterCooling, StageUnknown:
		return true
	}
	return false
}

// ComputeCoolingStage derives the stage from shipment timestamps. The
// cooling window is anchored on arrival confirmation when present, falling
// back to the delivery timestamp, and runs for coolingDays.
func ComputeCoolingStage(shippedAt, deliveredAt, arrivalConfirmedAt *time.Time, coolingDays int, now time.Time) CoolingStage {
	if shippedAt == nil {
		return StageBeforeShipping
	}
	base := arrivalConfirmedAt
	if base == nil {
		base = deliveredAt
	}
	if base == nil {
		return StageShippedNotDelivered
	}
	coolingEndsAt := base.Add(time.Duration(coolingDays) * 24 * time.Hour)
	if !now.After(coolingEndsAt) {
		return StageWithinCooling
	}
	return StageAfterCooling
}
