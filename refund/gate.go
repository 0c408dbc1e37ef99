package refund

import (
	"fmt"

	"github.com/warp/deal-engine/market"
)

// =============================================================================
// TRIGGER - Who/what initiated the refund
// =============================================================================

type Trigger string

const (
	TriggerBuyerCancel    Trigger = "BUYER_CANCEL"
	TriggerSellerCancel   Trigger = "SELLER_CANCEL"
	TriggerSystemError    Trigger = "SYSTEM_ERROR"
	TriggerAdminForce     Trigger = "ADMIN_FORCE"
	TriggerDisputeResolve Trigger = "DISPUTE_RESOLVE"
)

func (t Trigger) known() bool {
	switch t {
	case TriggerBuyerCancel, TriggerSellerCancel, TriggerSystemError, TriggerAdminForce, TriggerDisputeResolve:
		return true
	}
	return false
}

// =============================================================================
// SHIPPING-REFUND GATE - trigger x stage policy table
// =============================================================================

// ShippingRefundAllowed decides whether shipping cost may be included in a
// refund. It answers inclusion only; the amount is computed separately.
//
//	BEFORE_SHIPPING                         all triggers
//	SHIPPED_NOT_DELIVERED / WITHIN_COOLING  all except BUYER_CANCEL
//	AFTER_COOLING                           DISPUTE_RESOLVE only
//	UNKNOWN                                 none
//
// An unrecognized trigger or stage is a hard POLICY_UNDECIDABLE failure:
// the gate never defaults to allow or deny.
func ShippingRefundAllowed(stage CoolingStage, trigger Trigger) (bool, error) {
	if !trigger.known() || !stage.known() {
		return false, fmt.Errorf("gate: trigger=%q stage=%q: %w", trigger, stage, market.ErrPolicyUndecidable)
	}
	switch stage {
	case StageBeforeShipping:
		return true, nil
	case StageShippedNotDelivered, StageWithinCooling:
		return trigger != TriggerBuyerCancel, nil
	case StageAfterCooling:
		return trigger == TriggerDisputeResolve, nil
	default: // StageUnknown
		return false, nil
	}
}
