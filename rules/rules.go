/*
Package rules is the versioned business-rule configuration: time windows,
the cooling-off duration, and point amounts.

Rules are loaded explicitly and passed into component constructors - never
ambient globals - so tests inject exact configurations and a running
process can be handed a new version without restart.
*/
package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rules carries every tunable the engine consults. All windows are in
// active (working) time; the deadline clock handles dead-time pauses.
type Rules struct {
	// DealWindow bounds how long a deal stays OPEN collecting offers and
	// reservations.
	DealWindow time.Duration

	// SellerDecisionWindow bounds the accept/withdraw decision once the
	// deal enters FINALIZING.
	SellerDecisionWindow time.Duration

	// PaymentWindow bounds how long a PENDING reservation holds quantity.
	PaymentWindow time.Duration

	// CoolingDays is the cooling-off period after delivery confirmation.
	CoolingDays int

	// Point movements. Revocations and penalties are negative.
	BuyerPointOnPaid      int64
	BuyerPointOnRefund    int64
	SellerPointOnAccept   int64
	SellerPointOnWithdraw int64

	Version int
}

// Default mirrors the production rule set.
func Default() *Rules {
	return &Rules{
		DealWindow:            24 * time.Hour,
		SellerDecisionWindow:  30 * time.Minute,
		PaymentWindow:         2 * time.Hour,
		CoolingDays:           14,
		BuyerPointOnPaid:      20,
		BuyerPointOnRefund:    -20,
		SellerPointOnAccept:   30,
		SellerPointOnWithdraw: -30,
		Version:               1,
	}
}

// fileRules is the YAML shape; windows are expressed in the units
// operators actually think in.
type fileRules struct {
	DealWindowHours       float64 `yaml:"deal_window_hours"`
	SellerDecisionMinutes float64 `yaml:"seller_decision_minutes"`
	PaymentWindowHours    float64 `yaml:"payment_window_hours"`
	CoolingDays           int     `yaml:"cooling_days"`
	BuyerPointOnPaid      int64   `yaml:"buyer_point_on_paid"`
	BuyerPointOnRefund    int64   `yaml:"buyer_point_on_refund"`
	SellerPointOnAccept   int64   `yaml:"seller_point_on_accept"`
	SellerPointOnWithdraw int64   `yaml:"seller_point_on_withdraw"`
	Version               int     `yaml:"version"`
}

// Load reads a YAML rules file; absent fields keep their defaults.
func Load(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read: %w", err)
	}
	def := Default()
	f := fileRules{
		DealWindowHours:       def.DealWindow.Hours(),
		SellerDecisionMinutes: def.SellerDecisionWindow.Minutes(),
		PaymentWindowHours:    def.PaymentWindow.Hours(),
		CoolingDays:           def.CoolingDays,
		BuyerPointOnPaid:      def.BuyerPointOnPaid,
		BuyerPointOnRefund:    def.BuyerPointOnRefund,
		SellerPointOnAccept:   def.SellerPointOnAccept,
		SellerPointOnWithdraw: def.SellerPointOnWithdraw,
		Version:               def.Version,
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	r := &Rules{
		DealWindow:            time.Duration(f.DealWindowHours * float64(time.Hour)),
		SellerDecisionWindow:  time.Duration(f.SellerDecisionMinutes * float64(time.Minute)),
		PaymentWindow:         time.Duration(f.PaymentWindowHours * float64(time.Hour)),
		CoolingDays:           f.CoolingDays,
		BuyerPointOnPaid:      f.BuyerPointOnPaid,
		BuyerPointOnRefund:    f.BuyerPointOnRefund,
		SellerPointOnAccept:   f.SellerPointOnAccept,
		SellerPointOnWithdraw: f.SellerPointOnWithdraw,
		Version:               f.Version,
	}
	return r.validate()
}

func (r *Rules) validate() (*Rules, error) {
	if r.DealWindow <= 0 || r.SellerDecisionWindow <= 0 || r.PaymentWindow <= 0 {
		return nil, fmt.Errorf("rules: all windows must be positive")
	}
	if r.CoolingDays < 0 {
		return nil, fmt.Errorf("rules: cooling_days must be >= 0")
	}
	return r, nil
}
