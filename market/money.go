package market

import "github.com/shopspring/decimal"

// =============================================================================
// MONEY - Minor currency units with exact arithmetic
// =============================================================================

// Money is an exact monetary amount. The marketplace prices everything in
// whole minor units (KRW), but decimal arithmetic keeps every split and
// remainder deterministic under audit.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(units int64) Money {
	return Money{Value: decimal.NewFromInt(units)}
}

// ParseMoney reads a decimal string, as persisted by the stores.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

func (m Money) Add(o Money) Money  { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money  { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money         { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool       { return m.Value.IsZero() }
func (m Money) IsNegative() bool   { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool { return m.Value.Equal(o.Value) }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }

// MulQty scales the amount by a unit count.
func (m Money) MulQty(qty int64) Money {
	return Money{Value: m.Value.Mul(decimal.NewFromInt(qty))}
}

// DivFloor divides by a unit count and floors to a whole minor unit.
// This is the rounding primitive of the shipping-refund split.
func (m Money) DivFloor(qty int64) Money {
	return Money{Value: m.Value.Div(decimal.NewFromInt(qty)).Floor()}
}

// Units returns the amount as whole minor units.
func (m Money) Units() int64 { return m.Value.IntPart() }

func (m Money) String() string { return m.Value.String() }
