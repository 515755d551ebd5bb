/*
charge.go - Charge Calculator

PURPOSE:
  Turns a pricing snapshot and a quantity into the money owed for a sale.
  Pure functions, no side effects. Export and report code re-derives totals
  with the same functions, so there is exactly one formula.

BASE CHARGE:
  Billed once per lot. If the lot's base charge was already billed by an
  earlier sale, the base is zero.

    per bag:    (coldCharge + handling) x basisQuantity
    per weight: netWeight x basisQuantity x (coldCharge + handling)
                -------------------------------------------------
                      WeightNormalizationFactor x originalLotSize

  basisQuantity is either the bags sold now or everything remaining in the
  lot at sale time (see ChargeBasis).

EXTRAS:
  weighing + extraHandlingPerBag x actualQuantity + grading
  Extras always use the bags actually sold, never the basis quantity.

SPLITTING THE BASE FOR DISPLAY:
  per bag:    proportional to each rate's share of the combined rate
  per weight: handling = handling rate x basisQuantity, cold charge is the rest
  The strategy used is stored on the Charge so printed bills stay stable.

ROUNDING:
  Stored amounts are rounded to MoneyPlaces. DisplayAmount rounds to one
  fractional digit.
*/
package settlement

import (
	"github.com/shopspring/decimal"
)

// WeightNormalizationFactor converts kilograms to the quintals per-weight
// rates are quoted in.
const WeightNormalizationFactor = 100

// MoneyPlaces is the number of fractional digits stored for money.
const MoneyPlaces = 2

// MoneyTolerance is the largest difference treated as equal when checking
// paid + due == total.
var MoneyTolerance = decimal.New(1, -MoneyPlaces)

// RoundMoney rounds to the stored precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// DisplayAmount renders an amount with at most one fractional digit.
func DisplayAmount(d decimal.Decimal) string {
	return d.Round(1).String()
}

// =============================================================================
// INPUT
// =============================================================================

// ChargeInput is everything the calculator needs.
type ChargeInput struct {
	Rates             Rates
	ActualQuantity    int
	BasisQuantity     int
	NetWeight         decimal.Decimal
	OriginalLotSize   int
	BaseAlreadyBilled bool
	Extras            Extras
}

// InputFromSnapshot rebuilds the calculator input for a stored sale.
func InputFromSnapshot(p PricingSnapshot, quantity int, extras Extras) ChargeInput {
	return ChargeInput{
		Rates:             p.Rates,
		ActualQuantity:    quantity,
		BasisQuantity:     p.BasisQuantity,
		NetWeight:         p.NetWeight,
		OriginalLotSize:   p.OriginalLotSize,
		BaseAlreadyBilled: p.BaseAlreadyBilled,
		Extras:            extras,
	}
}

func (in ChargeInput) validate() error {
	if !in.Rates.Unit.Valid() {
		return invalid("charge_unit", "unknown charge unit %q", in.Rates.Unit)
	}
	if in.ActualQuantity < 1 {
		return invalid("quantity", "must be at least 1")
	}
	if in.BasisQuantity < in.ActualQuantity {
		return invalid("basis_quantity", "must be at least the quantity sold")
	}
	if in.Rates.ColdCharge.IsNegative() || in.Rates.Handling.IsNegative() {
		return invalid("rates", "must not be negative")
	}
	if in.Extras.Weighing.IsNegative() || in.Extras.ExtraHandlingPerBag.IsNegative() || in.Extras.Grading.IsNegative() {
		return invalid("extras", "must not be negative")
	}
	if in.Rates.Unit == ChargePerWeight {
		if !in.NetWeight.IsPositive() {
			return invalid("net_weight", "required for per-weight pricing")
		}
		if in.OriginalLotSize < 1 {
			return invalid("original_lot_size", "required for per-weight pricing")
		}
	}
	return nil
}

// =============================================================================
// CALCULATOR
// =============================================================================

// CalculateCharge computes the bill for one sale.
func CalculateCharge(in ChargeInput) (Charge, error) {
	if err := in.validate(); err != nil {
		return Charge{}, err
	}

	var c Charge
	switch in.Rates.Unit {
	case ChargePerBag:
		c.Split = SplitProportional
	case ChargePerWeight:
		c.Split = SplitDirectHandling
	}

	if !in.BaseAlreadyBilled {
		c.Base = RoundMoney(baseCharge(in))
		c.ColdCharge, c.Handling = splitBase(c.Base, in)
	}

	qty := decimal.NewFromInt(int64(in.ActualQuantity))
	c.Weighing = RoundMoney(in.Extras.Weighing)
	c.ExtraHandling = RoundMoney(in.Extras.ExtraHandlingPerBag.Mul(qty))
	c.Grading = RoundMoney(in.Extras.Grading)
	c.Total = c.Base.Add(c.Weighing).Add(c.ExtraHandling).Add(c.Grading)
	return c, nil
}

func baseCharge(in ChargeInput) decimal.Decimal {
	basis := decimal.NewFromInt(int64(in.BasisQuantity))
	combined := in.Rates.Combined()

	if in.Rates.Unit == ChargePerBag {
		return combined.Mul(basis)
	}

	denominator := decimal.NewFromInt(int64(WeightNormalizationFactor * in.OriginalLotSize))
	return in.NetWeight.Mul(basis).Mul(combined).Div(denominator)
}

// splitBase divides a base charge into cold-charge and handling shares. The
// two shares always add back up to base.
func splitBase(base decimal.Decimal, in ChargeInput) (cold, handling decimal.Decimal) {
	if base.IsZero() {
		return decimal.Zero, decimal.Zero
	}

	if in.Rates.Unit == ChargePerWeight {
		handling = RoundMoney(in.Rates.Handling.Mul(decimal.NewFromInt(int64(in.BasisQuantity))))
		if handling.GreaterThan(base) {
			handling = base
		}
		return base.Sub(handling), handling
	}

	combined := in.Rates.Combined()
	if combined.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	cold = RoundMoney(base.Mul(in.Rates.ColdCharge).Div(combined))
	return cold, base.Sub(cold)
}
