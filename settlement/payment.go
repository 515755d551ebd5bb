/*
payment.go - Payment Reconciliation

PURPOSE:
  Derives paid/due/status for a sale and checks the money invariants before
  anything is persisted. Due is always derived from total and paid; it is
  never set directly.

TARGET STATUS:
  paid:    paid = total, due = 0
  due:     paid = 0, due = total, payment mode cleared
  partial: paid = clamp(requested, 0, total), due = total - paid

  A partial request that clamps to 0 becomes due; one that clamps to the
  total becomes paid.

RECOMPUTATION:
  When a charge-affecting field changes, the total is recomputed first and
  the existing paid amount is carried forward and re-clamped against it.
  due == 0 forces paid, paid == 0 forces due, anything else is partial.
  An edit that changes neither the charge nor a payment field keeps the
  stored state.

SEE ALSO:
  - edit.go: EditSale calls these after recomputing the charge
  - sale.go: CreateSale applies the initial intent
*/
package settlement

import (
	"github.com/shopspring/decimal"
)

// PaymentIntent is what the caller asks for.
type PaymentIntent struct {
	Status PaymentStatus
	// PaidAmount is read only for StatusPartial.
	PaidAmount decimal.Decimal
	Mode       PaymentMode
}

// PaymentState is the derived result.
type PaymentState struct {
	Paid   decimal.Decimal
	Due    decimal.Decimal
	Status PaymentStatus
	Mode   PaymentMode
}

// ApplyPayment derives the payment state for a target status.
func ApplyPayment(total decimal.Decimal, intent PaymentIntent) (PaymentState, error) {
	if !intent.Status.Valid() {
		return PaymentState{}, invalid("payment_status", "unknown status %q", intent.Status)
	}
	if intent.Status != StatusDue && !intent.Mode.Valid() {
		return PaymentState{}, invalid("payment_mode", "cash or account required when status is %s", intent.Status)
	}

	switch intent.Status {
	case StatusPaid:
		return PaymentState{Paid: total, Due: decimal.Zero, Status: StatusPaid, Mode: intent.Mode}, nil
	case StatusDue:
		return PaymentState{Paid: decimal.Zero, Due: total, Status: StatusDue, Mode: ModeNone}, nil
	}

	paid := clampMoney(RoundMoney(intent.PaidAmount), total)
	return normalize(total, paid, intent.Mode), nil
}

// CarryForward re-derives the payment state for a new total, keeping the
// amount already paid.
func CarryForward(total, paid decimal.Decimal, mode PaymentMode) PaymentState {
	return normalize(total, clampMoney(paid, total), mode)
}

func normalize(total, paid decimal.Decimal, mode PaymentMode) PaymentState {
	due := decimal.Max(decimal.Zero, total.Sub(paid))
	switch {
	case due.IsZero():
		return PaymentState{Paid: paid, Due: due, Status: StatusPaid, Mode: mode}
	case paid.IsZero():
		return PaymentState{Paid: paid, Due: due, Status: StatusDue, Mode: ModeNone}
	default:
		return PaymentState{Paid: paid, Due: due, Status: StatusPartial, Mode: mode}
	}
}

func clampMoney(v, max decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}

// CheckMoneyInvariants verifies a sale's amounts. It never adjusts them.
func CheckMoneyInvariants(id SaleID, total decimal.Decimal, st PaymentState) error {
	fail := func(reason string) error {
		return &InconsistentChargeError{SaleID: id, Reason: reason, Total: total, Paid: st.Paid, Due: st.Due, Status: st.Status}
	}

	if total.IsNegative() || st.Paid.IsNegative() || st.Due.IsNegative() {
		return fail("negative amount")
	}
	if st.Paid.Add(st.Due).Sub(total).Abs().GreaterThan(MoneyTolerance) {
		return fail("paid + due does not equal total")
	}
	switch st.Status {
	case StatusPaid:
		if !st.Due.IsZero() {
			return fail("paid sale has an amount due")
		}
	case StatusDue:
		if !st.Paid.IsZero() {
			return fail("due sale has an amount paid")
		}
	case StatusPartial:
		if !st.Paid.IsPositive() || !st.Paid.LessThan(total) {
			return fail("partial payment outside (0, total)")
		}
	default:
		return fail("unknown status")
	}
	return nil
}

func (s Sale) paymentState() PaymentState {
	return PaymentState{Paid: s.PaidAmount, Due: s.DueAmount, Status: s.Status, Mode: s.PaymentMode}
}

func (s *Sale) setPayment(st PaymentState) {
	s.PaidAmount = st.Paid
	s.DueAmount = st.Due
	s.Status = st.Status
	s.PaymentMode = st.Mode
}
