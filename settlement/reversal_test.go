package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// SALE REVERSAL
// =============================================================================

func TestReverseSale_RestoresInventory(t *testing.T) {
	// GIVEN: The bag-mode sale of 30 bags (remaining 70)
	// WHEN: Reversing it
	// THEN: Remaining is 100 again, amounts on the sale are unchanged

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)
	require.Equal(t, 70, remaining(t, e, lot.ID))

	reversed, err := e.ReverseSale(ctx, admin, sale.ID)
	require.NoError(t, err)

	assert.True(t, reversed.Reversed)
	require.NotNil(t, reversed.ReversedAt)
	assert.Equal(t, 100, remaining(t, e, lot.ID))

	stored, err := e.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.Reversed)
	assert.True(t, stored.PaidAmount.Equal(sale.PaidAmount))
	assert.True(t, stored.DueAmount.Equal(sale.DueAmount))
	assert.Equal(t, sale.Status, stored.Status)
}

func TestReverseSale_SecondReversalFails(t *testing.T) {
	// GIVEN: A reversed sale
	// WHEN: Reversing it again
	// THEN: ErrAlreadyReversed, and inventory was restored exactly once

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sellDue(t, e, lot.ID, 50)
	sale := sellDue(t, e, lot.ID, 30)

	_, err := e.ReverseSale(ctx, admin, sale.ID)
	require.NoError(t, err)
	_, err = e.ReverseSale(ctx, admin, sale.ID)
	assert.ErrorIs(t, err, settlement.ErrAlreadyReversed)

	assert.Equal(t, 50, remaining(t, e, lot.ID))

	h, err := e.SaleHistory(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, settlement.FieldReversed, h[0].Field)
	assert.Equal(t, "false", h[0].OldValue)
	assert.Equal(t, "true", h[0].NewValue)
}

func TestReverseSale_WritesLotHistory(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	_, err := e.ReverseSale(ctx, admin, sale.ID)
	require.NoError(t, err)

	h, err := e.LotHistory(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, settlement.LotChangeSaleReversal, h[0].ChangeType)
	assert.Equal(t, 70, h[0].Before.RemainingQuantity)
	assert.Equal(t, 100, h[0].After.RemainingQuantity)
	assert.Equal(t, sale.ID, h[0].Sale.SaleID)
}

func TestReverseSale_ReleasesBaseCharge(t *testing.T) {
	// GIVEN: The sale that billed the lot's base, then a base-free sale
	// WHEN: Reversing the base-billing sale
	// THEN: The lot's billed flag clears and the next sale bills the base again

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	first := sellDue(t, e, lot.ID, 30)
	second := sellDue(t, e, lot.ID, 20)
	require.True(t, second.Charge.Base.IsZero())

	_, err := e.ReverseSale(ctx, admin, second.ID)
	require.NoError(t, err)
	got, err := e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseChargeBilled, "reversing a base-free sale keeps the flag")

	_, err = e.ReverseSale(ctx, admin, first.ID)
	require.NoError(t, err)
	got, err = e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.False(t, got.BaseChargeBilled)

	third := sellDue(t, e, lot.ID, 10)
	assert.True(t, third.Charge.Base.Equal(d("70")), "base: %s", third.Charge.Base)
}

func TestReverseSale_BaseRebilledWhileLaterSaleLive(t *testing.T) {
	// GIVEN: Sale A billed the lot's base, sale B after it did not
	// WHEN: A is reversed while B stays live, then sale C follows
	// THEN: The flag clears, B keeps its zero base, and C bills the base again

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	a := sellDue(t, e, lot.ID, 30)
	b := sellDue(t, e, lot.ID, 20)
	require.True(t, b.Charge.Base.IsZero())

	_, err := e.ReverseSale(ctx, admin, a.ID)
	require.NoError(t, err)

	got, err := e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.False(t, got.BaseChargeBilled)
	assert.Equal(t, 80, got.RemainingQuantity)

	b, err = e.GetSale(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, b.Reversed)
	assert.True(t, b.Charge.Base.IsZero())

	// 10 x (5 + 2) = 70
	c := sellDue(t, e, lot.ID, 10)
	assert.False(t, c.Pricing.BaseAlreadyBilled)
	assert.True(t, c.Charge.Base.Equal(d("70")), "base: %s", c.Charge.Base)

	got, err = e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseChargeBilled)
}

func TestReverseSale_InventoryInvariantOverSequence(t *testing.T) {
	// GIVEN: A sequence of sales and reversals
	// WHEN: Checking after every step
	// THEN: 0 <= remaining <= original always holds

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	var sales []settlement.Sale
	for _, q := range []int{10, 25, 40, 25} {
		sales = append(sales, sellDue(t, e, lot.ID, q))
		r := remaining(t, e, lot.ID)
		assert.GreaterOrEqual(t, r, 0)
		assert.LessOrEqual(t, r, 100)
	}
	assert.Equal(t, 0, remaining(t, e, lot.ID))

	for _, s := range sales {
		_, err := e.ReverseSale(ctx, admin, s.ID)
		require.NoError(t, err)
		r := remaining(t, e, lot.ID)
		assert.LessOrEqual(t, r, 100)
	}
	assert.Equal(t, 100, remaining(t, e, lot.ID))
}

// =============================================================================
// LOT EDIT REVERSAL
// =============================================================================

func TestReverseLotEdit_RestoresFields(t *testing.T) {
	// GIVEN: A lot whose chamber and rate were edited
	// WHEN: Undoing the edit
	// THEN: Both fields return, and a restoration row points at the undone edit

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	_, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{
		Chamber:        ptr("C"),
		RateColdCharge: ptr(d("6")),
	})
	require.NoError(t, err)

	restored, err := e.ReverseLotEdit(ctx, admin, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", restored.Position.Chamber)
	assert.True(t, restored.Rates.ColdCharge.Equal(d("5")))

	h, err := e.LotHistory(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, settlement.LotChangeEdit, h[0].ChangeType)
	assert.Equal(t, h[1].ID, h[0].RevertsID)
	assert.Len(t, h[0].Changes, 2)
}

func TestReverseLotEdit_IsOneShot(t *testing.T) {
	// GIVEN: An edit that has been undone
	// WHEN: Undoing again
	// THEN: ErrNoReversibleEdit; the restoration itself is not undoable

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	_, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{Slot: ptr("99")})
	require.NoError(t, err)
	_, err = e.ReverseLotEdit(ctx, admin, lot.ID)
	require.NoError(t, err)

	_, err = e.ReverseLotEdit(ctx, admin, lot.ID)
	assert.ErrorIs(t, err, settlement.ErrNoReversibleEdit)

	got, err := e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, "12", got.Position.Slot)
}

func TestReverseLotEdit_IgnoresSaleRows(t *testing.T) {
	// GIVEN: A lot with an edit followed by a sale
	// WHEN: Undoing
	// THEN: The edit is undone, the sale is untouched

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	_, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{Grade: ptr(settlement.GradePoor)})
	require.NoError(t, err)
	sellDue(t, e, lot.ID, 30)

	restored, err := e.ReverseLotEdit(ctx, admin, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.GradeGood, restored.Grade)
	assert.Equal(t, 70, restored.RemainingQuantity)
}

func TestReverseLotEdit_NothingToUndo(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sellDue(t, e, lot.ID, 30)

	_, err := e.ReverseLotEdit(ctx, admin, lot.ID)
	assert.ErrorIs(t, err, settlement.ErrNoReversibleEdit)
}

func TestReverseLotEdit_QuantityRestoreBlockedBySales(t *testing.T) {
	// GIVEN: Original raised 100 -> 150, then 120 bags sold
	// WHEN: Undoing the raise
	// THEN: Rejected, 100 original cannot cover 120 sold

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	_, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{OriginalQuantity: ptr(150)})
	require.NoError(t, err)
	sellDue(t, e, lot.ID, 120)

	_, err = e.ReverseLotEdit(ctx, admin, lot.ID)
	assert.ErrorIs(t, err, settlement.ErrValidation)
	assert.Equal(t, 30, remaining(t, e, lot.ID))
}
