package settlement_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coldstore/settlement"
)

func ptr[T any](v T) *T { return &v }

func historyFields(h []settlement.SaleHistoryEntry) map[string]settlement.SaleHistoryEntry {
	out := make(map[string]settlement.SaleHistoryEntry, len(h))
	for _, e := range h {
		out[e.Field] = e
	}
	return out
}

// =============================================================================
// EDIT SALE
// =============================================================================

func TestEditSale_DueToPartial(t *testing.T) {
	// GIVEN: A due sale with total 220
	// WHEN: Editing to partial with 100 paid
	// THEN: paid 100, due 120, one history row per changed field

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	edited, err := e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{
		Status:      ptr(settlement.StatusPartial),
		PaidAmount:  ptr(d("100")),
		PaymentMode: ptr(settlement.ModeCash),
	})
	require.NoError(t, err)

	assert.Equal(t, settlement.StatusPartial, edited.Status)
	assert.True(t, edited.PaidAmount.Equal(d("100")))
	assert.True(t, edited.DueAmount.Equal(d("120")))
	assert.Equal(t, settlement.ModeCash, edited.PaymentMode)
	assert.Equal(t, sale.Version+1, edited.Version)

	h, err := e.SaleHistory(ctx, sale.ID)
	require.NoError(t, err)
	fields := historyFields(h)
	assert.Len(t, h, 4)
	assert.Equal(t, "due", fields[settlement.FieldPaymentStatus].OldValue)
	assert.Equal(t, "partial", fields[settlement.FieldPaymentStatus].NewValue)
	assert.Equal(t, "0", fields[settlement.FieldPaidAmount].OldValue)
	assert.Equal(t, "100", fields[settlement.FieldPaidAmount].NewValue)
	assert.Equal(t, "220", fields[settlement.FieldDueAmount].OldValue)
	assert.Equal(t, "120", fields[settlement.FieldDueAmount].NewValue)
	assert.Equal(t, "cash", fields[settlement.FieldPaymentMode].NewValue)
}

func TestEditSale_RecomputeCarriesPaidForward(t *testing.T) {
	// GIVEN: A partial sale, 100 paid of 220
	// WHEN: The cold-charge rate drops so the total falls to 100
	// THEN: The status is forced to paid

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	_, err := e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{
		Status:      ptr(settlement.StatusPartial),
		PaidAmount:  ptr(d("100")),
		PaymentMode: ptr(settlement.ModeAccount),
	})
	require.NoError(t, err)

	// (1 + 2) * 30 + 10 = 100
	edited, err := e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{RateColdCharge: ptr(d("1"))})
	require.NoError(t, err)

	assert.True(t, edited.Charge.Total.Equal(d("100")), "total: %s", edited.Charge.Total)
	assert.Equal(t, settlement.StatusPaid, edited.Status)
	assert.True(t, edited.PaidAmount.Equal(d("100")))
	assert.True(t, edited.DueAmount.IsZero())
	assert.Equal(t, settlement.ModeAccount, edited.PaymentMode)
}

func TestEditSale_RecomputeRaisesDue(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	edited, err := e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{Grading: ptr(d("30"))})
	require.NoError(t, err)

	assert.True(t, edited.Charge.Total.Equal(d("250")))
	assert.Equal(t, settlement.StatusDue, edited.Status)
	assert.True(t, edited.DueAmount.Equal(d("250")))

	h, err := e.SaleHistory(ctx, sale.ID)
	require.NoError(t, err)
	fields := historyFields(h)
	assert.Contains(t, fields, settlement.FieldGrading)
	assert.Contains(t, fields, settlement.FieldTotalCharge)
	assert.Contains(t, fields, settlement.FieldDueAmount)
	assert.NotContains(t, fields, settlement.FieldPaymentStatus)
}

func TestEditSale_NoChangeWritesNothing(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	edited, err := e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{BuyerName: ptr("Mandi Traders")})
	require.NoError(t, err)
	assert.Equal(t, sale.Version, edited.Version)

	h, err := e.SaleHistory(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestEditSale_ZeroTotalKeepsStatus(t *testing.T) {
	// GIVEN: A due sale whose total is 0 because the base was already billed
	// WHEN: Only the buyer name changes
	// THEN: The sale stays due and only the buyer name is recorded

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sellDue(t, e, lot.ID, 30)

	free, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID: lot.ID, Quantity: 5, BuyerName: "B",
		Payment: settlement.PaymentIntent{Status: settlement.StatusDue},
	})
	require.NoError(t, err)
	require.True(t, free.Charge.Total.IsZero())
	require.Equal(t, settlement.StatusDue, free.Status)

	edited, err := e.EditSale(ctx, admin, free.ID, settlement.SaleChanges{BuyerName: ptr("Deesa Traders")})
	require.NoError(t, err)

	assert.Equal(t, "Deesa Traders", edited.BuyerName)
	assert.Equal(t, settlement.StatusDue, edited.Status)
	assert.Equal(t, settlement.ModeNone, edited.PaymentMode)
	assert.True(t, edited.PaidAmount.IsZero())

	h, err := e.SaleHistory(ctx, free.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, settlement.FieldBuyerName, h[0].Field)
}

func TestEditSale_Rejects(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	_, err := e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{BuyerName: ptr("  ")})
	assert.ErrorIs(t, err, settlement.ErrValidation)

	_, err = e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{Weighing: ptr(decimal.NewFromInt(-1))})
	assert.ErrorIs(t, err, settlement.ErrValidation)

	_, err = e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{Status: ptr(settlement.StatusPaid)})
	assert.ErrorIs(t, err, settlement.ErrValidation, "paid requires a payment mode")

	_, err = e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{ExpectedVersion: 99, BuyerName: ptr("New")})
	assert.ErrorIs(t, err, settlement.ErrConcurrentModification)

	_, err = e.EditSale(ctx, admin, "missing", settlement.SaleChanges{BuyerName: ptr("New")})
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestEditSale_ReversedSaleIsFrozen(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	_, err := e.ReverseSale(ctx, admin, sale.ID)
	require.NoError(t, err)

	_, err = e.EditSale(ctx, admin, sale.ID, settlement.SaleChanges{BuyerName: ptr("New")})
	assert.ErrorIs(t, err, settlement.ErrAlreadyReversed)
}

// =============================================================================
// EDIT LOT
// =============================================================================

func TestEditLot_RecordsChangeset(t *testing.T) {
	// GIVEN: A lot
	// WHEN: Changing the farmer's village and the chamber
	// THEN: One edit row listing exactly those two fields

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	edited, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{
		FarmerVillage: ptr("Palanpur"),
		Chamber:       ptr("B"),
		FarmerName:    ptr("Ramesh"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Palanpur", edited.Farmer.Village)
	assert.Equal(t, lot.Version+1, edited.Version)

	h, err := e.LotHistory(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, h, 2)

	row := h[0]
	assert.Equal(t, settlement.LotChangeEdit, row.ChangeType)
	require.Len(t, row.Changes, 2)
	assert.Equal(t, settlement.FieldChange{Field: settlement.FieldFarmerVillage, Old: "Deesa", New: "Palanpur"}, row.Changes[0])
	assert.Equal(t, settlement.FieldChange{Field: settlement.FieldChamber, Old: "A", New: "B"}, row.Changes[1])
	require.NotNil(t, row.Before)
	assert.Equal(t, "A", row.Before.Position.Chamber)
	assert.Equal(t, "B", row.After.Position.Chamber)
}

func TestEditLot_OriginalQuantityMovesRemaining(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sellDue(t, e, lot.ID, 30)

	edited, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{OriginalQuantity: ptr(120)})
	require.NoError(t, err)
	assert.Equal(t, 90, edited.RemainingQuantity)

	_, err = e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{OriginalQuantity: ptr(20)})
	assert.ErrorIs(t, err, settlement.ErrValidation, "cannot drop below the 30 bags sold")
}

func TestEditLot_VersionGuard(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sellDue(t, e, lot.ID, 10) // bumps the lot version

	_, err := e.EditLot(ctx, admin, lot.ID, settlement.LotChanges{
		ExpectedVersion: lot.Version,
		Slot:            ptr("7"),
	})
	assert.ErrorIs(t, err, settlement.ErrConcurrentModification)
}

func TestEditLot_LotNumberStaysUnique(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	bagLot(t, e)
	second := bagLot(t, e)

	_, err := e.EditLot(ctx, admin, second.ID, settlement.LotChanges{LotNumber: ptr(1)})
	assert.ErrorIs(t, err, settlement.ErrValidation)

	edited, err := e.EditLot(ctx, admin, second.ID, settlement.LotChanges{LotNumber: ptr(9)})
	require.NoError(t, err)
	assert.Equal(t, 9, edited.LotNumber)
}
