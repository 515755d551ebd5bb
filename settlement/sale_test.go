package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coldstore/settlement"
)

func TestCreateSale_BagModeScenario(t *testing.T) {
	// GIVEN: 100 bags at 5 + 2 per bag
	// WHEN: Selling 30 bags on the actual basis with weighing 10
	// THEN: Total 220, remaining 70, status due

	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	sale := sellDue(t, e, lot.ID, 30)

	assert.True(t, sale.Charge.Base.Equal(d("210")), "base: %s", sale.Charge.Base)
	assert.True(t, sale.Charge.Total.Equal(d("220")), "total: %s", sale.Charge.Total)
	assert.Equal(t, settlement.StatusDue, sale.Status)
	assert.True(t, sale.DueAmount.Equal(d("220")))
	assert.True(t, sale.PaidAmount.IsZero())
	assert.Equal(t, settlement.ModeNone, sale.PaymentMode)
	assert.Equal(t, settlement.SalePartial, sale.Kind)
	assert.Equal(t, settlement.BasisActual, sale.Pricing.Basis)
	assert.Equal(t, 70, remaining(t, e, lot.ID))
}

func TestCreateSale_WeightModeScenario(t *testing.T) {
	// GIVEN: 5000 kg over 100 bags at a combined 7 per quintal
	// WHEN: Selling 40 bags
	// THEN: Base 140, paid in cash

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := weightLot(t, e)

	sale, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID:     lot.ID,
		Quantity:  40,
		BuyerName: "Agra Cold Traders",
		Payment:   settlement.PaymentIntent{Status: settlement.StatusPaid, Mode: settlement.ModeCash},
	})
	require.NoError(t, err)

	assert.True(t, sale.Charge.Base.Equal(d("140")), "base: %s", sale.Charge.Base)
	assert.Equal(t, settlement.SplitDirectHandling, sale.Charge.Split)
	assert.True(t, sale.PaidAmount.Equal(d("140")))
	assert.True(t, sale.DueAmount.IsZero())
	assert.True(t, sale.Pricing.NetWeight.Equal(d("5000")))
	assert.Equal(t, 100, sale.Pricing.OriginalLotSize)
}

func TestCreateSale_Validation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	tests := []struct {
		name string
		req  settlement.SaleRequest
	}{
		{"zero quantity", settlement.SaleRequest{LotID: lot.ID, Quantity: 0, BuyerName: "B"}},
		{"missing buyer", settlement.SaleRequest{LotID: lot.ID, Quantity: 5, BuyerName: "   "}},
		{"unknown basis", settlement.SaleRequest{LotID: lot.ID, Quantity: 5, BuyerName: "B", Basis: "everything"}},
		{"final not exhausting", settlement.SaleRequest{LotID: lot.ID, Quantity: 5, BuyerName: "B", Final: true}},
		{"paid without mode", settlement.SaleRequest{LotID: lot.ID, Quantity: 5, BuyerName: "B",
			Payment: settlement.PaymentIntent{Status: settlement.StatusPaid}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateSale(ctx, operator, tt.req)
			assert.ErrorIs(t, err, settlement.ErrValidation)
		})
	}

	// Nothing was depleted by the rejected requests
	assert.Equal(t, 100, remaining(t, e, lot.ID))
}

func TestCreateSale_InsufficientInventory(t *testing.T) {
	// GIVEN: 100 bags
	// WHEN: Asking for 101
	// THEN: Rejected with the remaining count, lot untouched

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	_, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID: lot.ID, Quantity: 101, BuyerName: "B",
		Payment: settlement.PaymentIntent{Status: settlement.StatusDue},
	})
	require.ErrorIs(t, err, settlement.ErrInsufficientInventory)

	var iie *settlement.InsufficientInventoryError
	require.ErrorAs(t, err, &iie)
	assert.Equal(t, 100, iie.Remaining)
	assert.Equal(t, 101, iie.Requested)
	assert.Equal(t, 100, remaining(t, e, lot.ID))

	sales, err := e.ListSales(ctx, settlement.SaleFilter{IncludeReversed: true})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCreateSale_UnknownLot(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateSale(context.Background(), operator, settlement.SaleRequest{
		LotID: "nope", Quantity: 1, BuyerName: "B",
	})
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestCreateSale_BaseChargedOncePerLot(t *testing.T) {
	// GIVEN: A sale of 30 bags has already billed the lot's base
	// WHEN: Selling the remaining 70
	// THEN: The second base is 0, the sale is final, and the lot is empty

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	first := sellDue(t, e, lot.ID, 30)
	assert.False(t, first.Pricing.BaseAlreadyBilled)

	second, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID: lot.ID, Quantity: 70, BuyerName: "B", Final: true,
		Payment: settlement.PaymentIntent{Status: settlement.StatusDue},
	})
	require.NoError(t, err)

	assert.True(t, second.Pricing.BaseAlreadyBilled)
	assert.True(t, second.Charge.Base.IsZero())
	assert.True(t, second.Charge.Total.IsZero())
	assert.Equal(t, settlement.SaleFinal, second.Kind)
	assert.Equal(t, 0, remaining(t, e, lot.ID))

	got, err := e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseChargeBilled)
}

func TestCreateSale_TotalRemainingBasisConsumesBase(t *testing.T) {
	// GIVEN: The first sale bills the whole remaining 100 bags
	// WHEN: A second sale follows
	// THEN: The first base covers 100 bags and the second base is 0

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	first, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID: lot.ID, Quantity: 30, BuyerName: "B", Basis: settlement.BasisTotalRemaining,
	})
	require.NoError(t, err)
	assert.True(t, first.Charge.Base.Equal(d("700")), "base: %s", first.Charge.Base)
	assert.Equal(t, 100, first.Pricing.BasisQuantity)

	second := sellDue(t, e, lot.ID, 20)
	assert.True(t, second.Charge.Base.IsZero())
}

func TestCreateSale_PerSaleBaseWhenRuleDisabled(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngineWith(t, func(o *settlement.Options) { o.BaseChargeOncePerLot = false })
	lot := bagLot(t, e)

	sellDue(t, e, lot.ID, 30)
	second := sellDue(t, e, lot.ID, 20)
	assert.True(t, second.Charge.Base.Equal(d("140")), "base: %s", second.Charge.Base)

	got, err := e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.False(t, got.BaseChargeBilled)
}

func TestCreateSale_RateOverride(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	cold := d("4")
	sale, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID: lot.ID, Quantity: 10, BuyerName: "B",
		Rates: &settlement.RateOverride{ColdCharge: &cold},
	})
	require.NoError(t, err)
	assert.True(t, sale.Charge.Base.Equal(d("60")), "base: %s", sale.Charge.Base)

	// The lot's own rates are untouched
	got, err := e.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.Rates.ColdCharge.Equal(d("5")))
}

func TestCreateSale_WritesLotHistory(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	h, err := e.LotHistory(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, h, 2)

	latest := h[0]
	assert.Equal(t, settlement.LotChangePartialSale, latest.ChangeType)
	require.NotNil(t, latest.Before)
	assert.Equal(t, 100, latest.Before.RemainingQuantity)
	assert.Equal(t, 70, latest.After.RemainingQuantity)
	require.NotNil(t, latest.Sale)
	assert.Equal(t, sale.ID, latest.Sale.SaleID)
	assert.Equal(t, "Mandi Traders", latest.Sale.BuyerName)
	assert.Equal(t, settlement.StatusDue, latest.Sale.PaymentStatus)
	assert.Equal(t, operator.ID, latest.ActorID)
}

func TestQuote_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	c, err := e.Quote(ctx, settlement.QuoteRequest{LotID: lot.ID, Quantity: 30, Extras: &settlement.Extras{Weighing: d("10")}})
	require.NoError(t, err)
	assert.True(t, c.Total.Equal(d("220")))
	assert.Equal(t, 100, remaining(t, e, lot.ID))

	_, err = e.Quote(ctx, settlement.QuoteRequest{LotID: lot.ID, Quantity: 200})
	assert.ErrorIs(t, err, settlement.ErrInsufficientInventory)
}

func TestCreateSale_ProfileDefaultExtras(t *testing.T) {
	// GIVEN: A 2025 rate card with weighing 10 and grading 5 as default extras
	// WHEN: Quoting and selling without extras, then selling with explicit zero extras
	// THEN: The defaults are billed only when the request carries no extras

	ctx := context.Background()
	e, _ := newTestEngine(t)
	require.NoError(t, e.SavePricingProfile(ctx, admin, settlement.PricingProfile{
		Name:        "season-2025",
		StorageYear: 2025,
		Unit:        settlement.ChargePerBag,
		Rates: map[settlement.BagCategory]settlement.Rates{
			settlement.BagRation: {ColdCharge: d("5"), Handling: d("2")},
		},
		DefaultExtras: settlement.Extras{Weighing: d("10"), Grading: d("5")},
	}))
	lot, err := e.CreateLot(ctx, operator, settlement.LotInput{
		StorageYear: 2025,
		Farmer:      settlement.Farmer{Name: "Ramesh"},
		BagCategory: settlement.BagRation,
		Grade:       settlement.GradeGood,
		Quantity:    100,
	})
	require.NoError(t, err)

	// 30 x (5 + 2) + 10 + 5 = 225
	c, err := e.Quote(ctx, settlement.QuoteRequest{LotID: lot.ID, Quantity: 30})
	require.NoError(t, err)
	assert.True(t, c.Total.Equal(d("225")), "total: %s", c.Total)

	sale, err := e.CreateSale(ctx, operator, settlement.SaleRequest{LotID: lot.ID, Quantity: 30, BuyerName: "B"})
	require.NoError(t, err)
	assert.True(t, sale.Charge.Total.Equal(d("225")), "total: %s", sale.Charge.Total)
	assert.True(t, sale.Extras.Weighing.Equal(d("10")))
	assert.True(t, sale.Extras.Grading.Equal(d("5")))

	explicit, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
		LotID: lot.ID, Quantity: 10, BuyerName: "B", Extras: &settlement.Extras{},
	})
	require.NoError(t, err)
	assert.True(t, explicit.Charge.Total.IsZero(), "total: %s", explicit.Charge.Total)
}
