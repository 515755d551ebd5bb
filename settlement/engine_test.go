package settlement_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coldstore/settlement"
	"github.com/warp/coldstore/settlement/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin    = settlement.Actor{ID: "u-admin", Name: "admin", Role: settlement.RoleAdmin}
	operator = settlement.Actor{ID: "u-op", Name: "clerk", Role: settlement.RoleOperator}
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// testClock advances one second per call so history order is unambiguous.
func testClock() func() time.Time {
	var n atomic.Int64
	start := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func testIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%04d", n.Add(1)) }
}

func newTestEngine(t *testing.T) (*settlement.Engine, *store.Memory) {
	t.Helper()
	return newTestEngineWith(t, nil)
}

func newTestEngineWith(t *testing.T, configure func(*settlement.Options)) (*settlement.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts := settlement.DefaultOptions()
	opts.Now = testClock()
	opts.NewID = testIDs()
	if configure != nil {
		configure(&opts)
	}
	return settlement.NewEngine(mem, opts), mem
}

// bagLot is 100 ration bags at 5 + 2 per bag.
func bagLot(t *testing.T, e *settlement.Engine) settlement.Lot {
	t.Helper()
	lot, err := e.CreateLot(context.Background(), operator, settlement.LotInput{
		StorageYear: 2025,
		Farmer:      settlement.Farmer{Name: "Ramesh", Village: "Deesa"},
		BagCategory: settlement.BagRation,
		Grade:       settlement.GradeGood,
		Position:    settlement.Position{Chamber: "A", Floor: "1", Slot: "12"},
		Quantity:    100,
		Rates:       &settlement.Rates{ColdCharge: d("5"), Handling: d("2"), Unit: settlement.ChargePerBag},
	})
	require.NoError(t, err)
	return lot
}

// weightLot is 100 seed bags, 5000 kg, at 5 + 2 per quintal.
func weightLot(t *testing.T, e *settlement.Engine) settlement.Lot {
	t.Helper()
	lot, err := e.CreateLot(context.Background(), operator, settlement.LotInput{
		StorageYear:      2025,
		Farmer:           settlement.Farmer{Name: "Suresh"},
		BagCategory:      settlement.BagSeed,
		Grade:            settlement.GradeAverage,
		Quantity:         100,
		InitialNetWeight: d("5000"),
		Rates:            &settlement.Rates{ColdCharge: d("5"), Handling: d("2"), Unit: settlement.ChargePerWeight},
	})
	require.NoError(t, err)
	return lot
}

func sellDue(t *testing.T, e *settlement.Engine, lotID settlement.LotID, qty int) settlement.Sale {
	t.Helper()
	sale, err := e.CreateSale(context.Background(), operator, settlement.SaleRequest{
		LotID:     lotID,
		Quantity:  qty,
		BuyerName: "Mandi Traders",
		Extras:    &settlement.Extras{Weighing: d("10")},
		Payment:   settlement.PaymentIntent{Status: settlement.StatusDue},
	})
	require.NoError(t, err)
	return sale
}

func remaining(t *testing.T, e *settlement.Engine, id settlement.LotID) int {
	t.Helper()
	lot, err := e.GetLot(context.Background(), id)
	require.NoError(t, err)
	return lot.RemainingQuantity
}

// =============================================================================
// CREATE LOT
// =============================================================================

func TestCreateLot_AssignsSequentialNumbersPerCategory(t *testing.T) {
	// GIVEN: Two ration lots and one seed lot in the same year
	// WHEN: Lot numbers are left blank
	// THEN: Numbers count up per category

	e, _ := newTestEngine(t)
	r1 := bagLot(t, e)
	r2 := bagLot(t, e)
	s1 := weightLot(t, e)

	assert.Equal(t, 1, r1.LotNumber)
	assert.Equal(t, 2, r2.LotNumber)
	assert.Equal(t, 1, s1.LotNumber)
	assert.Equal(t, 100, r1.RemainingQuantity)
	assert.Equal(t, 1, r1.Version)
}

func TestCreateLot_RejectsDuplicateNumber(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	bagLot(t, e)

	_, err := e.CreateLot(ctx, operator, settlement.LotInput{
		LotNumber:   1,
		StorageYear: 2025,
		Farmer:      settlement.Farmer{Name: "Other"},
		BagCategory: settlement.BagRation,
		Grade:       settlement.GradePoor,
		Quantity:    10,
		Rates:       &settlement.Rates{ColdCharge: d("5"), Handling: d("2"), Unit: settlement.ChargePerBag},
	})
	assert.ErrorIs(t, err, settlement.ErrValidation)
}

func TestCreateLot_WeightModeRequiresNetWeight(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateLot(context.Background(), operator, settlement.LotInput{
		StorageYear: 2025,
		Farmer:      settlement.Farmer{Name: "Suresh"},
		BagCategory: settlement.BagSeed,
		Grade:       settlement.GradeGood,
		Quantity:    100,
		Rates:       &settlement.Rates{ColdCharge: d("5"), Handling: d("2"), Unit: settlement.ChargePerWeight},
	})
	assert.ErrorIs(t, err, settlement.ErrValidation)
}

func TestCreateLot_RatesFromPricingProfile(t *testing.T) {
	// GIVEN: A 2025 rate card with seed rates
	// WHEN: A seed lot is deposited without explicit rates
	// THEN: The lot takes the card's rates and unit

	ctx := context.Background()
	e, _ := newTestEngine(t)
	require.NoError(t, e.SavePricingProfile(ctx, admin, settlement.PricingProfile{
		Name:        "season-2025",
		StorageYear: 2025,
		Unit:        settlement.ChargePerBag,
		Rates: map[settlement.BagCategory]settlement.Rates{
			settlement.BagSeed: {ColdCharge: d("6"), Handling: d("2.5")},
		},
	}))

	lot, err := e.CreateLot(ctx, operator, settlement.LotInput{
		StorageYear: 2025,
		Farmer:      settlement.Farmer{Name: "Suresh"},
		BagCategory: settlement.BagSeed,
		Grade:       settlement.GradeGood,
		Quantity:    40,
	})
	require.NoError(t, err)
	assert.True(t, lot.Rates.ColdCharge.Equal(d("6")))
	assert.True(t, lot.Rates.Handling.Equal(d("2.5")))
	assert.Equal(t, settlement.ChargePerBag, lot.Rates.Unit)

	// No rates for ration on the card
	_, err = e.CreateLot(ctx, operator, settlement.LotInput{
		StorageYear: 2025,
		Farmer:      settlement.Farmer{Name: "Suresh"},
		BagCategory: settlement.BagRation,
		Grade:       settlement.GradeGood,
		Quantity:    40,
	})
	assert.ErrorIs(t, err, settlement.ErrValidation)
}

func TestCreateLot_WritesCreatedHistory(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	h, err := e.LotHistory(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, settlement.LotChangeCreated, h[0].ChangeType)
	assert.Nil(t, h[0].Before)
	assert.Equal(t, 100, h[0].After.RemainingQuantity)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorization_OperatorCannotEditOrReverse(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 10)

	name := "X"
	_, err := e.EditSale(ctx, operator, sale.ID, settlement.SaleChanges{BuyerName: &name})
	assert.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = e.ReverseSale(ctx, operator, sale.ID)
	assert.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = e.EditLot(ctx, operator, lot.ID, settlement.LotChanges{FarmerName: &name})
	assert.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = e.ReverseLotEdit(ctx, operator, lot.ID)
	assert.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = e.CreateSale(ctx, settlement.Actor{ID: "anon"}, settlement.SaleRequest{LotID: lot.ID, Quantity: 1, BuyerName: "B"})
	assert.ErrorIs(t, err, settlement.ErrForbidden)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestOutstanding_ExcludesReversedSales(t *testing.T) {
	// GIVEN: Two due sales of 220 and 150, the second one reversed
	// WHEN: Aggregating outstanding balances
	// THEN: Only the first sale counts

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	// 210 base + 10 weighing, then 10 weighing only
	first := sellDue(t, e, lot.ID, 30)
	second := sellDue(t, e, lot.ID, 20)

	_, err := e.ReverseSale(ctx, admin, second.ID)
	require.NoError(t, err)

	out, err := e.Outstanding(ctx, settlement.SaleFilter{IncludeReversed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sales)
	assert.True(t, out.Total.Equal(first.Charge.Total), "total: %s", out.Total)
	assert.True(t, out.Due.Equal(d("220")))
	assert.True(t, out.Paid.IsZero())

	all, err := e.ListSales(ctx, settlement.SaleFilter{IncludeReversed: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQueries_NotFound(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.GetLot(ctx, "missing")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	_, err = e.GetSale(ctx, "missing")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	_, err = e.LotHistory(ctx, "missing")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	_, err = e.SaleHistory(ctx, "missing")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestListLots_Filters(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	bagLot(t, e)
	weightLot(t, e)

	seed := settlement.BagSeed
	lots, err := e.ListLots(ctx, settlement.LotFilter{BagCategory: &seed})
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "Suresh", lots[0].Farmer.Name)

	lots, err = e.ListLots(ctx, settlement.LotFilter{FarmerName: "rame"})
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, settlement.BagRation, lots[0].BagCategory)
}
