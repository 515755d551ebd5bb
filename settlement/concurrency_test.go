package settlement_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/coldstore/settlement"
	"github.com/warp/coldstore/settlement/store"
)

// =============================================================================
// CONCURRENT SALES
// =============================================================================

func TestConcurrentSales_NeverOversell(t *testing.T) {
	// GIVEN: A lot with 100 bags
	// WHEN: 20 concurrent sales of 7 bags each
	// THEN: Exactly floor(100/7) = 14 succeed, the rest are insufficient inventory

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)

	var ok, short atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := e.CreateSale(ctx, operator, settlement.SaleRequest{
				LotID: lot.ID, Quantity: 7, BuyerName: "B",
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, settlement.ErrInsufficientInventory):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(14), ok.Load())
	assert.Equal(t, int32(6), short.Load())
	assert.Equal(t, 2, remaining(t, e, lot.ID))

	sales, err := e.ListSales(ctx, settlement.SaleFilter{})
	require.NoError(t, err)
	assert.Len(t, sales, 14)
}

func TestConcurrentReversals_RestoreOnce(t *testing.T) {
	// GIVEN: One sale of 30 bags
	// WHEN: 10 concurrent reversals
	// THEN: One succeeds, nine see ErrAlreadyReversed, remaining is 100

	ctx := context.Background()
	e, _ := newTestEngine(t)
	lot := bagLot(t, e)
	sale := sellDue(t, e, lot.ID, 30)

	var ok, already atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := e.ReverseSale(ctx, admin, sale.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, settlement.ErrAlreadyReversed):
				already.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), already.Load())
	assert.Equal(t, 100, remaining(t, e, lot.ID))
}

// =============================================================================
// STORAGE FAILURE
// =============================================================================

var errDiskFull = errors.New("disk full")

// failingStore fails every history append, after the inventory decrement
// has already been applied inside the transaction.
type failingStore struct {
	*store.Memory
}

func (s failingStore) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx settlement.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

type failingTx struct {
	settlement.Tx
}

func (failingTx) AppendLotHistory(context.Context, settlement.LotHistoryEntry) error {
	return errDiskFull
}

func TestCreateSale_StorageFailureRollsBack(t *testing.T) {
	// GIVEN: A store whose history write fails
	// WHEN: Settling a sale
	// THEN: ErrStorageFailure, and neither the decrement nor the sale survive

	ctx := context.Background()
	mem := store.NewMemory()
	seed := settlement.NewEngine(mem, settlement.DefaultOptions())
	lot := bagLot(t, seed)

	e := settlement.NewEngine(failingStore{Memory: mem}, settlement.DefaultOptions())
	_, err := e.CreateSale(ctx, operator, settlement.SaleRequest{LotID: lot.ID, Quantity: 30, BuyerName: "B"})

	require.ErrorIs(t, err, settlement.ErrStorageFailure)
	assert.ErrorIs(t, err, errDiskFull)

	got, err := mem.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.RemainingQuantity)
	assert.False(t, got.BaseChargeBilled)

	sales, err := mem.ListSales(ctx, settlement.SaleFilter{IncludeReversed: true})
	require.NoError(t, err)
	assert.Empty(t, sales)
}
