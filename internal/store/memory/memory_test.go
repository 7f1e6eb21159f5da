package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvmarket/internal/domain"
	"pdvmarket/internal/store"
)

func newSale(id string, number domain.InvoiceNumber, key string) domain.Sale {
	return domain.Sale{
		ID:             id,
		InvoiceNumber:  number,
		IdempotencyKey: key,
		Status:         domain.SaleStatusIssued,
		TotalCents:     500,
		CreatedAt:      time.Now().UTC(),
		Lines:          []domain.SaleLine{{ProductID: "p-a", Name: "A", Qty: 1, UnitPriceCents: 500}},
		Payments:       []domain.SalePayment{{Method: domain.PaymentPix, AmountCents: 500}},
	}
}

func TestWithinTxAppliesOnSuccess(t *testing.T) {
	s := New(WithProducts(domain.Product{ID: "p-a", PriceCents: 500, StockQty: 3, Active: true}))
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.NextInvoiceNumber(ctx)
		if err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, newSale("sale-1", n, "idem-1")); err != nil {
			return err
		}
		return tx.DecrementIfAvailable(ctx, "p-a", 2)
	})
	require.NoError(t, err)

	stock, _ := s.Stock("p-a")
	assert.Equal(t, 1, stock)
	assert.Equal(t, domain.InvoiceNumber(1), s.LastInvoiceNumber())

	sale, err := s.FindSaleByIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, "sale-1", sale.ID)
}

func TestWithinTxDiscardsOnError(t *testing.T) {
	s := New(
		WithProducts(domain.Product{ID: "p-a", PriceCents: 500, StockQty: 3, Active: true}),
		WithInvoiceSequence(41),
	)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.NextInvoiceNumber(ctx)
		if err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, newSale("sale-1", n, "idem-1")); err != nil {
			return err
		}
		if err := tx.DecrementIfAvailable(ctx, "p-a", 2); err != nil {
			return err
		}
		return tx.DecrementIfAvailable(ctx, "p-a", 2)
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	stock, _ := s.Stock("p-a")
	assert.Equal(t, 3, stock)
	assert.Equal(t, domain.InvoiceNumber(41), s.LastInvoiceNumber())
	assert.Zero(t, s.SaleCount())
}

func TestWithinTxSkipsApplyWhenContextCancelled(t *testing.T) {
	s := New(WithProducts(domain.Product{ID: "p-a", PriceCents: 500, StockQty: 3, Active: true}))
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		cancel()
		return tx.DecrementIfAvailable(ctx, "p-a", 1)
	})
	require.ErrorIs(t, err, context.Canceled)

	stock, _ := s.Stock("p-a")
	assert.Equal(t, 3, stock)
}

func TestInsertSaleRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-1", 1, "idem-1"))
	}))

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-2", 2, "idem-1"))
	})
	assert.ErrorIs(t, err, store.ErrDuplicateIdempotency)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-3", 1, ""))
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestDecrementUnknownProduct(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DecrementIfAvailable(ctx, "missing", 1)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSaleStatusAndLock(t *testing.T) {
	s := New(WithProducts(domain.Product{ID: "p-a", PriceCents: 500, StockQty: 0, Active: true}))
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-1", 1, ""))
	}))

	at := time.Now().UTC()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, "sale-1")
		if err != nil {
			return err
		}
		sale.Status = domain.SaleStatusCancelled
		sale.CancelReason = "customer gave up"
		sale.CancelledAt = &at
		if err := tx.UpdateSaleStatus(ctx, *sale); err != nil {
			return err
		}
		return tx.Restock(ctx, "p-a", 1)
	}))

	sale, err := s.FindSaleByID(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, sale.Status)
	assert.Equal(t, "customer gave up", sale.CancelReason)
	stock, _ := s.Stock("p-a")
	assert.Equal(t, 1, stock)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockSale(ctx, "sale-404")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindSaleReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-1", 1, "idem-1"))
	}))

	first, err := s.FindSaleByID(ctx, "sale-1")
	require.NoError(t, err)
	first.Lines[0].Qty = 99

	second, err := s.FindSaleByID(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Lines[0].Qty)
}

func TestEnsureInvoiceSequenceRaisesToMax(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-9", 9, ""))
	}))

	s.mu.Lock()
	s.lastInvoice = 3
	s.mu.Unlock()

	last, err := s.EnsureInvoiceSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceNumber(9), last)
}

func TestFindCustomerByIDOrDocument(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	byID, err := s.FindCustomer(ctx, "cust-0001")
	require.NoError(t, err)
	byDoc, err := s.FindCustomer(ctx, "123.456.789-09")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, byDoc.ID)

	_, err = s.FindCustomer(ctx, "000.000.000-00")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.FindCustomer(ctx, "  ")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestNewSeededUsersAreHashed(t *testing.T) {
	s := NewSeeded()
	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.NotEqual(t, "admin123", u.Password)
		assert.NotEqual(t, "cashier123", u.Password)
	}
}

func TestInsertSaleRejectsTakenInvoiceNumber(t *testing.T) {
	s := New(WithProducts(domain.Product{ID: "p-a", PriceCents: 500, StockQty: 3, Active: true}))
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-1", 5, ""))
	}))

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-2", 5, ""))
	})
	require.ErrorIs(t, err, store.ErrInvoiceNumberTaken)
	assert.False(t, errors.Is(err, store.ErrInvalidTransaction))

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertSale(ctx, newSale("sale-3", 6, "")); err != nil {
			return err
		}
		return tx.InsertSale(ctx, newSale("sale-4", 6, ""))
	})
	require.ErrorIs(t, err, store.ErrInvoiceNumberTaken)
	assert.Equal(t, 1, s.SaleCount())
}

func TestFindSaleByInvoiceNumber(t *testing.T) {
	s := New(WithProducts(domain.Product{ID: "p-a", PriceCents: 500, StockQty: 3, Active: true}))
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale("sale-9", 9, "idem-9"))
	}))

	sale, err := s.FindSaleByInvoiceNumber(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "sale-9", sale.ID)

	_, err = s.FindSaleByInvoiceNumber(ctx, 10)
	require.ErrorIs(t, err, store.ErrNotFound)
}
