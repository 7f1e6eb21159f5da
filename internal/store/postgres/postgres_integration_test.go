package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"pdvmarket/internal/checkout"
	"pdvmarket/internal/domain"
	"pdvmarket/internal/store"
)

func setupIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("PDV_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("PDV_TEST_DATABASE_URL not set")
	}

	logger := zaptest.NewLogger(t)
	migrator, err := NewMigrator(databaseURL, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	ctx := context.Background()
	s, err := New(ctx, databaseURL, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.db.ExecContext(ctx, `TRUNCATE sale_payments, sale_lines, sales, invoice_sequence, audit_logs, products CASCADE`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price_cents, stock_qty, active)
		VALUES ('it-a', 'Produto A', 500, 100, true), ('it-b', 'Produto B', 300, 1, true)
	`)
	require.NoError(t, err)
	return s
}

func commitOne(ctx context.Context, s *Store, saleID string, productID string, qty int) (domain.InvoiceNumber, error) {
	var number domain.InvoiceNumber
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.NextInvoiceNumber(ctx)
		if err != nil {
			return err
		}
		number = n
		sale := domain.Sale{
			ID:            saleID,
			InvoiceNumber: n,
			OperatorID:    "it",
			TerminalID:    "PDV-IT",
			Status:        domain.SaleStatusIssued,
			CreatedAt:     time.Now().UTC(),
			Lines:         []domain.SaleLine{{ProductID: productID, Name: productID, Qty: qty, UnitPriceCents: 100}},
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		return tx.DecrementIfAvailable(ctx, productID, qty)
	})
	return number, err
}

func TestIntegrationConcurrentCommitsGetDistinctNumbers(t *testing.T) {
	s := setupIntegrationStore(t)
	ctx := context.Background()

	const workers = 20
	var mu sync.Mutex
	numbers := make([]int, 0, workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			n, err := commitOne(gctx, s, fmt.Sprintf("it-sale-%d", i), "it-a", 1)
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, int(n))
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Ints(numbers)
	for i, n := range numbers {
		assert.Equal(t, i+1, n)
	}

	p, err := s.GetProduct(ctx, "it-a")
	require.NoError(t, err)
	assert.Equal(t, 100-workers, p.StockQty)
}

func TestIntegrationFailedCommitLeavesNoTrace(t *testing.T) {
	s := setupIntegrationStore(t)
	ctx := context.Background()

	_, err := commitOne(ctx, s, "it-sale-ok", "it-b", 1)
	require.NoError(t, err)

	_, err = commitOne(ctx, s, "it-sale-fail", "it-b", 1)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	_, err = s.FindSaleByID(ctx, "it-sale-fail")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The rolled-back allocation must not leave a gap.
	n, err := commitOne(ctx, s, "it-sale-next", "it-a", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceNumber(2), n)
}

func TestIntegrationLastUnitRaceSellsOnce(t *testing.T) {
	s := setupIntegrationStore(t)
	co := checkout.New(s, checkout.WithLogger(zaptest.NewLogger(t)))

	snapshot := domain.CartSnapshot{
		Lines:         []domain.CartLine{{LineID: "line-1", ProductID: "it-b", Name: "Produto B", UnitPriceCents: 300, Qty: 1}},
		SubtotalCents: 300,
		TotalCents:    300,
	}

	const registers = 2
	errs := make([]error, registers)
	var g errgroup.Group
	for i := 0; i < registers; i++ {
		g.Go(func() error {
			_, errs[i] = co.CommitSale(context.Background(), checkout.CommitRequest{
				Cart:           snapshot,
				Payments:       []domain.PaymentIntent{{Method: domain.PaymentPix}},
				IdempotencyKey: fmt.Sprintf("it-last-%d", i),
				TerminalID:     fmt.Sprintf("PDV-%02d", i+1),
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded, outOfStock := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, outOfStock)

	ctx := context.Background()
	p, err := s.GetProduct(ctx, "it-b")
	require.NoError(t, err)
	assert.Equal(t, 0, p.StockQty)

	var sales, lastInvoice int64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&sales))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT last_value FROM invoice_sequence WHERE id = 1`).Scan(&lastInvoice))
	assert.Equal(t, int64(1), sales)
	assert.Equal(t, int64(1), lastInvoice)
}
