package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"pdvmarket/internal/cart"
	"pdvmarket/internal/domain"
	"pdvmarket/internal/metrics"
	"pdvmarket/internal/payment"
	"pdvmarket/internal/store"
	"pdvmarket/internal/store/memory"
)

var (
	productA = domain.Product{ID: "prod-a", Name: "Produto A", PriceCents: 500, StockQty: 10, Active: true}
	productB = domain.Product{ID: "prod-b", Name: "Produto B", PriceCents: 300, StockQty: 10, Active: true}
)

func newCoordinator(t *testing.T, repo Store, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(repo, opts...)
}

// sampleCart is 2 x A at 5.00 plus 1 x B at 3.00 with 1.00 off.
func sampleCart(t *testing.T, a, b domain.Product) domain.CartSnapshot {
	t.Helper()
	c := cart.New()
	_, err := c.AddLine(a, 2)
	require.NoError(t, err)
	_, err = c.AddLine(b, 1)
	require.NoError(t, err)
	require.NoError(t, c.SetDiscount(100))
	return c.Finalize()
}

func cash(tendered int64) []domain.PaymentIntent {
	return []domain.PaymentIntent{{Method: domain.PaymentCash, TenderedCents: tendered}}
}

func TestCommitSaleCashScenario(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)

	snapshot := sampleCart(t, productA, productB)
	require.Equal(t, int64(1300), snapshot.SubtotalCents)
	require.Equal(t, int64(1200), snapshot.TotalCents)

	res, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:           snapshot,
		Payments:       cash(2000),
		IdempotencyKey: "idem-1",
		OperatorID:     "cashier",
		TerminalID:     "PDV-01",
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	sale := res.Sale
	assert.Equal(t, "NF-000001", sale.InvoiceNumber.String())
	assert.Equal(t, domain.SaleStatusIssued, sale.Status)
	assert.Equal(t, int64(1300), sale.SubtotalCents)
	assert.Equal(t, int64(100), sale.DiscountCents)
	assert.Equal(t, int64(1200), sale.TotalCents)
	assert.Equal(t, int64(800), sale.ChangeCents())
	require.Len(t, sale.Payments, 1)
	assert.Equal(t, int64(2000), sale.Payments[0].TenderedCents)

	stockA, _ := repo.Stock("prod-a")
	stockB, _ := repo.Stock("prod-b")
	assert.Equal(t, 8, stockA)
	assert.Equal(t, 9, stockB)
}

func TestCommitSaleOutOfStockLeavesNoTrace(t *testing.T) {
	emptyB := productB
	emptyB.StockQty = 0
	repo := memory.New(memory.WithProducts(productA, emptyB))
	co := newCoordinator(t, repo)

	_, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:           sampleCart(t, productA, emptyB),
		Payments:       cash(2000),
		IdempotencyKey: "idem-1",
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.False(t, IsOutcomeUnknown(err))

	var ce *CommitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, StatePersisting, ce.State)

	assert.Zero(t, repo.SaleCount())
	assert.Equal(t, domain.InvoiceNumber(0), repo.LastInvoiceNumber())
	stockA, _ := repo.Stock("prod-a")
	assert.Equal(t, 10, stockA)

	_, found, err := co.LookupByIdempotency(context.Background(), "idem-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCommitSaleDeferredWithoutCustomer(t *testing.T) {
	repo := &recordingStore{}
	co := newCoordinator(t, repo)

	_, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:     sampleCart(t, productA, productB),
		Payments: []domain.PaymentIntent{{Method: domain.PaymentDeferred}},
	})
	require.ErrorIs(t, err, payment.ErrCustomerRequired)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, repo.txCalls)
}

func TestCommitSaleDeferredStampsCustomer(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)

	res, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:     sampleCart(t, productA, productB),
		Payments: []domain.PaymentIntent{{Method: domain.PaymentDeferred, CustomerID: "cust-0001"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cust-0001", res.Sale.CustomerID)
}

func TestCommitSaleRejectsInconsistentSnapshot(t *testing.T) {
	repo := &recordingStore{}
	co := newCoordinator(t, repo)

	snapshot := sampleCart(t, productA, productB)
	snapshot.TotalCents = 1

	_, err := co.CommitSale(context.Background(), CommitRequest{Cart: snapshot, Payments: cash(2000)})
	require.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.Equal(t, KindValidation, KindOf(err))

	snapshot = sampleCart(t, productA, productB)
	snapshot.Lines[0].Qty = 0
	_, err = co.CommitSale(context.Background(), CommitRequest{Cart: snapshot, Payments: cash(2000)})
	require.ErrorIs(t, err, cart.ErrInvalidQuantity)

	_, err = co.CommitSale(context.Background(), CommitRequest{Payments: cash(0)})
	require.ErrorIs(t, err, payment.ErrEmptyCart)
	assert.Zero(t, repo.txCalls)
}

func TestCommitSaleIsIdempotent(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	m := metrics.New()
	co := newCoordinator(t, repo, WithMetrics(m))
	req := CommitRequest{
		Cart:           sampleCart(t, productA, productB),
		Payments:       cash(2000),
		IdempotencyKey: "idem-42",
	}

	first, err := co.CommitSale(context.Background(), req)
	require.NoError(t, err)
	second, err := co.CommitSale(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sale.ID, second.Sale.ID)
	assert.Equal(t, first.Sale.InvoiceNumber, second.Sale.InvoiceNumber)
	assert.Equal(t, 1, repo.SaleCount())

	stockA, _ := repo.Stock("prod-a")
	assert.Equal(t, 8, stockA)
}

func TestCommitSaleConcurrentSameKeyCommitsOnce(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)
	req := CommitRequest{
		Cart:           sampleCart(t, productA, productB),
		Payments:       cash(2000),
		IdempotencyKey: "idem-race",
	}

	const workers = 8
	ids := make([]string, workers)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			res, err := co.CommitSale(ctx, req)
			if err != nil {
				return err
			}
			ids[i] = res.Sale.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, repo.SaleCount())
	stockB, _ := repo.Stock("prod-b")
	assert.Equal(t, 9, stockB)
}

func TestCommitSaleConcurrentNumbersAreDistinct(t *testing.T) {
	a := productA
	a.StockQty = 1000
	b := productB
	b.StockQty = 1000
	repo := memory.New(memory.WithProducts(a, b))
	co := newCoordinator(t, repo)

	snapshot := sampleCart(t, a, b)
	const workers = 25
	var mu sync.Mutex
	seen := make([]int, 0, workers)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			res, err := co.CommitSale(ctx, CommitRequest{
				Cart:           snapshot,
				Payments:       cash(1200),
				IdempotencyKey: fmt.Sprintf("idem-%d", i),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			seen = append(seen, int(res.Sale.InvoiceNumber))
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Ints(seen)
	for i, n := range seen {
		assert.Equal(t, i+1, n)
	}
}

func TestCommitSaleTwoRegistersAfter41(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB), memory.WithInvoiceSequence(41))
	co := newCoordinator(t, repo)

	snapshot := sampleCart(t, productA, productB)
	results := make([]domain.InvoiceNumber, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for i, terminal := range []string{"PDV-01", "PDV-02"} {
		g.Go(func() error {
			res, err := co.CommitSale(ctx, CommitRequest{
				Cart:       snapshot,
				Payments:   []domain.PaymentIntent{{Method: domain.PaymentPix}},
				TerminalID: terminal,
			})
			if err != nil {
				return err
			}
			results[i] = res.Sale.InvoiceNumber
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.ElementsMatch(t, []domain.InvoiceNumber{42, 43}, results)
}

func TestCommitSaleRetriesTransientConflict(t *testing.T) {
	repo := &conflictingStore{
		Store:     memory.New(memory.WithProducts(productA, productB)),
		conflicts: 2,
	}
	m := metrics.New()
	co := newCoordinator(t, repo, WithMetrics(m), WithMaxRetries(3))

	res, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:     sampleCart(t, productA, productB),
		Payments: cash(1200),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceNumber(1), res.Sale.InvoiceNumber)
	assert.Equal(t, 3, repo.calls)
}

func TestCommitSaleGivesUpAfterRetries(t *testing.T) {
	repo := &conflictingStore{
		Store:     memory.New(memory.WithProducts(productA, productB)),
		conflicts: 10,
	}
	co := newCoordinator(t, repo, WithMaxRetries(1))

	_, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:     sampleCart(t, productA, productB),
		Payments: cash(1200),
	})
	require.ErrorIs(t, err, store.ErrTxConflict)
	assert.Equal(t, KindInfrastructure, KindOf(err))
	assert.Equal(t, 2, repo.calls)
}

func TestCommitSaleTimeoutLeavesOutcomeUnknown(t *testing.T) {
	repo := &blockingStore{}
	co := newCoordinator(t, repo, WithCommitTimeout(20*time.Millisecond))

	_, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:           sampleCart(t, productA, productB),
		Payments:       cash(1200),
		IdempotencyKey: "idem-slow",
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindInfrastructure, KindOf(err))
	assert.True(t, IsOutcomeUnknown(err))
}

func TestCancelSaleRestocksAndOnlyOnce(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)
	ctx := context.Background()

	res, err := co.CommitSale(ctx, CommitRequest{Cart: sampleCart(t, productA, productB), Payments: cash(1200)})
	require.NoError(t, err)

	cancelled, err := co.CancelSale(ctx, res.Sale.ID, "customer gave up")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Sale.Status)
	assert.Equal(t, 3, cancelled.Restocked)
	require.NotNil(t, cancelled.Sale.CancelledAt)

	stockA, _ := repo.Stock("prod-a")
	stockB, _ := repo.Stock("prod-b")
	assert.Equal(t, 10, stockA)
	assert.Equal(t, 10, stockB)

	_, err = co.CancelSale(ctx, res.Sale.ID, "again")
	require.ErrorIs(t, err, store.ErrNotCancellable)
	assert.Equal(t, KindConflict, KindOf(err))
	stockA, _ = repo.Stock("prod-a")
	assert.Equal(t, 10, stockA)

	_, err = co.CancelSale(ctx, "sale-missing", "")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestSettleSaleBlocksCancellation(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)
	ctx := context.Background()

	res, err := co.CommitSale(ctx, CommitRequest{Cart: sampleCart(t, productA, productB), Payments: cash(1200)})
	require.NoError(t, err)

	settled, err := co.SettleSale(ctx, res.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusSettled, settled.Status)
	require.NotNil(t, settled.SettledAt)

	_, err = co.SettleSale(ctx, res.Sale.ID)
	require.ErrorIs(t, err, store.ErrNotSettleable)

	_, err = co.CancelSale(ctx, res.Sale.ID, "too late")
	require.ErrorIs(t, err, store.ErrNotCancellable)
}

func TestLookupByIdempotencyUsesCache(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	sales := &mapCache{entries: map[string]*domain.Sale{}}
	co := newCoordinator(t, repo, WithCache(sales))
	ctx := context.Background()

	res, err := co.CommitSale(ctx, CommitRequest{
		Cart:           sampleCart(t, productA, productB),
		Payments:       cash(1200),
		IdempotencyKey: "idem-cache",
	})
	require.NoError(t, err)
	require.Contains(t, sales.entries, "idem-cache")

	got, found, err := co.LookupByIdempotency(ctx, "idem-cache")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Sale.ID, got.ID)

	_, found, err = co.LookupByIdempotency(ctx, "  ")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCommitSaleRetryAfterRepriceReturnsOriginal(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)
	ctx := context.Background()

	first, err := co.CommitSale(ctx, CommitRequest{
		Cart:           sampleCart(t, productA, productB),
		Payments:       cash(1200),
		IdempotencyKey: "idem-reprice",
	})
	require.NoError(t, err)

	// The register rebuilt the cart after a price change and its exact cash
	// tender no longer covers the total.
	pricier := productA
	pricier.PriceCents = 700
	retry, err := co.CommitSale(ctx, CommitRequest{
		Cart:           sampleCart(t, pricier, productB),
		Payments:       cash(1200),
		IdempotencyKey: "idem-reprice",
	})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Sale.InvoiceNumber, retry.Sale.InvoiceNumber)
	assert.Equal(t, int64(1200), retry.Sale.TotalCents)

	// An inconsistent snapshot is not even looked at once the key is known.
	broken := sampleCart(t, productA, productB)
	broken.TotalCents = 1
	retry, err = co.CommitSale(ctx, CommitRequest{Cart: broken, IdempotencyKey: "idem-reprice"})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)

	assert.Equal(t, 1, repo.SaleCount())
	stockA, _ := repo.Stock("prod-a")
	assert.Equal(t, 8, stockA)
}

func TestCommitSaleSplitTenderStoresEveryPart(t *testing.T) {
	repo := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, repo)

	res, err := co.CommitSale(context.Background(), CommitRequest{
		Cart: sampleCart(t, productA, productB),
		Payments: []domain.PaymentIntent{
			{Method: domain.PaymentPix, AmountCents: 700},
			{Method: domain.PaymentCash, TenderedCents: 1000},
		},
		IdempotencyKey: "idem-split",
	})
	require.NoError(t, err)

	stored, err := repo.FindSaleByID(context.Background(), res.Sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payments, 2)
	assert.Equal(t, domain.PaymentPix, stored.Payments[0].Method)
	assert.Equal(t, int64(700), stored.Payments[0].AmountCents)
	assert.Equal(t, domain.PaymentCash, stored.Payments[1].Method)
	assert.Equal(t, int64(500), stored.Payments[1].AmountCents)
	assert.Equal(t, int64(500), stored.ChangeCents())
}

func TestCommitSaleSplitTenderRejectsShortfall(t *testing.T) {
	repo := &recordingStore{}
	co := newCoordinator(t, repo)

	_, err := co.CommitSale(context.Background(), CommitRequest{
		Cart: sampleCart(t, productA, productB),
		Payments: []domain.PaymentIntent{
			{Method: domain.PaymentDebit, AmountCents: 500},
			{Method: domain.PaymentPix, AmountCents: 500},
		},
	})
	require.ErrorIs(t, err, payment.ErrInsufficientPayment)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, repo.txCalls)
}

func TestCommitSaleLastUnitGoesToOneRegister(t *testing.T) {
	lastA := productA
	lastA.StockQty = 1
	repo := memory.New(memory.WithProducts(lastA))
	co := newCoordinator(t, repo)

	c := cart.New()
	_, err := c.AddLine(lastA, 1)
	require.NoError(t, err)
	snapshot := c.Finalize()

	const registers = 2
	errs := make([]error, registers)
	var g errgroup.Group
	for i := 0; i < registers; i++ {
		g.Go(func() error {
			_, errs[i] = co.CommitSale(context.Background(), CommitRequest{
				Cart:           snapshot,
				Payments:       cash(500),
				IdempotencyKey: fmt.Sprintf("idem-last-%d", i),
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
			assert.Equal(t, KindConflict, KindOf(err))
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, outOfStock)

	stockA, _ := repo.Stock("prod-a")
	assert.Equal(t, 0, stockA)
	assert.Equal(t, 1, repo.SaleCount())
	assert.Equal(t, domain.InvoiceNumber(1), repo.LastInvoiceNumber())
}

func TestCommitSaleIdempotencyLookupIsBounded(t *testing.T) {
	repo := &slowLookupStore{}
	co := newCoordinator(t, repo, WithCommitTimeout(20*time.Millisecond))

	started := time.Now()
	_, err := co.CommitSale(context.Background(), CommitRequest{
		Cart:           sampleCart(t, productA, productB),
		Payments:       cash(1200),
		IdempotencyKey: "idem-stuck",
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)

	var ce *CommitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, StateValidating, ce.State)
	assert.Equal(t, KindInfrastructure, ce.Kind)
	assert.False(t, ce.OutcomeUnknown)
	assert.Zero(t, repo.txCalls)
}

func TestCommitSaleInvoiceCollisionIsInfrastructure(t *testing.T) {
	base := memory.New(memory.WithProducts(productA, productB))
	co := newCoordinator(t, base)
	_, err := co.CommitSale(context.Background(), CommitRequest{Cart: sampleCart(t, productA, productB), Payments: cash(1200)})
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	co = New(&staleSequenceStore{Store: base, number: 1}, WithLogger(zap.New(core)), WithMaxRetries(3))

	_, err = co.CommitSale(context.Background(), CommitRequest{Cart: sampleCart(t, productA, productB), Payments: cash(1200)})
	require.ErrorIs(t, err, store.ErrInvoiceNumberTaken)
	assert.Equal(t, KindInfrastructure, KindOf(err))
	assert.False(t, IsOutcomeUnknown(err))
	assert.Equal(t, 1, base.SaleCount())
	assert.Equal(t, 1, logs.FilterMessageSnippet("invoice sequence is behind").Len())
}

type recordingStore struct {
	txCalls int
}

func (s *recordingStore) WithinTx(_ context.Context, _ func(tx store.Tx) error) error {
	s.txCalls++
	return errors.New("unexpected transaction")
}

func (s *recordingStore) FindSaleByIdempotency(_ context.Context, _ string) (*domain.Sale, error) {
	return nil, store.ErrNotFound
}

func (s *recordingStore) FindSaleByID(_ context.Context, _ string) (*domain.Sale, error) {
	return nil, store.ErrNotFound
}

// conflictingStore fails the first n transactions with store.ErrTxConflict.
type conflictingStore struct {
	*memory.Store
	conflicts int
	calls     int
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.calls++
	if s.calls <= s.conflicts {
		return fmt.Errorf("%w: deadlock detected", store.ErrTxConflict)
	}
	return s.Store.WithinTx(ctx, fn)
}

type blockingStore struct {
	recordingStore
}

func (s *blockingStore) WithinTx(ctx context.Context, _ func(tx store.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

// slowLookupStore never answers an idempotency lookup before ctx ends.
type slowLookupStore struct {
	recordingStore
}

func (s *slowLookupStore) FindSaleByIdempotency(ctx context.Context, _ string) (*domain.Sale, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// staleSequenceStore hands out a fixed invoice number, as a sequence that
// fell behind the sales table would.
type staleSequenceStore struct {
	*memory.Store
	number domain.InvoiceNumber
}

func (s *staleSequenceStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(staleSequenceTx{Tx: tx, number: s.number})
	})
}

type staleSequenceTx struct {
	store.Tx
	number domain.InvoiceNumber
}

func (tx staleSequenceTx) NextInvoiceNumber(_ context.Context) (domain.InvoiceNumber, error) {
	return tx.number, nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*domain.Sale
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Sale, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sale, ok := c.entries[key]
	return sale, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, sale *domain.Sale, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = sale
	return nil
}
