// Package checkout turns a finalized cart into a durable sale. One commit
// allocates the invoice number, stores the sale with its lines and payments,
// and decrements stock inside a single store transaction, so either all of it
// happens or none of it does.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"pdvmarket/internal/cache"
	"pdvmarket/internal/cart"
	"pdvmarket/internal/domain"
	"pdvmarket/internal/inventory"
	"pdvmarket/internal/invoice"
	"pdvmarket/internal/metrics"
	"pdvmarket/internal/payment"
	"pdvmarket/internal/store"
	"pdvmarket/internal/xid"
)

const (
	defaultCommitTimeout = 10 * time.Second
	defaultMaxRetries    = 3
	defaultCacheTTL      = 24 * time.Hour
)

// Store is the part of store.Repository the coordinator needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx store.Tx) error) error
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
}

type CommitRequest struct {
	Cart domain.CartSnapshot
	// Payments holds the tender parts. See payment.Build for how they must
	// add up to the cart total.
	Payments       []domain.PaymentIntent
	IdempotencyKey string
	OperatorID     string
	TerminalID     string
}

type CommitResult struct {
	Sale *domain.Sale
	// Duplicate is set when the idempotency key had already been committed and
	// Sale is the earlier result.
	Duplicate bool
}

type CancelResult struct {
	Sale      *domain.Sale
	Restocked int
}

type Coordinator struct {
	repo          Store
	allocator     *invoice.Allocator
	ledger        *inventory.Ledger
	cache         cache.SaleCache
	cacheTTL      time.Duration
	metrics       *metrics.Checkout
	logger        *zap.Logger
	commitTimeout time.Duration
	maxRetries    uint64
	now           func() time.Time
}

type Option func(*Coordinator)

func WithCache(c cache.SaleCache) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.cache = c
		}
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(co *Coordinator) {
		if ttl > 0 {
			co.cacheTTL = ttl
		}
	}
}

func WithMetrics(m *metrics.Checkout) Option {
	return func(co *Coordinator) { co.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(co *Coordinator) {
		if logger != nil {
			co.logger = logger
		}
	}
}

// WithCommitTimeout bounds each blocking operation. Zero disables the bound.
func WithCommitTimeout(d time.Duration) Option {
	return func(co *Coordinator) { co.commitTimeout = d }
}

// WithMaxRetries sets how many times a transaction is retried after a
// transient store conflict.
func WithMaxRetries(n int) Option {
	return func(co *Coordinator) {
		if n >= 0 {
			co.maxRetries = uint64(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) {
		if now != nil {
			co.now = now
		}
	}
}

func New(repo Store, opts ...Option) *Coordinator {
	co := &Coordinator{
		repo:          repo,
		cache:         cache.NoopSaleCache{},
		cacheTTL:      defaultCacheTTL,
		logger:        zap.NewNop(),
		commitTimeout: defaultCommitTimeout,
		maxRetries:    defaultMaxRetries,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(co)
	}
	co.logger = co.logger.Named("checkout")
	co.allocator = invoice.NewAllocator(co.logger)
	co.ledger = inventory.NewLedger(co.logger)
	return co
}

// CommitSale commits the sale for a finalized cart. A key that was already
// committed returns the stored sale with Duplicate set before the request is
// validated again, so a retry after prices or stock moved still gets the
// original result and causes no further side effects.
func (c *Coordinator) CommitSale(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	started := time.Now()
	key := strings.TrimSpace(req.IdempotencyKey)

	txCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	if key != "" {
		existing, found, err := c.lookup(txCtx, key)
		if err != nil {
			return nil, c.failCommit(StateValidating, err, key, started)
		}
		if found {
			return c.duplicate(existing, started), nil
		}
	}

	payments, err := validate(req.Cart, req.Payments)
	if err != nil {
		return nil, c.failCommit(StateValidating, err, key, started)
	}

	draft := domain.Sale{
		ID:             xid.New("sale"),
		IdempotencyKey: key,
		CustomerID:     saleCustomer(req),
		OperatorID:     req.OperatorID,
		TerminalID:     req.TerminalID,
		SubtotalCents:  req.Cart.SubtotalCents,
		DiscountCents:  req.Cart.DiscountCents,
		TotalCents:     req.Cart.TotalCents,
		Status:         domain.SaleStatusIssued,
		Lines:          saleLines(req.Cart.Lines),
		Payments:       payments,
	}

	state := StateAllocating
	var committed domain.Sale
	err = c.runTx(txCtx, func(tx store.Tx) error {
		state = StateAllocating
		number, err := c.allocator.Next(txCtx, tx)
		if err != nil {
			return err
		}

		state = StatePersisting
		sale := draft
		sale.InvoiceNumber = number
		sale.CreatedAt = c.now()
		if err := tx.InsertSale(txCtx, sale); err != nil {
			return err
		}
		if err := c.ledger.Decrement(txCtx, tx, sale.Lines); err != nil {
			return err
		}
		committed = sale
		return nil
	})
	if err != nil {
		if key != "" && errors.Is(err, store.ErrDuplicateIdempotency) {
			// Lost the race against a concurrent commit with the same key.
			existing, lookupErr := c.repo.FindSaleByIdempotency(txCtx, key)
			if lookupErr == nil {
				c.remember(ctx, existing)
				return c.duplicate(existing, started), nil
			}
			err = errors.Join(err, lookupErr)
		}
		return nil, c.failCommit(state, err, key, started)
	}

	c.metrics.ObserveCommit(metrics.OutcomeCommitted, time.Since(started))
	c.remember(ctx, &committed)
	c.logger.Info("sale committed",
		zap.String("sale_id", committed.ID),
		zap.String("invoice", committed.InvoiceNumber.String()),
		zap.String("terminal_id", committed.TerminalID),
		zap.String("operator_id", committed.OperatorID),
		zap.Int64("total_cents", committed.TotalCents),
		zap.Duration("elapsed", time.Since(started)),
	)
	return &CommitResult{Sale: &committed}, nil
}

// CancelSale moves an issued sale to cancelled and puts every unit back in
// stock in the same transaction.
func (c *Coordinator) CancelSale(ctx context.Context, saleID string, reason string) (*CancelResult, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, newError(StateValidating, ErrMissingSaleID)
	}

	txCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var updated domain.Sale
	restocked := 0
	err := c.runTx(txCtx, func(tx store.Tx) error {
		sale, err := tx.LockSale(txCtx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusIssued {
			return fmt.Errorf("%w: sale %s is %s", store.ErrNotCancellable, sale.ID, sale.Status)
		}

		at := c.now()
		sale.Status = domain.SaleStatusCancelled
		sale.CancelledAt = &at
		sale.CancelReason = strings.TrimSpace(reason)
		if err := tx.UpdateSaleStatus(txCtx, *sale); err != nil {
			return err
		}
		units, err := c.ledger.Restock(txCtx, tx, sale.Lines)
		if err != nil {
			return err
		}
		restocked = units
		updated = *sale
		return nil
	})
	if err != nil {
		ce := newError(StatePersisting, err)
		c.metrics.ObserveStatusChange(string(domain.SaleStatusCancelled), string(ce.Kind))
		c.logger.Warn("sale cancellation failed", zap.String("sale_id", saleID), zap.String("kind", string(ce.Kind)), zap.Error(err))
		return nil, ce
	}

	c.metrics.ObserveStatusChange(string(domain.SaleStatusCancelled), metrics.OutcomeCommitted)
	c.remember(ctx, &updated)
	c.logger.Info("sale cancelled",
		zap.String("sale_id", updated.ID),
		zap.String("invoice", updated.InvoiceNumber.String()),
		zap.Int("restocked_units", restocked),
	)
	return &CancelResult{Sale: &updated, Restocked: restocked}, nil
}

func (c *Coordinator) SettleSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, newError(StateValidating, ErrMissingSaleID)
	}

	txCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	var updated domain.Sale
	err := c.runTx(txCtx, func(tx store.Tx) error {
		sale, err := tx.LockSale(txCtx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusIssued {
			return fmt.Errorf("%w: sale %s is %s", store.ErrNotSettleable, sale.ID, sale.Status)
		}

		at := c.now()
		sale.Status = domain.SaleStatusSettled
		sale.SettledAt = &at
		if err := tx.UpdateSaleStatus(txCtx, *sale); err != nil {
			return err
		}
		updated = *sale
		return nil
	})
	if err != nil {
		ce := newError(StatePersisting, err)
		c.metrics.ObserveStatusChange(string(domain.SaleStatusSettled), string(ce.Kind))
		return nil, ce
	}

	c.metrics.ObserveStatusChange(string(domain.SaleStatusSettled), metrics.OutcomeCommitted)
	c.remember(ctx, &updated)
	c.logger.Info("sale settled", zap.String("sale_id", updated.ID), zap.String("invoice", updated.InvoiceNumber.String()))
	return &updated, nil
}

// LookupByIdempotency is how a register finds out what happened to a commit
// whose outcome it never learned.
func (c *Coordinator) LookupByIdempotency(ctx context.Context, key string) (*domain.Sale, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}
	return c.lookup(ctx, key)
}

func (c *Coordinator) FindSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, store.ErrNotFound
	}
	return c.repo.FindSaleByID(ctx, saleID)
}

// runTx retries fn only on store.ErrTxConflict. Each attempt is a fresh
// transaction, so the invoice number and stock checks are redone.
func (c *Coordinator) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			c.metrics.IncRetry()
		}
		err := c.repo.WithinTx(ctx, fn)
		if err == nil || errors.Is(err, store.ErrTxConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx), notify)
}

func (c *Coordinator) lookup(ctx context.Context, key string) (*domain.Sale, bool, error) {
	if sale, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("sale cache read failed", zap.String("idempotency_key", key), zap.Error(err))
	} else if ok {
		return sale, true, nil
	}

	sale, err := c.repo.FindSaleByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	c.remember(ctx, sale)
	return sale, true, nil
}

func (c *Coordinator) remember(ctx context.Context, sale *domain.Sale) {
	if sale == nil || sale.IdempotencyKey == "" {
		return
	}
	if err := c.cache.Set(ctx, sale.IdempotencyKey, sale, c.cacheTTL); err != nil {
		c.logger.Warn("sale cache write failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}
}

func (c *Coordinator) duplicate(sale *domain.Sale, started time.Time) *CommitResult {
	c.metrics.ObserveCommit(metrics.OutcomeDuplicate, time.Since(started))
	c.logger.Info("duplicate checkout returned",
		zap.String("sale_id", sale.ID),
		zap.String("idempotency_key", sale.IdempotencyKey),
	)
	return &CommitResult{Sale: sale, Duplicate: true}
}

func (c *Coordinator) failCommit(state State, err error, key string, started time.Time) error {
	ce := newError(state, err)
	c.metrics.ObserveCommit(string(ce.Kind), time.Since(started))

	if errors.Is(err, store.ErrInvoiceNumberTaken) {
		c.logger.Error("invoice sequence is behind issued sales, run the sequence repair",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}

	fields := []zap.Field{
		zap.String("state", string(ce.State)),
		zap.String("kind", string(ce.Kind)),
		zap.String("idempotency_key", key),
		zap.Bool("outcome_unknown", ce.OutcomeUnknown),
		zap.Error(err),
	}
	if ce.Kind == KindInfrastructure {
		c.logger.Error("sale commit failed", fields...)
	} else {
		c.logger.Info("sale commit rejected", fields...)
	}
	return ce
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.commitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.commitTimeout)
}

// validate re-checks the snapshot arithmetic before anything is written. The
// snapshot may come from a client, so it is not trusted to be consistent.
func validate(snapshot domain.CartSnapshot, intents []domain.PaymentIntent) ([]domain.SalePayment, error) {
	if len(snapshot.Lines) == 0 {
		return nil, payment.ErrEmptyCart
	}

	subtotal := int64(0)
	for _, line := range snapshot.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, fmt.Errorf("%w: line without product", ErrInvalidSnapshot)
		}
		if line.Qty <= 0 || line.Qty > cart.MaxLineQty {
			return nil, fmt.Errorf("%w: product %s qty %d", cart.ErrInvalidQuantity, line.ProductID, line.Qty)
		}
		if line.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: product %s has a negative price", ErrInvalidSnapshot, line.ProductID)
		}
		subtotal += line.TotalCents()
	}
	if subtotal != snapshot.SubtotalCents {
		return nil, fmt.Errorf("%w: subtotal %d, lines add up to %d", ErrInvalidSnapshot, snapshot.SubtotalCents, subtotal)
	}
	if snapshot.DiscountCents < 0 || snapshot.DiscountCents > snapshot.SubtotalCents {
		return nil, fmt.Errorf("%w: discount %d", cart.ErrInvalidDiscount, snapshot.DiscountCents)
	}
	if snapshot.TotalCents != snapshot.SubtotalCents-snapshot.DiscountCents {
		return nil, fmt.Errorf("%w: total %d", ErrInvalidSnapshot, snapshot.TotalCents)
	}

	return payment.Build(snapshot, intents...)
}

// saleCustomer prefers the cart's customer and falls back to the first
// payment part that names one.
func saleCustomer(req CommitRequest) string {
	if id := strings.TrimSpace(req.Cart.CustomerID); id != "" {
		return id
	}
	for _, intent := range req.Payments {
		if id := strings.TrimSpace(intent.CustomerID); id != "" {
			return id
		}
	}
	return ""
}

func saleLines(lines []domain.CartLine) []domain.SaleLine {
	out := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, domain.SaleLine{
			ProductID:      line.ProductID,
			Name:           line.Name,
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
		})
	}
	return out
}
