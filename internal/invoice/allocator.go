// Package invoice hands out invoice numbers from the store's durable sequence.
//
// The allocator keeps no counter of its own. Every number comes from the
// sequence row inside the caller's commit transaction, so a rollback returns
// the number and several processes can share one database.
package invoice

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pdvmarket/internal/domain"
)

var ErrInvalidSequence = errors.New("invoice sequence returned a non-positive value")

// Sequence is implemented by store.Tx.
type Sequence interface {
	NextInvoiceNumber(ctx context.Context) (domain.InvoiceNumber, error)
}

// Seeder is implemented by store.Repository.
type Seeder interface {
	EnsureInvoiceSequence(ctx context.Context) (domain.InvoiceNumber, error)
}

type Allocator struct {
	logger *zap.Logger
}

func NewAllocator(logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{logger: logger.Named("invoice")}
}

// Next must be called exactly once per commit, inside the commit transaction.
func (a *Allocator) Next(ctx context.Context, seq Sequence) (domain.InvoiceNumber, error) {
	n, err := seq.NextInvoiceNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate invoice number: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSequence, n)
	}
	a.logger.Debug("invoice number allocated", zap.Int64("invoice_number", int64(n)))
	return n, nil
}

// Recover aligns the sequence with the sales already stored. Run it at
// startup; it is safe to run from several processes at once.
func (a *Allocator) Recover(ctx context.Context, seeder Seeder) (domain.InvoiceNumber, error) {
	last, err := seeder.EnsureInvoiceSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover invoice sequence: %w", err)
	}
	a.logger.Info("invoice sequence ready",
		zap.Int64("last_value", int64(last)),
		zap.String("next", domain.InvoiceNumber(last+1).String()),
	)
	return last, nil
}
