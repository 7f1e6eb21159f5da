// Package inventory applies stock movements for sales through a store
// transaction.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"pdvmarket/internal/domain"
)

// StockWriter is implemented by store.Tx.
type StockWriter interface {
	DecrementIfAvailable(ctx context.Context, productID string, qty int) error
	Restock(ctx context.Context, productID string, qty int) error
}

type Movement struct {
	ProductID string
	Qty       int
}

type Ledger struct {
	logger *zap.Logger
}

func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger.Named("inventory")}
}

// Movements sums quantities per product and orders them by product id. Every
// commit touches product rows in this order, so two commits never wait on each
// other's locks in a cycle.
func Movements(lines []domain.SaleLine) []Movement {
	totals := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Qty <= 0 {
			continue
		}
		totals[line.ProductID] += line.Qty
	}

	out := make([]Movement, 0, len(totals))
	for productID, qty := range totals {
		out = append(out, Movement{ProductID: productID, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// Decrement stops at the first product that cannot be decremented. The caller
// must roll back the transaction so earlier decrements are undone.
func (l *Ledger) Decrement(ctx context.Context, w StockWriter, lines []domain.SaleLine) error {
	for _, m := range Movements(lines) {
		if err := w.DecrementIfAvailable(ctx, m.ProductID, m.Qty); err != nil {
			l.logger.Info("stock decrement refused",
				zap.String("product_id", m.ProductID),
				zap.Int("qty", m.Qty),
				zap.Error(err),
			)
			return fmt.Errorf("decrement product %s by %d: %w", m.ProductID, m.Qty, err)
		}
	}
	return nil
}

func (l *Ledger) Restock(ctx context.Context, w StockWriter, lines []domain.SaleLine) (int, error) {
	units := 0
	for _, m := range Movements(lines) {
		if err := w.Restock(ctx, m.ProductID, m.Qty); err != nil {
			return 0, fmt.Errorf("restock product %s by %d: %w", m.ProductID, m.Qty, err)
		}
		units += m.Qty
	}
	return units, nil
}
