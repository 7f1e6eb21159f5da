package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"pdvmarket/internal/domain"
	"pdvmarket/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

// NextInvoiceNumber creates the sequence row on first use, seeded from the
// highest stored invoice, and otherwise bumps it. The row lock taken here is
// held until the transaction ends, which serializes concurrent commits on
// the sequence.
func (t *pgTx) NextInvoiceNumber(ctx context.Context) (domain.InvoiceNumber, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_sequence (id, last_value)
		SELECT 1, COALESCE(MAX(invoice_number), 0) + 1 FROM sales
		ON CONFLICT (id)
		DO UPDATE SET last_value = invoice_sequence.last_value + 1
		RETURNING last_value
	`).Scan(&next)
	if err != nil {
		return 0, err
	}
	return domain.InvoiceNumber(next), nil
}

func (t *pgTx) DecrementIfAvailable(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidTransaction
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $1, updated_at = now()
		WHERE id = $2 AND stock_qty >= $1
	`, qty, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInsufficientStock
}

func (t *pgTx) Restock(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidTransaction
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $1, updated_at = now()
		WHERE id = $2
	`, qty, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.InvoiceNumber <= 0 || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, idempotency_key, customer_id, operator_id, terminal_id,
			subtotal_cents, discount_cents, total_cents, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		sale.ID,
		int64(sale.InvoiceNumber),
		nullIfEmpty(sale.IdempotencyKey),
		nullIfEmpty(sale.CustomerID),
		sale.OperatorID,
		sale.TerminalID,
		sale.SubtotalCents,
		sale.DiscountCents,
		sale.TotalCents,
		string(sale.Status),
		sale.CreatedAt,
	)
	if err != nil {
		switch uniqueViolationConstraint(err) {
		case constraintIdempotencyKey:
			return store.ErrDuplicateIdempotency
		case constraintInvoiceNumber:
			return fmt.Errorf("%w: %s", store.ErrInvoiceNumberTaken, sale.InvoiceNumber)
		}
		return err
	}

	for i, line := range sale.Lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, position, product_id, product_name, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, i+1, line.ProductID, line.Name, line.Qty, line.UnitPriceCents); err != nil {
			return err
		}
	}

	for i, payment := range sale.Payments {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_payments (sale_id, position, method, amount_cents, tendered_cents, change_cents, installments)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, i+1, string(payment.Method), payment.AmountCents, payment.TenderedCents, payment.ChangeCents, nullIfZero(payment.Installments)); err != nil {
			return err
		}
	}

	return nil
}

func (t *pgTx) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, "id", saleID, true)
}

func (t *pgTx) UpdateSaleStatus(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, settled_at = $3, cancelled_at = $4, cancel_reason = $5
		WHERE id = $1
	`, sale.ID, string(sale.Status), nullTime(sale.SettledAt), nullTime(sale.CancelledAt), nullIfEmpty(sale.CancelReason))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Tx = (*pgTx)(nil)
