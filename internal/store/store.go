package store

import (
	"context"
	"errors"

	"pdvmarket/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrDuplicateIdempotency = errors.New("idempotency key already committed")
	ErrNotCancellable       = errors.New("sale is not in a cancellable state")
	ErrNotSettleable        = errors.New("sale is not in a settleable state")
	// ErrInvoiceNumberTaken means the sequence handed out a number that is
	// already on a stored sale. The sequence is behind the sales table and
	// needs EnsureInvoiceSequence; retrying will not help.
	ErrInvoiceNumberTaken = errors.New("invoice number already issued")
	// ErrTxConflict marks a transient failure (serialization failure,
	// deadlock) after which the whole transaction can be retried.
	ErrTxConflict = errors.New("transaction conflict")
)

// Tx is the unit of work handed to WithinTx. Nothing done through it is
// visible to other callers until the function passed to WithinTx returns nil.
type Tx interface {
	// NextInvoiceNumber advances the durable invoice sequence and returns the
	// new value. The increment is undone if the transaction rolls back.
	NextInvoiceNumber(ctx context.Context) (domain.InvoiceNumber, error)
	// DecrementIfAvailable returns ErrInsufficientStock instead of letting
	// stock go negative.
	DecrementIfAvailable(ctx context.Context, productID string, qty int) error
	Restock(ctx context.Context, productID string, qty int) error
	InsertSale(ctx context.Context, sale domain.Sale) error
	// LockSale loads a sale and holds it against concurrent status changes.
	LockSale(ctx context.Context, saleID string) (*domain.Sale, error)
	UpdateSaleStatus(ctx context.Context, sale domain.Sale) error
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	FindCustomer(ctx context.Context, identifier string) (*domain.Customer, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByInvoiceNumber(ctx context.Context, number domain.InvoiceNumber) (*domain.Sale, error)
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// EnsureInvoiceSequence seeds the sequence from the highest stored
	// invoice number, raising it if it lags behind, and returns its value.
	EnsureInvoiceSequence(ctx context.Context) (domain.InvoiceNumber, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// NormalizeDocument strips punctuation from a CPF/CNPJ so "123.456.789-09"
// and "12345678909" match the same customer.
func NormalizeDocument(raw string) string {
	digits := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	return string(digits)
}
