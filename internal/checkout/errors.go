package checkout

import (
	"context"
	"errors"
	"fmt"

	"pdvmarket/internal/cart"
	"pdvmarket/internal/domain"
	"pdvmarket/internal/money"
	"pdvmarket/internal/payment"
	"pdvmarket/internal/store"
)

type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindInfrastructure Kind = "infrastructure"
)

type State string

const (
	StateValidating State = "validating"
	StateAllocating State = "allocating"
	StatePersisting State = "persisting"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

var (
	ErrInvalidSnapshot = errors.New("cart snapshot is inconsistent")
	ErrMissingSaleID   = errors.New("sale id is required")
)

// CommitError reports why a sale operation failed and in which state. When
// OutcomeUnknown is set the transaction may or may not have committed, and
// the caller has to look the sale up by its idempotency key.
type CommitError struct {
	Kind           Kind
	State          State
	Err            error
	OutcomeUnknown bool
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s failed while %s: %v", e.Kind, e.State, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that are not a CommitError are classified by
// the sentinel they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classify(err)
}

// IsOutcomeUnknown reports whether err leaves the commit outcome undecided.
func IsOutcomeUnknown(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce) && ce.OutcomeUnknown
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidSnapshot),
		errors.Is(err, ErrMissingSaleID),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidDiscount),
		errors.Is(err, cart.ErrProductUnavailable),
		errors.Is(err, payment.ErrEmptyCart),
		errors.Is(err, payment.ErrInsufficientPayment),
		errors.Is(err, payment.ErrInvalidInstallments),
		errors.Is(err, payment.ErrCustomerRequired),
		errors.Is(err, payment.ErrZeroTotal),
		errors.Is(err, payment.ErrUnsupportedMethod),
		errors.Is(err, payment.ErrNoPayment),
		errors.Is(err, payment.ErrConflictingTender),
		errors.Is(err, payment.ErrTooManyParts),
		errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrMultipleCash),
		errors.Is(err, payment.ErrPaymentExceedsTotal),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidInvoiceNumber),
		errors.Is(err, store.ErrInvalidTransaction):
		return KindValidation
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrNotCancellable),
		errors.Is(err, store.ErrNotSettleable),
		errors.Is(err, store.ErrDuplicateIdempotency):
		return KindConflict
	default:
		return KindInfrastructure
	}
}

// newError wraps err for the state it happened in. A cancelled or expired
// context only leaves the outcome unknown once the transaction was started.
func newError(state State, err error) *CommitError {
	interrupted := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	return &CommitError{
		Kind:           classify(err),
		State:          state,
		Err:            err,
		OutcomeUnknown: interrupted && (state == StateAllocating || state == StatePersisting),
	}
}
