// Package payment checks a tender against a finalized cart and builds the
// payment records stored with a sale. A tender is one or more parts; at most
// one part is cash, and the cash part covers whatever the others leave.
package payment

import (
	"errors"
	"fmt"
	"strings"

	"pdvmarket/internal/domain"
)

const (
	MaxInstallments = 12
	// MaxParts caps how many payment parts a single sale may carry.
	MaxParts = 5
)

var (
	ErrEmptyCart           = errors.New("cart has no lines")
	ErrNoPayment           = errors.New("sale needs at least one payment")
	ErrConflictingTender   = errors.New("send either a single payment or payment parts, not both")
	ErrTooManyParts        = errors.New("too many payment parts")
	ErrInsufficientPayment = errors.New("tendered amount is less than the total")
	ErrInvalidInstallments = errors.New("installments must be between 1 and 12")
	ErrCustomerRequired    = errors.New("deferred payment requires an identified customer")
	ErrZeroTotal           = errors.New("card and pix payments require a total greater than zero")
	ErrUnsupportedMethod   = errors.New("unsupported payment method")
	ErrInvalidAmount       = errors.New("payment part amount is invalid")
	ErrMultipleCash        = errors.New("only one cash part is allowed")
	ErrPaymentExceedsTotal = errors.New("payment parts exceed the total")
)

func IsSupported(method domain.PaymentMethod) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentDebit, domain.PaymentCredit, domain.PaymentPix, domain.PaymentDeferred:
		return true
	default:
		return false
	}
}

// Validate never touches storage. The empty cart check runs before any
// method specific rule.
func Validate(snapshot domain.CartSnapshot, intents ...domain.PaymentIntent) error {
	_, err := Build(snapshot, intents...)
	return err
}

// Build validates the tender and returns one payment record per part, in
// the order given. A single non-cash part with no amount pays the whole
// total. With several parts every non-cash part names its amount.
func Build(snapshot domain.CartSnapshot, intents ...domain.PaymentIntent) ([]domain.SalePayment, error) {
	if len(snapshot.Lines) == 0 {
		return nil, ErrEmptyCart
	}
	if len(intents) == 0 {
		return nil, ErrNoPayment
	}
	if len(intents) > MaxParts {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyParts, len(intents), MaxParts)
	}

	split := len(intents) > 1
	records := make([]domain.SalePayment, len(intents))
	cashAt := -1
	covered := int64(0)

	for i, intent := range intents {
		if !IsSupported(intent.Method) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, intent.Method)
		}
		if intent.AmountCents < 0 || intent.TenderedCents < 0 {
			return nil, fmt.Errorf("%w: part %d is negative", ErrInvalidAmount, i+1)
		}
		if intent.Method == domain.PaymentCash {
			if cashAt >= 0 {
				return nil, ErrMultipleCash
			}
			cashAt = i
			continue
		}

		amount := intent.AmountCents
		if amount == 0 && !split {
			amount = snapshot.TotalCents
		}
		record := domain.SalePayment{Method: intent.Method, AmountCents: amount}

		switch intent.Method {
		case domain.PaymentCredit:
			if intent.Installments < 1 || intent.Installments > MaxInstallments {
				return nil, fmt.Errorf("%w: got %d", ErrInvalidInstallments, intent.Installments)
			}
			record.Installments = intent.Installments
		case domain.PaymentDeferred:
			if customerOf(snapshot, intent) == "" {
				return nil, ErrCustomerRequired
			}
		case domain.PaymentDebit, domain.PaymentPix:
			if amount <= 0 {
				return nil, ErrZeroTotal
			}
		}
		if split && amount <= 0 {
			return nil, fmt.Errorf("%w: %s part %d needs an amount", ErrInvalidAmount, intent.Method, i+1)
		}

		covered += amount
		records[i] = record
	}

	remaining := snapshot.TotalCents - covered
	if remaining < 0 {
		return nil, fmt.Errorf("%w: parts add up to %d, total %d", ErrPaymentExceedsTotal, covered, snapshot.TotalCents)
	}

	if cashAt < 0 {
		if remaining > 0 {
			return nil, fmt.Errorf("%w: parts add up to %d, total %d", ErrInsufficientPayment, covered, snapshot.TotalCents)
		}
		return records, nil
	}

	cash := intents[cashAt]
	if split && remaining == 0 {
		return nil, fmt.Errorf("%w: nothing left for the cash part", ErrPaymentExceedsTotal)
	}
	if cash.AmountCents > 0 && cash.AmountCents != remaining {
		return nil, fmt.Errorf("%w: cash amount %d, remaining %d", ErrInvalidAmount, cash.AmountCents, remaining)
	}
	if cash.TenderedCents < remaining {
		return nil, fmt.Errorf("%w: tendered %d, due %d", ErrInsufficientPayment, cash.TenderedCents, remaining)
	}
	records[cashAt] = domain.SalePayment{
		Method:        domain.PaymentCash,
		AmountCents:   remaining,
		TenderedCents: cash.TenderedCents,
		ChangeCents:   cash.TenderedCents - remaining,
	}
	return records, nil
}

func customerOf(snapshot domain.CartSnapshot, intent domain.PaymentIntent) string {
	if id := strings.TrimSpace(intent.CustomerID); id != "" {
		return id
	}
	return strings.TrimSpace(snapshot.CustomerID)
}
