package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const InvoicePrefix = "NF-"

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentDebit    PaymentMethod = "debit"
	PaymentCredit   PaymentMethod = "credit"
	PaymentPix      PaymentMethod = "pix"
	PaymentDeferred PaymentMethod = "deferred"
)

type SaleStatus string

const (
	SaleStatusIssued    SaleStatus = "issued"
	SaleStatusSettled   SaleStatus = "settled"
	SaleStatusCancelled SaleStatus = "cancelled"
)

// InvoiceNumber is the sequence value assigned to a committed sale. The NF-
// prefix and zero padding exist only in its string form.
type InvoiceNumber int64

func (n InvoiceNumber) String() string {
	return fmt.Sprintf("%s%06d", InvoicePrefix, int64(n))
}

var ErrInvalidInvoiceNumber = errors.New("invalid invoice number")

// ParseInvoiceNumber accepts both the printed form (NF-000123) and the bare
// integer.
func ParseInvoiceNumber(raw string) (InvoiceNumber, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.ToUpper(trimmed), InvoicePrefix)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInvoiceNumber, raw)
	}
	return InvoiceNumber(value), nil
}

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	StockQty   int    `json:"stock_qty"`
	Active     bool   `json:"active"`
}

type Customer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Document string `json:"document"`
	Active   bool   `json:"active"`
}

// CartLine carries the product name and price as they were when the line was
// added to the cart.
type CartLine struct {
	LineID         string `json:"line_id"`
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
}

func (l CartLine) TotalCents() int64 {
	return l.UnitPriceCents * int64(l.Qty)
}

type CartSnapshot struct {
	Lines         []CartLine `json:"lines"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	CustomerID    string     `json:"customer_id,omitempty"`
}

// PaymentIntent is one part of a tender. AmountCents is what the part pays
// toward the total; for cash, TenderedCents is what the customer handed over.
type PaymentIntent struct {
	Method        PaymentMethod `json:"method"`
	AmountCents   int64         `json:"amount_cents,omitempty"`
	TenderedCents int64         `json:"tendered_cents"`
	Installments  int           `json:"installments"`
	CustomerID    string        `json:"customer_id,omitempty"`
}

type SaleLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (l SaleLine) TotalCents() int64 {
	return l.UnitPriceCents * int64(l.Qty)
}

type SalePayment struct {
	Method        PaymentMethod `json:"method"`
	AmountCents   int64         `json:"amount_cents"`
	TenderedCents int64         `json:"tendered_cents"`
	ChangeCents   int64         `json:"change_cents"`
	Installments  int           `json:"installments,omitempty"`
}

type Sale struct {
	ID             string        `json:"id"`
	InvoiceNumber  InvoiceNumber `json:"invoice_number"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	CustomerID     string        `json:"customer_id,omitempty"`
	OperatorID     string        `json:"operator_id"`
	TerminalID     string        `json:"terminal_id"`
	SubtotalCents  int64         `json:"subtotal_cents"`
	DiscountCents  int64         `json:"discount_cents"`
	TotalCents     int64         `json:"total_cents"`
	Status         SaleStatus    `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	SettledAt      *time.Time    `json:"settled_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	Lines          []SaleLine    `json:"lines"`
	Payments       []SalePayment `json:"payments"`
}

func (s Sale) ItemCount() int {
	count := 0
	for _, line := range s.Lines {
		count += line.Qty
	}
	return count
}

func (s Sale) ChangeCents() int64 {
	change := int64(0)
	for _, payment := range s.Payments {
		change += payment.ChangeCents
	}
	return change
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	TerminalID    string    `json:"terminal_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CartLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gt=0,lte=100000"`
}

// PaymentRequest is one tender part as sent by the register. Amount and
// Tendered take decimal strings ("20,00" or "20.00") and are used when the
// matching cents field is zero.
type PaymentRequest struct {
	Method        PaymentMethod `json:"method" validate:"omitempty,payment_method"`
	AmountCents   int64         `json:"amount_cents" validate:"gte=0"`
	Amount        string        `json:"amount,omitempty" validate:"omitempty,max=20"`
	TenderedCents int64         `json:"tendered_cents" validate:"gte=0"`
	Tendered      string        `json:"tendered,omitempty" validate:"omitempty,max=20"`
	Installments  int           `json:"installments" validate:"gte=0"`
}

// CartRequest is the register's current cart as sent to preview and checkout.
// Customer accepts either a customer id or a CPF/CNPJ document.
type CartRequest struct {
	Lines         []CartLineRequest `json:"lines" validate:"required,min=1,dive"`
	DiscountCents int64             `json:"discount_cents" validate:"gte=0"`
	Customer      string            `json:"customer,omitempty"`
}

type CartPreviewRequest struct {
	CartRequest
	TenderedCents int64 `json:"tendered_cents" validate:"gte=0"`
}

type CartPreviewResponse struct {
	Lines         []CartLine `json:"lines"`
	CustomerID    string     `json:"customer_id,omitempty"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	ChangeCents   int64      `json:"change_cents"`
	Subtotal      string     `json:"subtotal"`
	Total         string     `json:"total"`
	Change        string     `json:"change"`
}

type CheckoutRequest struct {
	CartRequest
	TerminalID     string           `json:"terminal_id"`
	IdempotencyKey string           `json:"idempotency_key" validate:"omitempty,max=128"`
	// Payment is the single-method form. Payments splits the tender across
	// methods; send one or the other.
	Payment        PaymentRequest   `json:"payment"`
	Payments       []PaymentRequest `json:"payments,omitempty" validate:"omitempty,max=5,dive"`
}

type CheckoutResponse struct {
	SaleID         string        `json:"sale_id"`
	InvoiceNumber  InvoiceNumber `json:"invoice_number"`
	Invoice        string        `json:"invoice"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Status         SaleStatus    `json:"status"`
	CustomerID     string        `json:"customer_id,omitempty"`
	OperatorID     string        `json:"operator_id"`
	TerminalID     string        `json:"terminal_id"`
	SubtotalCents  int64         `json:"subtotal_cents"`
	DiscountCents  int64         `json:"discount_cents"`
	TotalCents     int64         `json:"total_cents"`
	ChangeCents    int64         `json:"change_cents"`
	Total          string        `json:"total"`
	Change         string        `json:"change"`
	ItemCount      int           `json:"item_count"`
	Lines          []SaleLine    `json:"lines"`
	Payments       []SalePayment `json:"payments"`
	Duplicate      bool          `json:"duplicate"`
	CreatedAt      string        `json:"created_at"`
	CancelledAt    string        `json:"cancelled_at,omitempty"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
}

type CheckoutLookupResponse struct {
	Found    bool              `json:"found"`
	Checkout *CheckoutResponse `json:"checkout,omitempty"`
}

type CancelSaleRequest struct {
	SaleID     string `json:"-"`
	Reason     string `json:"reason" validate:"max=200"`
	ManagerPIN string `json:"manager_pin" validate:"required"`
}

type CancelSaleResponse struct {
	SaleID      string     `json:"sale_id"`
	Invoice     string     `json:"invoice"`
	Status      SaleStatus `json:"status"`
	CancelledAt string     `json:"cancelled_at"`
	Restocked   int        `json:"restocked_units"`
}
