// Package cart accumulates the lines of a sale being rung up at a register.
// A Cart belongs to one register and is not safe for concurrent use.
package cart

import (
	"errors"
	"fmt"
	"strings"

	"pdvmarket/internal/domain"
)

// MaxLineQty bounds the quantity of a single line, after merging.
const MaxLineQty = 100000

var (
	ErrInvalidQuantity    = errors.New("quantity must be between 1 and 100000")
	ErrInvalidDiscount    = errors.New("discount must be between zero and the subtotal")
	ErrLineNotFound       = errors.New("cart line not found")
	ErrProductUnavailable = errors.New("product unavailable")
)

type Cart struct {
	lines         []domain.CartLine
	discountCents int64
	customerID    string
	nextLine      int
}

func New() *Cart {
	return &Cart{}
}

// AddLine snapshots the product's name and price. Adding a product already in
// the cart increases that line's quantity and keeps the first snapshot.
func (c *Cart) AddLine(product domain.Product, qty int) (domain.CartLine, error) {
	if qty <= 0 || qty > MaxLineQty {
		return domain.CartLine{}, fmt.Errorf("%w: got %d", ErrInvalidQuantity, qty)
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" || !product.Active || product.PriceCents < 0 {
		return domain.CartLine{}, fmt.Errorf("%w: %q", ErrProductUnavailable, product.ID)
	}

	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			if c.lines[i].Qty > MaxLineQty-qty {
				return domain.CartLine{}, fmt.Errorf("%w: %s would reach %d", ErrInvalidQuantity, productID, c.lines[i].Qty+qty)
			}
			c.lines[i].Qty += qty
			return c.lines[i], nil
		}
	}

	c.nextLine++
	line := domain.CartLine{
		LineID:         fmt.Sprintf("line-%d", c.nextLine),
		ProductID:      productID,
		Name:           product.Name,
		UnitPriceCents: product.PriceCents,
		Qty:            qty,
	}
	c.lines = append(c.lines, line)
	return line, nil
}

func (c *Cart) RemoveLine(lineID string) error {
	for i := range c.lines {
		if c.lines[i].LineID == lineID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
}

func (c *Cart) SetDiscount(cents int64) error {
	if cents < 0 || cents > c.Subtotal() {
		return ErrInvalidDiscount
	}
	c.discountCents = cents
	return nil
}

func (c *Cart) SetCustomer(customerID string) {
	c.customerID = strings.TrimSpace(customerID)
}

func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

func (c *Cart) Subtotal() int64 {
	subtotal := int64(0)
	for _, line := range c.lines {
		subtotal += line.TotalCents()
	}
	return subtotal
}

// Total never goes below zero, even when lines removed after SetDiscount
// leave the discount larger than the subtotal.
func (c *Cart) Total() int64 {
	total := c.Subtotal() - c.discountCents
	if total < 0 {
		return 0
	}
	return total
}

func (c *Cart) Change(tenderedCents int64) int64 {
	change := tenderedCents - c.Total()
	if change < 0 {
		return 0
	}
	return change
}

// Finalize returns an independent copy of the cart for checkout. The discount
// is clamped to the subtotal so the snapshot always satisfies
// total = subtotal - discount.
func (c *Cart) Finalize() domain.CartSnapshot {
	subtotal := c.Subtotal()
	discount := c.discountCents
	if discount > subtotal {
		discount = subtotal
	}
	return domain.CartSnapshot{
		Lines:         c.Lines(),
		SubtotalCents: subtotal,
		DiscountCents: discount,
		TotalCents:    subtotal - discount,
		CustomerID:    c.customerID,
	}
}
