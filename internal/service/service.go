package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pdvmarket/internal/cart"
	"pdvmarket/internal/checkout"
	"pdvmarket/internal/domain"
	"pdvmarket/internal/money"
	"pdvmarket/internal/payment"
	"pdvmarket/internal/store"
	"pdvmarket/internal/xid"
)

const defaultTerminal = "PDV-01"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	checkout          *checkout.Coordinator
	logger            *zap.Logger
	defaultTerminalID string
}

func New(repo store.Repository, coordinator *checkout.Coordinator, logger *zap.Logger, defaultTerminalID string) *Service {
	if defaultTerminalID == "" {
		defaultTerminalID = defaultTerminal
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:              repo,
		checkout:          coordinator,
		logger:            logger.Named("service"),
		defaultTerminalID: defaultTerminalID,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// FindCustomer accepts a customer id or a CPF/CNPJ with or without
// punctuation. Inactive customers are reported as not found.
func (s *Service) FindCustomer(ctx context.Context, identifier string) (domain.Customer, error) {
	customer, err := s.repo.FindCustomer(ctx, strings.TrimSpace(identifier))
	if err != nil {
		return domain.Customer{}, err
	}
	if !customer.Active {
		return domain.Customer{}, store.ErrNotFound
	}
	return *customer, nil
}

// PreviewCart prices the cart the way checkout would, without side effects.
func (s *Service) PreviewCart(ctx context.Context, req domain.CartPreviewRequest) (domain.CartPreviewResponse, error) {
	c, err := s.buildCart(ctx, req.CartRequest)
	if err != nil {
		return domain.CartPreviewResponse{}, err
	}

	snapshot := c.Finalize()
	change := c.Change(req.TenderedCents)
	return domain.CartPreviewResponse{
		Lines:         snapshot.Lines,
		CustomerID:    snapshot.CustomerID,
		SubtotalCents: snapshot.SubtotalCents,
		DiscountCents: snapshot.DiscountCents,
		TotalCents:    snapshot.TotalCents,
		ChangeCents:   change,
		Subtotal:      money.Format(snapshot.SubtotalCents),
		Total:         money.Format(snapshot.TotalCents),
		Change:        money.Format(change),
	}, nil
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if req.TerminalID == "" {
		req.TerminalID = s.defaultTerminalID
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	// A retry for a committed key gets the stored sale back before the cart
	// is priced again, so a product or customer that changed since cannot
	// turn it into an error.
	if key != "" {
		sale, found, err := s.checkout.LookupByIdempotency(ctx, key)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		if found {
			s.logger.Info("checkout retry answered from stored sale",
				zap.String("idempotency_key", key),
				zap.String("sale_id", sale.ID),
			)
			return toCheckoutResponse(sale, true), nil
		}
	}

	c, err := s.buildCart(ctx, req.CartRequest)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	snapshot := c.Finalize()

	intents, err := paymentIntents(req, snapshot.CustomerID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	result, err := s.checkout.CommitSale(ctx, checkout.CommitRequest{
		Cart:           snapshot,
		Payments:       intents,
		IdempotencyKey: key,
		OperatorID:     actor.Username,
		TerminalID:     req.TerminalID,
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	if !result.Duplicate {
		sale := result.Sale
		s.logAudit(ctx, sale.TerminalID, "checkout", "sale", sale.ID,
			fmt.Sprintf("invoice=%s total=%s method=%s", sale.InvoiceNumber, money.Format(sale.TotalCents), paymentMethods(sale.Payments)))
	}
	return toCheckoutResponse(result.Sale, result.Duplicate), nil
}

// SaleByInvoice finds a sale by its printed number (NF-000123) or the bare
// integer.
func (s *Service) SaleByInvoice(ctx context.Context, raw string) (domain.CheckoutResponse, error) {
	number, err := domain.ParseInvoiceNumber(raw)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	sale, err := s.repo.FindSaleByInvoiceNumber(ctx, number)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	return toCheckoutResponse(sale, false), nil
}

func (s *Service) LookupCheckoutByIdempotency(ctx context.Context, idempotencyKey string) (domain.CheckoutLookupResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.CheckoutLookupResponse{}, store.ErrInvalidTransaction
	}

	sale, found, err := s.checkout.LookupByIdempotency(ctx, idempotencyKey)
	if err != nil {
		return domain.CheckoutLookupResponse{}, err
	}
	if !found {
		return domain.CheckoutLookupResponse{Found: false}, nil
	}
	resp := toCheckoutResponse(sale, false)
	return domain.CheckoutLookupResponse{Found: true, Checkout: &resp}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.CheckoutResponse, error) {
	sale, err := s.checkout.FindSale(ctx, saleID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	return toCheckoutResponse(sale, false), nil
}

// SaleForInvoice returns the stored sale for rendering its printable invoice.
func (s *Service) SaleForInvoice(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.checkout.FindSale(ctx, saleID)
}

func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (domain.CancelSaleResponse, error) {
	if strings.TrimSpace(req.SaleID) == "" {
		return domain.CancelSaleResponse{}, store.ErrInvalidTransaction
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "unspecified"
	}

	result, err := s.checkout.CancelSale(ctx, req.SaleID, req.Reason)
	if err != nil {
		return domain.CancelSaleResponse{}, err
	}

	sale := result.Sale
	s.logAudit(ctx, sale.TerminalID, "cancel_sale", "sale", sale.ID,
		fmt.Sprintf("invoice=%s reason=%s restocked=%d", sale.InvoiceNumber, sale.CancelReason, result.Restocked))

	cancelledAt := ""
	if sale.CancelledAt != nil {
		cancelledAt = sale.CancelledAt.Format(time.RFC3339)
	}
	return domain.CancelSaleResponse{
		SaleID:      sale.ID,
		Invoice:     sale.InvoiceNumber.String(),
		Status:      sale.Status,
		CancelledAt: cancelledAt,
		Restocked:   result.Restocked,
	}, nil
}

func (s *Service) SettleSale(ctx context.Context, saleID string) (domain.CheckoutResponse, error) {
	sale, err := s.checkout.SettleSale(ctx, saleID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	s.logAudit(ctx, sale.TerminalID, "settle_sale", "sale", sale.ID, "invoice="+sale.InvoiceNumber.String())
	return toCheckoutResponse(sale, false), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(entityID), limit)
}

// buildCart prices every line from the current product record. Repeated
// product ids are merged by the cart.
func (s *Service) buildCart(ctx context.Context, req domain.CartRequest) (*cart.Cart, error) {
	c := cart.New()
	for _, line := range req.Lines {
		productID := strings.TrimSpace(line.ProductID)
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("product %s: %w", productID, err)
			}
			return nil, err
		}
		if _, err := c.AddLine(*product, line.Qty); err != nil {
			return nil, fmt.Errorf("product %s: %w", productID, err)
		}
	}

	if identifier := strings.TrimSpace(req.Customer); identifier != "" {
		customer, err := s.FindCustomer(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("customer %s: %w", identifier, err)
		}
		c.SetCustomer(customer.ID)
	}

	if err := c.SetDiscount(req.DiscountCents); err != nil {
		return nil, err
	}
	return c, nil
}

// paymentIntents turns the request's tender into payment parts. The single
// payment form defaults to cash.
func paymentIntents(req domain.CheckoutRequest, customerID string) ([]domain.PaymentIntent, error) {
	parts := req.Payments
	if len(parts) == 0 {
		single := req.Payment
		if single.Method == "" {
			single.Method = domain.PaymentCash
		}
		parts = []domain.PaymentRequest{single}
	} else if req.Payment != (domain.PaymentRequest{}) {
		return nil, payment.ErrConflictingTender
	}

	intents := make([]domain.PaymentIntent, 0, len(parts))
	for i, part := range parts {
		if part.Method == "" {
			return nil, fmt.Errorf("%w: part %d has no method", payment.ErrUnsupportedMethod, i+1)
		}
		amount, err := centsOf(part.AmountCents, part.Amount)
		if err != nil {
			return nil, fmt.Errorf("payment part %d amount: %w", i+1, err)
		}
		tendered, err := centsOf(part.TenderedCents, part.Tendered)
		if err != nil {
			return nil, fmt.Errorf("payment part %d tendered: %w", i+1, err)
		}
		intents = append(intents, domain.PaymentIntent{
			Method:        part.Method,
			AmountCents:   amount,
			TenderedCents: tendered,
			Installments:  part.Installments,
			CustomerID:    customerID,
		})
	}
	return intents, nil
}

// centsOf prefers the decimal form when it is set. Sending both forms with
// different values is rejected.
func centsOf(cents int64, decimal string) (int64, error) {
	if strings.TrimSpace(decimal) == "" {
		return cents, nil
	}
	parsed, err := money.Parse(decimal)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%w: %q is negative", money.ErrInvalidAmount, decimal)
	}
	if cents != 0 && cents != parsed {
		return 0, fmt.Errorf("%w: %q does not match %d cents", money.ErrInvalidAmount, decimal, cents)
	}
	return parsed, nil
}

func paymentMethods(payments []domain.SalePayment) string {
	methods := make([]string, 0, len(payments))
	for _, p := range payments {
		methods = append(methods, string(p.Method))
	}
	return strings.Join(methods, "+")
}

func toCheckoutResponse(sale *domain.Sale, duplicate bool) domain.CheckoutResponse {
	resp := domain.CheckoutResponse{
		SaleID:         sale.ID,
		InvoiceNumber:  sale.InvoiceNumber,
		Invoice:        sale.InvoiceNumber.String(),
		IdempotencyKey: sale.IdempotencyKey,
		Status:         sale.Status,
		CustomerID:     sale.CustomerID,
		OperatorID:     sale.OperatorID,
		TerminalID:     sale.TerminalID,
		SubtotalCents:  sale.SubtotalCents,
		DiscountCents:  sale.DiscountCents,
		TotalCents:     sale.TotalCents,
		ChangeCents:    sale.ChangeCents(),
		Total:          money.Format(sale.TotalCents),
		Change:         money.Format(sale.ChangeCents()),
		ItemCount:      sale.ItemCount(),
		Lines:          sale.Lines,
		Payments:       sale.Payments,
		Duplicate:      duplicate,
		CreatedAt:      sale.CreatedAt.Format(time.RFC3339),
		CancelReason:   sale.CancelReason,
	}
	if sale.CancelledAt != nil {
		resp.CancelledAt = sale.CancelledAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Service) logAudit(ctx context.Context, terminalID string, action string, entityType string, entityID string, detail string) {
	if terminalID == "" {
		terminalID = s.defaultTerminalID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		TerminalID:    terminalID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
