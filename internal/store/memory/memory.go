package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pdvmarket/internal/domain"
	"pdvmarket/internal/store"
	"pdvmarket/internal/xid"
)

// Store keeps everything in process memory. WithinTx holds the write lock for
// the whole unit of work and applies staged changes only when the callback
// succeeds, which gives the same all-or-nothing behaviour as the postgres
// store for a single process.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]string
	salesByInvoice  map[domain.InvoiceNumber]string
	lastInvoice     domain.InvoiceNumber
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
	logger          *zap.Logger
}

type Option func(*Store)

func WithProducts(products ...domain.Product) Option {
	return func(s *Store) {
		for _, p := range products {
			s.products[p.ID] = p
		}
	}
}

func WithCustomers(customers ...domain.Customer) Option {
	return func(s *Store) {
		for _, c := range customers {
			s.customers[c.ID] = c
		}
	}
}

// WithInvoiceSequence starts the sequence at last, as if last sales had
// already been issued.
func WithInvoiceSequence(last domain.InvoiceNumber) Option {
	return func(s *Store) {
		s.lastInvoice = last
	}
}

func WithUsers(users ...domain.UserAccount) Option {
	return func(s *Store) {
		for _, u := range users {
			s.usersByUsername[strings.ToLower(u.Username)] = u
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]string),
		salesByInvoice:  make(map[domain.InvoiceNumber]string),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with a demo catalogue, customers and the admin and
// cashier accounts used in development mode.
func NewSeeded(opts ...Option) *Store {
	seed := []Option{
		WithProducts(
			domain.Product{ID: "7891000100103", Name: "Arroz Branco 5kg", PriceCents: 2590, StockQty: 80, Active: true},
			domain.Product{ID: "7891000200201", Name: "Feijao Carioca 1kg", PriceCents: 899, StockQty: 120, Active: true},
			domain.Product{ID: "7891000300309", Name: "Cafe Torrado 500g", PriceCents: 1649, StockQty: 60, Active: true},
			domain.Product{ID: "7891000400406", Name: "Acucar Refinado 1kg", PriceCents: 479, StockQty: 150, Active: true},
			domain.Product{ID: "7891000500503", Name: "Leite Integral 1L", PriceCents: 549, StockQty: 200, Active: true},
			domain.Product{ID: "7891000600600", Name: "Oleo de Soja 900ml", PriceCents: 789, StockQty: 90, Active: true},
			domain.Product{ID: "7891000700708", Name: "Macarrao Espaguete 500g", PriceCents: 429, StockQty: 140, Active: true},
			domain.Product{ID: "7891000800805", Name: "Sabao em Po 1kg", PriceCents: 1399, StockQty: 45, Active: true},
		),
		WithCustomers(
			domain.Customer{ID: "cust-0001", Name: "Maria da Silva", Document: "12345678909", Active: true},
			domain.Customer{ID: "cust-0002", Name: "Mercearia Boa Vista LTDA", Document: "11222333000181", Active: true},
		),
		WithUsers(seedUsers()...),
	}
	return New(append(seed, opts...)...)
}

// seedUsers reads SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD and falls back
// to development defaults. The postgres store is used whenever DATABASE_URL is
// set, so these accounts never reach production.
func seedUsers() []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[strings.TrimSpace(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) FindCustomer(_ context.Context, identifier string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identifier = strings.TrimSpace(identifier)
	if c, ok := s.customers[identifier]; ok {
		return &c, nil
	}
	document := store.NormalizeDocument(identifier)
	if document == "" {
		return nil, store.ErrNotFound
	}
	for _, c := range s.customers {
		if c.Document == document {
			found := c
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok || key == "" {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[id]), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByInvoiceNumber(_ context.Context, number domain.InvoiceNumber) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByInvoice[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[id]), nil
}

func (s *Store) EnsureInvoiceSequence(_ context.Context) (domain.InvoiceNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for number := range s.salesByInvoice {
		if number > s.lastInvoice {
			s.lastInvoice = number
		}
	}
	return s.lastInvoice, nil
}

// Stock returns the current stock of a product. Tests use it to check that a
// failed commit left inventory untouched.
func (s *Store) Stock(productID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	return p.StockQty, ok
}

func (s *Store) LastInvoiceNumber() domain.InvoiceNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastInvoice
}

func (s *Store) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.salesByID)
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:           s,
		lastInvoice: s.lastInvoice,
		stock:       make(map[string]int),
		updated:     make(map[string]*domain.Sale),
	}
	if err := fn(tx); err != nil {
		return err
	}
	// A cancelled context means the caller gave up; do not apply.
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.apply()
	return nil
}

type memTx struct {
	s           *Store
	lastInvoice domain.InvoiceNumber
	stock       map[string]int
	inserted    []*domain.Sale
	updated     map[string]*domain.Sale
}

func (t *memTx) NextInvoiceNumber(_ context.Context) (domain.InvoiceNumber, error) {
	t.lastInvoice++
	return t.lastInvoice, nil
}

func (t *memTx) currentStock(productID string) (int, error) {
	if qty, ok := t.stock[productID]; ok {
		return qty, nil
	}
	p, ok := t.s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return p.StockQty, nil
}

func (t *memTx) DecrementIfAvailable(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidTransaction
	}
	current, err := t.currentStock(productID)
	if err != nil {
		return err
	}
	if current < qty {
		return store.ErrInsufficientStock
	}
	t.stock[productID] = current - qty
	return nil
}

func (t *memTx) Restock(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return store.ErrInvalidTransaction
	}
	current, err := t.currentStock(productID)
	if err != nil {
		return err
	}
	t.stock[productID] = current + qty
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.InvoiceNumber <= 0 || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}
	if _, exists := t.s.salesByID[sale.ID]; exists {
		return store.ErrInvalidTransaction
	}
	if _, exists := t.s.salesByInvoice[sale.InvoiceNumber]; exists {
		return fmt.Errorf("%w: %s", store.ErrInvoiceNumberTaken, sale.InvoiceNumber)
	}
	if sale.IdempotencyKey != "" {
		if _, exists := t.s.salesByIdem[sale.IdempotencyKey]; exists {
			return store.ErrDuplicateIdempotency
		}
	}
	for _, staged := range t.inserted {
		if staged.InvoiceNumber == sale.InvoiceNumber {
			return fmt.Errorf("%w: %s", store.ErrInvoiceNumberTaken, sale.InvoiceNumber)
		}
		if sale.IdempotencyKey != "" && staged.IdempotencyKey == sale.IdempotencyKey {
			return store.ErrDuplicateIdempotency
		}
	}
	t.inserted = append(t.inserted, cloneSale(&sale))
	return nil
}

func (t *memTx) LockSale(_ context.Context, saleID string) (*domain.Sale, error) {
	if staged, ok := t.updated[saleID]; ok {
		return cloneSale(staged), nil
	}
	for _, staged := range t.inserted {
		if staged.ID == saleID {
			return cloneSale(staged), nil
		}
	}
	sale, ok := t.s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (t *memTx) UpdateSaleStatus(_ context.Context, sale domain.Sale) error {
	if _, ok := t.s.salesByID[sale.ID]; !ok {
		return store.ErrNotFound
	}
	t.updated[sale.ID] = cloneSale(&sale)
	return nil
}

func (t *memTx) apply() {
	s := t.s
	s.lastInvoice = t.lastInvoice
	for productID, qty := range t.stock {
		p := s.products[productID]
		p.StockQty = qty
		s.products[productID] = p
	}
	for _, sale := range t.inserted {
		s.salesByID[sale.ID] = sale
		s.salesByInvoice[sale.InvoiceNumber] = sale.ID
		if sale.IdempotencyKey != "" {
			s.salesByIdem[sale.IdempotencyKey] = sale.ID
		}
	}
	for id, sale := range t.updated {
		existing := s.salesByID[id]
		existing.Status = sale.Status
		existing.SettledAt = sale.SettledAt
		existing.CancelledAt = sale.CancelledAt
		existing.CancelReason = sale.CancelReason
	}
	if len(t.inserted) > 0 {
		s.logger.Debug("memory store committed sales", zap.Int("count", len(t.inserted)), zap.Int64("last_invoice", int64(s.lastInvoice)))
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 16)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	if sale == nil {
		return nil
	}
	out := *sale
	out.Lines = slices.Clone(sale.Lines)
	out.Payments = slices.Clone(sale.Payments)
	if sale.SettledAt != nil {
		at := *sale.SettledAt
		out.SettledAt = &at
	}
	if sale.CancelledAt != nil {
		at := *sale.CancelledAt
		out.CancelledAt = &at
	}
	return &out
}
