package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"pdvmarket/internal/domain"
	"pdvmarket/internal/store"
	"pdvmarket/internal/xid"
)

const (
	constraintIdempotencyKey = "sales_idempotency_key_key"
	constraintInvoiceNumber  = "sales_invoice_number_key"
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing pool. The caller keeps ownership of db unless
// Close is called on the returned Store.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("postgres")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price_cents, stock_qty, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQty, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, stock_qty, active
		FROM products
		WHERE id = $1
	`, strings.TrimSpace(id)).Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQty, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindCustomer matches the identifier against the customer id first and then
// against the CPF/CNPJ digits.
func (s *Store) FindCustomer(ctx context.Context, identifier string) (*domain.Customer, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, store.ErrNotFound
	}

	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, document, active
		FROM customers
		WHERE id = $1 OR (document <> '' AND document = $2)
		ORDER BY (id = $1) DESC
		LIMIT 1
	`, identifier, store.NormalizeDocument(identifier)).Scan(&c.ID, &c.Name, &c.Document, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return loadSale(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, "id", id, false)
}

func (s *Store) FindSaleByInvoiceNumber(ctx context.Context, number domain.InvoiceNumber) (*domain.Sale, error) {
	if number <= 0 {
		return nil, store.ErrNotFound
	}
	return loadSale(ctx, s.db, "invoice_number", int64(number), false)
}

// EnsureInvoiceSequence creates the sequence row from MAX(invoice_number) or
// raises an existing row that fell behind, for example after restoring sales
// from a backup.
func (s *Store) EnsureInvoiceSequence(ctx context.Context) (domain.InvoiceNumber, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequence (id, last_value)
		SELECT 1, COALESCE(MAX(invoice_number), 0) FROM sales
		ON CONFLICT (id)
		DO UPDATE SET last_value = GREATEST(invoice_sequence.last_value, EXCLUDED.last_value)
		RETURNING last_value
	`).Scan(&last)
	if err != nil {
		return 0, err
	}
	return domain.InvoiceNumber(last), nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Shared rows are protected
// by the row locks the Tx statements take, so stronger isolation is not
// needed. Serialization failures and deadlocks come back as
// store.ErrTxConflict so the caller can retry the whole unit.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translateError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return translateError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translateError(err)
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, terminal_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TerminalID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.TerminalID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
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

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSale(ctx context.Context, q queryer, column string, value any, forUpdate bool) (*domain.Sale, error) {
	switch column {
	case "id", "idempotency_key", "invoice_number":
	default:
		return nil, fmt.Errorf("unsupported lookup column %q", column)
	}

	query := fmt.Sprintf(`
		SELECT id, invoice_number, idempotency_key, customer_id, operator_id, terminal_id,
			subtotal_cents, discount_cents, total_cents, status, created_at,
			settled_at, cancelled_at, cancel_reason
		FROM sales
		WHERE %s = $1
	`, column)
	if forUpdate {
		query += " FOR UPDATE"
	}

	var sale domain.Sale
	var invoiceNumber int64
	var idempotencyKey, customerID, cancelReason sql.NullString
	var settledAt, cancelledAt sql.NullTime

	err := q.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&invoiceNumber,
		&idempotencyKey,
		&customerID,
		&sale.OperatorID,
		&sale.TerminalID,
		&sale.SubtotalCents,
		&sale.DiscountCents,
		&sale.TotalCents,
		&sale.Status,
		&sale.CreatedAt,
		&settledAt,
		&cancelledAt,
		&cancelReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.InvoiceNumber = domain.InvoiceNumber(invoiceNumber)
	sale.IdempotencyKey = idempotencyKey.String
	sale.CustomerID = customerID.String
	sale.CancelReason = cancelReason.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		sale.SettledAt = &at
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}

	if sale.Lines, err = loadSaleLines(ctx, q, sale.ID); err != nil {
		return nil, err
	}
	if sale.Payments, err = loadSalePayments(ctx, q, sale.ID); err != nil {
		return nil, err
	}
	return &sale, nil
}

func loadSaleLines(ctx context.Context, q queryer, saleID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, product_name, qty, unit_price_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Qty, &line.UnitPriceCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func loadSalePayments(ctx context.Context, q queryer, saleID string) ([]domain.SalePayment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT method, amount_cents, tendered_cents, change_cents, installments
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY position ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SalePayment, 0, 1)
	for rows.Next() {
		var payment domain.SalePayment
		var installments sql.NullInt64
		if err := rows.Scan(&payment.Method, &payment.AmountCents, &payment.TenderedCents, &payment.ChangeCents, &installments); err != nil {
			return nil, err
		}
		payment.Installments = int(installments.Int64)
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", store.ErrTxConflict, err)
		}
	}
	return err
}

func uniqueViolationConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
