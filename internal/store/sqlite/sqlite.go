// Package sqlite backs the repository with a local single-writer SQLite
// database. It serves installations that run on one register without a
// Postgres server; the connection pool is pinned to a single connection so
// every transaction observes the single-writer model the data was designed
// around.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/xid"
)

type Store struct {
	db *sqlx.DB
}

func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS products (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            category_id TEXT NOT NULL DEFAULT '',
            brand_id TEXT NOT NULL DEFAULT '',
            supplier_id TEXT NOT NULL DEFAULT '',
            low_stock_threshold INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS variants (
            id TEXT PRIMARY KEY,
            product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
            sku TEXT NOT NULL DEFAULT '',
            barcode TEXT NOT NULL DEFAULT '',
            attributes TEXT NOT NULL DEFAULT '{}',
            stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
            cost_cents INTEGER NOT NULL DEFAULT 0,
            price_cents INTEGER NOT NULL DEFAULT 0,
            margin_pct REAL NOT NULL DEFAULT 0,
            position INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS categories (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS brands (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS suppliers (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            phone TEXT NOT NULL DEFAULT '',
            address TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS promotions (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            product_id TEXT NOT NULL,
            variant_id TEXT NOT NULL,
            discount_cents INTEGER NOT NULL,
            start_at TIMESTAMP NOT NULL,
            end_at TIMESTAMP NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS vouchers (
            id TEXT PRIMARY KEY,
            code TEXT NOT NULL UNIQUE COLLATE NOCASE,
            kind TEXT NOT NULL,
            discount_type TEXT NOT NULL DEFAULT '',
            value_cents INTEGER NOT NULL DEFAULT 0,
            value_pct REAL NOT NULL DEFAULT 0,
            max_uses INTEGER NOT NULL DEFAULT 0,
            single_use INTEGER NOT NULL DEFAULT 0,
            expires_at TIMESTAMP,
            used_count INTEGER NOT NULL DEFAULT 0,
            balance_cents INTEGER NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS customers (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            phone TEXT NOT NULL DEFAULT '',
            due_cents INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS shifts (
            id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            cashier_id TEXT NOT NULL,
            status TEXT NOT NULL,
            opened_at TIMESTAMP NOT NULL,
            opening_cents INTEGER NOT NULL DEFAULT 0,
            closed_at TIMESTAMP,
            expected_cents INTEGER NOT NULL DEFAULT 0,
            counted_cents INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS shifts_one_open
            ON shifts(store_id, cashier_id) WHERE status = 'open';`,
		`CREATE TABLE IF NOT EXISTS expenses (
            id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            shift_id TEXT NOT NULL DEFAULT '',
            category TEXT NOT NULL,
            amount_cents INTEGER NOT NULL,
            note TEXT NOT NULL DEFAULT '',
            recorded_by TEXT NOT NULL DEFAULT '',
            at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS sales (
            id TEXT PRIMARY KEY,
            invoice_no INTEGER NOT NULL,
            store_id TEXT NOT NULL,
            at TIMESTAMP NOT NULL,
            cashier_id TEXT NOT NULL DEFAULT '',
            shift_id TEXT NOT NULL DEFAULT '',
            customer_id TEXT NOT NULL DEFAULT '',
            lines TEXT NOT NULL,
            subtotal_cents INTEGER NOT NULL,
            items_total_cents INTEGER NOT NULL,
            invoice_discount_cents INTEGER NOT NULL DEFAULT 0,
            voucher_discount_cents INTEGER NOT NULL DEFAULT 0,
            extra_charge_cents INTEGER NOT NULL DEFAULT 0,
            grand_total_cents INTEGER NOT NULL,
            payments TEXT NOT NULL,
            cash_given_cents INTEGER NOT NULL DEFAULT 0,
            change_cents INTEGER NOT NULL DEFAULT 0,
            due_cents INTEGER NOT NULL DEFAULT 0,
            previous_due_cents INTEGER NOT NULL DEFAULT 0,
            voucher_id TEXT NOT NULL DEFAULT '',
            voucher_code TEXT NOT NULL DEFAULT '',
            ref_invoice_no INTEGER NOT NULL DEFAULT 0,
            commission_cents INTEGER NOT NULL DEFAULT 0,
            idempotency_key TEXT,
            UNIQUE(store_id, invoice_no)
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sales_idem
            ON sales(idempotency_key) WHERE idempotency_key IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS invoice_counters (
            store_id TEXT PRIMARY KEY,
            next_no INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS purchase_orders (
            id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            supplier_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            lines TEXT NOT NULL,
            created_by TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL,
            received_by TEXT NOT NULL DEFAULT '',
            received_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS stock_opnames (
            id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            product_id TEXT NOT NULL,
            variant_id TEXT NOT NULL,
            previous_qty INTEGER NOT NULL,
            counted_qty INTEGER NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            recorded_by TEXT NOT NULL DEFAULT '',
            at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS held_carts (
            hold_id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            label TEXT NOT NULL DEFAULT '',
            cashier_id TEXT NOT NULL DEFAULT '',
            lines TEXT NOT NULL,
            held_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS commission_rules (
            cashier_id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            percent REAL NOT NULL DEFAULT 0,
            flat_cents INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS commissions (
            id TEXT PRIMARY KEY,
            sale_id TEXT NOT NULL,
            invoice_no INTEGER NOT NULL,
            cashier_id TEXT NOT NULL,
            amount_cents INTEGER NOT NULL,
            at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS settings (
            store_id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            address TEXT NOT NULL DEFAULT '',
            tax_pct REAL NOT NULL DEFAULT 0,
            currency TEXT NOT NULL DEFAULT 'IDR',
            receipt_footer TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS users (
            username TEXT PRIMARY KEY,
            role TEXT NOT NULL,
            password_hash TEXT NOT NULL,
            can_discount INTEGER NOT NULL DEFAULT 0,
            can_refund INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
            id TEXT PRIMARY KEY,
            store_id TEXT NOT NULL,
            actor TEXT NOT NULL DEFAULT '',
            action TEXT NOT NULL,
            entity_type TEXT NOT NULL DEFAULT '',
            entity_id TEXT NOT NULL DEFAULT '',
            detail TEXT NOT NULL DEFAULT '',
            at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS price_history (
            id TEXT PRIMARY KEY,
            product_id TEXT NOT NULL,
            variant_id TEXT NOT NULL,
            old_price_cents INTEGER NOT NULL,
            new_price_cents INTEGER NOT NULL,
            changed_by TEXT NOT NULL DEFAULT '',
            at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Products

type productRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	CategoryID        string    `db:"category_id"`
	BrandID           string    `db:"brand_id"`
	SupplierID        string    `db:"supplier_id"`
	LowStockThreshold int       `db:"low_stock_threshold"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

type variantRow struct {
	ID         string  `db:"id"`
	ProductID  string  `db:"product_id"`
	SKU        string  `db:"sku"`
	Barcode    string  `db:"barcode"`
	Attributes string  `db:"attributes"`
	Stock      int     `db:"stock"`
	CostCents  int64   `db:"cost_cents"`
	PriceCents int64   `db:"price_cents"`
	MarginPct  float64 `db:"margin_pct"`
	Position   int     `db:"position"`
}

func (r productRow) toDomain(variants []variantRow) domain.Product {
	p := domain.Product{
		ID:                r.ID,
		Name:              r.Name,
		CategoryID:        r.CategoryID,
		BrandID:           r.BrandID,
		SupplierID:        r.SupplierID,
		LowStockThreshold: r.LowStockThreshold,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	for _, v := range variants {
		p.Variants = append(p.Variants, v.toDomain())
	}
	return p
}

func (v variantRow) toDomain() domain.Variant {
	out := domain.Variant{
		ID:         v.ID,
		SKU:        v.SKU,
		Barcode:    v.Barcode,
		Stock:      v.Stock,
		CostCents:  v.CostCents,
		PriceCents: v.PriceCents,
		MarginPct:  v.MarginPct,
	}
	if v.Attributes != "" && v.Attributes != "{}" {
		_ = json.Unmarshal([]byte(v.Attributes), &out.Attributes)
	}
	return out
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM products ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	var variants []variantRow
	if err := s.db.SelectContext(ctx, &variants, `SELECT * FROM variants ORDER BY product_id, position`); err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	byProduct := map[string][]variantRow{}
	for _, v := range variants {
		byProduct[v.ProductID] = append(byProduct[v.ProductID], v)
	}
	out := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain(byProduct[r.ID]))
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	var variants []variantRow
	if err := s.db.SelectContext(ctx, &variants, `SELECT * FROM variants WHERE product_id = ? ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("get variants: %w", err)
	}
	p := row.toDomain(variants)
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO products
        (id, name, category_id, brand_id, supplier_id, low_stock_threshold, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.CategoryID, p.BrandID, p.SupplierID, p.LowStockThreshold, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert product: %w", err)
	}
	if err := insertVariants(ctx, tx, p.ID, p.Variants); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, p.ID)
}

func insertVariants(ctx context.Context, tx *sqlx.Tx, productID string, variants []domain.Variant) error {
	for i := range variants {
		v := &variants[i]
		if v.ID == "" {
			v.ID = xid.New("var")
		}
		attrs := "{}"
		if len(v.Attributes) > 0 {
			b, err := json.Marshal(v.Attributes)
			if err != nil {
				return fmt.Errorf("encode attributes: %w", err)
			}
			attrs = string(b)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO variants
            (id, product_id, sku, barcode, attributes, stock, cost_cents, price_cents, margin_pct, position)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, productID, v.SKU, v.Barcode, attrs, v.Stock, v.CostCents, v.PriceCents, v.MarginPct, i)
		if err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
	}
	return nil
}

// UpdateProduct replaces the product head and reconciles variants by id so
// variant identity survives edits.
func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE products SET
        name = ?, category_id = ?, brand_id = ?, supplier_id = ?, low_stock_threshold = ?, updated_at = ?
        WHERE id = ?`,
		p.Name, p.CategoryID, p.BrandID, p.SupplierID, p.LowStockThreshold, time.Now().UTC(), p.ID)
	if err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}

	keep := make([]any, 0, len(p.Variants)+1)
	keep = append(keep, p.ID)
	for i := range p.Variants {
		v := &p.Variants[i]
		if v.ID == "" {
			v.ID = xid.New("var")
		}
		attrs := "{}"
		if len(v.Attributes) > 0 {
			b, err := json.Marshal(v.Attributes)
			if err != nil {
				return nil, fmt.Errorf("encode attributes: %w", err)
			}
			attrs = string(b)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO variants
            (id, product_id, sku, barcode, attributes, stock, cost_cents, price_cents, margin_pct, position)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(id) DO UPDATE SET
                sku = excluded.sku, barcode = excluded.barcode, attributes = excluded.attributes,
                stock = excluded.stock, cost_cents = excluded.cost_cents,
                price_cents = excluded.price_cents, margin_pct = excluded.margin_pct,
                position = excluded.position`,
			v.ID, p.ID, v.SKU, v.Barcode, attrs, v.Stock, v.CostCents, v.PriceCents, v.MarginPct, i)
		if err != nil {
			return nil, fmt.Errorf("upsert variant: %w", err)
		}
		keep = append(keep, v.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(p.Variants)), ",")
	if placeholders == "" {
		placeholders = "''"
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM variants WHERE product_id = ? AND id NOT IN (`+placeholders+`)`, keep...); err != nil {
		return nil, fmt.Errorf("prune variants: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, p.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FindVariant(ctx context.Context, code string) (*domain.Product, *domain.Variant, error) {
	var v variantRow
	err := s.db.GetContext(ctx, &v,
		`SELECT * FROM variants WHERE (barcode != '' AND barcode = ?) OR (sku != '' AND sku = ?) LIMIT 1`, code, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find variant: %w", err)
	}
	p, err := s.GetProduct(ctx, v.ProductID)
	if err != nil {
		return nil, nil, err
	}
	dv := v.toDomain()
	return p, &dv, nil
}

func (s *Store) VariantStock(ctx context.Context, productID, variantID string) (int, error) {
	var stock int
	err := s.db.GetContext(ctx, &stock,
		`SELECT stock FROM variants WHERE product_id = ? AND id = ?`, productID, variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("variant stock: %w", err)
	}
	return stock, nil
}

func (s *Store) SetVariantStock(ctx context.Context, productID, variantID string, qty int) (int, error) {
	if qty < 0 {
		return 0, fmt.Errorf("%w: stock must not be negative", store.ErrInvalidSale)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev int
	err = tx.GetContext(ctx, &prev, `SELECT stock FROM variants WHERE product_id = ? AND id = ?`, productID, variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE variants SET stock = ? WHERE id = ?`, qty, variantID); err != nil {
		return 0, fmt.Errorf("set stock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return prev, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT p.id FROM products p
        JOIN variants v ON v.product_id = p.id
        WHERE v.stock <= p.low_stock_threshold ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.PriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO price_history
        (id, product_id, variant_id, old_price_cents, new_price_cents, changed_by, at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProductID, entry.VariantID, entry.OldPriceCents, entry.NewPriceCents, entry.ChangedBy, entry.At)
	if err != nil {
		return fmt.Errorf("insert price history: %w", err)
	}
	return nil
}

func (s *Store) ListPriceHistory(ctx context.Context, variantID string, limit int) ([]domain.PriceHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.PriceHistory
	err := s.db.SelectContext(ctx, &out, `SELECT id, product_id AS productid, variant_id AS variantid,
        old_price_cents AS oldpricecents, new_price_cents AS newpricecents, changed_by AS changedby, at
        FROM price_history WHERE variant_id = ? ORDER BY at DESC LIMIT ?`, variantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list price history: %w", err)
	}
	return out, nil
}

// Categories, brands, suppliers

func (s *Store) CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error) {
	if c.ID == "" {
		c.ID = xid.New("cat")
	}
	c.CreatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, created_at) VALUES (?, ?, ?)`, c.ID, c.Name, c.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert category: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var out []domain.Category
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, name, created_at AS createdat FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return out, nil
}

func (s *Store) CreateBrand(ctx context.Context, b domain.Brand) (*domain.Brand, error) {
	if b.ID == "" {
		b.ID = xid.New("brand")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO brands (id, name) VALUES (?, ?)`, b.ID, b.Name); err != nil {
		return nil, fmt.Errorf("insert brand: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBrands(ctx context.Context) ([]domain.Brand, error) {
	var out []domain.Brand
	if err := s.db.SelectContext(ctx, &out, `SELECT id, name FROM brands ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list brands: %w", err)
	}
	return out, nil
}

func (s *Store) CreateSupplier(ctx context.Context, sup domain.Supplier) (*domain.Supplier, error) {
	if sup.ID == "" {
		sup.ID = xid.New("sup")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO suppliers (id, name, phone, address) VALUES (?, ?, ?, ?)`,
		sup.ID, sup.Name, sup.Phone, sup.Address); err != nil {
		return nil, fmt.Errorf("insert supplier: %w", err)
	}
	return &sup, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	var out []domain.Supplier
	if err := s.db.SelectContext(ctx, &out, `SELECT id, name, phone, address FROM suppliers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}
	return out, nil
}

// Promotions

type promotionRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	ProductID     string    `db:"product_id"`
	VariantID     string    `db:"variant_id"`
	DiscountCents int64     `db:"discount_cents"`
	StartAt       time.Time `db:"start_at"`
	EndAt         time.Time `db:"end_at"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r promotionRow) toDomain() domain.Promotion {
	return domain.Promotion(r)
}

func (s *Store) CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	if p.ID == "" {
		p.ID = xid.New("promo")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO promotions
        (id, name, product_id, variant_id, discount_cents, start_at, end_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.ProductID, p.VariantID, p.DiscountCents, p.StartAt, p.EndAt, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert promotion: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	var rows []promotionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM promotions ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	out := make([]domain.Promotion, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListActivePromotions(ctx context.Context, now time.Time) ([]domain.Promotion, error) {
	var rows []promotionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM promotions WHERE start_at <= ? AND end_at >= ? ORDER BY created_at`, now, now)
	if err != nil {
		return nil, fmt.Errorf("list active promotions: %w", err)
	}
	out := make([]domain.Promotion, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) DeletePromotion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM promotions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete promotion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Vouchers

type voucherRow struct {
	ID           string       `db:"id"`
	Code         string       `db:"code"`
	Kind         string       `db:"kind"`
	DiscountType string       `db:"discount_type"`
	ValueCents   int64        `db:"value_cents"`
	ValuePct     float64      `db:"value_pct"`
	MaxUses      int          `db:"max_uses"`
	SingleUse    bool         `db:"single_use"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
	UsedCount    int          `db:"used_count"`
	BalanceCents int64        `db:"balance_cents"`
	CreatedAt    time.Time    `db:"created_at"`
}

func (r voucherRow) toDomain() domain.Voucher {
	v := domain.Voucher{
		ID:           r.ID,
		Code:         r.Code,
		Kind:         r.Kind,
		DiscountType: r.DiscountType,
		ValueCents:   r.ValueCents,
		ValuePct:     r.ValuePct,
		MaxUses:      r.MaxUses,
		SingleUse:    r.SingleUse,
		UsedCount:    r.UsedCount,
		BalanceCents: r.BalanceCents,
		CreatedAt:    r.CreatedAt,
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		v.ExpiresAt = &t
	}
	return v
}

func (s *Store) CreateVoucher(ctx context.Context, v domain.Voucher) (*domain.Voucher, error) {
	if v.ID == "" {
		v.ID = xid.New("vc")
	}
	v.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO vouchers
        (id, code, kind, discount_type, value_cents, value_pct, max_uses, single_use, expires_at, used_count, balance_cents, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		v.ID, v.Code, v.Kind, v.DiscountType, v.ValueCents, v.ValuePct, v.MaxUses, v.SingleUse,
		nullTime(v.ExpiresAt), v.BalanceCents, v.CreatedAt)
	if isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert voucher: %w", err)
	}
	return &v, nil
}

func (s *Store) ListVouchers(ctx context.Context) ([]domain.Voucher, error) {
	var rows []voucherRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM vouchers ORDER BY code`); err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	out := make([]domain.Voucher, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	var row voucherRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM vouchers WHERE code = ? COLLATE NOCASE`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voucher: %w", err)
	}
	v := row.toDomain()
	return &v, nil
}

// Customers

func (s *Store) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	if c.ID == "" {
		c.ID = xid.New("cust")
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, phone, due_cents, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Phone, c.DueCents, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var out []domain.Customer
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, name, phone, due_cents AS duecents, created_at AS createdat FROM customers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return out, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.GetContext(ctx, &c,
		`SELECT id, name, phone, due_cents AS duecents, created_at AS createdat FROM customers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (s *Store) RecordCustomerPayment(ctx context.Context, id string, amountCents int64, at time.Time) (*domain.Customer, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidSale)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var due int64
	err = tx.GetContext(ctx, &due, `SELECT due_cents FROM customers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read customer: %w", err)
	}
	if amountCents > due {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrInvalidSale)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE customers SET due_cents = due_cents - ? WHERE id = ?`, amountCents, id); err != nil {
		return nil, fmt.Errorf("update customer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, id)
}

// Shifts and expenses

type shiftRow struct {
	ID            string       `db:"id"`
	StoreID       string       `db:"store_id"`
	CashierID     string       `db:"cashier_id"`
	Status        string       `db:"status"`
	OpenedAt      time.Time    `db:"opened_at"`
	OpeningCents  int64        `db:"opening_cents"`
	ClosedAt      sql.NullTime `db:"closed_at"`
	ExpectedCents int64        `db:"expected_cents"`
	CountedCents  int64        `db:"counted_cents"`
}

func (r shiftRow) toDomain() domain.Shift {
	shift := domain.Shift{
		ID:            r.ID,
		StoreID:       r.StoreID,
		CashierID:     r.CashierID,
		Status:        r.Status,
		OpenedAt:      r.OpenedAt,
		OpeningCents:  r.OpeningCents,
		ExpectedCents: r.ExpectedCents,
		CountedCents:  r.CountedCents,
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		shift.ClosedAt = &t
	}
	return shift
}

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	shift.Status = domain.ShiftStatusOpen
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO shifts
        (id, store_id, cashier_id, status, opened_at, opening_cents) VALUES (?, ?, ?, ?, ?, ?)`,
		shift.ID, shift.StoreID, shift.CashierID, shift.Status, shift.OpenedAt, shift.OpeningCents)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: shift already open", store.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("open shift: %w", err)
	}
	return &shift, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, countedCents int64, closedAt time.Time) (*domain.Shift, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row shiftRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM shifts WHERE id = ?`, shiftID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read shift: %w", err)
	}
	if row.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: shift already closed", store.ErrConflict)
	}
	expected, err := expectedCashTx(ctx, tx, row)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE shifts SET
        status = ?, closed_at = ?, counted_cents = ?, expected_cents = ? WHERE id = ?`,
		domain.ShiftStatusClosed, closedAt, countedCents, expected, shiftID); err != nil {
		return nil, fmt.Errorf("close shift: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetShift(ctx, shiftID)
}

func expectedCashTx(ctx context.Context, tx *sqlx.Tx, row shiftRow) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT payments, change_cents FROM sales WHERE shift_id = ?`, row.ID)
	if err != nil {
		return 0, fmt.Errorf("shift sales: %w", err)
	}
	defer rows.Close()
	var cashSales int64
	for rows.Next() {
		var paymentsJSON string
		var change int64
		if err := rows.Scan(&paymentsJSON, &change); err != nil {
			return 0, err
		}
		var payments []domain.Payment
		if err := json.Unmarshal([]byte(paymentsJSON), &payments); err != nil {
			return 0, fmt.Errorf("decode payments: %w", err)
		}
		for _, p := range payments {
			if p.Method == domain.PaymentCash {
				cashSales += p.AmountCents
			}
		}
		cashSales -= change
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	var cashExpenses sql.NullInt64
	if err := tx.GetContext(ctx, &cashExpenses,
		`SELECT SUM(amount_cents) FROM expenses WHERE shift_id = ?`, row.ID); err != nil {
		return 0, fmt.Errorf("sum expenses: %w", err)
	}
	return row.OpeningCents + cashSales - cashExpenses.Int64, nil
}

func (s *Store) GetOpenShift(ctx context.Context, storeID, cashierID string) (*domain.Shift, error) {
	var row shiftRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM shifts WHERE store_id = ? AND cashier_id = ? AND status = 'open'`, storeID, cashierID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open shift: %w", err)
	}
	shift := row.toDomain()
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	var row shiftRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM shifts WHERE id = ?`, shiftID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shift: %w", err)
	}
	shift := row.toDomain()
	return &shift, nil
}

func (s *Store) CreateExpense(ctx context.Context, e domain.Expense) (*domain.Expense, error) {
	if e.ID == "" {
		e.ID = xid.New("exp")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO expenses
        (id, store_id, shift_id, category, amount_cents, note, recorded_by, at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StoreID, e.ShiftID, e.Category, e.AmountCents, e.Note, e.RecordedBy, e.At)
	if err != nil {
		return nil, fmt.Errorf("insert expense: %w", err)
	}
	return &e, nil
}

func (s *Store) ListExpenses(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Expense, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Expense
	err := s.db.SelectContext(ctx, &out, `SELECT id, store_id AS storeid, shift_id AS shiftid,
        category, amount_cents AS amountcents, note, recorded_by AS recordedby, at
        FROM expenses WHERE store_id = ? AND at >= ? AND at <= ? ORDER BY at DESC LIMIT ?`,
		storeID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return out, nil
}

func (s *Store) GetShiftReport(ctx context.Context, shiftID string) (*domain.ShiftReport, error) {
	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	report := domain.ShiftReport{Shift: *shift}

	rows, err := s.db.QueryContext(ctx, `SELECT payments, change_cents FROM sales WHERE shift_id = ?`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("shift sales: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var paymentsJSON string
		var change int64
		if err := rows.Scan(&paymentsJSON, &change); err != nil {
			return nil, err
		}
		var payments []domain.Payment
		if err := json.Unmarshal([]byte(paymentsJSON), &payments); err != nil {
			return nil, fmt.Errorf("decode payments: %w", err)
		}
		for _, p := range payments {
			if p.Method == domain.PaymentCash {
				report.CashSalesCents += p.AmountCents
			}
		}
		report.CashSalesCents -= change
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var cashExpenses sql.NullInt64
	if err := s.db.GetContext(ctx, &cashExpenses,
		`SELECT SUM(amount_cents) FROM expenses WHERE shift_id = ?`, shiftID); err != nil {
		return nil, fmt.Errorf("shift expenses: %w", err)
	}
	report.CashExpensesCents = cashExpenses.Int64
	report.ExpectedCents = shift.OpeningCents + report.CashSalesCents - report.CashExpensesCents
	if shift.Status == domain.ShiftStatusClosed {
		report.VarianceCents = shift.CountedCents - report.ExpectedCents
	}
	return &report, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
