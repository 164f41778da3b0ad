// Package postgres implements the store.Repository on PostgreSQL via the pgx
// stdlib adapter. The schema is provisioned outside the application; lines,
// payments and variant attributes are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Products

const variantColumns = `id, product_id, sku, barcode, attributes, stock, cost_cents, price_cents, margin_pct`

func scanVariant(scan func(dest ...any) error) (string, domain.Variant, error) {
	var v domain.Variant
	var productID string
	var sku, barcode sql.NullString
	var attributes []byte
	err := scan(&v.ID, &productID, &sku, &barcode, &attributes, &v.Stock, &v.CostCents, &v.PriceCents, &v.MarginPct)
	if err != nil {
		return "", domain.Variant{}, err
	}
	v.SKU = sku.String
	v.Barcode = barcode.String
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &v.Attributes); err != nil {
			return "", domain.Variant{}, fmt.Errorf("decode variant attributes: %w", err)
		}
	}
	return productID, v, nil
}

func (s *Store) variantsByProduct(ctx context.Context) (map[string][]domain.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM variants
		ORDER BY product_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := make(map[string][]domain.Variant, 128)
	for rows.Next() {
		productID, v, err := scanVariant(rows.Scan)
		if err != nil {
			return nil, err
		}
		grouped[productID] = append(grouped[productID], v)
	}
	return grouped, rows.Err()
}

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	var categoryID, brandID, supplierID sql.NullString
	err := scan(&p.ID, &p.Name, &categoryID, &brandID, &supplierID, &p.LowStockThreshold, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.CategoryID = categoryID.String
	p.BrandID = brandID.String
	p.SupplierID = supplierID.String
	return p, nil
}

const productColumns = `id, name, category_id, brand_id, supplier_id, low_stock_threshold, created_at, updated_at`

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	variants, err := s.variantsByProduct(ctx)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].Variants = variants[products[i].ID]
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id)
	p, err := scanProduct(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM variants
		WHERE product_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		_, v, err := scanVariant(rows.Scan)
		if err != nil {
			return nil, err
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

func insertVariants(ctx context.Context, tx *sql.Tx, productID string, variants []domain.Variant) error {
	for i := range variants {
		v := &variants[i]
		if v.ID == "" {
			v.ID = xid.New("var")
		}
		attributes, err := json.Marshal(v.Attributes)
		if err != nil {
			return fmt.Errorf("encode variant attributes: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO variants (id, product_id, position, sku, barcode, attributes, stock, cost_cents, price_cents, margin_pct)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET
				position = excluded.position, sku = excluded.sku, barcode = excluded.barcode,
				attributes = excluded.attributes, stock = excluded.stock, cost_cents = excluded.cost_cents,
				price_cents = excluded.price_cents, margin_pct = excluded.margin_pct
		`, v.ID, productID, i, nullIfEmpty(v.SKU), nullIfEmpty(v.Barcode), attributes,
			v.Stock, v.CostCents, v.PriceCents, v.MarginPct)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if p.Name == "" || len(p.Variants) == 0 {
		return nil, fmt.Errorf("%w: product needs a name and at least one variant", store.ErrInvalidSale)
	}
	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, category_id, brand_id, supplier_id, low_stock_threshold, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, p.ID, p.Name, nullIfEmpty(p.CategoryID), nullIfEmpty(p.BrandID), nullIfEmpty(p.SupplierID),
		p.LowStockThreshold, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if err := insertVariants(ctx, tx, p.ID, p.Variants); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := p
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if p.ID == "" || p.Name == "" || len(p.Variants) == 0 {
		return nil, fmt.Errorf("%w: product needs an id, a name and at least one variant", store.ErrInvalidSale)
	}
	p.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category_id = $3, brand_id = $4, supplier_id = $5, low_stock_threshold = $6, updated_at = $7
		WHERE id = $1
	`, p.ID, p.Name, nullIfEmpty(p.CategoryID), nullIfEmpty(p.BrandID), nullIfEmpty(p.SupplierID),
		p.LowStockThreshold, p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if err := insertVariants(ctx, tx, p.ID, p.Variants); err != nil {
		return nil, err
	}
	keep := make([]string, 0, len(p.Variants))
	for _, v := range p.Variants {
		keep = append(keep, v.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM variants
		WHERE product_id = $1 AND NOT (id = ANY($2))
	`, p.ID, keep); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	updated := p
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
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

// FindVariant resolves a scanned code to its product and variant. Barcodes
// take precedence over SKUs when a code matches both.
func (s *Store) FindVariant(ctx context.Context, code string) (*domain.Product, *domain.Variant, error) {
	var productID, variantID string
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, id FROM variants WHERE barcode = $1
	`, code).Scan(&productID, &variantID)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, `
			SELECT product_id, id FROM variants WHERE sku = $1
		`, code).Scan(&productID, &variantID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	for i := range product.Variants {
		if product.Variants[i].ID == variantID {
			return product, &product.Variants[i], nil
		}
	}
	return nil, nil, store.ErrNotFound
}

func (s *Store) VariantStock(ctx context.Context, productID, variantID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT stock FROM variants WHERE product_id = $1 AND id = $2
	`, productID, variantID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (s *Store) SetVariantStock(ctx context.Context, productID, variantID string, qty int) (int, error) {
	var previous int
	err := s.db.QueryRowContext(ctx, `
		UPDATE variants v
		SET stock = $3
		FROM variants old
		WHERE v.id = old.id AND v.product_id = $1 AND v.id = $2
		RETURNING old.stock
	`, productID, variantID, qty).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return previous, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	products, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0, 16)
	for _, p := range products {
		threshold := p.LowStockThreshold
		if threshold < 1 {
			continue
		}
		for _, v := range p.Variants {
			if v.Stock <= threshold {
				low = append(low, p)
				break
			}
		}
	}
	return low, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.PriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history (id, product_id, variant_id, old_price_cents, new_price_cents, changed_by, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.ProductID, entry.VariantID, entry.OldPriceCents, entry.NewPriceCents, entry.ChangedBy, entry.At)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, variantID string, limit int) ([]domain.PriceHistory, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, variant_id, old_price_cents, new_price_cents, changed_by, at
		FROM price_history
		WHERE variant_id = $1
		ORDER BY at DESC
		LIMIT $2
	`, variantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.PriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.PriceHistory
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.VariantID, &entry.OldPriceCents,
			&entry.NewPriceCents, &entry.ChangedBy, &entry.At); err != nil {
			return nil, err
		}
		entry.At = entry.At.UTC()
		history = append(history, entry)
	}
	return history, rows.Err()
}

// Catalog

func (s *Store) CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error) {
	if c.ID == "" {
		c.ID = xid.New("cat")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, created_at) VALUES ($1,$2,$3)
	`, c.ID, c.Name, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 32)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) CreateBrand(ctx context.Context, b domain.Brand) (*domain.Brand, error) {
	if b.ID == "" {
		b.ID = xid.New("brand")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO brands (id, name) VALUES ($1,$2)`, b.ID, b.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBrands(ctx context.Context) ([]domain.Brand, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM brands ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	brands := make([]domain.Brand, 0, 32)
	for rows.Next() {
		var b domain.Brand
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		brands = append(brands, b)
	}
	return brands, rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, sup domain.Supplier) (*domain.Supplier, error) {
	if sup.ID == "" {
		sup.ID = xid.New("sup")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, address) VALUES ($1,$2,$3,$4)
	`, sup.ID, sup.Name, nullIfEmpty(sup.Phone), nullIfEmpty(sup.Address))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &sup, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, phone, address FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var sup domain.Supplier
		var phone, address sql.NullString
		if err := rows.Scan(&sup.ID, &sup.Name, &phone, &address); err != nil {
			return nil, err
		}
		sup.Phone = phone.String
		sup.Address = address.String
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

// Promotions

func (s *Store) CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	if p.DiscountCents < 1 || p.ProductID == "" || p.VariantID == "" {
		return nil, fmt.Errorf("%w: promotion needs a variant and a positive discount", store.ErrInvalidSale)
	}
	if !p.EndAt.After(p.StartAt) {
		return nil, fmt.Errorf("%w: promotion window is empty", store.ErrInvalidSale)
	}
	if p.ID == "" {
		p.ID = xid.New("promo")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (id, name, product_id, variant_id, discount_cents, start_at, end_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, p.ID, p.Name, p.ProductID, p.VariantID, p.DiscountCents, p.StartAt, p.EndAt, p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPromotions(rows *sql.Rows) ([]domain.Promotion, error) {
	defer rows.Close()
	promos := make([]domain.Promotion, 0, 32)
	for rows.Next() {
		var p domain.Promotion
		if err := rows.Scan(&p.ID, &p.Name, &p.ProductID, &p.VariantID, &p.DiscountCents,
			&p.StartAt, &p.EndAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		promos = append(promos, p)
	}
	return promos, rows.Err()
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, product_id, variant_id, discount_cents, start_at, end_at, created_at
		FROM promotions
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return scanPromotions(rows)
}

func (s *Store) ListActivePromotions(ctx context.Context, now time.Time) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, product_id, variant_id, discount_cents, start_at, end_at, created_at
		FROM promotions
		WHERE start_at <= $1 AND end_at >= $1
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, err
	}
	return scanPromotions(rows)
}

func (s *Store) DeletePromotion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM promotions WHERE id = $1`, id)
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

// Vouchers

func scanVoucher(scan func(dest ...any) error) (domain.Voucher, error) {
	var v domain.Voucher
	var discountType sql.NullString
	var expires sql.NullTime
	err := scan(&v.ID, &v.Code, &v.Kind, &discountType, &v.ValueCents, &v.ValuePct,
		&v.MaxUses, &v.SingleUse, &expires, &v.UsedCount, &v.BalanceCents, &v.CreatedAt)
	if err != nil {
		return domain.Voucher{}, err
	}
	v.DiscountType = discountType.String
	if expires.Valid {
		t := expires.Time.UTC()
		v.ExpiresAt = &t
	}
	return v, nil
}

const voucherColumns = `id, code, kind, discount_type, value_cents, value_pct, max_uses, single_use, expires_at, used_count, balance_cents, created_at`

func (s *Store) CreateVoucher(ctx context.Context, v domain.Voucher) (*domain.Voucher, error) {
	if v.Code == "" {
		return nil, fmt.Errorf("%w: voucher needs a code", store.ErrInvalidSale)
	}
	if v.ID == "" {
		v.ID = xid.New("vch")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vouchers (`+voucherColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, v.ID, v.Code, v.Kind, nullIfEmpty(v.DiscountType), v.ValueCents, v.ValuePct,
		v.MaxUses, v.SingleUse, nullTime(v.ExpiresAt), v.UsedCount, v.BalanceCents, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVouchers(ctx context.Context) ([]domain.Voucher, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+voucherColumns+` FROM vouchers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vouchers := make([]domain.Voucher, 0, 32)
	for rows.Next() {
		v, err := scanVoucher(rows.Scan)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+voucherColumns+` FROM vouchers WHERE lower(code) = lower($1)
	`, code)
	v, err := scanVoucher(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Customers

func (s *Store) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: customer needs a name", store.ErrInvalidSale)
	}
	if c.ID == "" {
		c.ID = xid.New("cust")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, due_cents, created_at) VALUES ($1,$2,$3,$4,$5)
	`, c.ID, c.Name, nullIfEmpty(c.Phone), c.DueCents, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, phone, due_cents, created_at FROM customers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		var phone sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &phone, &c.DueCents, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Phone = phone.String
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, due_cents, created_at FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &phone, &c.DueCents, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Phone = phone.String
	return &c, nil
}

func (s *Store) RecordCustomerPayment(ctx context.Context, id string, amountCents int64, at time.Time) (*domain.Customer, error) {
	if amountCents < 1 {
		return nil, fmt.Errorf("%w: payment must be positive", store.ErrInvalidSale)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var due int64
	err = tx.QueryRowContext(ctx, `SELECT due_cents FROM customers WHERE id = $1 FOR UPDATE`, id).Scan(&due)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if amountCents > due {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrInvalidSale)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE customers SET due_cents = due_cents - $1 WHERE id = $2
	`, amountCents, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, id)
}

// Shifts and expenses

func scanShift(scan func(dest ...any) error) (domain.Shift, error) {
	var shift domain.Shift
	var closedAt sql.NullTime
	err := scan(&shift.ID, &shift.StoreID, &shift.CashierID, &shift.Status, &shift.OpenedAt,
		&shift.OpeningCents, &closedAt, &shift.ExpectedCents, &shift.CountedCents)
	if err != nil {
		return domain.Shift{}, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		shift.ClosedAt = &t
	}
	return shift, nil
}

const shiftColumns = `id, store_id, cashier_id, status, opened_at, opening_cents, closed_at, expected_cents, counted_cents`

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.OpeningCents < 0 {
		return nil, fmt.Errorf("%w: opening float must not be negative", store.ErrInvalidSale)
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	shift.Status = domain.ShiftStatusOpen
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	// A partial unique index allows one open shift per cashier per store.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, store_id, cashier_id, status, opened_at, opening_cents)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, shift.ID, shift.StoreID, shift.CashierID, shift.Status, shift.OpenedAt, shift.OpeningCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &shift, nil
}

// expectedCashTx computes the cash a drawer should hold at close: opening
// float plus cash tendered minus change given minus cash expenses.
func (s *Store) expectedCashTx(ctx context.Context, tx *sql.Tx, shift domain.Shift) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT payments, change_cents FROM sales WHERE shift_id = $1`, shift.ID)
	if err != nil {
		return 0, err
	}
	expected := shift.OpeningCents
	for rows.Next() {
		var paymentsJSON []byte
		var change int64
		if err := rows.Scan(&paymentsJSON, &change); err != nil {
			_ = rows.Close()
			return 0, err
		}
		var payments []domain.Payment
		if err := json.Unmarshal(paymentsJSON, &payments); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("decode sale payments: %w", err)
		}
		for _, p := range payments {
			if p.Method == domain.PaymentCash {
				expected += p.AmountCents
			}
		}
		expected -= change
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	var expenses sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM expenses WHERE shift_id = $1
	`, shift.ID).Scan(&expenses)
	if err != nil {
		return 0, err
	}
	return expected - expenses.Int64, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, countedCents int64, closedAt time.Time) (*domain.Shift, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1 FOR UPDATE`, shiftID)
	shift, err := scanShift(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: shift already closed", store.ErrConflict)
	}

	expected, err := s.expectedCashTx(ctx, tx, shift)
	if err != nil {
		return nil, err
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &closedAt
	shift.ExpectedCents = expected
	shift.CountedCents = countedCents

	if _, err := tx.ExecContext(ctx, `
		UPDATE shifts SET status = $2, closed_at = $3, expected_cents = $4, counted_cents = $5 WHERE id = $1
	`, shiftID, shift.Status, closedAt, expected, countedCents); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &shift, nil
}

func (s *Store) GetOpenShift(ctx context.Context, storeID, cashierID string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+` FROM shifts
		WHERE store_id = $1 AND cashier_id = $2 AND status = $3
	`, storeID, cashierID, domain.ShiftStatusOpen)
	shift, err := scanShift(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, shiftID)
	shift, err := scanShift(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &shift, nil
}

func (s *Store) CreateExpense(ctx context.Context, e domain.Expense) (*domain.Expense, error) {
	if e.AmountCents < 1 {
		return nil, fmt.Errorf("%w: expense must be positive", store.ErrInvalidSale)
	}
	if e.ID == "" {
		e.ID = xid.New("exp")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, store_id, shift_id, category, amount_cents, note, recorded_by, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.StoreID, nullIfEmpty(e.ShiftID), e.Category, e.AmountCents, nullIfEmpty(e.Note), e.RecordedBy, e.At)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListExpenses(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Expense, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, shift_id, category, amount_cents, note, recorded_by, at
		FROM expenses
		WHERE store_id = $1 AND at >= $2 AND at <= $3
		ORDER BY at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, limit)
	for rows.Next() {
		var e domain.Expense
		var shiftID, note sql.NullString
		if err := rows.Scan(&e.ID, &e.StoreID, &shiftID, &e.Category, &e.AmountCents, &note, &e.RecordedBy, &e.At); err != nil {
			return nil, err
		}
		e.ShiftID = shiftID.String
		e.Note = note.String
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (s *Store) GetShiftReport(ctx context.Context, shiftID string) (*domain.ShiftReport, error) {
	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payments, change_cents FROM sales WHERE shift_id = $1`, shiftID)
	if err != nil {
		return nil, err
	}
	var cashSales int64
	for rows.Next() {
		var paymentsJSON []byte
		var change int64
		if err := rows.Scan(&paymentsJSON, &change); err != nil {
			_ = rows.Close()
			return nil, err
		}
		var payments []domain.Payment
		if err := json.Unmarshal(paymentsJSON, &payments); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode sale payments: %w", err)
		}
		for _, p := range payments {
			if p.Method == domain.PaymentCash {
				cashSales += p.AmountCents
			}
		}
		cashSales -= change
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var cashExpenses sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM expenses WHERE shift_id = $1
	`, shiftID).Scan(&cashExpenses)
	if err != nil {
		return nil, err
	}

	report := domain.ShiftReport{
		Shift:             *shift,
		CashSalesCents:    cashSales,
		CashExpensesCents: cashExpenses.Int64,
		ExpectedCents:     shift.OpeningCents + cashSales - cashExpenses.Int64,
	}
	if shift.Status == domain.ShiftStatusClosed {
		report.ExpectedCents = shift.ExpectedCents
		report.VarianceCents = shift.CountedCents - shift.ExpectedCents
	}
	return &report, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
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
