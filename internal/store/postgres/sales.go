package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/pricing"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/xid"
)

const saleColumns = `id, invoice_no, store_id, at, cashier_id, shift_id, customer_id, lines,
	subtotal_cents, items_total_cents, invoice_discount_cents, voucher_discount_cents,
	extra_charge_cents, grand_total_cents, payments, cash_given_cents, change_cents,
	due_cents, previous_due_cents, voucher_id, voucher_code, ref_invoice_no,
	commission_cents, idempotency_key`

func scanSale(scan func(dest ...any) error) (domain.Sale, error) {
	var sale domain.Sale
	var shiftID, customerID, voucherID, voucherCode, idempotencyKey sql.NullString
	var linesJSON, paymentsJSON []byte
	err := scan(&sale.ID, &sale.InvoiceNo, &sale.StoreID, &sale.At, &sale.CashierID, &shiftID,
		&customerID, &linesJSON, &sale.SubtotalCents, &sale.ItemsTotalCents,
		&sale.InvoiceDiscountCents, &sale.VoucherDiscountCents, &sale.ExtraChargeCents,
		&sale.GrandTotalCents, &paymentsJSON, &sale.CashGivenCents, &sale.ChangeCents,
		&sale.DueCents, &sale.PreviousDueCents, &voucherID, &voucherCode, &sale.RefInvoiceNo,
		&sale.CommissionCents, &idempotencyKey)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.ShiftID = shiftID.String
	sale.CustomerID = customerID.String
	sale.VoucherID = voucherID.String
	sale.VoucherCode = voucherCode.String
	sale.IdempotencyKey = idempotencyKey.String
	sale.At = sale.At.UTC()
	if err := json.Unmarshal(linesJSON, &sale.Lines); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale lines: %w", err)
	}
	if err := json.Unmarshal(paymentsJSON, &sale.Payments); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale payments: %w", err)
	}
	return sale, nil
}

// CommitSale runs the ordered checkout steps inside one serializable
// transaction: counter read, sale insert, customer due update, per-line
// stock adjustment with the final availability check, voucher update,
// counter increment and commission insert.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", store.ErrInvalidSale)
	}
	if sale.IdempotencyKey != "" {
		existing, err := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Step 1: read the invoice counter under lock.
	var next int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT next_no FROM invoice_counters WHERE store_id = $1 FOR UPDATE
	`, sale.StoreID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		next = 1
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO invoice_counters (store_id, next_no) VALUES ($1, 1)
		`, sale.StoreID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	sale.InvoiceNo = next

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.At.IsZero() {
		sale.At = time.Now().UTC()
	}

	// Previous balance goes on the receipt, so it is captured before the
	// sale row is written.
	if sale.DueCents > 0 && sale.CustomerID != "" {
		err := pgTx.QueryRowContext(ctx, `
			SELECT due_cents FROM customers WHERE id = $1 FOR UPDATE
		`, sale.CustomerID).Scan(&sale.PreviousDueCents)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
		if err != nil {
			return nil, err
		}
	}

	// The commission amount is stored on the sale row; the commission row
	// itself is inserted as the final step.
	var rule *domain.CommissionRule
	{
		var r domain.CommissionRule
		err := pgTx.QueryRowContext(ctx, `
			SELECT cashier_id, kind, percent, flat_cents FROM commission_rules WHERE cashier_id = $1
		`, sale.CashierID).Scan(&r.CashierID, &r.Kind, &r.Percent, &r.FlatCents)
		if err == nil {
			rule = &r
			sale.CommissionCents = store.CommissionFor(r, sale)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	// Step 2: insert the sale with JSON-encoded lines and payments.
	linesJSON, err := json.Marshal(sale.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode lines: %w", err)
	}
	paymentsJSON, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, fmt.Errorf("encode payments: %w", err)
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, sale.ID, sale.InvoiceNo, sale.StoreID, sale.At, sale.CashierID, nullIfEmpty(sale.ShiftID),
		nullIfEmpty(sale.CustomerID), linesJSON, sale.SubtotalCents, sale.ItemsTotalCents,
		sale.InvoiceDiscountCents, sale.VoucherDiscountCents, sale.ExtraChargeCents,
		sale.GrandTotalCents, paymentsJSON, sale.CashGivenCents, sale.ChangeCents,
		sale.DueCents, sale.PreviousDueCents, nullIfEmpty(sale.VoucherID), nullIfEmpty(sale.VoucherCode),
		sale.RefInvoiceNo, sale.CommissionCents, nullIfEmpty(sale.IdempotencyKey))
	if err != nil {
		if isUniqueViolation(err) {
			if sale.IdempotencyKey != "" {
				existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
				if lookupErr == nil {
					return existing, nil
				}
			}
			return nil, store.ErrConflict
		}
		return nil, err
	}

	// Step 3: a credit sale raises the customer's outstanding balance.
	if sale.DueCents > 0 && sale.CustomerID != "" {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE customers SET due_cents = due_cents + $1 WHERE id = $2
		`, sale.DueCents, sale.CustomerID); err != nil {
			return nil, err
		}
	}

	// Step 4: stock = stock - qty per line; return lines restore stock.
	for _, line := range sale.Lines {
		var stockNow int
		err := pgTx.QueryRowContext(ctx, `
			SELECT stock FROM variants WHERE product_id = $1 AND id = $2 FOR UPDATE
		`, line.ProductID, line.VariantID).Scan(&stockNow)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		if err != nil {
			return nil, err
		}
		if line.Qty > 0 && stockNow < line.Qty {
			return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, line.Name)
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE variants SET stock = stock - $1 WHERE id = $2
		`, line.Qty, line.VariantID); err != nil {
			return nil, err
		}
	}

	// Step 5: voucher usage; gift card balances drop by the tendered amount.
	if sale.VoucherID != "" {
		var kind string
		var balance int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT kind, balance_cents FROM vouchers WHERE id = $1 FOR UPDATE
		`, sale.VoucherID).Scan(&kind, &balance)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: voucher %s", store.ErrNotFound, sale.VoucherID)
		}
		if err != nil {
			return nil, err
		}
		spend := int64(0)
		if kind == domain.VoucherGiftCard {
			spend = store.GiftCardTendered(sale)
			if spend > balance {
				return nil, fmt.Errorf("%w: gift card balance too low", store.ErrInvalidSale)
			}
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE vouchers SET used_count = used_count + 1, balance_cents = balance_cents - $1 WHERE id = $2
		`, spend, sale.VoucherID); err != nil {
			return nil, err
		}
	}

	// Step 6: the counter moves by exactly one per committed sale.
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE invoice_counters SET next_no = next_no + 1 WHERE store_id = $1
	`, sale.StoreID); err != nil {
		return nil, err
	}

	// Step 7: commission row.
	if rule != nil {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO commissions (id, sale_id, invoice_no, cashier_id, amount_cents, at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, xid.New("comm"), sale.ID, sale.InvoiceNo, sale.CashierID, sale.CommissionCents, sale.At); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	committed := sale
	return &committed, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE idempotency_key = $1`, key)
	sale, err := scanSale(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, storeID string, invoiceNo int64) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE store_id = $1 AND invoice_no = $2
	`, storeID, invoiceNo)
	sale, err := scanSale(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	// LIMIT NULL means no limit; limit < 1 lists everything in range.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+` FROM sales
		WHERE store_id = $1 AND at >= $2 AND at <= $3
		ORDER BY at DESC
		LIMIT $4
	`, storeID, from, to, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows.Scan)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *Store) GetReturnedQtyByInvoice(ctx context.Context, storeID string, invoiceNo int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE store_id = $1 AND ref_invoice_no = $2
	`, storeID, invoiceNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returned := map[string]int{}
	for rows.Next() {
		sale, err := scanSale(rows.Scan)
		if err != nil {
			return nil, err
		}
		for _, line := range sale.Lines {
			if line.Qty < 0 && line.RefLineID != "" {
				returned[line.RefLineID] += -line.Qty
			}
		}
	}
	return returned, rows.Err()
}

func (s *Store) NextInvoiceNo(ctx context.Context, storeID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT next_no FROM invoice_counters WHERE store_id = $1
	`, storeID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Purchasing

func scanPurchaseOrder(scan func(dest ...any) error) (domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	var linesJSON []byte
	var receivedBy sql.NullString
	var receivedAt sql.NullTime
	err := scan(&po.ID, &po.StoreID, &po.SupplierID, &po.Status, &linesJSON, &po.CreatedBy,
		&po.CreatedAt, &receivedBy, &receivedAt)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	po.ReceivedBy = receivedBy.String
	if receivedAt.Valid {
		t := receivedAt.Time.UTC()
		po.ReceivedAt = &t
	}
	if err := json.Unmarshal(linesJSON, &po.Lines); err != nil {
		return domain.PurchaseOrder{}, fmt.Errorf("decode purchase lines: %w", err)
	}
	return po, nil
}

const purchaseColumns = `id, store_id, supplier_id, status, lines, created_by, created_at, received_by, received_at`

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" {
		po.ID = xid.New("po")
	}
	po.Status = domain.PurchaseStatusDraft
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	linesJSON, err := json.Marshal(po.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode purchase lines: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, store_id, supplier_id, status, lines, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, po.ID, po.StoreID, po.SupplierID, po.Status, linesJSON, po.CreatedBy, po.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchase_orders WHERE id = $1`, id)
	po, err := scanPurchaseOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, storeID, status string, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 50
	}
	query := `SELECT ` + purchaseColumns + ` FROM purchase_orders WHERE store_id = $1`
	args := []any{storeID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.PurchaseOrder, 0, limit)
	for rows.Next() {
		po, err := scanPurchaseOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	return orders, rows.Err()
}

func (s *Store) ReceivePurchaseOrder(ctx context.Context, id, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE`, id)
	po, err := scanPurchaseOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if po.Status != domain.PurchaseStatusDraft {
		return nil, fmt.Errorf("%w: purchase order already received", store.ErrConflict)
	}

	for _, line := range po.Lines {
		var stock int
		var costCents, priceCents int64
		err := pgTx.QueryRowContext(ctx, `
			SELECT stock, cost_cents, price_cents FROM variants
			WHERE product_id = $1 AND id = $2
			FOR UPDATE
		`, line.ProductID, line.VariantID).Scan(&stock, &costCents, &priceCents)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		if err != nil {
			return nil, err
		}
		newCost := weightedCostCents(stock, costCents, line.Qty, line.UnitCostCents)
		newMargin := pricing.MarginFromPrice(newCost, priceCents)
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE variants SET stock = stock + $1, cost_cents = $2, margin_pct = $3 WHERE id = $4
		`, line.Qty, newCost, newMargin, line.VariantID); err != nil {
			return nil, err
		}
	}

	po.Status = domain.PurchaseStatusReceived
	po.ReceivedBy = receivedBy
	po.ReceivedAt = &receivedAt
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $2, received_by = $3, received_at = $4 WHERE id = $1
	`, id, po.Status, receivedBy, receivedAt); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &po, nil
}

func weightedCostCents(oldQty int, oldCost int64, addQty int, addCost int64) int64 {
	if oldQty < 0 {
		oldQty = 0
	}
	total := oldQty + addQty
	if total <= 0 {
		return addCost
	}
	return (int64(oldQty)*oldCost + int64(addQty)*addCost) / int64(total)
}

// Stock opname

func (s *Store) CreateStockOpname(ctx context.Context, o domain.StockOpname) (*domain.StockOpname, error) {
	if o.CountedQty < 0 {
		return nil, fmt.Errorf("%w: counted quantity must not be negative", store.ErrInvalidSale)
	}
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var previous int
	err = pgTx.QueryRowContext(ctx, `
		SELECT stock FROM variants WHERE product_id = $1 AND id = $2 FOR UPDATE
	`, o.ProductID, o.VariantID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PreviousQty = previous
	if o.ID == "" {
		o.ID = xid.New("opn")
	}
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE variants SET stock = $1 WHERE id = $2
	`, o.CountedQty, o.VariantID); err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_opnames (id, store_id, product_id, variant_id, previous_qty, counted_qty, reason, recorded_by, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, o.ID, o.StoreID, o.ProductID, o.VariantID, o.PreviousQty, o.CountedQty, o.Reason, o.RecordedBy, o.At); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListStockOpnames(ctx context.Context, storeID string, limit int) ([]domain.StockOpname, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_id, variant_id, previous_qty, counted_qty, reason, recorded_by, at
		FROM stock_opnames
		WHERE store_id = $1
		ORDER BY at DESC
		LIMIT $2
	`, storeID, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	opnames := make([]domain.StockOpname, 0, 32)
	for rows.Next() {
		var o domain.StockOpname
		if err := rows.Scan(&o.ID, &o.StoreID, &o.ProductID, &o.VariantID, &o.PreviousQty,
			&o.CountedQty, &o.Reason, &o.RecordedBy, &o.At); err != nil {
			return nil, err
		}
		opnames = append(opnames, o)
	}
	return opnames, rows.Err()
}

// Held carts

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.HoldID == "" {
		held.HoldID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	linesJSON, err := json.Marshal(held.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode held lines: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_carts (hold_id, store_id, label, cashier_id, lines, held_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, held.HoldID, held.StoreID, held.Label, held.CashierID, linesJSON, held.HeldAt)
	if err != nil {
		return nil, err
	}
	return &held, nil
}

func scanHeldCart(scan func(dest ...any) error) (domain.HeldCart, error) {
	var held domain.HeldCart
	var linesJSON []byte
	err := scan(&held.HoldID, &held.StoreID, &held.Label, &held.CashierID, &linesJSON, &held.HeldAt)
	if err != nil {
		return domain.HeldCart{}, err
	}
	if err := json.Unmarshal(linesJSON, &held.Lines); err != nil {
		return domain.HeldCart{}, fmt.Errorf("decode held lines: %w", err)
	}
	return held, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, storeID string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hold_id, store_id, label, cashier_id, lines, held_at
		FROM held_carts
		WHERE store_id = $1
		ORDER BY held_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	carts := make([]domain.HeldCart, 0, limit)
	for rows.Next() {
		held, err := scanHeldCart(rows.Scan)
		if err != nil {
			return nil, err
		}
		carts = append(carts, held)
	}
	return carts, rows.Err()
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM held_carts WHERE hold_id = $1
		RETURNING hold_id, store_id, label, cashier_id, lines, held_at
	`, holdID)
	held, err := scanHeldCart(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_carts WHERE hold_id = $1`, holdID)
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

// Commissions

func (s *Store) UpsertCommissionRule(ctx context.Context, rule domain.CommissionRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_rules (cashier_id, kind, percent, flat_cents)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (cashier_id) DO UPDATE SET
			kind = excluded.kind, percent = excluded.percent, flat_cents = excluded.flat_cents
	`, rule.CashierID, rule.Kind, rule.Percent, rule.FlatCents)
	return err
}

func (s *Store) GetCommissionRule(ctx context.Context, cashierID string) (*domain.CommissionRule, error) {
	var rule domain.CommissionRule
	err := s.db.QueryRowContext(ctx, `
		SELECT cashier_id, kind, percent, flat_cents FROM commission_rules WHERE cashier_id = $1
	`, cashierID).Scan(&rule.CashierID, &rule.Kind, &rule.Percent, &rule.FlatCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *Store) ListCommissions(ctx context.Context, cashierID string, from, to time.Time, limit int) ([]domain.Commission, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, invoice_no, cashier_id, amount_cents, at
		FROM commissions
		WHERE cashier_id = $1 AND at >= $2 AND at <= $3
		ORDER BY at DESC
		LIMIT $4
	`, cashierID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commissions := make([]domain.Commission, 0, limit)
	for rows.Next() {
		var c domain.Commission
		if err := rows.Scan(&c.ID, &c.SaleID, &c.InvoiceNo, &c.CashierID, &c.AmountCents, &c.At); err != nil {
			return nil, err
		}
		commissions = append(commissions, c)
	}
	return commissions, rows.Err()
}

// Reports

func (s *Store) GetDailyReport(ctx context.Context, storeID string, from, to time.Time) (domain.DailyReport, error) {
	sales, err := s.ListSales(ctx, storeID, from, to, 0)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report := domain.DailyReport{From: from, To: to, PaymentBreakdown: map[string]int64{}}
	perVariant := map[string]*domain.ProductSales{}
	for _, sale := range sales {
		if sale.RefInvoiceNo > 0 || sale.GrandTotalCents < 0 {
			report.ReturnCount++
		} else {
			report.SaleCount++
			report.GrossCents += sale.ItemsTotalCents
			report.DiscountCents += sale.InvoiceDiscountCents + sale.VoucherDiscountCents
		}
		report.NetCents += sale.GrandTotalCents
		for _, p := range sale.Payments {
			report.PaymentBreakdown[p.Method] += p.AmountCents
		}
		for _, line := range sale.Lines {
			agg, ok := perVariant[line.VariantID]
			if !ok {
				agg = &domain.ProductSales{ProductID: line.ProductID, VariantID: line.VariantID, Name: line.Name}
				perVariant[line.VariantID] = agg
			}
			agg.Qty += line.Qty
			agg.NetCents += line.EffectivePriceCents * int64(line.Qty)
		}
	}
	for _, agg := range perVariant {
		report.TopProducts = append(report.TopProducts, *agg)
	}
	sort.Slice(report.TopProducts, func(i, j int) bool {
		return report.TopProducts[i].Qty > report.TopProducts[j].Qty
	})
	if len(report.TopProducts) > 5 {
		report.TopProducts = report.TopProducts[:5]
	}
	return report, nil
}

// Settings

func (s *Store) GetSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	var cfg domain.StoreSettings
	var address, footer sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, name, address, tax_pct, currency, receipt_footer FROM settings WHERE store_id = $1
	`, storeID).Scan(&cfg.StoreID, &cfg.Name, &address, &cfg.TaxPct, &cfg.Currency, &footer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.Address = address.String
	cfg.ReceiptFooter = footer.String
	return &cfg, nil
}

func (s *Store) UpdateSettings(ctx context.Context, cfg domain.StoreSettings) (*domain.StoreSettings, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (store_id, name, address, tax_pct, currency, receipt_footer)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (store_id) DO UPDATE SET
			name = excluded.name, address = excluded.address, tax_pct = excluded.tax_pct,
			currency = excluded.currency, receipt_footer = excluded.receipt_footer
	`, cfg.StoreID, cfg.Name, nullIfEmpty(cfg.Address), cfg.TaxPct, cfg.Currency, nullIfEmpty(cfg.ReceiptFooter))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Users

func (s *Store) CreateUser(ctx context.Context, u domain.UserAccount) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, role, password_hash, can_discount, can_refund, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, u.Username, u.Role, u.PasswordHash, u.CanDiscount, u.CanRefund, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	if u.Commission != nil {
		rule := *u.Commission
		rule.CashierID = u.Username
		return s.UpsertCommissionRule(ctx, rule)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, role, password_hash, can_discount, can_refund, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&u.Username, &u.Role, &u.PasswordHash, &u.CanDiscount, &u.CanRefund, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rule, err := s.GetCommissionRule(ctx, username)
	if err == nil {
		u.Commission = rule
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, role, password_hash, can_discount, can_refund, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Role, &u.PasswordHash, &u.CanDiscount, &u.CanRefund, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, passwordHash)
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

// Audit

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor, action, entity_type, entity_id, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.StoreID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID,
		nullIfEmpty(entry.Detail), entry.At)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor, action, entity_type, entity_id, detail, at
		FROM audit_logs
		WHERE store_id = $1 AND at >= $2 AND at <= $3
		ORDER BY at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.Actor, &entry.Action,
			&entry.EntityType, &entry.EntityID, &detail, &entry.At); err != nil {
			return nil, err
		}
		entry.Detail = detail.String
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
