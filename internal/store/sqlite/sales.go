package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/pricing"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/xid"
)

type saleRow struct {
	ID                   string         `db:"id"`
	InvoiceNo            int64          `db:"invoice_no"`
	StoreID              string         `db:"store_id"`
	At                   time.Time      `db:"at"`
	CashierID            string         `db:"cashier_id"`
	ShiftID              string         `db:"shift_id"`
	CustomerID           string         `db:"customer_id"`
	Lines                string         `db:"lines"`
	SubtotalCents        int64          `db:"subtotal_cents"`
	ItemsTotalCents      int64          `db:"items_total_cents"`
	InvoiceDiscountCents int64          `db:"invoice_discount_cents"`
	VoucherDiscountCents int64          `db:"voucher_discount_cents"`
	ExtraChargeCents     int64          `db:"extra_charge_cents"`
	GrandTotalCents      int64          `db:"grand_total_cents"`
	Payments             string         `db:"payments"`
	CashGivenCents       int64          `db:"cash_given_cents"`
	ChangeCents          int64          `db:"change_cents"`
	DueCents             int64          `db:"due_cents"`
	PreviousDueCents     int64          `db:"previous_due_cents"`
	VoucherID            string         `db:"voucher_id"`
	VoucherCode          string         `db:"voucher_code"`
	RefInvoiceNo         int64          `db:"ref_invoice_no"`
	CommissionCents      int64          `db:"commission_cents"`
	IdempotencyKey       sql.NullString `db:"idempotency_key"`
}

func (r saleRow) toDomain() (domain.Sale, error) {
	sale := domain.Sale{
		ID:                   r.ID,
		InvoiceNo:            r.InvoiceNo,
		StoreID:              r.StoreID,
		At:                   r.At,
		CashierID:            r.CashierID,
		ShiftID:              r.ShiftID,
		CustomerID:           r.CustomerID,
		SubtotalCents:        r.SubtotalCents,
		ItemsTotalCents:      r.ItemsTotalCents,
		InvoiceDiscountCents: r.InvoiceDiscountCents,
		VoucherDiscountCents: r.VoucherDiscountCents,
		ExtraChargeCents:     r.ExtraChargeCents,
		GrandTotalCents:      r.GrandTotalCents,
		CashGivenCents:       r.CashGivenCents,
		ChangeCents:          r.ChangeCents,
		DueCents:             r.DueCents,
		PreviousDueCents:     r.PreviousDueCents,
		VoucherID:            r.VoucherID,
		VoucherCode:          r.VoucherCode,
		RefInvoiceNo:         r.RefInvoiceNo,
		CommissionCents:      r.CommissionCents,
		IdempotencyKey:       r.IdempotencyKey.String,
	}
	if err := json.Unmarshal([]byte(r.Lines), &sale.Lines); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale lines: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Payments), &sale.Payments); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale payments: %w", err)
	}
	return sale, nil
}

// CommitSale runs the full checkout commit in one transaction: counter read,
// sale insert, customer due update, stock adjustment with the final
// availability check, voucher update, counter increment and commission
// insert. Any error rolls the whole thing back.
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

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Step 1: read the invoice counter.
	var next int64
	err = tx.GetContext(ctx, &next, `SELECT next_no FROM invoice_counters WHERE store_id = ?`, sale.StoreID)
	if errors.Is(err, sql.ErrNoRows) {
		next = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_counters (store_id, next_no) VALUES (?, 1)`, sale.StoreID); err != nil {
			return nil, fmt.Errorf("init counter: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read counter: %w", err)
	}
	sale.InvoiceNo = next

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.At.IsZero() {
		sale.At = time.Now().UTC()
	}

	// The previous balance is captured before the sale row is written so the
	// receipt can show it; the customer update itself happens below in step
	// order.
	if sale.DueCents > 0 && sale.CustomerID != "" {
		err := tx.GetContext(ctx, &sale.PreviousDueCents,
			`SELECT due_cents FROM customers WHERE id = ?`, sale.CustomerID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
		if err != nil {
			return nil, fmt.Errorf("read customer: %w", err)
		}
	}

	// The commission amount is stored on the sale row, so it is computed
	// before the insert; the commission row itself is written as step 7.
	var rule *domain.CommissionRule
	{
		var r domain.CommissionRule
		err := tx.GetContext(ctx, &r, `SELECT cashier_id AS cashierid, kind, percent, flat_cents AS flatcents
            FROM commission_rules WHERE cashier_id = ?`, sale.CashierID)
		if err == nil {
			rule = &r
			sale.CommissionCents = store.CommissionFor(r, sale)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read commission rule: %w", err)
		}
	}

	// Step 2: insert the sale with deep-copied (JSON-encoded) lines.
	linesJSON, err := json.Marshal(sale.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode lines: %w", err)
	}
	paymentsJSON, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, fmt.Errorf("encode payments: %w", err)
	}
	var idem any
	if sale.IdempotencyKey != "" {
		idem = sale.IdempotencyKey
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sales
        (id, invoice_no, store_id, at, cashier_id, shift_id, customer_id, lines,
         subtotal_cents, items_total_cents, invoice_discount_cents, voucher_discount_cents,
         extra_charge_cents, grand_total_cents, payments, cash_given_cents, change_cents,
         due_cents, previous_due_cents, voucher_id, voucher_code, ref_invoice_no,
         commission_cents, idempotency_key)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.InvoiceNo, sale.StoreID, sale.At, sale.CashierID, sale.ShiftID, sale.CustomerID,
		string(linesJSON), sale.SubtotalCents, sale.ItemsTotalCents, sale.InvoiceDiscountCents,
		sale.VoucherDiscountCents, sale.ExtraChargeCents, sale.GrandTotalCents, string(paymentsJSON),
		sale.CashGivenCents, sale.ChangeCents, sale.DueCents, sale.PreviousDueCents,
		sale.VoucherID, sale.VoucherCode, sale.RefInvoiceNo, sale.CommissionCents, idem)
	if isUniqueViolation(err) {
		// Concurrent duplicate: surface the already committed sale.
		if sale.IdempotencyKey != "" {
			return s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
		}
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert sale: %w", err)
	}

	// Step 3: credit sale adds the due amount to the customer balance.
	if sale.DueCents > 0 && sale.CustomerID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE customers SET due_cents = due_cents + ? WHERE id = ?`,
			sale.DueCents, sale.CustomerID); err != nil {
			return nil, fmt.Errorf("update customer due: %w", err)
		}
	}

	// Step 4: stock = stock - qty per line; negative quantities restore.
	for _, line := range sale.Lines {
		var stockNow int
		err := tx.GetContext(ctx, &stockNow,
			`SELECT stock FROM variants WHERE product_id = ? AND id = ?`, line.ProductID, line.VariantID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		if err != nil {
			return nil, fmt.Errorf("read stock: %w", err)
		}
		if line.Qty > 0 && stockNow < line.Qty {
			return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, line.Name)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE variants SET stock = stock - ? WHERE id = ?`, line.Qty, line.VariantID); err != nil {
			return nil, fmt.Errorf("adjust stock: %w", err)
		}
	}

	// Step 5: voucher usage, and for gift cards the balance drops by the
	// gift card amount actually tendered.
	if sale.VoucherID != "" {
		var kind string
		var balance int64
		err := tx.GetContext(ctx, &balance, `SELECT balance_cents FROM vouchers WHERE id = ?`, sale.VoucherID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: voucher %s", store.ErrNotFound, sale.VoucherID)
		}
		if err != nil {
			return nil, fmt.Errorf("read voucher: %w", err)
		}
		if err := tx.GetContext(ctx, &kind, `SELECT kind FROM vouchers WHERE id = ?`, sale.VoucherID); err != nil {
			return nil, fmt.Errorf("read voucher: %w", err)
		}
		spend := int64(0)
		if kind == domain.VoucherGiftCard {
			spend = store.GiftCardTendered(sale)
			if spend > balance {
				return nil, fmt.Errorf("%w: gift card balance too low", store.ErrInvalidSale)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE vouchers SET used_count = used_count + 1, balance_cents = balance_cents - ? WHERE id = ?`,
			spend, sale.VoucherID); err != nil {
			return nil, fmt.Errorf("update voucher: %w", err)
		}
	}

	// Step 6: the counter moves by exactly one per commit.
	if _, err := tx.ExecContext(ctx,
		`UPDATE invoice_counters SET next_no = next_no + 1 WHERE store_id = ?`, sale.StoreID); err != nil {
		return nil, fmt.Errorf("bump counter: %w", err)
	}

	// Step 7: commission row.
	if rule != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO commissions
            (id, sale_id, invoice_no, cashier_id, amount_cents, at) VALUES (?, ?, ?, ?, ?, ?)`,
			xid.New("comm"), sale.ID, sale.InvoiceNo, sale.CashierID, sale.CommissionCents, sale.At); err != nil {
			return nil, fmt.Errorf("insert commission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sale: %w", err)
	}
	out := sale
	return &out, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sales WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find sale: %w", err)
	}
	sale, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, storeID string, invoiceNo int64) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sales WHERE store_id = ? AND invoice_no = ?`, storeID, invoiceNo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sale: %w", err)
	}
	sale, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	// SQLite treats LIMIT -1 as unlimited; limit < 1 lists everything in range.
	if limit <= 0 {
		limit = -1
	}
	var rows []saleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sales WHERE store_id = ? AND at >= ? AND at <= ? ORDER BY at DESC LIMIT ?`,
		storeID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	out := make([]domain.Sale, 0, len(rows))
	for _, r := range rows {
		sale, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, nil
}

func (s *Store) GetReturnedQtyByInvoice(ctx context.Context, storeID string, invoiceNo int64) (map[string]int, error) {
	var rows []saleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sales WHERE store_id = ? AND ref_invoice_no = ?`, storeID, invoiceNo)
	if err != nil {
		return nil, fmt.Errorf("list returns: %w", err)
	}
	out := map[string]int{}
	for _, r := range rows {
		sale, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		for _, line := range sale.Lines {
			if line.Qty < 0 && line.RefLineID != "" {
				out[line.RefLineID] += -line.Qty
			}
		}
	}
	return out, nil
}

func (s *Store) NextInvoiceNo(ctx context.Context, storeID string) (int64, error) {
	var next int64
	err := s.db.GetContext(ctx, &next, `SELECT next_no FROM invoice_counters WHERE store_id = ?`, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return next, nil
}

// Purchasing

type purchaseRow struct {
	ID         string       `db:"id"`
	StoreID    string       `db:"store_id"`
	SupplierID string       `db:"supplier_id"`
	Status     string       `db:"status"`
	Lines      string       `db:"lines"`
	CreatedBy  string       `db:"created_by"`
	CreatedAt  time.Time    `db:"created_at"`
	ReceivedBy string       `db:"received_by"`
	ReceivedAt sql.NullTime `db:"received_at"`
}

func (r purchaseRow) toDomain() (domain.PurchaseOrder, error) {
	po := domain.PurchaseOrder{
		ID:         r.ID,
		StoreID:    r.StoreID,
		SupplierID: r.SupplierID,
		Status:     r.Status,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
		ReceivedBy: r.ReceivedBy,
	}
	if r.ReceivedAt.Valid {
		t := r.ReceivedAt.Time
		po.ReceivedAt = &t
	}
	if err := json.Unmarshal([]byte(r.Lines), &po.Lines); err != nil {
		return domain.PurchaseOrder{}, fmt.Errorf("decode purchase lines: %w", err)
	}
	return po, nil
}

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
	_, err = s.db.ExecContext(ctx, `INSERT INTO purchase_orders
        (id, store_id, supplier_id, status, lines, created_by, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		po.ID, po.StoreID, po.SupplierID, po.Status, string(linesJSON), po.CreatedBy, po.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert purchase order: %w", err)
	}
	return &po, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	var row purchaseRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM purchase_orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase order: %w", err)
	}
	po, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, storeID, status string, limit int) ([]domain.PurchaseOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM purchase_orders WHERE store_id = ?`
	args := []any{storeID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []purchaseRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list purchase orders: %w", err)
	}
	out := make([]domain.PurchaseOrder, 0, len(rows))
	for _, r := range rows {
		po, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, nil
}

// ReceivePurchaseOrder adds the received quantities to stock and re-averages
// each variant's cost with the received unit cost.
func (s *Store) ReceivePurchaseOrder(ctx context.Context, id, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row purchaseRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM purchase_orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase order: %w", err)
	}
	if row.Status != domain.PurchaseStatusDraft {
		return nil, fmt.Errorf("%w: purchase order already received", store.ErrConflict)
	}
	po, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	for _, line := range po.Lines {
		var v variantRow
		err := tx.GetContext(ctx, &v,
			`SELECT * FROM variants WHERE product_id = ? AND id = ?`, line.ProductID, line.VariantID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		if err != nil {
			return nil, fmt.Errorf("read variant: %w", err)
		}
		newCost := weightedCostCents(v.Stock, v.CostCents, line.Qty, line.UnitCostCents)
		newMargin := pricing.MarginFromPrice(newCost, v.PriceCents)
		if _, err := tx.ExecContext(ctx,
			`UPDATE variants SET stock = stock + ?, cost_cents = ?, margin_pct = ? WHERE id = ?`,
			line.Qty, newCost, newMargin, line.VariantID); err != nil {
			return nil, fmt.Errorf("restock variant: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE purchase_orders SET
        status = ?, received_by = ?, received_at = ? WHERE id = ?`,
		domain.PurchaseStatusReceived, receivedBy, receivedAt, id); err != nil {
		return nil, fmt.Errorf("mark received: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPurchaseOrder(ctx, id)
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev int
	err = tx.GetContext(ctx, &prev,
		`SELECT stock FROM variants WHERE product_id = ? AND id = ?`, o.ProductID, o.VariantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read stock: %w", err)
	}
	o.PreviousQty = prev
	if o.ID == "" {
		o.ID = xid.New("opn")
	}
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE variants SET stock = ? WHERE id = ?`, o.CountedQty, o.VariantID); err != nil {
		return nil, fmt.Errorf("set stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stock_opnames
        (id, store_id, product_id, variant_id, previous_qty, counted_qty, reason, recorded_by, at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.StoreID, o.ProductID, o.VariantID, o.PreviousQty, o.CountedQty, o.Reason, o.RecordedBy, o.At); err != nil {
		return nil, fmt.Errorf("insert opname: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListStockOpnames(ctx context.Context, storeID string, limit int) ([]domain.StockOpname, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []domain.StockOpname
	err := s.db.SelectContext(ctx, &out, `SELECT id, store_id AS storeid, product_id AS productid,
        variant_id AS variantid, previous_qty AS previousqty, counted_qty AS countedqty,
        reason, recorded_by AS recordedby, at
        FROM stock_opnames WHERE store_id = ? ORDER BY at DESC LIMIT ?`, storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list opnames: %w", err)
	}
	return out, nil
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO held_carts
        (hold_id, store_id, label, cashier_id, lines, held_at) VALUES (?, ?, ?, ?, ?, ?)`,
		held.HoldID, held.StoreID, held.Label, held.CashierID, string(linesJSON), held.HeldAt)
	if err != nil {
		return nil, fmt.Errorf("insert held cart: %w", err)
	}
	return &held, nil
}

type heldCartRow struct {
	HoldID    string    `db:"hold_id"`
	StoreID   string    `db:"store_id"`
	Label     string    `db:"label"`
	CashierID string    `db:"cashier_id"`
	Lines     string    `db:"lines"`
	HeldAt    time.Time `db:"held_at"`
}

func (r heldCartRow) toDomain() (domain.HeldCart, error) {
	h := domain.HeldCart{
		HoldID:    r.HoldID,
		StoreID:   r.StoreID,
		Label:     r.Label,
		CashierID: r.CashierID,
		HeldAt:    r.HeldAt,
	}
	if err := json.Unmarshal([]byte(r.Lines), &h.Lines); err != nil {
		return domain.HeldCart{}, fmt.Errorf("decode held lines: %w", err)
	}
	return h, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, storeID string, limit int) ([]domain.HeldCart, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []heldCartRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM held_carts WHERE store_id = ? ORDER BY held_at DESC LIMIT ?`, storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list held carts: %w", err)
	}
	out := make([]domain.HeldCart, 0, len(rows))
	for _, r := range rows {
		h, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var row heldCartRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM held_carts WHERE hold_id = ?`, holdID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get held cart: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM held_carts WHERE hold_id = ?`, holdID); err != nil {
		return nil, fmt.Errorf("pop held cart: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	h, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_carts WHERE hold_id = ?`, holdID)
	if err != nil {
		return fmt.Errorf("delete held cart: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Commissions

func (s *Store) UpsertCommissionRule(ctx context.Context, rule domain.CommissionRule) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO commission_rules
        (cashier_id, kind, percent, flat_cents) VALUES (?, ?, ?, ?)
        ON CONFLICT(cashier_id) DO UPDATE SET
            kind = excluded.kind, percent = excluded.percent, flat_cents = excluded.flat_cents`,
		rule.CashierID, rule.Kind, rule.Percent, rule.FlatCents)
	if err != nil {
		return fmt.Errorf("upsert commission rule: %w", err)
	}
	return nil
}

func (s *Store) GetCommissionRule(ctx context.Context, cashierID string) (*domain.CommissionRule, error) {
	var rule domain.CommissionRule
	err := s.db.GetContext(ctx, &rule, `SELECT cashier_id AS cashierid, kind, percent, flat_cents AS flatcents
        FROM commission_rules WHERE cashier_id = ?`, cashierID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commission rule: %w", err)
	}
	return &rule, nil
}

func (s *Store) ListCommissions(ctx context.Context, cashierID string, from, to time.Time, limit int) ([]domain.Commission, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Commission
	err := s.db.SelectContext(ctx, &out, `SELECT id, sale_id AS saleid, invoice_no AS invoiceno,
        cashier_id AS cashierid, amount_cents AS amountcents, at
        FROM commissions WHERE cashier_id = ? AND at >= ? AND at <= ? ORDER BY at DESC LIMIT ?`,
		cashierID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	return out, nil
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
	for i := 0; i < len(report.TopProducts); i++ {
		for j := i + 1; j < len(report.TopProducts); j++ {
			if report.TopProducts[j].Qty > report.TopProducts[i].Qty {
				report.TopProducts[i], report.TopProducts[j] = report.TopProducts[j], report.TopProducts[i]
			}
		}
	}
	if len(report.TopProducts) > 5 {
		report.TopProducts = report.TopProducts[:5]
	}
	return report, nil
}

// Settings

func (s *Store) GetSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	var cfg domain.StoreSettings
	err := s.db.GetContext(ctx, &cfg, `SELECT store_id AS storeid, name, address, tax_pct AS taxpct,
        currency, receipt_footer AS receiptfooter FROM settings WHERE store_id = ?`, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &cfg, nil
}

func (s *Store) UpdateSettings(ctx context.Context, cfg domain.StoreSettings) (*domain.StoreSettings, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings
        (store_id, name, address, tax_pct, currency, receipt_footer) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(store_id) DO UPDATE SET
            name = excluded.name, address = excluded.address, tax_pct = excluded.tax_pct,
            currency = excluded.currency, receipt_footer = excluded.receipt_footer`,
		cfg.StoreID, cfg.Name, cfg.Address, cfg.TaxPct, cfg.Currency, cfg.ReceiptFooter)
	if err != nil {
		return nil, fmt.Errorf("upsert settings: %w", err)
	}
	return &cfg, nil
}

// Users

func (s *Store) CreateUser(ctx context.Context, u domain.UserAccount) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users
        (username, role, password_hash, can_discount, can_refund, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		u.Username, u.Role, u.PasswordHash, u.CanDiscount, u.CanRefund, u.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if u.Commission != nil {
		rule := *u.Commission
		rule.CashierID = u.Username
		return s.UpsertCommissionRule(ctx, rule)
	}
	return nil
}

type userRow struct {
	Username     string    `db:"username"`
	Role         string    `db:"role"`
	PasswordHash string    `db:"password_hash"`
	CanDiscount  bool      `db:"can_discount"`
	CanRefund    bool      `db:"can_refund"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r userRow) toDomain() domain.UserAccount {
	return domain.UserAccount{
		Username:     r.Username,
		Role:         r.Role,
		PasswordHash: r.PasswordHash,
		CanDiscount:  r.CanDiscount,
		CanRefund:    r.CanRefund,
		CreatedAt:    r.CreatedAt,
	}
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u := row.toDomain()
	if rule, err := s.GetCommissionRule(ctx, username); err == nil {
		u.Commission = rule
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]domain.UserAccount, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE username = ?`, passwordHash, username)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_logs
        (id, store_id, actor, action, entity_type, entity_id, detail, at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.StoreID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.At)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.AuditLog
	err := s.db.SelectContext(ctx, &out, `SELECT id, store_id AS storeid, actor, action,
        entity_type AS entitytype, entity_id AS entityid, detail, at
        FROM audit_logs WHERE store_id = ? AND at >= ? AND at <= ? ORDER BY at DESC LIMIT ?`,
		storeID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return out, nil
}
