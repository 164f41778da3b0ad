package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProduct(t *testing.T, s *Store, stock int, priceCents int64) *domain.Product {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), domain.Product{
		Name: "Teh Botol",
		Variants: []domain.Variant{
			{SKU: "SKU-TEH-01", Barcode: "8990001001", Stock: stock, CostCents: 1800, PriceCents: priceCents},
		},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func saleFor(p *domain.Product, qty int) domain.Sale {
	v := p.Variants[0]
	total := v.PriceCents * int64(qty)
	return domain.Sale{
		StoreID:   "main-store",
		CashierID: "cashier",
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: p.ID, VariantID: v.ID, Name: p.Name, Qty: qty,
				OriginalPriceCents: v.PriceCents, EffectivePriceCents: v.PriceCents, CostCents: v.CostCents},
		},
		SubtotalCents:   total,
		ItemsTotalCents: total,
		GrandTotalCents: total,
		Payments:        []domain.Payment{{Method: domain.PaymentCash, AmountCents: total}},
	}
}

func TestProductRoundTripAndVariantLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created := seedProduct(t, s, 10, 2500)
	if created.ID == "" || created.Variants[0].ID == "" {
		t.Fatal("create must assign ids")
	}

	got, err := s.GetProduct(ctx, created.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Name != "Teh Botol" || len(got.Variants) != 1 || got.Variants[0].Stock != 10 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	p, v, err := s.FindVariant(ctx, "8990001001")
	if err != nil {
		t.Fatalf("find by barcode: %v", err)
	}
	if p.ID != created.ID || v.ID != created.Variants[0].ID {
		t.Fatal("barcode lookup returned wrong variant")
	}
	if _, _, err := s.FindVariant(ctx, "SKU-TEH-01"); err != nil {
		t.Fatalf("find by sku: %v", err)
	}
	if _, _, err := s.FindVariant(ctx, "no-such-code"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown code: got %v want ErrNotFound", err)
	}
}

func TestCommitSaleAdjustsStockCounterAndGiftCard(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := seedProduct(t, s, 10, 2500)
	gift, err := s.CreateVoucher(ctx, domain.Voucher{
		Code: "GC-TEST", Kind: domain.VoucherGiftCard, BalanceCents: 1500,
	})
	if err != nil {
		t.Fatalf("create voucher: %v", err)
	}

	sale := saleFor(p, 2)
	sale.IdempotencyKey = "pos-1-0001"
	sale.VoucherID = gift.ID
	sale.VoucherCode = gift.Code
	sale.Payments = []domain.Payment{
		{Method: domain.PaymentGiftCard, AmountCents: 1500},
		{Method: domain.PaymentCash, AmountCents: 3500},
	}

	committed, err := s.CommitSale(ctx, sale)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.InvoiceNo != 1 {
		t.Fatalf("first invoice number: got %d", committed.InvoiceNo)
	}
	stock, err := s.VariantStock(ctx, p.ID, p.Variants[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if stock != 8 {
		t.Fatalf("stock after sale: got %d want 8", stock)
	}
	after, err := s.GetVoucherByCode(ctx, "GC-TEST")
	if err != nil {
		t.Fatal(err)
	}
	if after.BalanceCents != 0 || after.UsedCount != 1 {
		t.Fatalf("gift card after sale: balance %d used %d", after.BalanceCents, after.UsedCount)
	}

	// Same idempotency key replays the committed sale without touching stock
	// or the counter again.
	replay, err := s.CommitSale(ctx, sale)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != committed.ID || replay.InvoiceNo != 1 {
		t.Fatalf("replay returned a different sale: %+v", replay)
	}
	if stock, _ = s.VariantStock(ctx, p.ID, p.Variants[0].ID); stock != 8 {
		t.Fatalf("replay must not adjust stock, got %d", stock)
	}
	next, err := s.NextInvoiceNo(ctx, "main-store")
	if err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Fatalf("counter after one commit: got %d want 2", next)
	}

	fetched, err := s.GetSaleByInvoice(ctx, "main-store", 1)
	if err != nil {
		t.Fatalf("get by invoice: %v", err)
	}
	if len(fetched.Lines) != 1 || fetched.Lines[0].Qty != 2 {
		t.Fatalf("persisted lines mismatch: %+v", fetched.Lines)
	}
}

func TestCommitSaleInsufficientStockRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := seedProduct(t, s, 2, 2500)
	if _, err := s.CommitSale(ctx, saleFor(p, 5)); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("oversell: got %v want ErrInsufficientStock", err)
	}
	if stock, _ := s.VariantStock(ctx, p.ID, p.Variants[0].ID); stock != 2 {
		t.Fatalf("failed commit must leave stock alone, got %d", stock)
	}
	if next, _ := s.NextInvoiceNo(ctx, "main-store"); next != 1 {
		t.Fatalf("failed commit must leave the counter alone, got %d", next)
	}
}

func TestCommitSaleGiftTenderOverBalanceRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := seedProduct(t, s, 10, 2500)
	gift, err := s.CreateVoucher(ctx, domain.Voucher{
		Code: "GC-LOW", Kind: domain.VoucherGiftCard, BalanceCents: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	sale := saleFor(p, 2)
	sale.VoucherID = gift.ID
	sale.VoucherCode = gift.Code
	sale.Payments = []domain.Payment{
		{Method: domain.PaymentGiftCard, AmountCents: 1500},
		{Method: domain.PaymentCash, AmountCents: 3500},
	}
	if _, err := s.CommitSale(ctx, sale); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("over-balance gift tender: got %v want ErrInvalidSale", err)
	}
	if stock, _ := s.VariantStock(ctx, p.ID, p.Variants[0].ID); stock != 10 {
		t.Fatalf("failed commit must leave stock alone, got %d", stock)
	}
}

func TestCommitSaleCreditUpdatesCustomerDue(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := seedProduct(t, s, 10, 2500)
	cust, err := s.CreateCustomer(ctx, domain.Customer{Name: "Budi", DueCents: 1000})
	if err != nil {
		t.Fatal(err)
	}

	sale := saleFor(p, 2)
	sale.CustomerID = cust.ID
	sale.DueCents = 5000
	sale.Payments = []domain.Payment{{Method: domain.PaymentCredit, AmountCents: 5000}}

	committed, err := s.CommitSale(ctx, sale)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.PreviousDueCents != 1000 {
		t.Fatalf("previous due on receipt: got %d want 1000", committed.PreviousDueCents)
	}
	after, err := s.GetCustomer(ctx, cust.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.DueCents != 6000 {
		t.Fatalf("customer due after credit sale: got %d want 6000", after.DueCents)
	}
}

func TestReturnedQtyAggregatesByRefLine(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := seedProduct(t, s, 10, 2500)
	original, err := s.CommitSale(ctx, saleFor(p, 3))
	if err != nil {
		t.Fatal(err)
	}

	ret := saleFor(p, -1)
	ret.Lines[0].RefLineID = "l1"
	ret.RefInvoiceNo = original.InvoiceNo
	ret.SubtotalCents, ret.ItemsTotalCents, ret.GrandTotalCents = -2500, -2500, -2500
	ret.Payments = []domain.Payment{{Method: domain.PaymentCash, AmountCents: -2500}}
	if _, err := s.CommitSale(ctx, ret); err != nil {
		t.Fatalf("commit return: %v", err)
	}

	// Negative line quantities restore stock.
	if stock, _ := s.VariantStock(ctx, p.ID, p.Variants[0].ID); stock != 8 {
		t.Fatalf("stock after return: got %d want 8", stock)
	}
	returned, err := s.GetReturnedQtyByInvoice(ctx, "main-store", original.InvoiceNo)
	if err != nil {
		t.Fatal(err)
	}
	if returned["l1"] != 1 {
		t.Fatalf("returned qty for l1: got %d want 1", returned["l1"])
	}
}

func TestOpenShiftEnforcesSingleOpenPerCashier(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	opened, err := s.OpenShift(ctx, domain.Shift{StoreID: "main-store", CashierID: "cashier", OpeningCents: 100000})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	if _, err := s.OpenShift(ctx, domain.Shift{StoreID: "main-store", CashierID: "cashier"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second open shift: got %v want ErrConflict", err)
	}

	active, err := s.GetOpenShift(ctx, "main-store", "cashier")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != opened.ID {
		t.Fatal("open shift lookup returned wrong shift")
	}

	closed, err := s.CloseShift(ctx, opened.ID, 100000, time.Now().UTC())
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if closed.Status != domain.ShiftStatusClosed || closed.ExpectedCents != 100000 {
		t.Fatalf("closed shift state: %+v", closed)
	}
	// Closing frees the slot for the next shift.
	if _, err := s.OpenShift(ctx, domain.Shift{StoreID: "main-store", CashierID: "cashier"}); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestReceivePurchaseOrderRestocksAndAveragesCost(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := seedProduct(t, s, 10, 2500) // cost 1800
	po, err := s.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		StoreID:   "main-store",
		CreatedBy: "admin",
		Lines: []domain.PurchaseOrderLine{
			{ProductID: p.ID, VariantID: p.Variants[0].ID, Qty: 10, UnitCostCents: 2000},
		},
	})
	if err != nil {
		t.Fatalf("create purchase order: %v", err)
	}

	received, err := s.ReceivePurchaseOrder(ctx, po.ID, "admin", time.Now().UTC())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if received.Status != domain.PurchaseStatusReceived || received.ReceivedAt == nil {
		t.Fatalf("received state: %+v", received)
	}
	got, err := s.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Variants[0].Stock != 20 {
		t.Fatalf("stock after receive: got %d want 20", got.Variants[0].Stock)
	}
	// (10*1800 + 10*2000) / 20 = 1900.
	if got.Variants[0].CostCents != 1900 {
		t.Fatalf("averaged cost: got %d want 1900", got.Variants[0].CostCents)
	}

	if _, err := s.ReceivePurchaseOrder(ctx, po.ID, "admin", time.Now().UTC()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("double receive: got %v want ErrConflict", err)
	}
}
