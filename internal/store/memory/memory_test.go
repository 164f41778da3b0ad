package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
)

func saleFixture(qty int) domain.Sale {
	total := int64(qty) * 3500
	return domain.Sale{
		StoreID:   "main-store",
		CashierID: "cashier",
		Lines: []domain.CartLine{
			{LineID: "l1", ProductID: "prod-mie", VariantID: "var-mie-1", Name: "Mie Goreng Instan", Qty: qty, OriginalPriceCents: 3500, EffectivePriceCents: 3500},
		},
		SubtotalCents:   total,
		ItemsTotalCents: total,
		GrandTotalCents: total,
		Payments:        []domain.Payment{{Method: domain.PaymentCash, AmountCents: total}},
	}
}

func TestCommitSaleAdjustsStockAndCounter(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	before, err := s.VariantStock(ctx, "prod-mie", "var-mie-1")
	if err != nil {
		t.Fatal(err)
	}

	sale, err := s.CommitSale(ctx, saleFixture(3))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sale.InvoiceNo != 1 {
		t.Fatalf("first invoice number: got %d", sale.InvoiceNo)
	}
	after, _ := s.VariantStock(ctx, "prod-mie", "var-mie-1")
	if after != before-3 {
		t.Fatalf("stock after sale: got %d want %d", after, before-3)
	}

	second, err := s.CommitSale(ctx, saleFixture(1))
	if err != nil {
		t.Fatal(err)
	}
	if second.InvoiceNo != 2 {
		t.Fatalf("invoice numbers must increase by exactly 1, got %d", second.InvoiceNo)
	}
}

func TestCommitSaleAtomicOnInjectedFailure(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	stockBefore, _ := s.VariantStock(ctx, "prod-mie", "var-mie-1")
	counterBefore, _ := s.NextInvoiceNo(ctx, "main-store")

	boom := errors.New("disk on fire")
	s.CommitFault = func() error { return boom }
	if _, err := s.CommitSale(ctx, saleFixture(2)); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	s.CommitFault = nil

	stockAfter, _ := s.VariantStock(ctx, "prod-mie", "var-mie-1")
	counterAfter, _ := s.NextInvoiceNo(ctx, "main-store")
	if stockAfter != stockBefore {
		t.Fatalf("stock changed by failed commit: %d -> %d", stockBefore, stockAfter)
	}
	if counterAfter != counterBefore {
		t.Fatalf("counter changed by failed commit: %d -> %d", counterBefore, counterAfter)
	}
	sales, _ := s.ListSales(ctx, "main-store", time.Time{}, time.Now().Add(time.Hour), 0)
	if len(sales) != 0 {
		t.Fatalf("failed commit left %d sale rows", len(sales))
	}

	// The aborted attempt must not have consumed an invoice number.
	sale, err := s.CommitSale(ctx, saleFixture(1))
	if err != nil {
		t.Fatal(err)
	}
	if sale.InvoiceNo != counterBefore {
		t.Fatalf("aborted attempt consumed invoice number: got %d want %d", sale.InvoiceNo, counterBefore)
	}
}

func TestCommitSaleInsufficientStockAborts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	if _, err := s.SetVariantStock(ctx, "prod-mie", "var-mie-1", 1); err != nil {
		t.Fatal(err)
	}
	_, err := s.CommitSale(ctx, saleFixture(2))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	left, _ := s.VariantStock(ctx, "prod-mie", "var-mie-1")
	if left != 1 {
		t.Fatalf("stock touched by aborted commit: %d", left)
	}
}

func TestCommitSaleIdempotentReplay(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	req := saleFixture(2)
	req.IdempotencyKey = "pos-1-abc"
	first, err := s.CommitSale(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	replay, err := s.CommitSale(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if replay.ID != first.ID || replay.InvoiceNo != first.InvoiceNo {
		t.Fatalf("replay produced a different sale: %+v vs %+v", replay, first)
	}
	stock, _ := s.VariantStock(ctx, "prod-mie", "var-mie-1")
	if stock != 120-2 {
		t.Fatalf("replay must not decrement stock twice: %d", stock)
	}
}

func TestCommitSaleMutatingInputDoesNotAlterStoredSale(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	req := saleFixture(1)
	committed, err := s.CommitSale(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	req.Lines[0].Qty = 99
	req.Lines[0].Name = "mutated"

	got, err := s.GetSaleByInvoice(ctx, "main-store", committed.InvoiceNo)
	if err != nil {
		t.Fatal(err)
	}
	if got.Lines[0].Qty != 1 || got.Lines[0].Name != "Mie Goreng Instan" {
		t.Fatalf("stored sale shares memory with the caller: %+v", got.Lines[0])
	}
}

func TestReceivePurchaseOrderAveragesCost(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	// Reset to a known base: 10 units at 2000.
	prod, err := s.GetProduct(ctx, "prod-mie")
	if err != nil {
		t.Fatal(err)
	}
	prod.Variants[0].Stock = 10
	prod.Variants[0].CostCents = 2000
	if _, err := s.UpdateProduct(ctx, *prod); err != nil {
		t.Fatal(err)
	}

	po, err := s.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		StoreID:    "main-store",
		SupplierID: "sup-grosir",
		Lines:      []domain.PurchaseOrderLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 30, UnitCostCents: 2400}},
		CreatedBy:  "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	received, err := s.ReceivePurchaseOrder(ctx, po.ID, "admin", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if received.Status != domain.PurchaseStatusReceived {
		t.Fatalf("status: %s", received.Status)
	}
	if _, err := s.ReceivePurchaseOrder(ctx, po.ID, "admin", time.Now().UTC()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("double receive must conflict, got %v", err)
	}

	prod, _ = s.GetProduct(ctx, "prod-mie")
	v := prod.Variants[0]
	if v.Stock != 40 {
		t.Fatalf("stock after receive: %d", v.Stock)
	}
	// (10*2000 + 30*2400) / 40 = 2300
	if v.CostCents != 2300 {
		t.Fatalf("weighted cost: %d", v.CostCents)
	}
}

func TestOpenShiftConflictsWhenAlreadyOpen(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	shift := domain.Shift{StoreID: "main-store", CashierID: "cashier", OpeningCents: 50000}
	if _, err := s.OpenShift(ctx, shift); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenShift(ctx, shift); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second open shift must conflict, got %v", err)
	}
}
