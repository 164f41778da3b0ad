package service

import (
	"context"
	"errors"
	"testing"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/store/memory"
)

var (
	adminActor = domain.Actor{Username: "admin", Role: domain.RoleAdmin, CanDiscount: true, CanRefund: true}
	tillActor  = domain.Actor{Username: "cashier", Role: domain.RoleCashier}
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo, nil, "main-store"), repo
}

func openShiftFor(t *testing.T, svc *Service, actor domain.Actor) {
	t.Helper()
	if _, err := svc.OpenShift(context.Background(), actor, domain.ShiftOpenRequest{OpeningCents: 100000}); err != nil {
		t.Fatalf("open shift: %v", err)
	}
}

func cashPayment(amount int64) []domain.Payment {
	return []domain.Payment{{Method: domain.PaymentCash, AmountCents: amount}}
}

func TestCheckoutRequiresOpenShift(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Checkout(context.Background(), adminActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		Payments: cashPayment(3500),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without a shift, got %v", err)
	}
}

func TestCheckoutAppliesInvoiceDiscount(t *testing.T) {
	svc, _ := newTestService(t)
	openShiftFor(t, svc, adminActor)

	// 2 x 3500 = 7000, 10% off the invoice -> 6300.
	resp, err := svc.Checkout(context.Background(), adminActor, domain.CheckoutRequest{
		Lines:           []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 2}},
		InvoiceDiscount: &domain.InvoiceDiscount{Type: "percent", Percent: 10},
		Payments:        cashPayment(6300),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Sale.GrandTotalCents != 6300 {
		t.Fatalf("expected grand total 6300, got %d", resp.Sale.GrandTotalCents)
	}
	if resp.Sale.InvoiceDiscountCents != 700 {
		t.Fatalf("expected 700 invoice discount, got %d", resp.Sale.InvoiceDiscountCents)
	}
	if resp.Sale.InvoiceNo != 1 {
		t.Fatalf("expected first invoice number 1, got %d", resp.Sale.InvoiceNo)
	}
}

func TestCheckoutFullyDiscountedNeedsNoTender(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, adminActor)

	// 100% off the invoice leaves nothing to tender.
	resp, err := svc.Checkout(ctx, adminActor, domain.CheckoutRequest{
		Lines:           []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		InvoiceDiscount: &domain.InvoiceDiscount{Type: "percent", Percent: 100},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Sale.GrandTotalCents != 0 || resp.Sale.DueCents != 0 || resp.Sale.ChangeCents != 0 {
		t.Fatalf("expected a committed zero-total sale, got %+v", resp.Sale)
	}
	left, _ := repo.VariantStock(ctx, "prod-mie", "var-mie-1")
	if left != 119 {
		t.Fatalf("expected stock 119 after the sale, got %d", left)
	}

	// A single zero-amount cash tender records the method without failing.
	resp, err = svc.Checkout(ctx, adminActor, domain.CheckoutRequest{
		Lines:           []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		InvoiceDiscount: &domain.InvoiceDiscount{Type: "flat", AmountCents: 9000},
		Payments:        cashPayment(0),
	})
	if err != nil {
		t.Fatalf("checkout with zero tender: %v", err)
	}
	if resp.Sale.GrandTotalCents != 0 || resp.Sale.InvoiceDiscountCents != 3500 {
		t.Fatalf("expected flat discount capped at 3500, got %+v", resp.Sale)
	}
}

func TestCheckoutDiscountNeedsCapability(t *testing.T) {
	svc, _ := newTestService(t)
	openShiftFor(t, svc, tillActor)

	_, err := svc.Checkout(context.Background(), tillActor, domain.CheckoutRequest{
		Lines:           []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		InvoiceDiscount: &domain.InvoiceDiscount{Type: "percent", Percent: 10},
		Payments:        cashPayment(3150),
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}

	custom := int64(1000)
	_, err = svc.Checkout(context.Background(), tillActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1, CustomPriceCents: &custom}},
		Payments: cashPayment(1000),
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error for custom price, got %v", err)
	}
}

func TestCheckoutAppliesActivePromotion(t *testing.T) {
	svc, _ := newTestService(t)
	openShiftFor(t, svc, tillActor)

	// var-kopi-1 lists at 2600 with a 300-off promotion seeded.
	resp, err := svc.Checkout(context.Background(), tillActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-kopi", VariantID: "var-kopi-1", Qty: 1}},
		Payments: cashPayment(2300),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	line := resp.Sale.Lines[0]
	if line.EffectivePriceCents != 2300 || line.PromotionID != "promo-kopi" {
		t.Fatalf("expected promo price 2300 via promo-kopi, got %+v", line)
	}
}

func TestCheckoutGiftCardSplitTender(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, tillActor)

	resp, err := svc.Checkout(ctx, tillActor, domain.CheckoutRequest{
		Lines:       []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		VoucherCode: "GC-0001",
		Payments: []domain.Payment{
			{Method: domain.PaymentGiftCard, AmountCents: 1500},
			{Method: domain.PaymentCash, AmountCents: 2000},
		},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Sale.GrandTotalCents != 3500 || resp.Sale.ChangeCents != 0 {
		t.Fatalf("unexpected totals: %+v", resp.Sale)
	}

	voucher, err := repo.GetVoucherByCode(ctx, "GC-0001")
	if err != nil {
		t.Fatalf("get voucher: %v", err)
	}
	if voucher.BalanceCents != 0 {
		t.Fatalf("expected drained gift card, balance %d", voucher.BalanceCents)
	}
	if voucher.UsedCount != 1 {
		t.Fatalf("expected used count 1, got %d", voucher.UsedCount)
	}
}

func TestCheckoutGiftTenderOverBalanceRejected(t *testing.T) {
	svc, _ := newTestService(t)
	openShiftFor(t, svc, tillActor)

	_, err := svc.Checkout(context.Background(), tillActor, domain.CheckoutRequest{
		Lines:       []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		VoucherCode: "GC-0001",
		Payments: []domain.Payment{
			{Method: domain.PaymentGiftCard, AmountCents: 2000},
			{Method: domain.PaymentCash, AmountCents: 1500},
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for over-balance gift tender, got %v", err)
	}
}

func TestCheckoutClampsToAvailableStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, tillActor)

	if _, err := repo.SetVariantStock(ctx, "prod-mie", "var-mie-1", 3); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	resp, err := svc.Checkout(ctx, tillActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 5}},
		Payments: cashPayment(3 * 3500),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if len(resp.Warnings) == 0 {
		t.Fatalf("expected a clamp warning")
	}
	if resp.Sale.Lines[0].Qty != 3 {
		t.Fatalf("expected clamped quantity 3, got %d", resp.Sale.Lines[0].Qty)
	}

	left, err := repo.VariantStock(ctx, "prod-mie", "var-mie-1")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if left != 0 {
		t.Fatalf("expected sold-out variant, stock %d", left)
	}
}

func TestCheckoutRejectsTenderMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	openShiftFor(t, svc, tillActor)

	_, err := svc.Checkout(context.Background(), tillActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		Payments: cashPayment(1000),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on short tender, got %v", err)
	}
}

func TestCheckoutCreditSaleAccruesCustomerDue(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, tillActor)

	resp, err := svc.Checkout(ctx, tillActor, domain.CheckoutRequest{
		Lines:      []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		CustomerID: "cust-budi",
		Payments:   []domain.Payment{{Method: domain.PaymentCredit, AmountCents: 3500}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Sale.DueCents != 3500 {
		t.Fatalf("expected 3500 due, got %d", resp.Sale.DueCents)
	}
	// Budi came in already owing 3000.
	if resp.Sale.PreviousDueCents != 3000 {
		t.Fatalf("expected previous due 3000, got %d", resp.Sale.PreviousDueCents)
	}

	customer, err := repo.GetCustomer(ctx, "cust-budi")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.DueCents != 6500 {
		t.Fatalf("expected accumulated due 6500, got %d", customer.DueCents)
	}
}

func TestCheckoutCreditWithoutCustomerRejected(t *testing.T) {
	svc, _ := newTestService(t)
	openShiftFor(t, svc, tillActor)

	_, err := svc.Checkout(context.Background(), tillActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		Payments: []domain.Payment{{Method: domain.PaymentCredit, AmountCents: 3500}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, tillActor)

	req := domain.CheckoutRequest{
		Lines:          []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 2}},
		Payments:       cashPayment(7000),
		IdempotencyKey: "replay-test-1",
	}
	first, err := svc.Checkout(ctx, tillActor, req)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := svc.Checkout(ctx, tillActor, req)
	if err != nil {
		t.Fatalf("replay checkout: %v", err)
	}
	if first.Sale.ID != second.Sale.ID {
		t.Fatalf("expected the same committed sale on replay, got %s and %s", first.Sale.ID, second.Sale.ID)
	}

	left, _ := repo.VariantStock(ctx, "prod-mie", "var-mie-1")
	if left != 118 {
		t.Fatalf("expected stock drawn down once to 118, got %d", left)
	}
}

func TestProcessReturnRestoresStockAndBoundsQty(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, adminActor)

	sold, err := svc.Checkout(ctx, adminActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 2}},
		Payments: cashPayment(7000),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	lineID := sold.Sale.Lines[0].LineID

	ret, err := svc.ProcessReturn(ctx, adminActor, domain.ReturnRequest{
		RefInvoiceNo: sold.Sale.InvoiceNo,
		Lines:        []domain.ReturnLine{{RefLineID: lineID, Qty: -1}},
		Method:       domain.PaymentCash,
		Reason:       "damaged pack",
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if ret.Sale.GrandTotalCents != -3500 {
		t.Fatalf("expected -3500 return total, got %d", ret.Sale.GrandTotalCents)
	}
	if ret.Sale.RefInvoiceNo != sold.Sale.InvoiceNo {
		t.Fatalf("expected back-reference to invoice %d, got %d", sold.Sale.InvoiceNo, ret.Sale.RefInvoiceNo)
	}

	left, _ := repo.VariantStock(ctx, "prod-mie", "var-mie-1")
	if left != 119 {
		t.Fatalf("expected stock 119 after one unit returned, got %d", left)
	}

	// A second return of 2 units exceeds the one unit still returnable.
	_, err = svc.ProcessReturn(ctx, adminActor, domain.ReturnRequest{
		RefInvoiceNo: sold.Sale.InvoiceNo,
		Lines:        []domain.ReturnLine{{RefLineID: lineID, Qty: -2}},
		Method:       domain.PaymentCash,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on over-return, got %v", err)
	}
}

func TestProcessReturnRejectsUnknownLine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, adminActor)

	sold, err := svc.Checkout(ctx, adminActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 1}},
		Payments: cashPayment(3500),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	// A typoed line reference fails instead of silently shrinking the return.
	_, err = svc.ProcessReturn(ctx, adminActor, domain.ReturnRequest{
		RefInvoiceNo: sold.Sale.InvoiceNo,
		Lines:        []domain.ReturnLine{{RefLineID: "no-such-line", Qty: -1}},
		Method:       domain.PaymentCash,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown line, got %v", err)
	}
}

func TestProcessReturnNeedsRefundCapability(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ProcessReturn(context.Background(), tillActor, domain.ReturnRequest{
		RefInvoiceNo: 1,
		Lines:        []domain.ReturnLine{{RefLineID: "x", Qty: -1}},
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestPreviewVoucherValidates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	voucher, err := svc.PreviewVoucher(ctx, "HEMAT10")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if voucher.Kind != domain.VoucherCoupon {
		t.Fatalf("unexpected voucher %+v", voucher)
	}

	if _, err := svc.PreviewVoucher(ctx, "NOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDetectAnomaliesFlagsReturnSpike(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openShiftFor(t, svc, adminActor)

	sold, err := svc.Checkout(ctx, adminActor, domain.CheckoutRequest{
		Lines:    []domain.CheckoutLine{{ProductID: "prod-mie", VariantID: "var-mie-1", Qty: 6}},
		Payments: cashPayment(6 * 3500),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	lineID := sold.Sale.Lines[0].LineID

	for i := 0; i < 3; i++ {
		if _, err := svc.ProcessReturn(ctx, adminActor, domain.ReturnRequest{
			RefInvoiceNo: sold.Sale.InvoiceNo,
			Lines:        []domain.ReturnLine{{RefLineID: lineID, Qty: -1}},
			Method:       domain.PaymentCash,
		}); err != nil {
			t.Fatalf("return %d: %v", i+1, err)
		}
	}

	anomalies, err := svc.DetectAnomalies(ctx, "", "")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	var found bool
	for _, a := range anomalies {
		if a.Type == "return_spike" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a return_spike anomaly, got %+v", anomalies)
	}
}
