package cart

import (
	"context"
	"testing"
	"time"

	"lakupos/backend/internal/domain"
)

type stubStock map[string]int

func (s stubStock) VariantStock(ctx context.Context, productID, variantID string) (int, error) {
	return s[variantID], nil
}

func addPlain(t *testing.T, c *Cart, variantID string, qty int, price int64, stock StockReader) domain.CartLine {
	t.Helper()
	line, warn, err := c.Add(context.Background(), AddItem{
		ProductID:      "prod-1",
		VariantID:      variantID,
		Name:           "Kopi Susu 250ml",
		Qty:            qty,
		UnitPriceCents: price,
	}, stock)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if warn != "" {
		t.Fatalf("unexpected warning: %s", warn)
	}
	return line
}

func TestAddMergesEquivalentLines(t *testing.T) {
	stock := stubStock{"var-1": 50}
	c := New()
	addPlain(t, c, "var-1", 2, 1000, stock)
	line := addPlain(t, c, "var-1", 3, 1000, stock)

	if c.Len() != 1 {
		t.Fatalf("expected merge into one line, got %d", c.Len())
	}
	if line.Qty != 5 {
		t.Fatalf("merged qty: got %d", line.Qty)
	}

	// A noted line never merges.
	_, _, err := c.Add(context.Background(), AddItem{
		ProductID: "prod-1", VariantID: "var-1", Name: "Kopi Susu 250ml",
		Qty: 1, UnitPriceCents: 1000, Note: "tanpa gula",
	}, stock)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("noted line must stay distinct, got %d lines", c.Len())
	}

	// A promo-priced line never merges either.
	promo := &domain.Promotion{ID: "promo-1", ProductID: "prod-1", VariantID: "var-1", DiscountCents: 100}
	_, _, err = c.Add(context.Background(), AddItem{
		ProductID: "prod-1", VariantID: "var-1", Name: "Kopi Susu 250ml",
		Qty: 1, UnitPriceCents: 1000, Promotion: promo,
	}, stock)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Fatalf("promo line must stay distinct, got %d lines", c.Len())
	}
}

func TestQuantityClampsToLiveStock(t *testing.T) {
	stock := stubStock{"var-1": 3}
	c := New()
	line := addPlain(t, c, "var-1", 2, 1500, stock)

	warn, err := c.UpdateQuantity(context.Background(), line.LineID, 5, stock)
	if err != nil {
		t.Fatalf("clamp must not fail: %v", err)
	}
	if warn == "" {
		t.Fatal("expected a clamp warning")
	}
	got, _ := c.Line(line.LineID)
	if got.Qty != 3 {
		t.Fatalf("qty after clamp: got %d want 3", got.Qty)
	}

	// Zero removes in sale mode.
	if _, err := c.UpdateQuantity(context.Background(), line.LineID, 0, stock); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatal("line should be removed at zero quantity")
	}
}

func TestReturnQuantityBound(t *testing.T) {
	sale := domain.Sale{
		InvoiceNo: 41,
		Lines: []domain.CartLine{
			{LineID: "orig-1", ProductID: "prod-1", VariantID: "var-1", Name: "Teh Botol", Qty: 2, OriginalPriceCents: 800, EffectivePriceCents: 800},
		},
	}
	c := NewReturn(sale, map[string]int{"orig-1": 1})
	lines := c.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one returnable line, got %d", len(lines))
	}
	if lines[0].Qty != -1 {
		t.Fatalf("remaining returnable should open at -1, got %d", lines[0].Qty)
	}

	if _, err := c.UpdateQuantity(context.Background(), lines[0].LineID, -2, stubStock{}); err == nil {
		t.Fatal("over-return must fail")
	}
	if _, err := c.UpdateQuantity(context.Background(), lines[0].LineID, 1, stubStock{}); err == nil {
		t.Fatal("positive quantity on a return line must fail")
	}
	// Zero keeps the line while the return is active.
	if _, err := c.UpdateQuantity(context.Background(), lines[0].LineID, 0, stubStock{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Line(lines[0].LineID); !ok {
		t.Fatal("zeroed return line must remain adjustable")
	}
}

func TestFullyReturnedLineNotOfferedAgain(t *testing.T) {
	sale := domain.Sale{
		InvoiceNo: 42,
		Lines: []domain.CartLine{
			{LineID: "orig-1", Qty: 2, EffectivePriceCents: 500, OriginalPriceCents: 500},
			{LineID: "orig-2", Qty: 1, EffectivePriceCents: 900, OriginalPriceCents: 900},
		},
	}
	c := NewReturn(sale, map[string]int{"orig-1": 2})
	if c.Len() != 1 {
		t.Fatalf("fully returned line must be excluded, got %d lines", c.Len())
	}
}

func TestManualEditPermanentlyDisablesPromotion(t *testing.T) {
	now := time.Now()
	promo := domain.Promotion{
		ID: "promo-1", ProductID: "prod-1", VariantID: "var-1",
		DiscountCents: 200, StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour),
		CreatedAt: now.Add(-time.Hour),
	}
	stock := stubStock{"var-1": 10}
	c := New()
	line, _, err := c.Add(context.Background(), AddItem{
		ProductID: "prod-1", VariantID: "var-1", Name: "Sabun Cair", Qty: 1,
		UnitPriceCents: 2000, Promotion: &promo,
	}, stock)
	if err != nil {
		t.Fatal(err)
	}
	if line.EffectivePriceCents != 1800 {
		t.Fatalf("promo price: got %d", line.EffectivePriceCents)
	}

	if err := c.ApplyManualDiscount(line.LineID, domain.ManualDiscount{Type: domain.DiscountFlat, AmountCents: 300}); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Line(line.LineID)
	if got.EffectivePriceCents != 1500 {
		t.Fatalf("manual price: got %d", got.EffectivePriceCents)
	}
	if !got.Custom || got.PromotionID != "" {
		t.Fatal("manually edited line must be custom and promotion-free")
	}

	// Quantity changes and promotion refreshes never restore the promo.
	if _, err := c.UpdateQuantity(context.Background(), line.LineID, 4, stock); err != nil {
		t.Fatal(err)
	}
	c.RefreshPromotions([]domain.Promotion{promo}, now)
	got, _ = c.Line(line.LineID)
	if got.EffectivePriceCents != 1500 || got.PromotionID != "" {
		t.Fatalf("promotion re-applied to custom line: %+v", got)
	}
}

func TestItemsTotalIsInsertionOrderInvariant(t *testing.T) {
	stock := stubStock{"var-1": 100, "var-2": 100, "var-3": 100}
	build := func(order []string) Totals {
		prices := map[string]int64{"var-1": 1250, "var-2": 700, "var-3": 9900}
		qtys := map[string]int{"var-1": 3, "var-2": 1, "var-3": 2}
		c := New()
		for _, v := range order {
			if _, _, err := c.Add(context.Background(), AddItem{
				ProductID: "prod-" + v, VariantID: v, Name: v,
				Qty: qtys[v], UnitPriceCents: prices[v],
			}, stock); err != nil {
				t.Fatal(err)
			}
		}
		tot, err := c.Totals(nil, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		return tot
	}

	a := build([]string{"var-1", "var-2", "var-3"})
	b := build([]string{"var-3", "var-1", "var-2"})
	if a.ItemsTotalCents != b.ItemsTotalCents || a.SubtotalCents != b.SubtotalCents {
		t.Fatalf("totals depend on insertion order: %+v vs %+v", a, b)
	}
	if a.ItemsTotalCents != 3*1250+700+2*9900 {
		t.Fatalf("items total: got %d", a.ItemsTotalCents)
	}
}

func TestTotalsWithInvoiceDiscountScenario(t *testing.T) {
	stock := stubStock{"var-1": 10}
	c := New()
	addPlain(t, c, "var-1", 2, 1000, stock)

	tot, err := c.Totals(&domain.InvoiceDiscount{Type: domain.DiscountPercent, Percent: 10}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tot.ItemsTotalCents != 2000 || tot.InvoiceDiscountCents != 200 || tot.GrandTotalCents != 1800 {
		t.Fatalf("scenario totals wrong: %+v", tot)
	}
}

func TestTotalsWithVouchers(t *testing.T) {
	stock := stubStock{"var-1": 10}
	c := New()
	addPlain(t, c, "var-1", 2, 1000, stock)

	flat := &domain.Voucher{Kind: domain.VoucherCoupon, DiscountType: domain.DiscountFlat, ValueCents: 5000}
	tot, err := c.Totals(nil, flat, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tot.VoucherDiscountCents != 2000 || tot.GrandTotalCents != 0 {
		t.Fatalf("flat coupon must cap at remaining total: %+v", tot)
	}

	gift := &domain.Voucher{Kind: domain.VoucherGiftCard, BalanceCents: 1500}
	tot, err = c.Totals(nil, gift, 250)
	if err != nil {
		t.Fatal(err)
	}
	if tot.VoucherDiscountCents != 0 || tot.GrandTotalCents != 2250 {
		t.Fatalf("gift card consumes at payment time, not as a discount: %+v", tot)
	}
}
