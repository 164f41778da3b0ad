package pricing

import (
	"testing"
	"time"

	"lakupos/backend/internal/domain"
)

func TestResolvePromotionEarliestCreatedWins(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	window := func(p *domain.Promotion) {
		p.StartAt = now.Add(-time.Hour)
		p.EndAt = now.Add(time.Hour)
	}
	newer := domain.Promotion{ID: "promo-b", ProductID: "p1", VariantID: "v1", DiscountCents: 500, CreatedAt: now.Add(-time.Hour)}
	older := domain.Promotion{ID: "promo-a", ProductID: "p1", VariantID: "v1", DiscountCents: 200, CreatedAt: now.Add(-48 * time.Hour)}
	expired := domain.Promotion{ID: "promo-c", ProductID: "p1", VariantID: "v1", DiscountCents: 900, CreatedAt: now.Add(-72 * time.Hour)}
	window(&newer)
	window(&older)
	expired.StartAt = now.Add(-72 * time.Hour)
	expired.EndAt = now.Add(-71 * time.Hour)

	got := ResolvePromotion([]domain.Promotion{newer, older, expired}, "p1", "v1", now)
	if got == nil || got.ID != "promo-a" {
		t.Fatalf("expected earliest created active promotion, got %+v", got)
	}
	if ResolvePromotion([]domain.Promotion{newer}, "p1", "v2", now) != nil {
		t.Fatalf("expected no match for other variant")
	}
}

func TestApplyPromotionFloorsAtZero(t *testing.T) {
	if got := ApplyPromotion(1000, 300); got != 700 {
		t.Fatalf("got %d", got)
	}
	if got := ApplyPromotion(200, 300); got != 0 {
		t.Fatalf("price should floor at zero, got %d", got)
	}
}

func TestApplyManual(t *testing.T) {
	cases := []struct {
		name    string
		current int64
		d       domain.ManualDiscount
		want    int64
		wantErr bool
	}{
		{"flat", 1000, domain.ManualDiscount{Type: domain.DiscountFlat, AmountCents: 250}, 750, false},
		{"flat below zero", 100, domain.ManualDiscount{Type: domain.DiscountFlat, AmountCents: 250}, 0, false},
		{"percent", 1000, domain.ManualDiscount{Type: domain.DiscountPercent, Percent: 12.5}, 875, false},
		{"percent rounds", 999, domain.ManualDiscount{Type: domain.DiscountPercent, Percent: 10}, 899, false},
		{"bad percent", 1000, domain.ManualDiscount{Type: domain.DiscountPercent, Percent: 101}, 0, true},
		{"bad type", 1000, domain.ManualDiscount{Type: "bogo"}, 0, true},
	}
	for _, tc := range cases {
		got, err := ApplyManual(tc.current, tc.d)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestMarginDerivationsStayFresh(t *testing.T) {
	price, err := PriceFromMargin(7500, 25)
	if err != nil {
		t.Fatal(err)
	}
	if price != 10000 {
		t.Fatalf("price from margin: got %d", price)
	}

	// A margin that displays rounded must not drift when re-derived.
	m := MarginFromPrice(7000, 9900)
	if m != 29.29 {
		t.Fatalf("margin display: got %v", m)
	}
	again := MarginFromPrice(7000, 9900)
	if again != m {
		t.Fatalf("repeated derivation changed: %v vs %v", again, m)
	}

	if _, err := PriceFromMargin(100, 100); err == nil {
		t.Fatal("margin of 100 must be rejected")
	}
	if _, err := PriceFromMargin(100, -1); err == nil {
		t.Fatal("negative margin must be rejected")
	}
}

func TestInvoiceDiscountCents(t *testing.T) {
	flat := &domain.InvoiceDiscount{Type: domain.DiscountFlat, AmountCents: 200}
	if got, _ := InvoiceDiscountCents(2000, flat); got != 200 {
		t.Fatalf("flat: got %d", got)
	}
	oversized := &domain.InvoiceDiscount{Type: domain.DiscountFlat, AmountCents: 5000}
	if got, _ := InvoiceDiscountCents(2000, oversized); got != 2000 {
		t.Fatalf("flat caps at items total, got %d", got)
	}
	pct := &domain.InvoiceDiscount{Type: domain.DiscountPercent, Percent: 10}
	if got, _ := InvoiceDiscountCents(2000, pct); got != 200 {
		t.Fatalf("percent: got %d", got)
	}
	if got, _ := InvoiceDiscountCents(2000, nil); got != 0 {
		t.Fatalf("nil: got %d", got)
	}
}

func TestVoucherDiscountCents(t *testing.T) {
	gift := &domain.Voucher{Kind: domain.VoucherGiftCard, BalanceCents: 1500}
	if got := VoucherDiscountCents(1800, gift); got != 0 {
		t.Fatalf("gift cards discount nothing at pricing time, got %d", got)
	}
	flat := &domain.Voucher{Kind: domain.VoucherCoupon, DiscountType: domain.DiscountFlat, ValueCents: 2500}
	if got := VoucherDiscountCents(1800, flat); got != 1800 {
		t.Fatalf("flat coupon caps at remaining total, got %d", got)
	}
	pct := &domain.Voucher{Kind: domain.VoucherCoupon, DiscountType: domain.DiscountPercent, ValuePct: 15}
	if got := VoucherDiscountCents(1800, pct); got != 270 {
		t.Fatalf("percent coupon: got %d", got)
	}
}
