package pricing

import (
	"fmt"
	"math"
	"time"

	"lakupos/backend/internal/domain"
)

// PercentOf rounds half away from zero, matching receipt arithmetic. The
// cents value is rounded once per application, never carried as fractions.
func PercentOf(amountCents int64, pct float64) int64 {
	return int64(math.Round(float64(amountCents) * pct / 100))
}

// ResolvePromotion picks the promotion that applies to one (product, variant)
// at the given instant. When several active promotions match, the earliest
// created wins. Returns nil when nothing applies.
func ResolvePromotion(promos []domain.Promotion, productID, variantID string, now time.Time) *domain.Promotion {
	var best *domain.Promotion
	for i := range promos {
		p := &promos[i]
		if p.ProductID != productID || p.VariantID != variantID {
			continue
		}
		if !p.ActiveAt(now) {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) {
			best = p
		}
	}
	return best
}

// ApplyPromotion subtracts a flat promotional discount from the base price,
// never below zero.
func ApplyPromotion(baseCents int64, discountCents int64) int64 {
	if discountCents <= 0 {
		return baseCents
	}
	out := baseCents - discountCents
	if out < 0 {
		return 0
	}
	return out
}

// ApplyManual computes a manual discount against the price the line currently
// carries and returns the replacement effective price. Manual overrides are
// exclusive with promotions: the caller marks the line custom afterwards so
// promotions are never re-applied to it.
func ApplyManual(currentCents int64, d domain.ManualDiscount) (int64, error) {
	switch d.Type {
	case domain.DiscountFlat:
		if d.AmountCents < 0 {
			return 0, fmt.Errorf("discount amount must not be negative")
		}
		out := currentCents - d.AmountCents
		if out < 0 {
			out = 0
		}
		return out, nil
	case domain.DiscountPercent:
		if d.Percent < 0 || d.Percent > 100 {
			return 0, fmt.Errorf("discount percent must be between 0 and 100")
		}
		return currentCents - PercentOf(currentCents, d.Percent), nil
	default:
		return 0, fmt.Errorf("unknown discount type %q", d.Type)
	}
}

// PriceFromMargin derives a selling price from cost and a target margin
// percentage: price = cost / (1 - margin/100). Margin must satisfy
// 0 <= margin < 100.
func PriceFromMargin(costCents int64, marginPct float64) (int64, error) {
	if marginPct < 0 || marginPct >= 100 {
		return 0, fmt.Errorf("margin must be in [0, 100), got %.2f", marginPct)
	}
	if costCents < 0 {
		return 0, fmt.Errorf("cost must not be negative")
	}
	return int64(math.Round(float64(costCents) / (1 - marginPct/100))), nil
}

// MarginFromPrice derives the margin percentage from the two authoritative
// fields. The result is rounded to 2 decimals for display; derivations always
// start from cost and price, never from a previously rounded margin, so
// repeated edits do not accumulate rounding error.
func MarginFromPrice(costCents, priceCents int64) float64 {
	if priceCents <= 0 {
		return 0
	}
	m := (1 - float64(costCents)/float64(priceCents)) * 100
	return math.Round(m*100) / 100
}

// InvoiceDiscountCents evaluates an invoice-level discount against the items
// total (effective prices). A flat discount is capped at the items total so
// the grand total never goes negative.
func InvoiceDiscountCents(itemsTotalCents int64, d *domain.InvoiceDiscount) (int64, error) {
	if d == nil {
		return 0, nil
	}
	switch d.Type {
	case domain.DiscountFlat:
		if d.AmountCents < 0 {
			return 0, fmt.Errorf("invoice discount must not be negative")
		}
		if d.AmountCents > itemsTotalCents {
			return itemsTotalCents, nil
		}
		return d.AmountCents, nil
	case domain.DiscountPercent:
		if d.Percent < 0 || d.Percent > 100 {
			return 0, fmt.Errorf("invoice discount percent must be between 0 and 100")
		}
		return PercentOf(itemsTotalCents, d.Percent), nil
	default:
		return 0, fmt.Errorf("unknown invoice discount type %q", d.Type)
	}
}

// VoucherDiscountCents evaluates a voucher against the total remaining after
// the invoice discount. Gift cards contribute nothing here: they consume
// their balance as a payment method at tender time instead.
func VoucherDiscountCents(afterInvoiceCents int64, v *domain.Voucher) int64 {
	if v == nil || v.Kind == domain.VoucherGiftCard {
		return 0
	}
	switch v.DiscountType {
	case domain.DiscountFlat:
		if v.ValueCents > afterInvoiceCents {
			return afterInvoiceCents
		}
		return v.ValueCents
	case domain.DiscountPercent:
		return PercentOf(afterInvoiceCents, v.ValuePct)
	default:
		return 0
	}
}
