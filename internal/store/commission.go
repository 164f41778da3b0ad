package store

import (
	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/pricing"
)

// CommissionFor computes a cashier's earning on a committed sale from their
// configured rule. percent_per_item rounds per line, matching how the rows
// appear on the cashier's statement.
func CommissionFor(rule domain.CommissionRule, sale domain.Sale) int64 {
	switch rule.Kind {
	case domain.CommissionPercentTotal:
		return pricing.PercentOf(sale.GrandTotalCents, rule.Percent)
	case domain.CommissionFlatPerSale:
		return rule.FlatCents
	case domain.CommissionPercentPerItem:
		var total int64
		for _, l := range sale.Lines {
			total += pricing.PercentOf(l.EffectivePriceCents*int64(l.Qty), rule.Percent)
		}
		return total
	default:
		return 0
	}
}

// GiftCardTendered sums the gift card portion of a sale's payments. Gift
// card balances are decremented by this amount, not by the invoice total;
// a gift card may cover only part of a split tender.
func GiftCardTendered(sale domain.Sale) int64 {
	var total int64
	for _, p := range sale.Payments {
		if p.Method == domain.PaymentGiftCard {
			total += p.AmountCents
		}
	}
	return total
}
