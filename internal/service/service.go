// Package service holds the business rules on top of the store: checkout
// composition, returns, shift lifecycle, purchasing and reporting. Every
// mutating call takes the acting user explicitly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"lakupos/backend/internal/cache"
	"lakupos/backend/internal/cart"
	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/xid"
)

var (
	ErrPermission = errors.New("permission denied")
	ErrValidation = errors.New("validation failed")
)

const promoCacheKey = "promos:active"
const promoCacheTTL = time.Minute

type Service struct {
	repo           store.Repository
	promos         cache.PromotionCache
	defaultStoreID string
}

func New(repo store.Repository, promos cache.PromotionCache, defaultStoreID string) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if promos == nil {
		promos = cache.NoopPromotionCache{}
	}
	return &Service{
		repo:           repo,
		promos:         promos,
		defaultStoreID: defaultStoreID,
	}
}

func (s *Service) storeID(requested string) string {
	if requested == "" {
		return s.defaultStoreID
	}
	return requested
}

func requireAdmin(actor domain.Actor) error {
	if actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: admin role required", ErrPermission)
	}
	return nil
}

// activePromotions serves the promotion set from the cache when it can, and
// repopulates it from the store on a miss. A cache outage degrades to direct
// reads, never to an error.
func (s *Service) activePromotions(ctx context.Context, now time.Time) ([]domain.Promotion, error) {
	cached, ok, err := s.promos.Get(ctx, promoCacheKey)
	if err != nil {
		log.Printf("[service] WARN: promotion cache read failed: %v", err)
	}
	if ok {
		active := cached[:0:0]
		for _, p := range cached {
			if p.ActiveAt(now) {
				active = append(active, p)
			}
		}
		return active, nil
	}

	promos, err := s.repo.ListActivePromotions(ctx, now)
	if err != nil {
		return nil, err
	}
	if err := s.promos.Set(ctx, promoCacheKey, promos, promoCacheTTL); err != nil {
		log.Printf("[service] WARN: promotion cache write failed: %v", err)
	}
	return promos, nil
}

func (s *Service) invalidatePromotions(ctx context.Context) {
	if err := s.promos.Invalidate(ctx, promoCacheKey); err != nil {
		log.Printf("[service] WARN: promotion cache invalidation failed: %v", err)
	}
}

type repoStock struct {
	repo store.Repository
}

func (r repoStock) VariantStock(ctx context.Context, productID, variantID string) (int, error) {
	return r.repo.VariantStock(ctx, productID, variantID)
}

func supportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS,
		domain.PaymentEwallet, domain.PaymentGiftCard, domain.PaymentCredit:
		return true
	}
	return false
}

// validateVoucher rejects vouchers that cannot be applied right now. Gift
// cards remain valid down to a zero balance; usage limits apply to coupons
// only.
func validateVoucher(v *domain.Voucher, now time.Time) error {
	if v.ExpiresAt != nil && now.After(*v.ExpiresAt) {
		return fmt.Errorf("%w: voucher %s expired", ErrValidation, v.Code)
	}
	switch v.Kind {
	case domain.VoucherCoupon:
		if v.SingleUse && v.UsedCount > 0 {
			return fmt.Errorf("%w: voucher %s already used", ErrValidation, v.Code)
		}
		if v.MaxUses > 0 && v.UsedCount >= v.MaxUses {
			return fmt.Errorf("%w: voucher %s usage limit reached", ErrValidation, v.Code)
		}
	case domain.VoucherGiftCard:
		if v.BalanceCents <= 0 {
			return fmt.Errorf("%w: gift card %s has no balance", ErrValidation, v.Code)
		}
	default:
		return fmt.Errorf("%w: unknown voucher kind %q", ErrValidation, v.Kind)
	}
	return nil
}

// Checkout rebuilds the cart server-side from the request, prices it against
// live stock and the active promotion set, validates tender, and commits the
// sale atomically through the store.
func (s *Service) Checkout(ctx context.Context, actor domain.Actor, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.StoreID = s.storeID(req.StoreID)
	if len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: empty cart", ErrValidation)
	}
	if req.ExtraChargeCents < 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: extra charge must not be negative", ErrValidation)
	}
	if req.InvoiceDiscount != nil && !actor.CanDiscount {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: discount capability required", ErrPermission)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	shift, err := s.repo.GetOpenShift(ctx, req.StoreID, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: active shift required", ErrValidation)
		}
		return domain.CheckoutResponse{}, err
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.CheckoutResponse{Sale: *existing}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	now := time.Now().UTC()
	promos, err := s.activePromotions(ctx, now)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	c := cart.New()
	stock := repoStock{repo: s.repo}
	warnings := make([]string, 0, 2)
	for _, reqLine := range req.Lines {
		if (reqLine.Discount != nil || reqLine.CustomPriceCents != nil) && !actor.CanDiscount {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: discount capability required", ErrPermission)
		}
		product, err := s.repo.GetProduct(ctx, reqLine.ProductID)
		if err != nil {
			return domain.CheckoutResponse{}, fmt.Errorf("line %s: %w", reqLine.ProductID, err)
		}
		var variant *domain.Variant
		for i := range product.Variants {
			if product.Variants[i].ID == reqLine.VariantID {
				variant = &product.Variants[i]
				break
			}
		}
		if variant == nil {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: variant %s not found", store.ErrNotFound, reqLine.VariantID)
		}

		item := cart.AddItem{
			ProductID:        product.ID,
			VariantID:        variant.ID,
			Name:             product.Name,
			Qty:              reqLine.Qty,
			UnitPriceCents:   variant.PriceCents,
			CostCents:        variant.CostCents,
			CustomPriceCents: reqLine.CustomPriceCents,
			Discount:         reqLine.Discount,
			Note:             reqLine.Note,
		}
		if item.CustomPriceCents == nil && item.Discount == nil {
			for i := range promos {
				if promos[i].ProductID == product.ID && promos[i].VariantID == variant.ID {
					item.Promotion = &promos[i]
					break
				}
			}
		}
		_, warning, err := c.Add(ctx, item, stock)
		if err != nil {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if warning != "" {
			warnings = append(warnings, warning)
		}
	}
	if c.Len() == 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: nothing purchasable in cart", ErrValidation)
	}

	var voucher *domain.Voucher
	if req.VoucherCode != "" {
		voucher, err = s.repo.GetVoucherByCode(ctx, req.VoucherCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CheckoutResponse{}, fmt.Errorf("%w: voucher %s not found", ErrValidation, req.VoucherCode)
			}
			return domain.CheckoutResponse{}, err
		}
		if err := validateVoucher(voucher, now); err != nil {
			return domain.CheckoutResponse{}, err
		}
	}

	totals, err := c.Totals(req.InvoiceDiscount, voucher, req.ExtraChargeCents)
	if err != nil {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sale := domain.Sale{
		ID:                   xid.New("sale"),
		StoreID:              req.StoreID,
		At:                   now,
		CashierID:            actor.Username,
		ShiftID:              shift.ID,
		CustomerID:           req.CustomerID,
		Lines:                c.Lines(),
		SubtotalCents:        totals.SubtotalCents,
		ItemsTotalCents:      totals.ItemsTotalCents,
		InvoiceDiscountCents: totals.InvoiceDiscountCents,
		VoucherDiscountCents: totals.VoucherDiscountCents,
		ExtraChargeCents:     totals.ExtraChargeCents,
		GrandTotalCents:      totals.GrandTotalCents,
		IdempotencyKey:       req.IdempotencyKey,
	}
	if voucher != nil {
		sale.VoucherID = voucher.ID
		sale.VoucherCode = voucher.Code
	}

	if err := applyTender(&sale, voucher, req.Payments, req.CashGivenCents); err != nil {
		return domain.CheckoutResponse{}, err
	}
	if sale.DueCents > 0 && sale.CustomerID == "" {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: credit tender requires a customer", ErrValidation)
	}

	committed, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logAudit(ctx, actor, req.StoreID, "checkout", "sale", committed.ID,
		fmt.Sprintf("invoice=%d,total=%d,lines=%d,voucher=%s",
			committed.InvoiceNo, committed.GrandTotalCents, len(committed.Lines), committed.VoucherCode))

	return domain.CheckoutResponse{Sale: *committed, Warnings: warnings}, nil
}

// applyTender validates the split tender against the grand total. The sum of
// payment amounts must equal the grand total exactly, in cents. A sale whose
// discounts cover the items total needs no tender at all. Change is
// informational: cash handed over minus the cash portion, floored at zero.
func applyTender(sale *domain.Sale, voucher *domain.Voucher, payments []domain.Payment, cashGivenCents int64) error {
	if len(payments) == 0 {
		if sale.GrandTotalCents == 0 {
			return nil
		}
		return fmt.Errorf("%w: at least one payment required", ErrValidation)
	}
	var sum, cashPortion, giftPortion, creditPortion int64
	for _, p := range payments {
		if !supportedPaymentMethod(p.Method) {
			return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, p.Method)
		}
		if p.AmountCents < 0 || (p.AmountCents == 0 && sale.GrandTotalCents != 0) {
			return fmt.Errorf("%w: payment amounts must be positive", ErrValidation)
		}
		sum += p.AmountCents
		switch p.Method {
		case domain.PaymentCash:
			cashPortion += p.AmountCents
		case domain.PaymentGiftCard:
			giftPortion += p.AmountCents
		case domain.PaymentCredit:
			creditPortion += p.AmountCents
		}
	}
	if sum != sale.GrandTotalCents {
		return fmt.Errorf("%w: payments total %d does not match grand total %d", ErrValidation, sum, sale.GrandTotalCents)
	}
	if giftPortion > 0 {
		if voucher == nil || voucher.Kind != domain.VoucherGiftCard {
			return fmt.Errorf("%w: gift card tender requires a gift card voucher", ErrValidation)
		}
		if giftPortion > voucher.BalanceCents {
			return fmt.Errorf("%w: gift card balance %d is below tendered %d", ErrValidation, voucher.BalanceCents, giftPortion)
		}
	}

	sale.Payments = payments
	sale.DueCents = creditPortion
	if cashGivenCents == 0 {
		cashGivenCents = cashPortion
	}
	if cashGivenCents < cashPortion {
		return fmt.Errorf("%w: cash given %d is below the cash portion %d", ErrValidation, cashGivenCents, cashPortion)
	}
	sale.CashGivenCents = cashGivenCents
	sale.ChangeCents = cashGivenCents - cashPortion
	return nil
}

// ProcessReturn commits a return sale against an earlier invoice. Returned
// quantities are bounded by what the original sold minus what previous
// returns already took back. The refund is a single absorbing tender.
func (s *Service) ProcessReturn(ctx context.Context, actor domain.Actor, req domain.ReturnRequest) (domain.CheckoutResponse, error) {
	if !actor.CanRefund {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: refund capability required", ErrPermission)
	}
	req.StoreID = s.storeID(req.StoreID)
	if len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: nothing to return", ErrValidation)
	}
	if req.Method == "" {
		req.Method = domain.PaymentCash
	}
	if !supportedPaymentMethod(req.Method) || req.Method == domain.PaymentCredit {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: unsupported refund method %q", ErrValidation, req.Method)
	}

	original, err := s.repo.GetSaleByInvoice(ctx, req.StoreID, req.RefInvoiceNo)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	returned, err := s.repo.GetReturnedQtyByInvoice(ctx, req.StoreID, req.RefInvoiceNo)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	rc := cart.NewReturn(*original, returned)
	returnable := make(map[string]bool, len(rc.Lines()))
	for _, line := range rc.Lines() {
		returnable[line.RefLineID] = true
	}
	wanted := make(map[string]int, len(req.Lines))
	for _, l := range req.Lines {
		if l.Qty >= 0 {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: return quantities are negative", ErrValidation)
		}
		if !returnable[l.RefLineID] {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: line %s is not returnable on invoice %d", ErrValidation, l.RefLineID, req.RefInvoiceNo)
		}
		wanted[l.RefLineID] = l.Qty
	}
	// Lines the caller did not name stay out of the return.
	for _, line := range rc.Lines() {
		qty := wanted[line.RefLineID]
		if _, err := rc.UpdateQuantity(ctx, line.LineID, qty, nil); err != nil {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	totals, err := rc.Totals(nil, nil, 0)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if totals.GrandTotalCents >= 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: return total must be negative", ErrValidation)
	}

	now := time.Now().UTC()
	sale := domain.Sale{
		ID:              xid.New("sale"),
		StoreID:         req.StoreID,
		At:              now,
		CashierID:       actor.Username,
		CustomerID:      original.CustomerID,
		Lines:           rc.Lines(),
		SubtotalCents:   totals.SubtotalCents,
		ItemsTotalCents: totals.ItemsTotalCents,
		GrandTotalCents: totals.GrandTotalCents,
		Payments:        []domain.Payment{{Method: req.Method, AmountCents: totals.GrandTotalCents, Reference: req.Reason}},
		RefInvoiceNo:    req.RefInvoiceNo,
	}
	if shift, err := s.repo.GetOpenShift(ctx, req.StoreID, actor.Username); err == nil {
		sale.ShiftID = shift.ID
	}

	committed, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logAudit(ctx, actor, req.StoreID, "sale_return", "sale", committed.ID,
		fmt.Sprintf("ref_invoice=%d,total=%d,reason=%s", req.RefInvoiceNo, committed.GrandTotalCents, req.Reason))

	return domain.CheckoutResponse{Sale: *committed}, nil
}

func (s *Service) GetSale(ctx context.Context, storeID string, invoiceNo int64) (*domain.Sale, error) {
	return s.repo.GetSaleByInvoice(ctx, s.storeID(storeID), invoiceNo)
}

func (s *Service) ListSales(ctx context.Context, storeID, date string, limit int) ([]domain.Sale, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, s.storeID(storeID), from, to, limit)
}

// PreviewVoucher validates a voucher code without consuming it, so the till
// can show the effect before checkout.
func (s *Service) PreviewVoucher(ctx context.Context, code string) (*domain.Voucher, error) {
	voucher, err := s.repo.GetVoucherByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := validateVoucher(voucher, time.Now().UTC()); err != nil {
		return nil, err
	}
	return voucher, nil
}

func dayRange(date string) (time.Time, time.Time, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad date %q", ErrValidation, date)
	}
	return day, day.Add(24*time.Hour - time.Nanosecond), nil
}

func (s *Service) logAudit(ctx context.Context, actor domain.Actor, storeID, action, entityType, entityID, detail string) {
	entry := domain.AuditLog{
		StoreID:    storeID,
		Actor:      actor.Username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[audit] WARN: failed to record %s on %s/%s: %v", action, entityType, entityID, err)
	}
}
