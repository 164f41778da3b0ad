package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/pricing"
	"lakupos/backend/internal/store"
)

// Products

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func normalizeVariants(variants []domain.Variant) error {
	for i := range variants {
		v := &variants[i]
		v.SKU = strings.ToUpper(strings.TrimSpace(v.SKU))
		v.Barcode = strings.TrimSpace(v.Barcode)
		if v.Stock < 0 {
			return fmt.Errorf("%w: stock must not be negative", ErrValidation)
		}
		if v.CostCents < 0 || v.PriceCents < 0 {
			return fmt.Errorf("%w: prices must not be negative", ErrValidation)
		}
		// Price wins when both price and margin are given; margin is always
		// re-derived from cost and price, never trusted from input.
		if v.PriceCents == 0 && v.MarginPct > 0 {
			price, err := pricing.PriceFromMargin(v.CostCents, v.MarginPct)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			v.PriceCents = price
		}
		v.MarginPct = pricing.MarginFromPrice(v.CostCents, v.PriceCents)
	}
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, p domain.Product) (*domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || len(p.Variants) == 0 {
		return nil, fmt.Errorf("%w: product needs a name and at least one variant", ErrValidation)
	}
	if err := normalizeVariants(p.Variants); err != nil {
		return nil, err
	}
	created, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "product_create", "product", created.ID,
		fmt.Sprintf("name=%s,variants=%d", created.Name, len(created.Variants)))
	return created, nil
}

// UpdateProduct replaces the product and its variant set. Price changes are
// recorded in the price history before the write lands.
func (s *Service) UpdateProduct(ctx context.Context, actor domain.Actor, p domain.Product) (*domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.ID == "" || p.Name == "" || len(p.Variants) == 0 {
		return nil, fmt.Errorf("%w: product needs an id, a name and at least one variant", ErrValidation)
	}
	if err := normalizeVariants(p.Variants); err != nil {
		return nil, err
	}

	current, err := s.repo.GetProduct(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	priceBefore := make(map[string]int64, len(current.Variants))
	for _, v := range current.Variants {
		priceBefore[v.ID] = v.PriceCents
	}

	updated, err := s.repo.UpdateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	for _, v := range updated.Variants {
		old, existed := priceBefore[v.ID]
		if !existed || old == v.PriceCents {
			continue
		}
		entry := domain.PriceHistory{
			ProductID:     updated.ID,
			VariantID:     v.ID,
			OldPriceCents: old,
			NewPriceCents: v.PriceCents,
			ChangedBy:     actor.Username,
			At:            time.Now().UTC(),
		}
		if err := s.repo.CreatePriceHistory(ctx, entry); err != nil {
			return nil, fmt.Errorf("record price change: %w", err)
		}
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "product_update", "product", updated.ID,
		fmt.Sprintf("name=%s,variants=%d", updated.Name, len(updated.Variants)))
	return updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, actor domain.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "product_delete", "product", id, "")
	return nil
}

// LookupVariant resolves a scanned barcode or typed SKU.
func (s *Service) LookupVariant(ctx context.Context, code string) (*domain.Product, *domain.Variant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil, fmt.Errorf("%w: empty code", ErrValidation)
	}
	return s.repo.FindVariant(ctx, code)
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStock(ctx)
}

func (s *Service) ListPriceHistory(ctx context.Context, variantID string, limit int) ([]domain.PriceHistory, error) {
	return s.repo.ListPriceHistory(ctx, variantID, limit)
}

// Categories, brands, suppliers

func (s *Service) CreateCategory(ctx context.Context, actor domain.Actor, c domain.Category) (*domain.Category, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: category needs a name", ErrValidation)
	}
	return s.repo.CreateCategory(ctx, c)
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateBrand(ctx context.Context, actor domain.Actor, b domain.Brand) (*domain.Brand, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return nil, fmt.Errorf("%w: brand needs a name", ErrValidation)
	}
	return s.repo.CreateBrand(ctx, b)
}

func (s *Service) ListBrands(ctx context.Context) ([]domain.Brand, error) {
	return s.repo.ListBrands(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, actor domain.Actor, sup domain.Supplier) (*domain.Supplier, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	sup.Name = strings.TrimSpace(sup.Name)
	if sup.Name == "" {
		return nil, fmt.Errorf("%w: supplier needs a name", ErrValidation)
	}
	return s.repo.CreateSupplier(ctx, sup)
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

// Promotions

func (s *Service) CreatePromotion(ctx context.Context, actor domain.Actor, p domain.Promotion) (*domain.Promotion, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	created, err := s.repo.CreatePromotion(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSale) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	s.invalidatePromotions(ctx)
	s.logAudit(ctx, actor, s.defaultStoreID, "promotion_create", "promotion", created.ID,
		fmt.Sprintf("variant=%s,discount=%d", created.VariantID, created.DiscountCents))
	return created, nil
}

func (s *Service) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	return s.repo.ListPromotions(ctx)
}

func (s *Service) DeletePromotion(ctx context.Context, actor domain.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.repo.DeletePromotion(ctx, id); err != nil {
		return err
	}
	s.invalidatePromotions(ctx)
	s.logAudit(ctx, actor, s.defaultStoreID, "promotion_delete", "promotion", id, "")
	return nil
}

// Vouchers

func (s *Service) CreateVoucher(ctx context.Context, actor domain.Actor, v domain.Voucher) (*domain.Voucher, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	v.Code = strings.ToUpper(strings.TrimSpace(v.Code))
	if v.Code == "" {
		return nil, fmt.Errorf("%w: voucher needs a code", ErrValidation)
	}
	switch v.Kind {
	case domain.VoucherCoupon:
		switch v.DiscountType {
		case domain.DiscountFlat:
			if v.ValueCents < 1 {
				return nil, fmt.Errorf("%w: flat coupon needs a positive value", ErrValidation)
			}
		case domain.DiscountPercent:
			if v.ValuePct <= 0 || v.ValuePct > 100 {
				return nil, fmt.Errorf("%w: percent coupon needs a percentage in (0,100]", ErrValidation)
			}
		default:
			return nil, fmt.Errorf("%w: unknown discount type %q", ErrValidation, v.DiscountType)
		}
	case domain.VoucherGiftCard:
		if v.BalanceCents < 1 {
			return nil, fmt.Errorf("%w: gift card needs a positive balance", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown voucher kind %q", ErrValidation, v.Kind)
	}
	created, err := s.repo.CreateVoucher(ctx, v)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "voucher_create", "voucher", created.ID,
		fmt.Sprintf("code=%s,kind=%s", created.Code, created.Kind))
	return created, nil
}

func (s *Service) ListVouchers(ctx context.Context) ([]domain.Voucher, error) {
	return s.repo.ListVouchers(ctx)
}

// Customers

func (s *Service) CreateCustomer(ctx context.Context, actor domain.Actor, c domain.Customer) (*domain.Customer, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: customer needs a name", ErrValidation)
	}
	created, err := s.repo.CreateCustomer(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "customer_create", "customer", created.ID, "name="+created.Name)
	return created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

// RecordCustomerPayment takes a due payment off a customer's balance.
func (s *Service) RecordCustomerPayment(ctx context.Context, actor domain.Actor, id string, amountCents int64) (*domain.Customer, error) {
	customer, err := s.repo.RecordCustomerPayment(ctx, id, amountCents, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrInvalidSale) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "customer_payment", "customer", id,
		fmt.Sprintf("amount=%d,remaining=%d", amountCents, customer.DueCents))
	return customer, nil
}
