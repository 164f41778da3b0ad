package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/pricing"
	"lakupos/backend/internal/xid"
)

var ErrLineNotFound = errors.New("cart line not found")

// StockReader exposes live variant stock. The cart re-reads stock on every
// quantity-affecting operation instead of caching it, so interactive edits
// track the store as closely as the call pattern allows.
type StockReader interface {
	VariantStock(ctx context.Context, productID, variantID string) (int, error)
}

// Cart holds the in-progress sale. Lines keep insertion order and are
// addressed by their synthetic LineID, never by position or identity.
type Cart struct {
	lines []domain.CartLine
	ret   *returnContext
}

type returnContext struct {
	refInvoiceNo int64
	returnable   map[string]int
}

func New() *Cart {
	return &Cart{}
}

// NewReturn builds a return-mode cart from a committed sale. alreadyReturned
// maps original line ids to quantities consumed by earlier returns against
// the same invoice; lines open at the full remaining returnable quantity,
// negative, and the cashier adjusts toward zero.
func NewReturn(sale domain.Sale, alreadyReturned map[string]int) *Cart {
	c := &Cart{ret: &returnContext{refInvoiceNo: sale.InvoiceNo, returnable: map[string]int{}}}
	for _, l := range sale.Lines {
		if l.Qty <= 0 {
			continue
		}
		remaining := l.Qty - alreadyReturned[l.LineID]
		if remaining <= 0 {
			continue
		}
		c.ret.returnable[l.LineID] = remaining
		c.lines = append(c.lines, domain.CartLine{
			LineID:              xid.New("line"),
			ProductID:           l.ProductID,
			VariantID:           l.VariantID,
			Name:                l.Name,
			Qty:                 -remaining,
			OriginalPriceCents:  l.OriginalPriceCents,
			EffectivePriceCents: l.EffectivePriceCents,
			CostCents:           l.CostCents,
			RefInvoiceNo:        sale.InvoiceNo,
			RefLineID:           l.LineID,
		})
	}
	return c
}

func (c *Cart) ReturnMode() bool {
	return c.ret != nil
}

func (c *Cart) RefInvoiceNo() int64 {
	if c.ret == nil {
		return 0
	}
	return c.ret.refInvoiceNo
}

// AddItem describes one candidate line. Promotion, CustomPriceCents and
// Discount are mutually exclusive inputs; custom price and manual discount
// both mark the line custom, which permanently disables promotions on it.
type AddItem struct {
	ProductID        string
	VariantID        string
	Name             string
	Qty              int
	UnitPriceCents   int64
	CostCents        int64
	Promotion        *domain.Promotion
	CustomPriceCents *int64
	Discount         *domain.ManualDiscount
	Note             string
}

// Add inserts the item, merging into an equivalent existing line where the
// merge predicate allows. The total quantity is clamped to live stock; a
// non-empty warning reports the clamp. Return-mode carts reject Add.
func (c *Cart) Add(ctx context.Context, item AddItem, stock StockReader) (domain.CartLine, string, error) {
	if c.ret != nil {
		return domain.CartLine{}, "", errors.New("cannot add items to a return")
	}
	if item.Qty <= 0 {
		return domain.CartLine{}, "", errors.New("quantity must be positive")
	}

	line := domain.CartLine{
		LineID:              xid.New("line"),
		ProductID:           item.ProductID,
		VariantID:           item.VariantID,
		Name:                item.Name,
		Qty:                 item.Qty,
		OriginalPriceCents:  item.UnitPriceCents,
		EffectivePriceCents: item.UnitPriceCents,
		CostCents:           item.CostCents,
		Note:                item.Note,
	}
	switch {
	case item.CustomPriceCents != nil:
		if *item.CustomPriceCents < 0 {
			return domain.CartLine{}, "", errors.New("custom price must not be negative")
		}
		line.EffectivePriceCents = *item.CustomPriceCents
		line.Custom = true
	case item.Discount != nil:
		eff, err := pricing.ApplyManual(line.EffectivePriceCents, *item.Discount)
		if err != nil {
			return domain.CartLine{}, "", err
		}
		d := *item.Discount
		line.EffectivePriceCents = eff
		line.Discount = &d
		line.Custom = true
	case item.Promotion != nil:
		line.EffectivePriceCents = pricing.ApplyPromotion(line.OriginalPriceCents, item.Promotion.DiscountCents)
		line.PromotionID = item.Promotion.ID
	}

	target := -1
	for i := range c.lines {
		if mergeable(c.lines[i], line) {
			target = i
			break
		}
	}

	avail, err := stock.VariantStock(ctx, item.ProductID, item.VariantID)
	if err != nil {
		return domain.CartLine{}, "", fmt.Errorf("read stock: %w", err)
	}

	if target >= 0 {
		want := c.lines[target].Qty + item.Qty
		warning := ""
		if want > avail {
			warning = clampWarning(line.Name, avail)
			want = avail
		}
		if want <= 0 {
			c.removeAt(target)
			return domain.CartLine{}, clampWarning(line.Name, avail), nil
		}
		c.lines[target].Qty = want
		return copyLine(c.lines[target]), warning, nil
	}

	warning := ""
	if line.Qty > avail {
		warning = clampWarning(line.Name, avail)
		line.Qty = avail
	}
	if line.Qty <= 0 {
		return domain.CartLine{}, warning, nil
	}
	c.lines = append(c.lines, line)
	return copyLine(line), warning, nil
}

// mergeable is the explicit equivalence predicate: same product and variant,
// and neither line carries a manual discount, custom price, note or
// promotional price. Anything carrying one of those always stays distinct.
func mergeable(existing, candidate domain.CartLine) bool {
	if existing.ProductID != candidate.ProductID || existing.VariantID != candidate.VariantID {
		return false
	}
	return plain(existing) && plain(candidate)
}

func plain(l domain.CartLine) bool {
	return l.Discount == nil && !l.Custom && l.Note == "" && l.PromotionID == ""
}

// UpdateQuantity changes one line's quantity. Sale mode re-reads live stock
// and clamps, reporting the clamp as a non-fatal warning; a quantity of zero
// or less removes the line. Return mode keeps quantities within
// [-remaining returnable, 0]; exceeding the bound fails, and zero keeps the
// line so the cashier can adjust it again.
func (c *Cart) UpdateQuantity(ctx context.Context, lineID string, newQty int, stock StockReader) (string, error) {
	i := c.index(lineID)
	if i < 0 {
		return "", ErrLineNotFound
	}
	line := &c.lines[i]

	if c.ret != nil && line.RefLineID != "" {
		if newQty > 0 {
			return "", errors.New("return line quantity cannot be positive")
		}
		bound := c.ret.returnable[line.RefLineID]
		if -newQty > bound {
			return "", fmt.Errorf("cannot return more than %d of %s", bound, line.Name)
		}
		line.Qty = newQty
		return "", nil
	}

	if newQty <= 0 {
		c.removeAt(i)
		return "", nil
	}

	avail, err := stock.VariantStock(ctx, line.ProductID, line.VariantID)
	if err != nil {
		return "", fmt.Errorf("read stock: %w", err)
	}
	if newQty > avail {
		if avail <= 0 {
			c.removeAt(i)
			return clampWarning(line.Name, 0), nil
		}
		line.Qty = avail
		return clampWarning(line.Name, avail), nil
	}
	line.Qty = newQty
	return "", nil
}

// ApplyManualDiscount prices the discount against whatever the line currently
// carries and replaces the effective price. The line becomes custom for its
// whole life: RefreshPromotions will never touch it again.
func (c *Cart) ApplyManualDiscount(lineID string, d domain.ManualDiscount) error {
	i := c.index(lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	line := &c.lines[i]
	eff, err := pricing.ApplyManual(line.EffectivePriceCents, d)
	if err != nil {
		return err
	}
	dd := d
	line.EffectivePriceCents = eff
	line.Discount = &dd
	line.Custom = true
	line.PromotionID = ""
	return nil
}

// SetCustomPrice replaces the effective price outright and marks the line
// custom.
func (c *Cart) SetCustomPrice(lineID string, priceCents int64) error {
	if priceCents < 0 {
		return errors.New("custom price must not be negative")
	}
	i := c.index(lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	line := &c.lines[i]
	line.EffectivePriceCents = priceCents
	line.Discount = nil
	line.Custom = true
	line.PromotionID = ""
	return nil
}

func (c *Cart) SetNote(lineID, note string) error {
	i := c.index(lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	c.lines[i].Note = note
	return nil
}

// RefreshPromotions re-resolves promotional pricing after the active
// promotion set changes. Custom lines (manual discount or price edit) are
// never touched, whatever their quantity history.
func (c *Cart) RefreshPromotions(promos []domain.Promotion, now time.Time) {
	for i := range c.lines {
		line := &c.lines[i]
		if line.Custom || line.RefLineID != "" {
			continue
		}
		p := pricing.ResolvePromotion(promos, line.ProductID, line.VariantID, now)
		if p == nil {
			line.EffectivePriceCents = line.OriginalPriceCents
			line.PromotionID = ""
			continue
		}
		line.EffectivePriceCents = pricing.ApplyPromotion(line.OriginalPriceCents, p.DiscountCents)
		line.PromotionID = p.ID
	}
}

// Remove deletes the line unconditionally.
func (c *Cart) Remove(lineID string) {
	if i := c.index(lineID); i >= 0 {
		c.removeAt(i)
	}
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Line(lineID string) (domain.CartLine, bool) {
	i := c.index(lineID)
	if i < 0 {
		return domain.CartLine{}, false
	}
	return copyLine(c.lines[i]), true
}

// Lines returns a deep copy in insertion order; callers cannot mutate cart
// state through it.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, 0, len(c.lines))
	for _, l := range c.lines {
		if l.Qty == 0 {
			continue
		}
		out = append(out, copyLine(l))
	}
	return out
}

// Totals computes the money summary over current lines. Subtotal sums
// original prices (receipts and audit); items total sums effective prices
// and is the base for invoice and voucher discounts. All arithmetic is in
// cents; percentages round once at each defined point.
type Totals struct {
	SubtotalCents        int64 `json:"subtotal_cents"`
	ItemsTotalCents      int64 `json:"items_total_cents"`
	InvoiceDiscountCents int64 `json:"invoice_discount_cents"`
	VoucherDiscountCents int64 `json:"voucher_discount_cents"`
	ExtraChargeCents     int64 `json:"extra_charge_cents"`
	GrandTotalCents      int64 `json:"grand_total_cents"`
}

func (c *Cart) Totals(inv *domain.InvoiceDiscount, voucher *domain.Voucher, extraChargeCents int64) (Totals, error) {
	var t Totals
	for _, l := range c.lines {
		t.SubtotalCents += l.OriginalPriceCents * int64(l.Qty)
		t.ItemsTotalCents += l.EffectivePriceCents * int64(l.Qty)
	}
	invDisc, err := pricing.InvoiceDiscountCents(t.ItemsTotalCents, inv)
	if err != nil {
		return Totals{}, err
	}
	t.InvoiceDiscountCents = invDisc
	t.VoucherDiscountCents = pricing.VoucherDiscountCents(t.ItemsTotalCents-invDisc, voucher)
	t.ExtraChargeCents = extraChargeCents
	t.GrandTotalCents = t.ItemsTotalCents - t.InvoiceDiscountCents - t.VoucherDiscountCents + extraChargeCents
	return t, nil
}

func (c *Cart) index(lineID string) int {
	for i := range c.lines {
		if c.lines[i].LineID == lineID {
			return i
		}
	}
	return -1
}

func (c *Cart) removeAt(i int) {
	c.lines = append(c.lines[:i], c.lines[i+1:]...)
}

func copyLine(l domain.CartLine) domain.CartLine {
	if l.Discount != nil {
		d := *l.Discount
		l.Discount = &d
	}
	return l
}

func clampWarning(name string, avail int) string {
	return fmt.Sprintf("stock for %s limited to %d, quantity adjusted", name, avail)
}
