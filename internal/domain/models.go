package domain

import "time"

// All monetary amounts are integer cents.

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentEwallet  = "ewallet"
	PaymentGiftCard = "gift_card"
	PaymentCredit   = "credit"
)

const (
	DiscountFlat    = "flat"
	DiscountPercent = "percent"
)

const (
	VoucherCoupon   = "coupon"
	VoucherGiftCard = "gift_card"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	PurchaseStatusDraft    = "draft"
	PurchaseStatusReceived = "received"
)

const (
	CommissionPercentTotal   = "percent_total"
	CommissionFlatPerSale    = "flat_per_sale"
	CommissionPercentPerItem = "percent_per_item"
)

type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Brand struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Supplier struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Variant is the purchasable unit. Its ID is stable across product edits and
// is the join key for cart lines, sale lines and stock adjustments.
type Variant struct {
	ID         string            `json:"id"`
	SKU        string            `json:"sku,omitempty"`
	Barcode    string            `json:"barcode,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Stock      int               `json:"stock"`
	CostCents  int64             `json:"cost_cents"`
	PriceCents int64             `json:"price_cents"`
	MarginPct  float64           `json:"margin_pct"`
}

type Product struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	CategoryID        string    `json:"category_id,omitempty"`
	BrandID           string    `json:"brand_id,omitempty"`
	SupplierID        string    `json:"supplier_id,omitempty"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Variants          []Variant `json:"variants"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Promotion is a time-windowed flat price cut for one (product, variant).
// When several active promotions match the same variant, the earliest
// created one wins.
type Promotion struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ProductID     string    `json:"product_id"`
	VariantID     string    `json:"variant_id"`
	DiscountCents int64     `json:"discount_cents"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (p Promotion) ActiveAt(now time.Time) bool {
	return !now.Before(p.StartAt) && !now.After(p.EndAt)
}

// Voucher is either a coupon (flat or percent discount with usage limits)
// or a gift card carrying a spendable balance.
type Voucher struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	Kind         string     `json:"kind"`
	DiscountType string     `json:"discount_type,omitempty"`
	ValueCents   int64      `json:"value_cents,omitempty"`
	ValuePct     float64    `json:"value_pct,omitempty"`
	MaxUses      int        `json:"max_uses,omitempty"`
	SingleUse    bool       `json:"single_use,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UsedCount    int        `json:"used_count"`
	BalanceCents int64      `json:"balance_cents,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ManualDiscount is a cashier-entered price override on one cart line.
type ManualDiscount struct {
	Type        string  `json:"type"`
	AmountCents int64   `json:"amount_cents,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
}

// InvoiceDiscount applies to the whole cart, after line-level pricing.
type InvoiceDiscount struct {
	Type        string  `json:"type"`
	AmountCents int64   `json:"amount_cents,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
}

// CartLine is one entry of an in-progress sale. LineID is a synthetic stable
// key generated when the line is created. Negative Qty marks a return line.
type CartLine struct {
	LineID              string          `json:"line_id"`
	ProductID           string          `json:"product_id"`
	VariantID           string          `json:"variant_id"`
	Name                string          `json:"name"`
	Qty                 int             `json:"qty"`
	OriginalPriceCents  int64           `json:"original_price_cents"`
	EffectivePriceCents int64           `json:"effective_price_cents"`
	CostCents           int64           `json:"cost_cents"`
	Discount            *ManualDiscount `json:"discount,omitempty"`
	Custom              bool            `json:"custom,omitempty"`
	Note                string          `json:"note,omitempty"`
	PromotionID         string          `json:"promotion_id,omitempty"`
	RefInvoiceNo        int64           `json:"ref_invoice_no,omitempty"`
	RefLineID           string          `json:"ref_line_id,omitempty"`
}

type Payment struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

// Sale is immutable after commit. InvoiceNo comes from the store-scoped
// counter and is distinct from the primary key. Returns are new sales with
// negative line quantities referencing the original via RefInvoiceNo.
type Sale struct {
	ID                   string     `json:"id"`
	InvoiceNo            int64      `json:"invoice_no"`
	StoreID              string     `json:"store_id"`
	At                   time.Time  `json:"at"`
	CashierID            string     `json:"cashier_id"`
	ShiftID              string     `json:"shift_id,omitempty"`
	CustomerID           string     `json:"customer_id,omitempty"`
	Lines                []CartLine `json:"lines"`
	SubtotalCents        int64      `json:"subtotal_cents"`
	ItemsTotalCents      int64      `json:"items_total_cents"`
	InvoiceDiscountCents int64      `json:"invoice_discount_cents"`
	VoucherDiscountCents int64      `json:"voucher_discount_cents"`
	ExtraChargeCents     int64      `json:"extra_charge_cents"`
	GrandTotalCents      int64      `json:"grand_total_cents"`
	Payments             []Payment  `json:"payments"`
	CashGivenCents       int64      `json:"cash_given_cents,omitempty"`
	ChangeCents          int64      `json:"change_cents"`
	DueCents             int64      `json:"due_cents,omitempty"`
	PreviousDueCents     int64      `json:"previous_due_cents,omitempty"`
	VoucherID            string     `json:"voucher_id,omitempty"`
	VoucherCode          string     `json:"voucher_code,omitempty"`
	RefInvoiceNo         int64      `json:"ref_invoice_no,omitempty"`
	CommissionCents      int64      `json:"commission_cents,omitempty"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	DueCents  int64     `json:"due_cents"`
	CreatedAt time.Time `json:"created_at"`
}

type Shift struct {
	ID            string     `json:"id"`
	StoreID       string     `json:"store_id"`
	CashierID     string     `json:"cashier_id"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	OpeningCents  int64      `json:"opening_cents"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ExpectedCents int64      `json:"expected_cents,omitempty"`
	CountedCents  int64      `json:"counted_cents,omitempty"`
}

type Expense struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	ShiftID     string    `json:"shift_id,omitempty"`
	Category    string    `json:"category"`
	AmountCents int64     `json:"amount_cents"`
	Note        string    `json:"note,omitempty"`
	RecordedBy  string    `json:"recorded_by"`
	At          time.Time `json:"at"`
}

// CommissionRule configures how a cashier earns on each sale.
type CommissionRule struct {
	CashierID string  `json:"cashier_id"`
	Kind      string  `json:"kind"`
	Percent   float64 `json:"percent,omitempty"`
	FlatCents int64   `json:"flat_cents,omitempty"`
}

type Commission struct {
	ID          string    `json:"id"`
	SaleID      string    `json:"sale_id"`
	InvoiceNo   int64     `json:"invoice_no"`
	CashierID   string    `json:"cashier_id"`
	AmountCents int64     `json:"amount_cents"`
	At          time.Time `json:"at"`
}

type PurchaseOrderLine struct {
	ProductID     string `json:"product_id"`
	VariantID     string `json:"variant_id"`
	Qty           int    `json:"qty"`
	UnitCostCents int64  `json:"unit_cost_cents"`
}

type PurchaseOrder struct {
	ID         string              `json:"id"`
	StoreID    string              `json:"store_id"`
	SupplierID string              `json:"supplier_id"`
	Status     string              `json:"status"`
	Lines      []PurchaseOrderLine `json:"lines"`
	CreatedBy  string              `json:"created_by"`
	CreatedAt  time.Time           `json:"created_at"`
	ReceivedBy string              `json:"received_by,omitempty"`
	ReceivedAt *time.Time          `json:"received_at,omitempty"`
}

type StockOpname struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	ProductID   string    `json:"product_id"`
	VariantID   string    `json:"variant_id"`
	PreviousQty int       `json:"previous_qty"`
	CountedQty  int       `json:"counted_qty"`
	Reason      string    `json:"reason"`
	RecordedBy  string    `json:"recorded_by"`
	At          time.Time `json:"at"`
}

type HeldCart struct {
	HoldID    string     `json:"hold_id"`
	StoreID   string     `json:"store_id"`
	Label     string     `json:"label"`
	CashierID string     `json:"cashier_id"`
	Lines     []CartLine `json:"lines"`
	HeldAt    time.Time  `json:"held_at"`
}

// Actor identifies who performs an operation. It is passed explicitly to
// every mutating service call, never smuggled through context.
type Actor struct {
	Username    string `json:"username"`
	Role        string `json:"role"`
	CanDiscount bool   `json:"can_discount"`
	CanRefund   bool   `json:"can_refund"`
}

type UserAccount struct {
	Username     string          `json:"username"`
	Role         string          `json:"role"`
	PasswordHash string          `json:"-"`
	CanDiscount  bool            `json:"can_discount"`
	CanRefund    bool            `json:"can_refund"`
	Commission   *CommissionRule `json:"commission,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type StoreSettings struct {
	StoreID       string  `json:"store_id"`
	Name          string  `json:"name"`
	Address       string  `json:"address,omitempty"`
	TaxPct        float64 `json:"tax_pct"`
	Currency      string  `json:"currency"`
	ReceiptFooter string  `json:"receipt_footer,omitempty"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type PriceHistory struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	VariantID     string    `json:"variant_id"`
	OldPriceCents int64     `json:"old_price_cents"`
	NewPriceCents int64     `json:"new_price_cents"`
	ChangedBy     string    `json:"changed_by"`
	At            time.Time `json:"at"`
}

// Request / response shapes.

type CheckoutLine struct {
	ProductID        string          `json:"product_id"`
	VariantID        string          `json:"variant_id"`
	Qty              int             `json:"qty"`
	CustomPriceCents *int64          `json:"custom_price_cents,omitempty"`
	Discount         *ManualDiscount `json:"discount,omitempty"`
	Note             string          `json:"note,omitempty"`
}

type CheckoutRequest struct {
	StoreID          string           `json:"store_id,omitempty"`
	Lines            []CheckoutLine   `json:"lines"`
	InvoiceDiscount  *InvoiceDiscount `json:"invoice_discount,omitempty"`
	VoucherCode      string           `json:"voucher_code,omitempty"`
	ExtraChargeCents int64            `json:"extra_charge_cents,omitempty"`
	Payments         []Payment        `json:"payments"`
	CashGivenCents   int64            `json:"cash_given_cents,omitempty"`
	CustomerID       string           `json:"customer_id,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
}

type CheckoutResponse struct {
	Sale     Sale     `json:"sale"`
	Warnings []string `json:"warnings,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	CanDiscount bool   `json:"can_discount"`
	CanRefund   bool   `json:"can_refund"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	CanDiscount bool            `json:"can_discount"`
	CanRefund   bool            `json:"can_refund"`
	Commission  *CommissionRule `json:"commission,omitempty"`
}

type ReturnLine struct {
	RefLineID string `json:"ref_line_id"`
	Qty       int    `json:"qty"`
}

type ReturnRequest struct {
	StoreID      string       `json:"store_id,omitempty"`
	RefInvoiceNo int64        `json:"ref_invoice_no"`
	Lines        []ReturnLine `json:"lines"`
	Method       string       `json:"method"`
	Reason       string       `json:"reason,omitempty"`
}

type ShiftOpenRequest struct {
	StoreID      string `json:"store_id,omitempty"`
	OpeningCents int64  `json:"opening_cents"`
}

type ShiftCloseRequest struct {
	CountedCents int64 `json:"counted_cents"`
}

type ShiftReport struct {
	Shift             Shift `json:"shift"`
	CashSalesCents    int64 `json:"cash_sales_cents"`
	CashExpensesCents int64 `json:"cash_expenses_cents"`
	ExpectedCents     int64 `json:"expected_cents"`
	VarianceCents     int64 `json:"variance_cents"`
}

type ProductSales struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	NetCents  int64  `json:"net_cents"`
}

type DailyReport struct {
	From             time.Time        `json:"from"`
	To               time.Time        `json:"to"`
	SaleCount        int              `json:"sale_count"`
	ReturnCount      int              `json:"return_count"`
	GrossCents       int64            `json:"gross_cents"`
	DiscountCents    int64            `json:"discount_cents"`
	NetCents         int64            `json:"net_cents"`
	PaymentBreakdown map[string]int64 `json:"payment_breakdown"`
	TopProducts      []ProductSales   `json:"top_products"`
}

type Anomaly struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Count    int    `json:"count"`
	Message  string `json:"message"`
}
