package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/pricing"
	"lakupos/backend/internal/store"
	"lakupos/backend/internal/xid"
)

// Store is the in-memory repository used for dev mode and tests.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	categories      map[string]domain.Category
	brands          map[string]domain.Brand
	suppliers       map[string]domain.Supplier
	promotions      map[string]domain.Promotion
	vouchers        map[string]domain.Voucher
	customers       map[string]domain.Customer
	shifts          map[string]domain.Shift
	expenses        []domain.Expense
	sales           map[string]domain.Sale
	salesByIdem     map[string]string
	counters        map[string]int64
	purchases       map[string]domain.PurchaseOrder
	opnames         []domain.StockOpname
	heldCarts       map[string]domain.HeldCart
	commissionRules map[string]domain.CommissionRule
	commissions     []domain.Commission
	settings        map[string]domain.StoreSettings
	users           map[string]domain.UserAccount
	auditLogs       []domain.AuditLog
	priceHistory    []domain.PriceHistory

	// CommitFault, when set, runs after CommitSale has staged the stock
	// adjustments and before anything becomes visible. An error aborts the
	// whole commit. Only tests set this.
	CommitFault func() error
}

func New() *Store {
	return &Store{
		products:        map[string]domain.Product{},
		categories:      map[string]domain.Category{},
		brands:          map[string]domain.Brand{},
		suppliers:       map[string]domain.Supplier{},
		promotions:      map[string]domain.Promotion{},
		vouchers:        map[string]domain.Voucher{},
		customers:       map[string]domain.Customer{},
		shifts:          map[string]domain.Shift{},
		sales:           map[string]domain.Sale{},
		salesByIdem:     map[string]string{},
		counters:        map[string]int64{},
		purchases:       map[string]domain.PurchaseOrder{},
		heldCarts:       map[string]domain.HeldCart{},
		commissionRules: map[string]domain.CommissionRule{},
		settings:        map[string]domain.StoreSettings{},
		users:           map[string]domain.UserAccount{},
	}
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev defaults
// are used with a warning when unset. Production deployments run against
// PostgreSQL and bootstrap their own accounts.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username    string
		password    string
		role        string
		canDiscount bool
		canRefund   bool
	}{
		{"admin", adminPwd, domain.RoleAdmin, true, true},
		{"cashier", cashierPwd, domain.RoleCashier, true, false},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			CanDiscount:  u.canDiscount,
			CanRefund:    u.canRefund,
			CreatedAt:    now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store pre-loaded with a small Indonesian minimart
// catalog, one coupon, one gift card, a promotion and two customers.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	grocery := domain.Category{ID: "cat-grocery", Name: "grocery", CreatedAt: now}
	beverage := domain.Category{ID: "cat-beverage", Name: "beverage", CreatedAt: now}
	household := domain.Category{ID: "cat-household", Name: "household", CreatedAt: now}
	for _, c := range []domain.Category{grocery, beverage, household} {
		s.categories[c.ID] = c
	}
	s.suppliers["sup-grosir"] = domain.Supplier{ID: "sup-grosir", Name: "Grosir Makmur", Phone: "0812-1111-2222"}

	seed := []domain.Product{
		{
			ID: "prod-mie", Name: "Mie Goreng Instan", CategoryID: grocery.ID, SupplierID: "sup-grosir", LowStockThreshold: 24,
			Variants: []domain.Variant{
				{ID: "var-mie-1", SKU: "SKU-MIE-01", Barcode: "8991002101", Stock: 120, CostCents: 2700, PriceCents: 3500},
			},
		},
		{
			ID: "prod-telur", Name: "Telur 10 Butir", CategoryID: grocery.ID, SupplierID: "sup-grosir", LowStockThreshold: 10,
			Variants: []domain.Variant{
				{ID: "var-telur-1", SKU: "SKU-TELUR-01", Barcode: "8991002102", Stock: 40, CostCents: 23000, PriceCents: 26500},
			},
		},
		{
			ID: "prod-kopi", Name: "Kopi Sachet", CategoryID: beverage.ID, LowStockThreshold: 48,
			Variants: []domain.Variant{
				{ID: "var-kopi-1", SKU: "SKU-KOPI-01", Attributes: map[string]string{"rasa": "original"}, Stock: 200, CostCents: 1700, PriceCents: 2600},
				{ID: "var-kopi-2", SKU: "SKU-KOPI-02", Attributes: map[string]string{"rasa": "mocca"}, Stock: 160, CostCents: 1800, PriceCents: 2800},
			},
		},
		{
			ID: "prod-air", Name: "Air Mineral 600ml", CategoryID: beverage.ID, LowStockThreshold: 24,
			Variants: []domain.Variant{
				{ID: "var-air-1", SKU: "SKU-AIR-01", Barcode: "8991002104", Stock: 150, CostCents: 3200, PriceCents: 3900},
			},
		},
		{
			ID: "prod-sabun", Name: "Sabun Mandi", CategoryID: household.ID, LowStockThreshold: 12,
			Variants: []domain.Variant{
				{ID: "var-sabun-1", SKU: "SKU-SABUN-01", Attributes: map[string]string{"ukuran": "80g"}, Stock: 80, CostCents: 5000, PriceCents: 7400},
				{ID: "var-sabun-2", SKU: "SKU-SABUN-02", Attributes: map[string]string{"ukuran": "150g"}, Stock: 60, CostCents: 8800, PriceCents: 12500},
			},
		},
	}
	for i := range seed {
		p := seed[i]
		p.CreatedAt = now
		p.UpdatedAt = now
		for j := range p.Variants {
			v := &p.Variants[j]
			v.MarginPct = pricing.MarginFromPrice(v.CostCents, v.PriceCents)
		}
		s.products[p.ID] = p
	}

	s.promotions["promo-kopi"] = domain.Promotion{
		ID: "promo-kopi", Name: "Kopi pagi", ProductID: "prod-kopi", VariantID: "var-kopi-1",
		DiscountCents: 300, StartAt: now.Add(-24 * time.Hour), EndAt: now.Add(14 * 24 * time.Hour), CreatedAt: now.Add(-24 * time.Hour),
	}
	s.vouchers["vc-hemat"] = domain.Voucher{
		ID: "vc-hemat", Code: "HEMAT10", Kind: domain.VoucherCoupon,
		DiscountType: domain.DiscountPercent, ValuePct: 10, MaxUses: 100, CreatedAt: now,
	}
	s.vouchers["vc-gift"] = domain.Voucher{
		ID: "vc-gift", Code: "GC-0001", Kind: domain.VoucherGiftCard, BalanceCents: 1500, CreatedAt: now,
	}
	s.customers["cust-budi"] = domain.Customer{ID: "cust-budi", Name: "Budi Santoso", Phone: "0813-9999-0001", DueCents: 3000, CreatedAt: now}
	s.customers["cust-sari"] = domain.Customer{ID: "cust-sari", Name: "Sari Dewi", Phone: "0813-9999-0002", CreatedAt: now}

	s.settings["main-store"] = domain.StoreSettings{
		StoreID: "main-store", Name: "LakuPOS Minimarket", Address: "Jl. Melati No. 3", TaxPct: 0, Currency: "IDR",
		ReceiptFooter: "Terima kasih, selamat datang kembali",
	}
	s.users = seedUsers()
	return s
}

// Products

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, copyProduct(p))
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyProduct(p)
	return &cp, nil
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	if _, exists := s.products[p.ID]; exists {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range p.Variants {
		if p.Variants[i].ID == "" {
			p.Variants[i].ID = xid.New("var")
		}
	}
	s.products[p.ID] = copyProduct(p)
	cp := copyProduct(p)
	return &cp, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.products[p.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	for i := range p.Variants {
		if p.Variants[i].ID == "" {
			p.Variants[i].ID = xid.New("var")
		}
	}
	s.products[p.ID] = copyProduct(p)
	cp := copyProduct(p)
	return &cp, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

// FindVariant matches a barcode first, then a SKU.
func (s *Store) FindVariant(ctx context.Context, code string) (*domain.Product, *domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		for _, v := range p.Variants {
			if (v.Barcode != "" && v.Barcode == code) || (v.SKU != "" && v.SKU == code) {
				cp := copyProduct(p)
				cv := copyVariant(v)
				return &cp, &cv, nil
			}
		}
	}
	return nil, nil, store.ErrNotFound
}

func (s *Store) VariantStock(ctx context.Context, productID, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	for _, v := range p.Variants {
		if v.ID == variantID {
			return v.Stock, nil
		}
	}
	return 0, store.ErrNotFound
}

func (s *Store) SetVariantStock(ctx context.Context, productID, variantID string, qty int) (int, error) {
	if qty < 0 {
		return 0, fmt.Errorf("%w: stock must not be negative", store.ErrInvalidSale)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	for i := range p.Variants {
		if p.Variants[i].ID == variantID {
			prev := p.Variants[i].Stock
			p.Variants[i].Stock = qty
			p.UpdatedAt = time.Now().UTC()
			s.products[productID] = p
			return prev, nil
		}
	}
	return 0, store.ErrNotFound
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Product
	for _, p := range s.products {
		for _, v := range p.Variants {
			if v.Stock <= p.LowStockThreshold {
				out = append(out, copyProduct(p))
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.PriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	s.priceHistory = append(s.priceHistory, entry)
	return nil
}

func (s *Store) ListPriceHistory(ctx context.Context, variantID string, limit int) ([]domain.PriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PriceHistory
	for i := len(s.priceHistory) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.priceHistory[i].VariantID == variantID {
			out = append(out, s.priceHistory[i])
		}
	}
	return out, nil
}

// Categories, brands, suppliers

func (s *Store) CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = xid.New("cat")
	}
	c.CreatedAt = time.Now().UTC()
	s.categories[c.ID] = c
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Category) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) CreateBrand(ctx context.Context, b domain.Brand) (*domain.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = xid.New("brand")
	}
	s.brands[b.ID] = b
	return &b, nil
}

func (s *Store) ListBrands(ctx context.Context) ([]domain.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Brand, 0, len(s.brands))
	for _, b := range s.brands {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Brand) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) CreateSupplier(ctx context.Context, sup domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sup.ID == "" {
		sup.ID = xid.New("sup")
	}
	s.suppliers[sup.ID] = sup
	return &sup, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		out = append(out, sup)
	}
	slices.SortFunc(out, func(a, b domain.Supplier) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Promotions

func (s *Store) CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = xid.New("promo")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.promotions[p.ID] = p
	return &p, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Promotion) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) ListActivePromotions(ctx context.Context, now time.Time) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Promotion
	for _, p := range s.promotions {
		if p.ActiveAt(now) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b domain.Promotion) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) DeletePromotion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.promotions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.promotions, id)
	return nil
}

// Vouchers

func (s *Store) CreateVoucher(ctx context.Context, v domain.Voucher) (*domain.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.vouchers {
		if strings.EqualFold(existing.Code, v.Code) {
			return nil, store.ErrConflict
		}
	}
	if v.ID == "" {
		v.ID = xid.New("vc")
	}
	v.CreatedAt = time.Now().UTC()
	s.vouchers[v.ID] = v
	return &v, nil
}

func (s *Store) ListVouchers(ctx context.Context) ([]domain.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Voucher, 0, len(s.vouchers))
	for _, v := range s.vouchers {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b domain.Voucher) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vouchers {
		if strings.EqualFold(v.Code, code) {
			cp := v
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// Customers

func (s *Store) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = xid.New("cust")
	}
	c.CreatedAt = time.Now().UTC()
	s.customers[c.ID] = c
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Customer) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (s *Store) RecordCustomerPayment(ctx context.Context, id string, amountCents int64, at time.Time) (*domain.Customer, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidSale)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if amountCents > c.DueCents {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrInvalidSale)
	}
	c.DueCents -= amountCents
	s.customers[id] = c
	cp := c
	return &cp, nil
}

// Shifts and expenses

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.shifts {
		if existing.StoreID == shift.StoreID && existing.CashierID == shift.CashierID && existing.Status == domain.ShiftStatusOpen {
			return nil, fmt.Errorf("%w: shift already open", store.ErrConflict)
		}
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	shift.Status = domain.ShiftStatusOpen
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	s.shifts[shift.ID] = shift
	cp := shift
	return &cp, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, countedCents int64, closedAt time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shift, ok := s.shifts[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: shift already closed", store.ErrConflict)
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &closedAt
	shift.CountedCents = countedCents
	shift.ExpectedCents = s.expectedCashLocked(shift)
	s.shifts[shiftID] = shift
	cp := shift
	return &cp, nil
}

func (s *Store) GetOpenShift(ctx context.Context, storeID, cashierID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, shift := range s.shifts {
		if shift.StoreID == storeID && shift.CashierID == cashierID && shift.Status == domain.ShiftStatusOpen {
			cp := shift
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shift, ok := s.shifts[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := shift
	return &cp, nil
}

func (s *Store) CreateExpense(ctx context.Context, e domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = xid.New("exp")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.expenses = append(s.expenses, e)
	cp := e
	return &cp, nil
}

func (s *Store) ListExpenses(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Expense
	for i := len(s.expenses) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.expenses[i]
		if e.StoreID != storeID || e.At.Before(from) || e.At.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetShiftReport(ctx context.Context, shiftID string) (*domain.ShiftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shift, ok := s.shifts[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	report := domain.ShiftReport{Shift: shift}
	report.CashSalesCents = s.cashSalesLocked(shift)
	report.CashExpensesCents = s.cashExpensesLocked(shift)
	report.ExpectedCents = shift.OpeningCents + report.CashSalesCents - report.CashExpensesCents
	if shift.Status == domain.ShiftStatusClosed {
		report.VarianceCents = shift.CountedCents - report.ExpectedCents
	}
	return &report, nil
}

func (s *Store) cashSalesLocked(shift domain.Shift) int64 {
	var total int64
	for _, sale := range s.sales {
		if sale.ShiftID != shift.ID {
			continue
		}
		for _, p := range sale.Payments {
			if p.Method == domain.PaymentCash {
				total += p.AmountCents
			}
		}
		total -= sale.ChangeCents
	}
	return total
}

func (s *Store) cashExpensesLocked(shift domain.Shift) int64 {
	var total int64
	for _, e := range s.expenses {
		if e.ShiftID == shift.ID {
			total += e.AmountCents
		}
	}
	return total
}

func (s *Store) expectedCashLocked(shift domain.Shift) int64 {
	return shift.OpeningCents + s.cashSalesLocked(shift) - s.cashExpensesLocked(shift)
}

// Sales

// CommitSale stages every write first and publishes them together at the
// end, so a failure anywhere leaves no partial effects.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if id, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			existing := copySale(s.sales[id])
			return &existing, nil
		}
	}
	if len(sale.Lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", store.ErrInvalidSale)
	}

	// Step 1: read the invoice counter.
	counter := s.counters[sale.StoreID]
	if counter == 0 {
		counter = 1
	}

	// Step 2: stage the sale record with deep-copied lines.
	staged := copySale(sale)
	if staged.ID == "" {
		staged.ID = xid.New("sale")
	}
	if staged.At.IsZero() {
		staged.At = time.Now().UTC()
	}
	staged.InvoiceNo = counter

	// Step 3: stage the customer due update, capturing the prior balance.
	var stagedCustomer *domain.Customer
	if sale.DueCents > 0 && sale.CustomerID != "" {
		cust, ok := s.customers[sale.CustomerID]
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, sale.CustomerID)
		}
		staged.PreviousDueCents = cust.DueCents
		cust.DueCents += sale.DueCents
		stagedCustomer = &cust
	}

	// Step 4: stage stock adjustments with the final availability check.
	stagedProducts := map[string]domain.Product{}
	for _, line := range staged.Lines {
		p, ok := stagedProducts[line.ProductID]
		if !ok {
			orig, exists := s.products[line.ProductID]
			if !exists {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
			}
			p = copyProduct(orig)
		}
		found := false
		for i := range p.Variants {
			v := &p.Variants[i]
			if v.ID != line.VariantID {
				continue
			}
			found = true
			next := v.Stock - line.Qty
			if line.Qty > 0 && next < 0 {
				return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, line.Name)
			}
			v.Stock = next
		}
		if !found {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		p.UpdatedAt = staged.At
		stagedProducts[line.ProductID] = p
	}

	if s.CommitFault != nil {
		if err := s.CommitFault(); err != nil {
			return nil, err
		}
	}

	// Step 5: stage voucher usage and gift card balance.
	var stagedVoucher *domain.Voucher
	if staged.VoucherID != "" {
		v, ok := s.vouchers[staged.VoucherID]
		if !ok {
			return nil, fmt.Errorf("%w: voucher %s", store.ErrNotFound, staged.VoucherID)
		}
		v.UsedCount++
		if v.Kind == domain.VoucherGiftCard {
			tendered := store.GiftCardTendered(staged)
			if tendered > v.BalanceCents {
				return nil, fmt.Errorf("%w: gift card balance too low", store.ErrInvalidSale)
			}
			v.BalanceCents -= tendered
		}
		stagedVoucher = &v
	}

	// Step 7: stage the commission row (counter bump is step 6, applied below).
	var stagedCommission *domain.Commission
	if rule, ok := s.commissionRules[staged.CashierID]; ok {
		staged.CommissionCents = store.CommissionFor(rule, staged)
		stagedCommission = &domain.Commission{
			ID:          xid.New("comm"),
			SaleID:      staged.ID,
			InvoiceNo:   staged.InvoiceNo,
			CashierID:   staged.CashierID,
			AmountCents: staged.CommissionCents,
			At:          staged.At,
		}
	}

	// Publish.
	s.sales[staged.ID] = copySale(staged)
	if staged.IdempotencyKey != "" {
		s.salesByIdem[staged.IdempotencyKey] = staged.ID
	}
	if stagedCustomer != nil {
		s.customers[stagedCustomer.ID] = *stagedCustomer
	}
	for id, p := range stagedProducts {
		s.products[id] = p
	}
	if stagedVoucher != nil {
		s.vouchers[stagedVoucher.ID] = *stagedVoucher
	}
	s.counters[sale.StoreID] = counter + 1
	if stagedCommission != nil {
		s.commissions = append(s.commissions, *stagedCommission)
	}

	out := copySale(staged)
	return &out, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := copySale(s.sales[id])
	return &sale, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, storeID string, invoiceNo int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sale := range s.sales {
		if sale.StoreID == storeID && sale.InvoiceNo == invoiceNo {
			cp := copySale(sale)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSales(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Sale
	for _, sale := range s.sales {
		if sale.StoreID != storeID || sale.At.Before(from) || sale.At.After(to) {
			continue
		}
		out = append(out, copySale(sale))
	}
	slices.SortFunc(out, func(a, b domain.Sale) int { return b.At.Compare(a.At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetReturnedQtyByInvoice(ctx context.Context, storeID string, invoiceNo int64) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{}
	for _, sale := range s.sales {
		if sale.StoreID != storeID || sale.RefInvoiceNo != invoiceNo {
			continue
		}
		for _, line := range sale.Lines {
			if line.Qty < 0 && line.RefLineID != "" {
				out[line.RefLineID] += -line.Qty
			}
		}
	}
	return out, nil
}

func (s *Store) NextInvoiceNo(ctx context.Context, storeID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter := s.counters[storeID]
	if counter == 0 {
		counter = 1
	}
	return counter, nil
}

// Purchasing

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if po.ID == "" {
		po.ID = xid.New("po")
	}
	po.Status = domain.PurchaseStatusDraft
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	s.purchases[po.ID] = copyPurchaseOrder(po)
	cp := copyPurchaseOrder(po)
	return &cp, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.purchases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyPurchaseOrder(po)
	return &cp, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, storeID, status string, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PurchaseOrder
	for _, po := range s.purchases {
		if po.StoreID != storeID {
			continue
		}
		if status != "" && po.Status != status {
			continue
		}
		out = append(out, copyPurchaseOrder(po))
	}
	slices.SortFunc(out, func(a, b domain.PurchaseOrder) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReceivePurchaseOrder adds stock per line and re-averages each variant's
// cost with the received unit cost (weighted moving average).
func (s *Store) ReceivePurchaseOrder(ctx context.Context, id, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	po, ok := s.purchases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if po.Status != domain.PurchaseStatusDraft {
		return nil, fmt.Errorf("%w: purchase order already received", store.ErrConflict)
	}

	stagedProducts := map[string]domain.Product{}
	for _, line := range po.Lines {
		p, ok := stagedProducts[line.ProductID]
		if !ok {
			orig, exists := s.products[line.ProductID]
			if !exists {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
			}
			p = copyProduct(orig)
		}
		found := false
		for i := range p.Variants {
			v := &p.Variants[i]
			if v.ID != line.VariantID {
				continue
			}
			found = true
			v.CostCents = weightedCostCents(v.Stock, v.CostCents, line.Qty, line.UnitCostCents)
			v.Stock += line.Qty
			v.MarginPct = pricing.MarginFromPrice(v.CostCents, v.PriceCents)
		}
		if !found {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		p.UpdatedAt = receivedAt
		stagedProducts[line.ProductID] = p
	}

	po.Status = domain.PurchaseStatusReceived
	po.ReceivedBy = receivedBy
	po.ReceivedAt = &receivedAt
	for id, p := range stagedProducts {
		s.products[id] = p
	}
	s.purchases[po.ID] = copyPurchaseOrder(po)
	cp := copyPurchaseOrder(po)
	return &cp, nil
}

func weightedCostCents(oldQty int, oldCost int64, addQty int, addCost int64) int64 {
	if oldQty < 0 {
		oldQty = 0
	}
	total := oldQty + addQty
	if total <= 0 {
		return addCost
	}
	return (int64(oldQty)*oldCost + int64(addQty)*addCost) / int64(total)
}

// Stock opname

func (s *Store) CreateStockOpname(ctx context.Context, o domain.StockOpname) (*domain.StockOpname, error) {
	if o.CountedQty < 0 {
		return nil, fmt.Errorf("%w: counted quantity must not be negative", store.ErrInvalidSale)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[o.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := false
	for i := range p.Variants {
		if p.Variants[i].ID == o.VariantID {
			o.PreviousQty = p.Variants[i].Stock
			p.Variants[i].Stock = o.CountedQty
			found = true
		}
	}
	if !found {
		return nil, store.ErrNotFound
	}
	if o.ID == "" {
		o.ID = xid.New("opn")
	}
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	p.UpdatedAt = o.At
	s.products[o.ProductID] = p
	s.opnames = append(s.opnames, o)
	cp := o
	return &cp, nil
}

func (s *Store) ListStockOpnames(ctx context.Context, storeID string, limit int) ([]domain.StockOpname, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StockOpname
	for i := len(s.opnames) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.opnames[i].StoreID == storeID {
			out = append(out, s.opnames[i])
		}
	}
	return out, nil
}

// Held carts

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held.HoldID == "" {
		held.HoldID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	s.heldCarts[held.HoldID] = copyHeldCart(held)
	cp := copyHeldCart(held)
	return &cp, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, storeID string, limit int) ([]domain.HeldCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.HeldCart
	for _, h := range s.heldCarts {
		if h.StoreID == storeID {
			out = append(out, copyHeldCart(h))
		}
	}
	slices.SortFunc(out, func(a, b domain.HeldCart) int { return b.HeldAt.Compare(a.HeldAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heldCarts[holdID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.heldCarts, holdID)
	cp := copyHeldCart(h)
	return &cp, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.heldCarts[holdID]; !ok {
		return store.ErrNotFound
	}
	delete(s.heldCarts, holdID)
	return nil
}

// Commissions

func (s *Store) UpsertCommissionRule(ctx context.Context, rule domain.CommissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissionRules[rule.CashierID] = rule
	return nil
}

func (s *Store) GetCommissionRule(ctx context.Context, cashierID string) (*domain.CommissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.commissionRules[cashierID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := rule
	return &cp, nil
}

func (s *Store) ListCommissions(ctx context.Context, cashierID string, from, to time.Time, limit int) ([]domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Commission
	for i := len(s.commissions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c := s.commissions[i]
		if c.CashierID != cashierID || c.At.Before(from) || c.At.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Reports

func (s *Store) GetDailyReport(ctx context.Context, storeID string, from, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{From: from, To: to, PaymentBreakdown: map[string]int64{}}
	perVariant := map[string]*domain.ProductSales{}
	for _, sale := range s.sales {
		if sale.StoreID != storeID || sale.At.Before(from) || sale.At.After(to) {
			continue
		}
		if sale.RefInvoiceNo > 0 || sale.GrandTotalCents < 0 {
			report.ReturnCount++
		} else {
			report.SaleCount++
			report.GrossCents += sale.ItemsTotalCents
			report.DiscountCents += sale.InvoiceDiscountCents + sale.VoucherDiscountCents
		}
		report.NetCents += sale.GrandTotalCents
		for _, p := range sale.Payments {
			report.PaymentBreakdown[p.Method] += p.AmountCents
		}
		for _, line := range sale.Lines {
			agg, ok := perVariant[line.VariantID]
			if !ok {
				agg = &domain.ProductSales{ProductID: line.ProductID, VariantID: line.VariantID, Name: line.Name}
				perVariant[line.VariantID] = agg
			}
			agg.Qty += line.Qty
			agg.NetCents += line.EffectivePriceCents * int64(line.Qty)
		}
	}
	for _, agg := range perVariant {
		report.TopProducts = append(report.TopProducts, *agg)
	}
	slices.SortFunc(report.TopProducts, func(a, b domain.ProductSales) int { return b.Qty - a.Qty })
	if len(report.TopProducts) > 5 {
		report.TopProducts = report.TopProducts[:5]
	}
	return report, nil
}

// Settings

func (s *Store) GetSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.settings[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cfg
	return &cp, nil
}

func (s *Store) UpdateSettings(ctx context.Context, cfg domain.StoreSettings) (*domain.StoreSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[cfg.StoreID] = cfg
	cp := cfg
	return &cp, nil
}

// Users

func (s *Store) CreateUser(ctx context.Context, u domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Username]; exists {
		return store.ErrConflict
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.Username] = u
	if u.Commission != nil {
		rule := *u.Commission
		rule.CashierID = u.Username
		s.commissionRules[u.Username] = rule
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := u
	if u.Commission != nil {
		rule := *u.Commission
		cp.Commission = &rule
	}
	return &cp, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return out, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	s.users[username] = u
	return nil
}

// Audit

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditLog
	for i := len(s.auditLogs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		entry := s.auditLogs[i]
		if entry.StoreID != storeID || entry.At.Before(from) || entry.At.After(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Copy helpers keep callers from mutating store state through returned values.

func copyVariant(v domain.Variant) domain.Variant {
	if v.Attributes != nil {
		attrs := make(map[string]string, len(v.Attributes))
		for k, val := range v.Attributes {
			attrs[k] = val
		}
		v.Attributes = attrs
	}
	return v
}

func copyProduct(p domain.Product) domain.Product {
	variants := make([]domain.Variant, len(p.Variants))
	for i, v := range p.Variants {
		variants[i] = copyVariant(v)
	}
	p.Variants = variants
	return p
}

func copyLines(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, len(lines))
	for i, l := range lines {
		if l.Discount != nil {
			d := *l.Discount
			l.Discount = &d
		}
		out[i] = l
	}
	return out
}

func copySale(sale domain.Sale) domain.Sale {
	sale.Lines = copyLines(sale.Lines)
	payments := make([]domain.Payment, len(sale.Payments))
	copy(payments, sale.Payments)
	sale.Payments = payments
	return sale
}

func copyPurchaseOrder(po domain.PurchaseOrder) domain.PurchaseOrder {
	lines := make([]domain.PurchaseOrderLine, len(po.Lines))
	copy(lines, po.Lines)
	po.Lines = lines
	if po.ReceivedAt != nil {
		at := *po.ReceivedAt
		po.ReceivedAt = &at
	}
	return po
}

func copyHeldCart(h domain.HeldCart) domain.HeldCart {
	h.Lines = copyLines(h.Lines)
	return h
}
