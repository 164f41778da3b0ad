package store

import (
	"context"
	"errors"
	"time"

	"lakupos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrConflict          = errors.New("conflict")
)

// Repository is the persistence contract. CommitSale is the single atomic
// unit behind checkout: every write it performs lands together or not at all.
type Repository interface {
	// Products and variants. Variant ids are stable join keys.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	FindVariant(ctx context.Context, code string) (*domain.Product, *domain.Variant, error)
	VariantStock(ctx context.Context, productID, variantID string) (int, error)
	SetVariantStock(ctx context.Context, productID, variantID string, qty int) (int, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
	CreatePriceHistory(ctx context.Context, entry domain.PriceHistory) error
	ListPriceHistory(ctx context.Context, variantID string, limit int) ([]domain.PriceHistory, error)

	CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateBrand(ctx context.Context, b domain.Brand) (*domain.Brand, error)
	ListBrands(ctx context.Context) ([]domain.Brand, error)
	CreateSupplier(ctx context.Context, s domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error)
	ListPromotions(ctx context.Context) ([]domain.Promotion, error)
	ListActivePromotions(ctx context.Context, now time.Time) ([]domain.Promotion, error)
	DeletePromotion(ctx context.Context, id string) error

	CreateVoucher(ctx context.Context, v domain.Voucher) (*domain.Voucher, error)
	ListVouchers(ctx context.Context) ([]domain.Voucher, error)
	GetVoucherByCode(ctx context.Context, code string) (*domain.Voucher, error)

	CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	RecordCustomerPayment(ctx context.Context, id string, amountCents int64, at time.Time) (*domain.Customer, error)

	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, countedCents int64, closedAt time.Time) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, storeID, cashierID string) (*domain.Shift, error)
	GetShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	CreateExpense(ctx context.Context, e domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Expense, error)
	GetShiftReport(ctx context.Context, shiftID string) (*domain.ShiftReport, error)

	// Sales. CommitSale executes the ordered commit steps: invoice counter
	// read, sale insert, customer due update, per-line stock adjustment with
	// final availability check, voucher usage and gift card balance update,
	// counter increment, commission insert.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	GetSaleByInvoice(ctx context.Context, storeID string, invoiceNo int64) (*domain.Sale, error)
	ListSales(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error)
	GetReturnedQtyByInvoice(ctx context.Context, storeID string, invoiceNo int64) (map[string]int, error)
	NextInvoiceNo(ctx context.Context, storeID string) (int64, error)

	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, storeID, status string, limit int) ([]domain.PurchaseOrder, error)
	ReceivePurchaseOrder(ctx context.Context, id, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error)

	CreateStockOpname(ctx context.Context, o domain.StockOpname) (*domain.StockOpname, error)
	ListStockOpnames(ctx context.Context, storeID string, limit int) ([]domain.StockOpname, error)

	CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error)
	ListHeldCarts(ctx context.Context, storeID string, limit int) ([]domain.HeldCart, error)
	PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error)
	DeleteHeldCart(ctx context.Context, holdID string) error

	UpsertCommissionRule(ctx context.Context, rule domain.CommissionRule) error
	GetCommissionRule(ctx context.Context, cashierID string) (*domain.CommissionRule, error)
	ListCommissions(ctx context.Context, cashierID string, from, to time.Time, limit int) ([]domain.Commission, error)

	GetDailyReport(ctx context.Context, storeID string, from, to time.Time) (domain.DailyReport, error)

	GetSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	UpdateSettings(ctx context.Context, s domain.StoreSettings) (*domain.StoreSettings, error)

	CreateUser(ctx context.Context, u domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username, passwordHash string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error)
}
