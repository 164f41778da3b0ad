package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lakupos/backend/internal/domain"
	"lakupos/backend/internal/store"
)

// Shifts and expenses

func (s *Service) OpenShift(ctx context.Context, actor domain.Actor, req domain.ShiftOpenRequest) (*domain.Shift, error) {
	if req.OpeningCents < 0 {
		return nil, fmt.Errorf("%w: opening float must not be negative", ErrValidation)
	}
	shift := domain.Shift{
		StoreID:      s.storeID(req.StoreID),
		CashierID:    actor.Username,
		OpeningCents: req.OpeningCents,
	}
	opened, err := s.repo.OpenShift(ctx, shift)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: a shift is already open", store.ErrConflict)
		}
		return nil, err
	}
	s.logAudit(ctx, actor, shift.StoreID, "shift_open", "shift", opened.ID,
		fmt.Sprintf("opening=%d", req.OpeningCents))
	return opened, nil
}

func (s *Service) CloseShift(ctx context.Context, actor domain.Actor, req domain.ShiftCloseRequest) (*domain.ShiftReport, error) {
	shift, err := s.repo.GetOpenShift(ctx, s.defaultStoreID, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no open shift", ErrValidation)
		}
		return nil, err
	}
	closed, err := s.repo.CloseShift(ctx, shift.ID, req.CountedCents, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, closed.StoreID, "shift_close", "shift", closed.ID,
		fmt.Sprintf("expected=%d,counted=%d,variance=%d",
			closed.ExpectedCents, closed.CountedCents, closed.CountedCents-closed.ExpectedCents))
	return s.repo.GetShiftReport(ctx, closed.ID)
}

func (s *Service) ActiveShift(ctx context.Context, actor domain.Actor, storeID string) (*domain.Shift, error) {
	return s.repo.GetOpenShift(ctx, s.storeID(storeID), actor.Username)
}

func (s *Service) ShiftReport(ctx context.Context, shiftID string) (*domain.ShiftReport, error) {
	return s.repo.GetShiftReport(ctx, shiftID)
}

// CreateExpense records a cash outflow and pins it to the cashier's open
// shift so the drawer expectation stays honest.
func (s *Service) CreateExpense(ctx context.Context, actor domain.Actor, e domain.Expense) (*domain.Expense, error) {
	e.StoreID = s.storeID(e.StoreID)
	e.Category = strings.TrimSpace(e.Category)
	if e.Category == "" {
		return nil, fmt.Errorf("%w: expense needs a category", ErrValidation)
	}
	if e.AmountCents < 1 {
		return nil, fmt.Errorf("%w: expense must be positive", ErrValidation)
	}
	e.RecordedBy = actor.Username
	if e.ShiftID == "" {
		if shift, err := s.repo.GetOpenShift(ctx, e.StoreID, actor.Username); err == nil {
			e.ShiftID = shift.ID
		}
	}
	created, err := s.repo.CreateExpense(ctx, e)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, e.StoreID, "expense_create", "expense", created.ID,
		fmt.Sprintf("category=%s,amount=%d", created.Category, created.AmountCents))
	return created, nil
}

func (s *Service) ListExpenses(ctx context.Context, storeID, date string, limit int) ([]domain.Expense, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, s.storeID(storeID), from, to, limit)
}

// Purchasing

func (s *Service) CreatePurchaseOrder(ctx context.Context, actor domain.Actor, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	po.StoreID = s.storeID(po.StoreID)
	if po.SupplierID == "" || len(po.Lines) == 0 {
		return nil, fmt.Errorf("%w: purchase order needs a supplier and lines", ErrValidation)
	}
	for _, line := range po.Lines {
		if line.Qty < 1 || line.UnitCostCents < 0 {
			return nil, fmt.Errorf("%w: purchase lines need positive quantities", ErrValidation)
		}
	}
	po.CreatedBy = actor.Username
	created, err := s.repo.CreatePurchaseOrder(ctx, po)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, po.StoreID, "purchase_create", "purchase_order", created.ID,
		fmt.Sprintf("supplier=%s,lines=%d", created.SupplierID, len(created.Lines)))
	return created, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, storeID, status string, limit int) ([]domain.PurchaseOrder, error) {
	return s.repo.ListPurchaseOrders(ctx, s.storeID(storeID), status, limit)
}

func (s *Service) ReceivePurchaseOrder(ctx context.Context, actor domain.Actor, id string) (*domain.PurchaseOrder, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	received, err := s.repo.ReceivePurchaseOrder(ctx, id, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, received.StoreID, "purchase_receive", "purchase_order", id, "")
	return received, nil
}

// Stock opname

func (s *Service) RecordStockOpname(ctx context.Context, actor domain.Actor, o domain.StockOpname) (*domain.StockOpname, error) {
	o.StoreID = s.storeID(o.StoreID)
	o.Reason = strings.TrimSpace(o.Reason)
	if o.Reason == "" {
		return nil, fmt.Errorf("%w: opname needs a reason", ErrValidation)
	}
	if o.CountedQty < 0 {
		return nil, fmt.Errorf("%w: counted quantity must not be negative", ErrValidation)
	}
	o.RecordedBy = actor.Username
	created, err := s.repo.CreateStockOpname(ctx, o)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, o.StoreID, "stock_opname", "variant", o.VariantID,
		fmt.Sprintf("previous=%d,counted=%d,reason=%s", created.PreviousQty, created.CountedQty, created.Reason))
	return created, nil
}

func (s *Service) ListStockOpnames(ctx context.Context, storeID string, limit int) ([]domain.StockOpname, error) {
	return s.repo.ListStockOpnames(ctx, s.storeID(storeID), limit)
}

// Held carts

func (s *Service) HoldCart(ctx context.Context, actor domain.Actor, held domain.HeldCart) (*domain.HeldCart, error) {
	held.StoreID = s.storeID(held.StoreID)
	if len(held.Lines) == 0 {
		return nil, fmt.Errorf("%w: nothing to hold", ErrValidation)
	}
	if held.Label == "" {
		held.Label = fmt.Sprintf("held %s", time.Now().UTC().Format("15:04"))
	}
	held.CashierID = actor.Username
	return s.repo.CreateHeldCart(ctx, held)
}

func (s *Service) ListHeldCarts(ctx context.Context, storeID string, limit int) ([]domain.HeldCart, error) {
	return s.repo.ListHeldCarts(ctx, s.storeID(storeID), limit)
}

func (s *Service) ResumeHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	return s.repo.PopHeldCart(ctx, holdID)
}

func (s *Service) DiscardHeldCart(ctx context.Context, holdID string) error {
	return s.repo.DeleteHeldCart(ctx, holdID)
}

// Commissions

func (s *Service) SetCommissionRule(ctx context.Context, actor domain.Actor, rule domain.CommissionRule) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	switch rule.Kind {
	case domain.CommissionPercentTotal, domain.CommissionPercentPerItem:
		if rule.Percent <= 0 || rule.Percent > 100 {
			return fmt.Errorf("%w: commission percentage must be in (0,100]", ErrValidation)
		}
	case domain.CommissionFlatPerSale:
		if rule.FlatCents < 1 {
			return fmt.Errorf("%w: flat commission must be positive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown commission kind %q", ErrValidation, rule.Kind)
	}
	if err := s.repo.UpsertCommissionRule(ctx, rule); err != nil {
		return err
	}
	s.logAudit(ctx, actor, s.defaultStoreID, "commission_rule_set", "cashier", rule.CashierID,
		fmt.Sprintf("kind=%s", rule.Kind))
	return nil
}

func (s *Service) ListCommissions(ctx context.Context, cashierID, date string, limit int) ([]domain.Commission, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCommissions(ctx, cashierID, from, to, limit)
}

// Reports

func (s *Service) DailyReport(ctx context.Context, storeID, date string) (domain.DailyReport, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	return s.repo.GetDailyReport(ctx, s.storeID(storeID), from, to)
}

// Settings

func (s *Service) GetSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	return s.repo.GetSettings(ctx, s.storeID(storeID))
}

func (s *Service) UpdateSettings(ctx context.Context, actor domain.Actor, cfg domain.StoreSettings) (*domain.StoreSettings, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	cfg.StoreID = s.storeID(cfg.StoreID)
	if cfg.TaxPct < 0 || cfg.TaxPct > 100 {
		return nil, fmt.Errorf("%w: tax percentage must be in [0,100]", ErrValidation)
	}
	updated, err := s.repo.UpdateSettings(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, actor, cfg.StoreID, "settings_update", "settings", cfg.StoreID, "")
	return updated, nil
}

// Audit

func (s *Service) ListAuditLogs(ctx context.Context, storeID, date string, limit int) ([]domain.AuditLog, error) {
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, s.storeID(storeID), from, to, limit)
}

// Anomaly thresholds per day. Counts above the high mark escalate severity.
const (
	returnAnomalyThreshold   = 3
	discountAnomalyThreshold = 5
	opnameAnomalyThreshold   = 3
)

// DetectAnomalies scans one day's trading for patterns worth a manager's
// look: return spikes, heavy manual discounting, and frequent stock
// corrections.
func (s *Service) DetectAnomalies(ctx context.Context, storeID, date string) ([]domain.Anomaly, error) {
	storeID = s.storeID(storeID)
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx, storeID, from, to, 0)
	if err != nil {
		return nil, err
	}

	var returns, discounted int
	for _, sale := range sales {
		if sale.RefInvoiceNo > 0 {
			returns++
			continue
		}
		if sale.InvoiceDiscountCents > 0 {
			discounted++
			continue
		}
		for _, line := range sale.Lines {
			if line.Custom {
				discounted++
				break
			}
		}
	}

	opnames, err := s.repo.ListStockOpnames(ctx, storeID, 0)
	if err != nil {
		return nil, err
	}
	var opnamesToday int
	for _, o := range opnames {
		if !o.At.Before(from) && !o.At.After(to) {
			opnamesToday++
		}
	}

	anomalies := make([]domain.Anomaly, 0, 3)
	if returns >= returnAnomalyThreshold {
		anomalies = append(anomalies, domain.Anomaly{
			Type:     "return_spike",
			Severity: severityFor(returns, returnAnomalyThreshold),
			Count:    returns,
			Message:  fmt.Sprintf("%d returns processed today", returns),
		})
	}
	if discounted >= discountAnomalyThreshold {
		anomalies = append(anomalies, domain.Anomaly{
			Type:     "discount_spike",
			Severity: severityFor(discounted, discountAnomalyThreshold),
			Count:    discounted,
			Message:  fmt.Sprintf("%d sales carried manual or invoice discounts today", discounted),
		})
	}
	if opnamesToday >= opnameAnomalyThreshold {
		anomalies = append(anomalies, domain.Anomaly{
			Type:     "opname_frequency",
			Severity: severityFor(opnamesToday, opnameAnomalyThreshold),
			Count:    opnamesToday,
			Message:  fmt.Sprintf("%d stock corrections recorded today", opnamesToday),
		})
	}
	return anomalies, nil
}

func severityFor(count, threshold int) string {
	if count >= threshold*2 {
		return "high"
	}
	return "medium"
}
