package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/deposit-system/internal/model"
	"github.com/mmeshcher/deposit-system/internal/repository"
	"github.com/mmeshcher/deposit-system/internal/validation"
)

type stubRepo struct {
	createdDraft *model.OrderDraft
	createOrder  *model.Order
	createErr    error

	paymentOrderID   int64
	paymentCents     int64
	paymentMethod    model.PaymentMethod
	paymentTolerance int64
	paymentOrder     *model.Order
	paymentErr       error

	completeSale       *model.Sale
	completeAdvisories []string
	completeErr        error
	completeTaxBP      int64

	terminateStatus model.OrderStatus
	terminateReason *string
	refundCents     int64
	terminateErr    error

	mu           sync.Mutex
	expireCutoff time.Time
	expiredIDs   []int64
}

func (s *stubRepo) Close() error                   { return nil }
func (s *stubRepo) Ping(ctx context.Context) error { return nil }

func (s *stubRepo) CreateOrder(ctx context.Context, draft *model.OrderDraft, receivedBy, toleranceCents int64) (*model.Order, error) {
	s.createdDraft = draft
	return s.createOrder, s.createErr
}

func (s *stubRepo) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) ListOrders(ctx context.Context, status *model.OrderStatus) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) AddPayment(ctx context.Context, orderID, amountCents int64, method model.PaymentMethod, receivedBy, toleranceCents int64) (*model.Order, error) {
	s.paymentOrderID = orderID
	s.paymentCents = amountCents
	s.paymentMethod = method
	s.paymentTolerance = toleranceCents
	return s.paymentOrder, s.paymentErr
}

func (s *stubRepo) UpdateItemCost(ctx context.Context, orderID, itemID, costCents int64, category, description *string) error {
	return nil
}

func (s *stubRepo) CompleteOrder(ctx context.Context, orderID, taxRateBP int64) (*model.Sale, []string, error) {
	s.completeTaxBP = taxRateBP
	return s.completeSale, s.completeAdvisories, s.completeErr
}

func (s *stubRepo) TerminateOrder(ctx context.Context, orderID int64, status model.OrderStatus, reason *string) (int64, error) {
	s.terminateStatus = status
	s.terminateReason = reason
	return s.refundCents, s.terminateErr
}

func (s *stubRepo) ExpireOverdue(ctx context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireCutoff = cutoff
	return s.expiredIDs, nil
}

func (s *stubRepo) lastExpireCutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireCutoff
}

func (s *stubRepo) GetAvailability(ctx context.Context, productID int64) (*model.ProductAvailability, error) {
	return nil, repository.ErrProductNotFound
}

func (s *stubRepo) ListProductAvailability(ctx context.Context) ([]model.ProductAvailability, error) {
	return nil, nil
}

func (s *stubRepo) AdjustStock(ctx context.Context, productID, delta int64, reason string) error {
	return nil
}

func (s *stubRepo) GetSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	return nil, repository.ErrSaleNotFound
}

func newTestService(repo Repository) *Service {
	return NewService(repo, nil, 0, 0, 90*24*time.Hour, time.Hour)
}

func TestCreateOrder_RejectsEmptyDraft(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), &OrderInput{}, 1)
	if !errors.Is(err, validation.ErrNoItems) {
		t.Fatalf("expected ErrNoItems, got %v", err)
	}
	if repo.createdDraft != nil {
		t.Fatalf("repository must not be called for invalid draft")
	}
}

func TestCreateOrder_ConvertsMoneyToCents(t *testing.T) {
	pid := int64(7)
	repo := &stubRepo{
		createOrder: &model.Order{ID: 1, Status: model.OrderStatusActive},
	}
	svc := newTestService(repo)

	in := &OrderInput{
		Items: []ItemInput{
			{ProductID: &pid, ProductName: "guitar", Quantity: 1, UnitPrice: 199.99, UnitCost: 120.50},
		},
		PartExchanges: []PartExchangeInput{
			{Description: "old amp", Allowance: 50},
		},
		InitialPayment: &PaymentInput{Amount: 25.10, Method: "cash"},
	}

	if _, err := svc.CreateOrder(context.Background(), in, 1); err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	d := repo.createdDraft
	if d == nil {
		t.Fatalf("draft not passed to repository")
	}
	if d.Items[0].UnitPriceCents != 19999 {
		t.Fatalf("UnitPriceCents = %d, want 19999", d.Items[0].UnitPriceCents)
	}
	if d.Items[0].UnitCostCents != 12050 {
		t.Fatalf("UnitCostCents = %d, want 12050", d.Items[0].UnitCostCents)
	}
	if d.PartExchanges[0].AllowanceCents != 5000 {
		t.Fatalf("AllowanceCents = %d, want 5000", d.PartExchanges[0].AllowanceCents)
	}
	if d.InitialPayment.AmountCents != 2510 {
		t.Fatalf("AmountCents = %d, want 2510", d.InitialPayment.AmountCents)
	}
}

func TestRecordPayment_RejectsUnknownMethod(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	_, err := svc.RecordPayment(context.Background(), 1, &PaymentInput{Amount: 10, Method: "crypto"}, 1)
	if !errors.Is(err, validation.ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	if repo.paymentCents != 0 {
		t.Fatalf("repository must not be called for invalid payment")
	}
}

func TestRecordPayment_PassesCentsAndTolerance(t *testing.T) {
	repo := &stubRepo{
		paymentOrder: &model.Order{ID: 1, Status: model.OrderStatusActive},
	}
	svc := NewService(repo, nil, 100, 0, 0, 0)

	_, err := svc.RecordPayment(context.Background(), 5, &PaymentInput{Amount: 49.99, Method: "card"}, 2)
	if err != nil {
		t.Fatalf("RecordPayment error: %v", err)
	}

	if repo.paymentOrderID != 5 {
		t.Fatalf("orderID = %d, want 5", repo.paymentOrderID)
	}
	if repo.paymentCents != 4999 {
		t.Fatalf("amountCents = %d, want 4999", repo.paymentCents)
	}
	if repo.paymentMethod != model.PaymentMethodCard {
		t.Fatalf("method = %s, want card", repo.paymentMethod)
	}
	if repo.paymentTolerance != 100 {
		t.Fatalf("tolerance = %d, want 100", repo.paymentTolerance)
	}
}

func TestRecordPayment_PropagatesOverpayment(t *testing.T) {
	repo := &stubRepo{paymentErr: repository.ErrOverpayment}
	svc := newTestService(repo)

	_, err := svc.RecordPayment(context.Background(), 1, &PaymentInput{Amount: 120, Method: "cash"}, 1)
	if !errors.Is(err, repository.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
}

func TestVoidOrder_ConvertsRefundToRubles(t *testing.T) {
	repo := &stubRepo{refundCents: 8000}
	svc := newTestService(repo)

	refund, err := svc.VoidOrder(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("VoidOrder error: %v", err)
	}
	if refund != 80 {
		t.Fatalf("refund = %v, want 80", refund)
	}
	if repo.terminateStatus != model.OrderStatusVoided {
		t.Fatalf("status = %s, want voided", repo.terminateStatus)
	}
}

func TestCancelOrder_UsesCancelledStatus(t *testing.T) {
	reason := "customer changed mind"
	repo := &stubRepo{}
	svc := newTestService(repo)

	if _, err := svc.CancelOrder(context.Background(), 1, &reason); err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}
	if repo.terminateStatus != model.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", repo.terminateStatus)
	}
	if repo.terminateReason == nil || *repo.terminateReason != reason {
		t.Fatalf("reason not passed through")
	}
}

func TestExpireOrder_UsesExpiredStatus(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	if err := svc.ExpireOrder(context.Background(), 1); err != nil {
		t.Fatalf("ExpireOrder error: %v", err)
	}
	if repo.terminateStatus != model.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", repo.terminateStatus)
	}
	if repo.terminateReason != nil {
		t.Fatalf("expire must not carry a reason")
	}
}

func TestCompleteOrder_PassesTaxRate(t *testing.T) {
	repo := &stubRepo{
		completeSale:       &model.Sale{ID: 3, SourceOrderID: 1, TotalCents: 10000},
		completeAdvisories: []string{"custom item \"strap\" has no cost set"},
	}
	svc := NewService(repo, nil, 0, 2000, 0, 0)

	sale, warnings, err := svc.CompleteOrder(context.Background(), 1)
	if err != nil {
		t.Fatalf("CompleteOrder error: %v", err)
	}
	if repo.completeTaxBP != 2000 {
		t.Fatalf("taxRateBP = %d, want 2000", repo.completeTaxBP)
	}
	if sale.ID != 3 {
		t.Fatalf("sale.ID = %d, want 3", sale.ID)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one advisory", warnings)
	}
}

func TestCompleteOrder_PropagatesInvalidState(t *testing.T) {
	repo := &stubRepo{completeErr: repository.ErrInvalidState}
	svc := newTestService(repo)

	_, _, err := svc.CompleteOrder(context.Background(), 1)
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpdateItemCost_RejectsNegative(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	err := svc.UpdateItemCost(context.Background(), 1, 2, -10, nil, nil)
	if !errors.Is(err, validation.ErrCostNegative) {
		t.Fatalf("expected ErrCostNegative, got %v", err)
	}
}

func TestStartExpireSweep_CallsRepositoryWithCutoff(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 0, 0, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartExpireSweep(ctx)

	deadline := time.Now().Add(time.Second)
	for repo.lastExpireCutoff().IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("sweep never called ExpireOverdue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cutoff := repo.lastExpireCutoff()
	want := time.Now().Add(-time.Hour)
	if diff := cutoff.Sub(want); diff < -time.Second || diff > time.Second {
		t.Fatalf("cutoff = %v, want about %v", cutoff, want)
	}
}

func TestStartExpireSweep_NoInterval(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartExpireSweep(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartExpireSweep did not return without interval")
	}
}
