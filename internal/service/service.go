// Package service реализует бизнес-логику депозитной кассы.
package service

import (
	"context"
	"math"
	"time"

	"github.com/mmeshcher/deposit-system/internal/cashledger"
	"github.com/mmeshcher/deposit-system/internal/model"
	"github.com/mmeshcher/deposit-system/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	CreateOrder(ctx context.Context, draft *model.OrderDraft, receivedBy, toleranceCents int64) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ListOrders(ctx context.Context, status *model.OrderStatus) ([]model.Order, error)
	AddPayment(ctx context.Context, orderID, amountCents int64, method model.PaymentMethod, receivedBy, toleranceCents int64) (*model.Order, error)
	UpdateItemCost(ctx context.Context, orderID, itemID, costCents int64, category, description *string) error
	CompleteOrder(ctx context.Context, orderID, taxRateBP int64) (*model.Sale, []string, error)
	TerminateOrder(ctx context.Context, orderID int64, status model.OrderStatus, reason *string) (int64, error)
	ExpireOverdue(ctx context.Context, cutoff time.Time) ([]int64, error)
	GetAvailability(ctx context.Context, productID int64) (*model.ProductAvailability, error)
	ListProductAvailability(ctx context.Context) ([]model.ProductAvailability, error)
	AdjustStock(ctx context.Context, productID, delta int64, reason string) error
	GetSale(ctx context.Context, saleID int64) (*model.Sale, error)
}

// Service содержит бизнес-логику депозитной кассы. Глобальные настройки
// (допуск переплаты, ставка налога, пороги просрочки) передаются явно при
// создании, а не читаются из окружения по месту.
type Service struct {
	repo          Repository
	ledger        *cashledger.Producer
	overpayCents  int64
	taxRateBP     int64
	pickupOverdue time.Duration
	sweepEvery    time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и продюсером
// кассовой книги. ledger может быть nil — тогда события не публикуются.
func NewService(repo Repository, ledger *cashledger.Producer, overpayCents, taxRateBP int64, pickupOverdue, sweepEvery time.Duration) *Service {
	return &Service{
		repo:          repo,
		ledger:        ledger,
		overpayCents:  overpayCents,
		taxRateBP:     taxRateBP,
		pickupOverdue: pickupOverdue,
		sweepEvery:    sweepEvery,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ItemInput описывает строку создаваемого заказа. Денежные суммы — в рублях.
type ItemInput struct {
	ProductID   *int64
	ProductName string
	Quantity    int64
	UnitPrice   float64
	UnitCost    float64
	IsCustom    bool
}

// PartExchangeInput описывает зачёт встречного товара.
type PartExchangeInput struct {
	Description string
	Allowance   float64
}

// PaymentInput описывает платёж.
type PaymentInput struct {
	Amount float64
	Method string
}

// OrderInput описывает создаваемый заказ.
type OrderInput struct {
	CustomerRef    *string
	ExpectedPickup *time.Time
	Items          []ItemInput
	PartExchanges  []PartExchangeInput
	InitialPayment *PaymentInput
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func (in *OrderInput) toDraft() *model.OrderDraft {
	d := &model.OrderDraft{
		CustomerRef:    in.CustomerRef,
		ExpectedPickup: in.ExpectedPickup,
	}

	for _, it := range in.Items {
		d.Items = append(d.Items, model.ItemDraft{
			ProductID:      it.ProductID,
			ProductName:    it.ProductName,
			Quantity:       it.Quantity,
			UnitPriceCents: toCents(it.UnitPrice),
			UnitCostCents:  toCents(it.UnitCost),
			IsCustom:       it.IsCustom,
		})
	}

	for _, pe := range in.PartExchanges {
		d.PartExchanges = append(d.PartExchanges, model.PartExchangeDraft{
			Description:    pe.Description,
			AllowanceCents: toCents(pe.Allowance),
		})
	}

	if in.InitialPayment != nil {
		d.InitialPayment = &model.PaymentDraft{
			AmountCents: toCents(in.InitialPayment.Amount),
			Method:      model.PaymentMethod(in.InitialPayment.Method),
		}
	}

	return d
}

// CreateOrder валидирует черновик и создаёт депозитный заказ. Остатки по
// каталожным позициям резервируются самим фактом существования активного
// заказа. Первоначальный платёж наличными публикуется в кассовую книгу.
func (s *Service) CreateOrder(ctx context.Context, in *OrderInput, actorID int64) (*model.Order, error) {
	draft := in.toDraft()

	if err := validation.ValidateOrderDraft(draft); err != nil {
		return nil, err
	}

	order, err := s.repo.CreateOrder(ctx, draft, actorID, s.overpayCents)
	if err != nil {
		return nil, err
	}

	if s.ledger != nil && draft.InitialPayment != nil && draft.InitialPayment.Method == model.PaymentMethodCash {
		s.ledger.Publish(cashledger.Movement{
			Direction:   cashledger.DirectionIn,
			AmountCents: draft.InitialPayment.AmountCents,
			Method:      string(model.PaymentMethodCash),
			Reference:   cashledger.OrderReference(order.ID),
		})
	}

	return order, nil
}

// GetOrder возвращает заказ с дочерними записями.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListOrders возвращает заголовки заказов, опционально по статусу.
func (s *Service) ListOrders(ctx context.Context, status *model.OrderStatus) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, status)
}

// RecordPayment добавляет платёж к активному заказу и возвращает заказ с
// пересчитанным остатком. Платежи наличными публикуются в кассовую книгу.
func (s *Service) RecordPayment(ctx context.Context, orderID int64, in *PaymentInput, actorID int64) (*model.Order, error) {
	amountCents := toCents(in.Amount)
	method := model.PaymentMethod(in.Method)

	if err := validation.ValidatePayment(amountCents, method); err != nil {
		return nil, err
	}

	order, err := s.repo.AddPayment(ctx, orderID, amountCents, method, actorID, s.overpayCents)
	if err != nil {
		return nil, err
	}

	if s.ledger != nil && method == model.PaymentMethodCash {
		s.ledger.Publish(cashledger.Movement{
			Direction:   cashledger.DirectionIn,
			AmountCents: amountCents,
			Method:      string(method),
			Reference:   cashledger.OrderReference(orderID),
		})
	}

	return order, nil
}

// UpdateItemCost проставляет себестоимость строки под заказ для корректной
// отчётности по прибыли. Остаток к оплате не меняется.
func (s *Service) UpdateItemCost(ctx context.Context, orderID, itemID int64, cost float64, category, description *string) error {
	costCents := toCents(cost)
	if costCents < 0 {
		return &validation.Error{Err: validation.ErrCostNegative}
	}
	return s.repo.UpdateItemCost(ctx, orderID, itemID, costCents, category, description)
}

// CompleteOrder завершает полностью оплаченный заказ: списывает остатки,
// создаёт продажу и расчёты с поставщиками. Возвращает продажу и
// предупреждения, не препятствующие завершению.
func (s *Service) CompleteOrder(ctx context.Context, orderID int64) (*model.Sale, []string, error) {
	sale, advisories, err := s.repo.CompleteOrder(ctx, orderID, s.taxRateBP)
	if err != nil {
		return nil, nil, err
	}

	if s.ledger != nil {
		s.ledger.Publish(cashledger.Movement{
			Direction:   cashledger.DirectionIn,
			AmountCents: sale.TotalCents,
			Method:      "sale",
			Reference:   cashledger.SaleReference(sale.ID),
		})
	}

	return sale, advisories, nil
}

// VoidOrder аннулирует активный заказ с уже полученными платежами.
// Возвращает сумму обязательства по возврату: сами деньги ядро не двигает.
func (s *Service) VoidOrder(ctx context.Context, orderID int64, reason *string) (float64, error) {
	refundCents, err := s.repo.TerminateOrder(ctx, orderID, model.OrderStatusVoided, reason)
	if err != nil {
		return 0, err
	}
	return float64(refundCents) / 100, nil
}

// CancelOrder отменяет активный заказ. Механически эквивалентен VoidOrder и
// предназначен для случая, когда деньги ещё не принимались.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, reason *string) (float64, error) {
	refundCents, err := s.repo.TerminateOrder(ctx, orderID, model.OrderStatusCancelled, reason)
	if err != nil {
		return 0, err
	}
	return float64(refundCents) / 100, nil
}

// ExpireOrder переводит один просроченный заказ в статус expired. Обычно
// заказы просрочивает фоновый обход, но переход доступен и точечно.
func (s *Service) ExpireOrder(ctx context.Context, orderID int64) error {
	_, err := s.repo.TerminateOrder(ctx, orderID, model.OrderStatusExpired, nil)
	return err
}

// GetSale возвращает продажу со строками.
func (s *Service) GetSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

// ListProducts возвращает каталог с доступными остатками.
func (s *Service) ListProducts(ctx context.Context) ([]model.ProductAvailability, error) {
	return s.repo.ListProductAvailability(ctx)
}

// GetAvailability возвращает остаток по одной позиции каталога.
func (s *Service) GetAvailability(ctx context.Context, productID int64) (*model.ProductAvailability, error) {
	return s.repo.GetAvailability(ctx, productID)
}

// AdjustStock корректирует остаток позиции каталога.
func (s *Service) AdjustStock(ctx context.Context, productID, delta int64, reason string) error {
	return s.repo.AdjustStock(ctx, productID, delta, reason)
}

// StartExpireSweep запускает фоновый процесс перевода просроченных заказов в
// статус expired.
func (s *Service) StartExpireSweep(ctx context.Context) {
	if s.sweepEvery <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-s.pickupOverdue)
				_, _ = s.repo.ExpireOverdue(ctx, cutoff)
			}
		}
	}()
}
