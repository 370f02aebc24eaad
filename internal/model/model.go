// Package model содержит доменные сущности депозитной кассы.
package model

import "time"

// OrderStatus описывает статус депозитного заказа.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "active"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusVoided    OrderStatus = "voided"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal сообщает, является ли статус конечным: из конечного статуса
// дальнейшие переходы запрещены.
func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusActive
}

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodOther    PaymentMethod = "other"
)

// ValidPaymentMethod проверяет, что способ оплаты входит в список допустимых.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer, PaymentMethodOther:
		return true
	}
	return false
}

// Product представляет позицию каталога. OnHand меняется только при
// завершении продажи или инвентаризационной корректировке.
type Product struct {
	ID            int64
	Name          string
	PriceCents    int64
	CostCents     int64
	TrackStock    bool
	OnHand        int64
	IsConsignment bool
	SupplierRef   *string
	CreatedAt     time.Time
}

// OrderItem представляет строку депозитного заказа. ProductID равен nil для
// позиций под заказ, отсутствующих в каталоге.
type OrderItem struct {
	ID             int64
	ProductID      *int64
	ProductName    string
	Quantity       int64
	UnitPriceCents int64
	UnitCostCents  int64
	IsCustom       bool
	Category       *string
	Description    *string
}

// PartExchange представляет зачёт встречного товара, уменьшающий сумму
// к оплате. Остатки на складе не затрагивает.
type PartExchange struct {
	ID             int64
	Description    string
	AllowanceCents int64
}

// Payment описывает неизменяемый факт оплаты по заказу. Платежи не
// редактируются и не удаляются; исправления оформляются встречным платежом
// или аннулированием заказа.
type Payment struct {
	ID          int64
	OrderID     int64
	AmountCents int64
	Method      PaymentMethod
	ReceivedAt  time.Time
	ReceivedBy  int64
}

// Order представляет депозитный заказ вместе с дочерними записями.
// Остаток к оплате всегда вычисляется из строк и платежей, отдельно не
// хранится и не редактируется.
type Order struct {
	ID                int64
	Status            OrderStatus
	CustomerRef       *string
	TotalCents        int64
	PartExchangeCents int64
	PaidCents         int64
	ExpectedPickup    *time.Time
	CreatedAt         time.Time
	CompletedAt       *time.Time
	TerminalReason    *string

	Items         []OrderItem
	PartExchanges []PartExchange
	Payments      []Payment
}

// BalanceDueCents возвращает остаток к оплате по заказу.
func (o *Order) BalanceDueCents() int64 {
	return BalanceDue(o.TotalCents, o.PartExchangeCents, o.PaidCents)
}

// BalanceDue вычисляет остаток к оплате: max(0, total − partExchange − paid).
func BalanceDue(totalCents, partExchangeCents, paidCents int64) int64 {
	due := totalCents - partExchangeCents - paidCents
	if due < 0 {
		due = 0
	}
	return due
}

// ExceedsPayable сообщает, превысит ли платёж amountCents сумму к оплате
// payableCents (total − partExchange) сверх допуска toleranceCents с учётом
// уже оплаченного paidCents.
func ExceedsPayable(payableCents, paidCents, amountCents, toleranceCents int64) bool {
	return paidCents+amountCents > payableCents+toleranceCents
}

// ItemsTotal возвращает сумму строк заказа в копейках.
func ItemsTotal(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.UnitPriceCents * it.Quantity
	}
	return total
}

// AllowancesTotal возвращает сумму зачётов в копейках.
func AllowancesTotal(pes []PartExchange) int64 {
	var total int64
	for _, pe := range pes {
		total += pe.AllowanceCents
	}
	return total
}

// SaleItem представляет снимок строки заказа на момент завершения продажи.
// Цена и себестоимость фиксируются, а не ссылаются на каталог.
type SaleItem struct {
	ID             int64
	ProductID      *int64
	ProductName    string
	Quantity       int64
	UnitPriceCents int64
	UnitCostCents  int64
	TaxRateBP      int64
	TaxCents       int64
}

// Sale представляет завершённую продажу. Создаётся ровно один раз на заказ
// и после создания не изменяется.
type Sale struct {
	ID            int64
	SourceOrderID int64
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
	SoldAt        time.Time
	Items         []SaleItem
}

// ConsignmentSettlement описывает расчёт с поставщиком за проданный
// комиссионный товар.
type ConsignmentSettlement struct {
	ID             int64
	SaleID         int64
	ProductID      int64
	SupplierRef    string
	SalePriceCents int64
	PayoutCents    int64
	PaidAt         *time.Time
}

// ProductAvailability описывает остаток по позиции каталога с учётом
// резервов активных заказов.
type ProductAvailability struct {
	Product
	ReservedQty  int64
	AvailableQty int64
}

// ItemDraft описывает строку создаваемого заказа до валидации.
type ItemDraft struct {
	ProductID      *int64
	ProductName    string
	Quantity       int64
	UnitPriceCents int64
	UnitCostCents  int64
	IsCustom       bool
}

// PartExchangeDraft описывает зачёт встречного товара в создаваемом заказе.
type PartExchangeDraft struct {
	Description    string
	AllowanceCents int64
}

// PaymentDraft описывает платёж до валидации.
type PaymentDraft struct {
	AmountCents int64
	Method      PaymentMethod
}

// OrderDraft описывает создаваемый заказ. Свободные формы с фронта
// приводятся к этой структуре до попадания в ядро.
type OrderDraft struct {
	CustomerRef    *string
	ExpectedPickup *time.Time
	Items          []ItemDraft
	PartExchanges  []PartExchangeDraft
	InitialPayment *PaymentDraft
}
