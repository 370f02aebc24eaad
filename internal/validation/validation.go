// Package validation содержит проверки входных данных депозитной кассы.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/deposit-system/internal/model"
)

// Сигнальные ошибки валидации. Обработчики сопоставляют их через errors.Is.
var (
	ErrNoItems             = errors.New("order must contain at least one item")
	ErrQuantityNotPositive = errors.New("item quantity must be positive")
	ErrPriceNegative       = errors.New("item price must not be negative")
	ErrCostNegative        = errors.New("item cost must not be negative")
	ErrMissingProductName  = errors.New("item product name is required")
	ErrMissingProductRef   = errors.New("catalog item requires product reference")
	ErrAllowanceNegative   = errors.New("part exchange allowance must not be negative")
	ErrMissingDescription  = errors.New("part exchange description is required")
	ErrAmountNotPositive   = errors.New("payment amount must be positive")
	ErrUnknownMethod       = errors.New("unknown payment method")
)

// Error оборачивает сигнальную ошибку валидации с деталями для сообщения
// пользователю.
type Error struct {
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Details)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(err error, format string, args ...any) *Error {
	return &Error{Err: err, Details: fmt.Sprintf(format, args...)}
}

// ValidateOrderDraft проверяет черновик заказа перед созданием. Неполные
// или противоречивые данные отклоняются, а не приводятся к допустимым.
func ValidateOrderDraft(d *model.OrderDraft) error {
	if len(d.Items) == 0 {
		return &Error{Err: ErrNoItems}
	}

	for i, it := range d.Items {
		if it.Quantity <= 0 {
			return fail(ErrQuantityNotPositive, "item %d: quantity %d", i, it.Quantity)
		}
		if it.UnitPriceCents < 0 {
			return fail(ErrPriceNegative, "item %d", i)
		}
		if it.UnitCostCents < 0 {
			return fail(ErrCostNegative, "item %d", i)
		}
		if it.ProductName == "" {
			return fail(ErrMissingProductName, "item %d", i)
		}
		if !it.IsCustom && it.ProductID == nil {
			return fail(ErrMissingProductRef, "item %d: %s", i, it.ProductName)
		}
	}

	for i, pe := range d.PartExchanges {
		if pe.AllowanceCents < 0 {
			return fail(ErrAllowanceNegative, "part exchange %d", i)
		}
		if pe.Description == "" {
			return fail(ErrMissingDescription, "part exchange %d", i)
		}
	}

	if d.InitialPayment != nil {
		if err := ValidatePayment(d.InitialPayment.AmountCents, d.InitialPayment.Method); err != nil {
			return err
		}
	}

	return nil
}

// ValidatePayment проверяет сумму и способ оплаты.
func ValidatePayment(amountCents int64, method model.PaymentMethod) error {
	if amountCents <= 0 {
		return fail(ErrAmountNotPositive, "amount %d", amountCents)
	}
	if !model.ValidPaymentMethod(method) {
		return fail(ErrUnknownMethod, "%q", string(method))
	}
	return nil
}
