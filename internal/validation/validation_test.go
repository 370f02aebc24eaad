package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/deposit-system/internal/model"
)

func validDraft() *model.OrderDraft {
	pid := int64(1)
	return &model.OrderDraft{
		Items: []model.ItemDraft{
			{ProductID: &pid, ProductName: "guitar", Quantity: 1, UnitPriceCents: 10000},
		},
	}
}

func TestValidateOrderDraft(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *model.OrderDraft)
		wantErr error
	}{
		{
			name:   "valid draft",
			mutate: func(d *model.OrderDraft) {},
		},
		{
			name:    "no items",
			mutate:  func(d *model.OrderDraft) { d.Items = nil },
			wantErr: ErrNoItems,
		},
		{
			name:    "zero quantity",
			mutate:  func(d *model.OrderDraft) { d.Items[0].Quantity = 0 },
			wantErr: ErrQuantityNotPositive,
		},
		{
			name:    "negative price",
			mutate:  func(d *model.OrderDraft) { d.Items[0].UnitPriceCents = -1 },
			wantErr: ErrPriceNegative,
		},
		{
			name:    "missing name",
			mutate:  func(d *model.OrderDraft) { d.Items[0].ProductName = "" },
			wantErr: ErrMissingProductName,
		},
		{
			name: "catalog item without product ref",
			mutate: func(d *model.OrderDraft) {
				d.Items[0].ProductID = nil
				d.Items[0].IsCustom = false
			},
			wantErr: ErrMissingProductRef,
		},
		{
			name: "custom item without product ref is fine",
			mutate: func(d *model.OrderDraft) {
				d.Items[0].ProductID = nil
				d.Items[0].IsCustom = true
			},
		},
		{
			name: "negative allowance",
			mutate: func(d *model.OrderDraft) {
				d.PartExchanges = []model.PartExchangeDraft{{Description: "old amp", AllowanceCents: -5}}
			},
			wantErr: ErrAllowanceNegative,
		},
		{
			name: "allowance without description",
			mutate: func(d *model.OrderDraft) {
				d.PartExchanges = []model.PartExchangeDraft{{AllowanceCents: 500}}
			},
			wantErr: ErrMissingDescription,
		},
		{
			name: "bad initial payment",
			mutate: func(d *model.OrderDraft) {
				d.InitialPayment = &model.PaymentDraft{AmountCents: 0, Method: model.PaymentMethodCash}
			},
			wantErr: ErrAmountNotPositive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDraft()
			tt.mutate(d)

			err := ValidateOrderDraft(d)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var verr *Error
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidatePayment(t *testing.T) {
	require.NoError(t, ValidatePayment(100, model.PaymentMethodCard))

	err := ValidatePayment(100, model.PaymentMethod("crypto"))
	assert.ErrorIs(t, err, ErrUnknownMethod)

	err = ValidatePayment(-100, model.PaymentMethodCash)
	assert.ErrorIs(t, err, ErrAmountNotPositive)
}
