package model

import "testing"

func TestBalanceDue(t *testing.T) {
	tests := []struct {
		name                  string
		total, pe, paid, want int64
	}{
		{name: "nothing paid", total: 10000, pe: 0, paid: 0, want: 10000},
		{name: "part exchange reduces balance", total: 20000, pe: 5000, paid: 0, want: 15000},
		{name: "fully settled", total: 10000, pe: 0, paid: 10000, want: 0},
		{name: "never negative", total: 10000, pe: 5000, paid: 6000, want: 0},
		{name: "allowance covers everything", total: 5000, pe: 5000, paid: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BalanceDue(tt.total, tt.pe, tt.paid); got != tt.want {
				t.Fatalf("BalanceDue(%d, %d, %d) = %d, want %d", tt.total, tt.pe, tt.paid, got, tt.want)
			}
		})
	}
}

func TestOrderBalanceDueCents(t *testing.T) {
	o := &Order{TotalCents: 20000, PartExchangeCents: 5000, PaidCents: 8000}
	if got := o.BalanceDueCents(); got != 7000 {
		t.Fatalf("BalanceDueCents() = %d, want 7000", got)
	}
}

func TestExceedsPayable(t *testing.T) {
	tests := []struct {
		name                             string
		payable, paid, amount, tolerance int64
		want                             bool
	}{
		{name: "exact balance allowed", payable: 10000, paid: 0, amount: 10000, tolerance: 0, want: false},
		{name: "one cent over rejected", payable: 10000, paid: 0, amount: 10001, tolerance: 0, want: true},
		{name: "tolerance absorbs one cent", payable: 10000, paid: 0, amount: 10001, tolerance: 1, want: false},
		{name: "over tolerance rejected", payable: 10000, paid: 0, amount: 10002, tolerance: 1, want: true},
		{name: "second payment settles remainder", payable: 10000, paid: 8000, amount: 2000, tolerance: 0, want: false},
		{name: "second payment overshoots remainder", payable: 10000, paid: 8000, amount: 2001, tolerance: 0, want: true},
		{name: "part exchange reduces payable", payable: 20000 - 5000, paid: 0, amount: 15000, tolerance: 0, want: false},
		{name: "part exchange boundary exceeded", payable: 20000 - 5000, paid: 0, amount: 15001, tolerance: 0, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExceedsPayable(tt.payable, tt.paid, tt.amount, tt.tolerance)
			if got != tt.want {
				t.Fatalf("ExceedsPayable(%d, %d, %d, %d) = %v, want %v",
					tt.payable, tt.paid, tt.amount, tt.tolerance, got, tt.want)
			}
		})
	}
}

func TestItemsTotal(t *testing.T) {
	items := []OrderItem{
		{Quantity: 2, UnitPriceCents: 1500},
		{Quantity: 1, UnitPriceCents: 10000},
	}
	if got := ItemsTotal(items); got != 13000 {
		t.Fatalf("ItemsTotal = %d, want 13000", got)
	}
}

func TestAllowancesTotal(t *testing.T) {
	pes := []PartExchange{
		{AllowanceCents: 5000},
		{AllowanceCents: 2500},
	}
	if got := AllowancesTotal(pes); got != 7500 {
		t.Fatalf("AllowancesTotal = %d, want 7500", got)
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	if OrderStatusActive.IsTerminal() {
		t.Fatalf("active must not be terminal")
	}

	for _, st := range []OrderStatus{OrderStatusCompleted, OrderStatusCancelled, OrderStatusVoided, OrderStatusExpired} {
		if !st.IsTerminal() {
			t.Fatalf("%s must be terminal", st)
		}
	}
}

func TestValidPaymentMethod(t *testing.T) {
	for _, m := range []PaymentMethod{PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer, PaymentMethodOther} {
		if !ValidPaymentMethod(m) {
			t.Fatalf("%s must be valid", m)
		}
	}
	if ValidPaymentMethod("crypto") {
		t.Fatalf("unknown method must be invalid")
	}
}
