package models

import "testing"

func TestCanTransitionOrder(t *testing.T) {
	tests := []struct {
		name      string
		from      OrderStatus
		to        OrderStatus
		condition string
		want      bool
	}{
		{"pending to sent", OrderStatusPending, OrderStatusSent, "send_ok", true},
		{"pending to rejected", OrderStatusPending, OrderStatusRejected, "send_reject", true},
		{"sent to partial", OrderStatusSent, OrderStatusPartial, "partial_fill", true},
		{"sent to filled", OrderStatusSent, OrderStatusFilled, "full_fill", true},
		{"partial to filled", OrderStatusPartial, OrderStatusFilled, "more_fills", true},
		{"partial to canceled", OrderStatusPartial, OrderStatusCanceled, "cancel_ack", true},
		{"wrong condition", OrderStatusPending, OrderStatusSent, "cancel_ack", false},
		{"backward transition", OrderStatusFilled, OrderStatusSent, "send_ok", false},
		{"unknown from state", OrderStatusCanceled, OrderStatusFilled, "full_fill", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionOrder(tt.from, tt.to, tt.condition); got != tt.want {
				t.Errorf("CanTransitionOrder(%s, %s, %s) = %v, want %v", tt.from, tt.to, tt.condition, got, tt.want)
			}
		})
	}
}

func TestValidateOrderTransitionTerminalIsFinal(t *testing.T) {
	for _, terminal := range []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected} {
		if err := ValidateOrderTransition(terminal, OrderStatusSent, "send_ok"); err == nil {
			t.Errorf("expected terminal state %s to reject further transitions", terminal)
		}
	}
}

func TestOrderRemainingAndOpen(t *testing.T) {
	o := &Order{Qty: 10, FilledQty: 4, Status: OrderStatusPartial}
	if o.Remaining() != 6 {
		t.Errorf("Remaining() = %d, want 6", o.Remaining())
	}
	if !o.IsOpen() {
		t.Error("expected PARTIAL order to be open")
	}
	o.Status = OrderStatusFilled
	if o.IsOpen() {
		t.Error("expected FILLED order to not be open")
	}
}
