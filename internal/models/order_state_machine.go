package models

import "fmt"

// OrderTransition defines one legal edge in the order status graph.
type OrderTransition struct {
	From        OrderStatus
	To          OrderStatus
	Condition   string
	Description string
}

// OrderTransitions enumerates the full order lifecycle graph of the Order
// Service (spec §4.5):
//
//	PENDING --send ok--> SENT --partial fill--> PARTIAL --more fills--> FILLED*
//	                       |--cancel ack---------------------------> CANCELED*
//	                       `--broker reject-----------------------> REJECTED*
//	PENDING --send reject--> REJECTED*
//	PARTIAL --cancel ack--> CANCELED*
var OrderTransitions = []OrderTransition{
	{OrderStatusPending, OrderStatusSent, "send_ok", "Broker accepted the order"},
	{OrderStatusPending, OrderStatusRejected, "send_reject", "Broker rejected the order on send"},
	{OrderStatusSent, OrderStatusPartial, "partial_fill", "A fill arrived covering part of the quantity"},
	{OrderStatusSent, OrderStatusFilled, "full_fill", "A fill arrived covering the full quantity"},
	{OrderStatusSent, OrderStatusCanceled, "cancel_ack", "Broker acknowledged the cancel"},
	{OrderStatusSent, OrderStatusRejected, "broker_reject", "Broker rejected the order after acceptance"},
	{OrderStatusPartial, OrderStatusFilled, "more_fills", "Remaining quantity filled"},
	{OrderStatusPartial, OrderStatusCanceled, "cancel_ack", "Broker acknowledged the cancel of the remainder"},
}

var orderTransitionLookup map[OrderStatus]map[OrderStatus]map[string]bool

func init() {
	orderTransitionLookup = make(map[OrderStatus]map[OrderStatus]map[string]bool)
	for _, t := range OrderTransitions {
		if orderTransitionLookup[t.From] == nil {
			orderTransitionLookup[t.From] = make(map[OrderStatus]map[string]bool)
		}
		if orderTransitionLookup[t.From][t.To] == nil {
			orderTransitionLookup[t.From][t.To] = make(map[string]bool)
		}
		orderTransitionLookup[t.From][t.To][t.Condition] = true
	}
}

// CanTransitionOrder reports whether moving an order from `from` to `to`
// under `condition` is a legal edge in OrderTransitions.
func CanTransitionOrder(from, to OrderStatus, condition string) bool {
	toMap, ok := orderTransitionLookup[from]
	if !ok {
		return false
	}
	conds, ok := toMap[to]
	if !ok {
		return false
	}
	return conds[condition]
}

// ValidateOrderTransition returns an error describing why the transition is
// illegal, or nil if it is legal. Terminal states never transition again.
func ValidateOrderTransition(from, to OrderStatus, condition string) error {
	if from.IsTerminal() {
		return fmt.Errorf("order status %s is terminal, cannot transition to %s", from, to)
	}
	if !CanTransitionOrder(from, to, condition) {
		return fmt.Errorf("invalid order transition from %s to %s on condition %q", from, to, condition)
	}
	return nil
}
