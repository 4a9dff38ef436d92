package domain

import (
	"fmt"
	"strings"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending               OrderStatus = "pending"
	OrderStatusPaid                  OrderStatus = "paid"
	OrderStatusProcessing            OrderStatus = "processing"
	OrderStatusShipped               OrderStatus = "shipped"
	OrderStatusDelivered             OrderStatus = "delivered"
	OrderStatusCancelled             OrderStatus = "cancelled"
	OrderStatusRefunded              OrderStatus = "refunded"
	OrderStatusCancellationRequested OrderStatus = "cancellation_requested"
)

// orderStatusTransitions lists the allowed outbound transitions per state.
// Terminal states map to an empty set. A transition to the current state is
// always allowed so unchanged re-submissions stay idempotent.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:               {OrderStatusPaid, OrderStatusCancelled, OrderStatusRefunded, OrderStatusCancellationRequested},
	OrderStatusPaid:                  {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded, OrderStatusCancellationRequested},
	OrderStatusProcessing:            {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusCancellationRequested: {OrderStatusRefunded, OrderStatusProcessing},
	OrderStatusShipped:               {OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusDelivered:             {},
	OrderStatusCancelled:             {},
	OrderStatusRefunded:              {},
}

// Known reports whether the status is part of the lifecycle state set.
func (s OrderStatus) Known() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// Terminal reports whether the status allows no further transitions.
func (s OrderStatus) Terminal() bool {
	next, ok := orderStatusTransitions[s]
	return ok && len(next) == 0
}

// RefundClass reports whether the status triggers stock restoration.
func (s OrderStatus) RefundClass() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// NextStatuses returns the allowed targets from the given status, suitable for
// UI hints. Unknown statuses return an empty slice.
func NextStatuses(from OrderStatus) []OrderStatus {
	next, ok := orderStatusTransitions[from]
	if !ok {
		return nil
	}
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// TransitionError explains why a status change was rejected.
type TransitionError struct {
	From    OrderStatus
	To      OrderStatus
	Message string
}

func (e *TransitionError) Error() string {
	return e.Message
}

// ValidateTransition gates a status change. It has no side effects and is
// callable standalone. A nil return means the transition is allowed.
func ValidateTransition(from, to OrderStatus) error {
	if from == to {
		return nil
	}

	allowed, ok := orderStatusTransitions[from]
	if !ok {
		return &TransitionError{From: from, To: to, Message: fmt.Sprintf("unknown order status %q", from)}
	}

	if len(allowed) == 0 {
		return &TransitionError{From: from, To: to, Message: fmt.Sprintf("cannot change status from %q to %q: %q is a terminal state", from, to, from)}
	}

	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}

	targets := make([]string, len(allowed))
	for i, candidate := range allowed {
		targets[i] = string(candidate)
	}
	return &TransitionError{From: from, To: to, Message: fmt.Sprintf("invalid status transition from %q to %q (valid transitions: %s)", from, to, strings.Join(targets, ", "))}
}
