package domain

import (
	"strings"
	"testing"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
	OrderStatusCancellationRequested,
}

func TestValidateTransitionTable(t *testing.T) {
	allowed := map[OrderStatus][]OrderStatus{
		OrderStatusPending:               {OrderStatusPaid, OrderStatusCancelled, OrderStatusRefunded, OrderStatusCancellationRequested},
		OrderStatusPaid:                  {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded, OrderStatusCancellationRequested},
		OrderStatusProcessing:            {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
		OrderStatusCancellationRequested: {OrderStatusRefunded, OrderStatusProcessing},
		OrderStatusShipped:               {OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded},
		OrderStatusDelivered:             {},
		OrderStatusCancelled:             {},
		OrderStatusRefunded:              {},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			err := ValidateTransition(from, to)
			want := from == to
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if want && err != nil {
				t.Fatalf("ValidateTransition(%s, %s) = %v, want nil", from, to, err)
			}
			if !want && err == nil {
				t.Fatalf("ValidateTransition(%s, %s) = nil, want error", from, to)
			}
		}
	}
}

func TestValidateTransitionSelfIsAlwaysValid(t *testing.T) {
	for _, status := range allStatuses {
		if err := ValidateTransition(status, status); err != nil {
			t.Fatalf("self transition for %s rejected: %v", status, err)
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	err := ValidateTransition(OrderStatus("archived"), OrderStatusPaid)
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !strings.Contains(err.Error(), "unknown order status") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestValidateTransitionTerminalStates(t *testing.T) {
	for _, from := range []OrderStatus{OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded} {
		if !from.Terminal() {
			t.Fatalf("expected %s to be terminal", from)
		}
		err := ValidateTransition(from, OrderStatusPending)
		if err == nil {
			t.Fatalf("expected terminal rejection from %s", from)
		}
		if !strings.Contains(err.Error(), "terminal") {
			t.Fatalf("unexpected error message: %v", err)
		}
	}
}

func TestValidateTransitionListsValidTargets(t *testing.T) {
	err := ValidateTransition(OrderStatusPending, OrderStatusShipped)
	if err == nil {
		t.Fatal("expected rejection for pending -> shipped")
	}
	for _, want := range []string{"paid", "cancelled", "refunded", "cancellation_requested"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not list %q", err.Error(), want)
		}
	}
}

func TestNextStatuses(t *testing.T) {
	next := NextStatuses(OrderStatusCancellationRequested)
	if len(next) != 2 {
		t.Fatalf("expected 2 next statuses, got %v", next)
	}
	if next[0] != OrderStatusRefunded || next[1] != OrderStatusProcessing {
		t.Fatalf("unexpected next statuses: %v", next)
	}
	if got := NextStatuses(OrderStatus("bogus")); got != nil {
		t.Fatalf("expected nil for unknown status, got %v", got)
	}
	if got := NextStatuses(OrderStatusDelivered); len(got) != 0 {
		t.Fatalf("expected no next statuses for delivered, got %v", got)
	}
}

func TestRefundClass(t *testing.T) {
	for _, status := range allStatuses {
		want := status == OrderStatusCancelled || status == OrderStatusRefunded
		if status.RefundClass() != want {
			t.Fatalf("RefundClass(%s) = %v, want %v", status, status.RefundClass(), want)
		}
	}
}
