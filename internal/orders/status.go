package orders

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus accepts only the closed enumeration; anything else is ErrValidation.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		names := make([]string, 0, len(Statuses))
		for _, v := range Statuses {
			names = append(names, string(v))
		}
		return "", fmt.Errorf("%w: invalid status %q, must be one of: %s", ErrValidation, s, strings.Join(names, ", "))
	}
	return st, nil
}

// CanTransition enforces only the cancellation rule: cancelled is reachable
// from pending alone. Every other move between valid statuses is accepted.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusCancelled {
		return from == StatusPending
	}
	return true
}
