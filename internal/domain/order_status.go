package domain

import (
	"fmt"
	"slices"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", NewValidationError("unknown order status %q", s)
	}
	return status, nil
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// String representation (for logging)
func (s OrderStatus) String() string {
	return string(s)
}

type transition struct {
	from OrderStatus
	to   OrderStatus
}

var (
	sellerOrAdmin = []Role{RoleSeller, RoleAdmin}
	anyRole       = []Role{RoleBuyer, RoleSeller, RoleAdmin}
)

// transitions is the only place order status legality is defined.
var transitions = map[transition][]Role{
	{OrderStatusPending, OrderStatusShipped}:   sellerOrAdmin,
	{OrderStatusPending, OrderStatusDelivered}: sellerOrAdmin,
	{OrderStatusShipped, OrderStatusDelivered}: sellerOrAdmin,
	{OrderStatusPending, OrderStatusCancelled}: anyRole,
	{OrderStatusShipped, OrderStatusCancelled}: sellerOrAdmin,
	{OrderStatusPending, OrderStatusRefunded}:  sellerOrAdmin,
	{OrderStatusShipped, OrderStatusRefunded}:  sellerOrAdmin,
}

// CheckTransition reports whether role may move an order from one status to another.
//
// A role that may reach the target status from some other state gets ErrInvalidTransition,
// so a buyer cancelling a shipped order is told the order moved on, not that buyers cannot cancel.
// A role that can never reach the target gets ErrNotAuthorized.
func CheckTransition(from, to OrderStatus, role Role) error {
	if !from.Valid() || !to.Valid() {
		return NewValidationError("unknown status in transition %s -> %s", from, to)
	}
	roles, listed := transitions[transition{from, to}]
	if listed && slices.Contains(roles, role) {
		return nil
	}
	if !listed || roleReaches(to, role) {
		return NewInvalidTransitionError(from, to)
	}
	return fmt.Errorf("%w: role %s cannot move an order to %s", ErrNotAuthorized, role, to)
}

// CanTransitionTo reports whether any role may perform the transition.
func CanTransitionTo(from, to OrderStatus) bool {
	_, ok := transitions[transition{from, to}]
	return ok
}

func roleReaches(to OrderStatus, role Role) bool {
	for t, roles := range transitions {
		if t.to == to && slices.Contains(roles, role) {
			return true
		}
	}
	return false
}
