package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderReason says why the cycle decided to trade.
type OrderReason string

const (
	ReasonOpenLong  OrderReason = "open_long"
	ReasonOpenShort OrderReason = "open_short"
	ReasonClose     OrderReason = "close"
)

// OrderIntent is one sized trading decision. It is built once per
// instrument per cycle and never persisted. StepSize travels with the
// intent so a precision rejection can be retried on the same grid the
// quantity was sized against.
type OrderIntent struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	StepSize float64
	Reason   OrderReason
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// ExecutionResult is what came back from submitting an OrderIntent.
// Skipped is set when the exchange refused the order for a reason the
// retry policy treats as benign (thin-liquidity price band).
type ExecutionResult struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	Skipped       bool
	SubmittedAt   time.Time
}
