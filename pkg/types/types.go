// Package types provides shared type definitions for the trading agent.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce controls how long an order stays on the broker's books.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsOpen reports whether an order in this status can still execute.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPendingNew, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Order represents a trading order as known to the broker.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     int64           `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"timeInForce"`
	Quantity    int64           `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice   decimal.Decimal `json:"stopPrice,omitempty"`
}

// Position is a broker-side snapshot of a held instrument.
// Quantity is signed: positive for long, negative for short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
}

// Side returns the direction of the position.
func (p *Position) Side() PositionSide {
	switch {
	case p == nil || p.Quantity == 0:
		return PositionSideFlat
	case p.Quantity > 0:
		return PositionSideLong
	default:
		return PositionSideShort
	}
}

// AbsQuantity returns the unsigned share count.
func (p *Position) AbsQuantity() int64 {
	if p == nil {
		return 0
	}
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// ExitSide returns the order side that reduces the position.
func (p *Position) ExitSide() OrderSide {
	if p.Side() == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// NormalizeTicker upper-cases and trims a ticker symbol.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
