package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// OrderSide is the broker-facing direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderSideFor maps a directional signal side to the opening order side.
func OrderSideFor(s Side) OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// Opposite returns the closing order side for a position side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// OrderType selects the broker execution style.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus is the terminal or in-flight state of a submitted order.
type OrderStatus string

const (
	OrderPlaced          OrderStatus = "placed"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
	OrderError           OrderStatus = "error"
)

// Terminal returns true when no further broker state changes are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderError:
		return true
	default:
		return false
	}
}

// OrderRequest describes one order to submit. ClientTag is the idempotency
// key; Price is the reference price the request was built against and is
// required even for market orders.
type OrderRequest struct {
	ClientTag  string    `json:"client_tag"`
	SignalID   string    `json:"signal_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Volume     float64   `json:"volume"`
	Type       OrderType `json:"type"`
	Price      float64   `json:"price"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Deviation  int       `json:"deviation"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment,omitempty"`
}

// OrderOutcome reports what the broker did with an order.
type OrderOutcome struct {
	Status     OrderStatus `json:"status"`
	Ticket     int64       `json:"ticket,omitempty"`
	Price      float64     `json:"price,omitempty"`
	Volume     float64     `json:"volume,omitempty"`
	FillTime   time.Time   `json:"fill_time,omitempty"`
	Commission float64     `json:"commission,omitempty"`
	Swap       float64     `json:"swap,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// EntryTag derives the deterministic client tag for an entry order from the
// originating signal ID. The same signal always maps to the same tag, which is
// what makes resubmission after a restart idempotent.
func EntryTag(signalID string) string {
	sum := sha256.Sum256([]byte("entry-" + signalID))
	return "entry-" + hex.EncodeToString(sum[:])[:16]
}
