package models

import "time"

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderKind represents the type of an order.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "MARKET"
	OrderKindLimit      OrderKind = "LIMIT"
	OrderKindStop       OrderKind = "STOP"
	OrderKindStopMarket OrderKind = "STOP_MARKET"
)

// Valid reports whether k is a supported order kind.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarket, OrderKindLimit, OrderKindStop, OrderKindStopMarket:
		return true
	}
	return false
}

// NeedsPrice reports whether the kind carries a limit price.
func (k OrderKind) NeedsPrice() bool {
	return k == OrderKindLimit || k == OrderKindStop
}

// NeedsTrigger reports whether the kind carries a trigger price.
func (k OrderKind) NeedsTrigger() bool {
	return k == OrderKindStop || k == OrderKindStopMarket
}

// ProductType represents the settlement category of an order.
type ProductType string

const (
	ProductIntraday     ProductType = "INTRADAY"
	ProductDelivery     ProductType = "DELIVERY"
	ProductCarryForward ProductType = "CARRYFORWARD"
)

// Valid reports whether p is a supported product type.
func (p ProductType) Valid() bool {
	switch p {
	case ProductIntraday, ProductDelivery, ProductCarryForward:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPending         OrderStatus = "PENDING" // accepted by the broker, not yet live at the exchange
	OrderAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:         {OrderSubmitted},
	OrderSubmitted:       {OrderPending, OrderAcknowledged, OrderRejected},
	OrderPending:         {OrderAcknowledged, OrderRejected, OrderCancelled},
	OrderAcknowledged:    {OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Mutable reports whether an order in this state may be modified or cancelled.
func (s OrderStatus) Mutable() bool {
	return s == OrderAcknowledged || s == OrderPartiallyFilled
}

// Open reports whether the order is still working.
func (s OrderStatus) Open() bool {
	return s == OrderSubmitted || s == OrderPending || s.Mutable()
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderRequest is the canonical order placement request.
type OrderRequest struct {
	Symbol       string      `json:"symbol"`
	Exchange     Exchange    `json:"exchange,omitempty"`
	Side         OrderSide   `json:"side"`
	Kind         OrderKind   `json:"order_kind"`
	Quantity     int         `json:"quantity"`
	Price        float64     `json:"price,omitempty"`
	TriggerPrice float64     `json:"trigger_price,omitempty"`
	Product      ProductType `json:"product_type"`
	Tag          string      `json:"tag,omitempty"`
}

// OrderModification carries the fields that may change on a working order.
// Zero values keep the current setting.
type OrderModification struct {
	Kind         OrderKind `json:"order_kind,omitempty"`
	Quantity     int       `json:"quantity,omitempty"`
	Price        float64   `json:"price,omitempty"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
}

// Order is the canonical order record.
type Order struct {
	ID             string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Exchange       Exchange    `json:"exchange,omitempty"`
	Side           OrderSide   `json:"side"`
	Kind           OrderKind   `json:"order_kind"`
	Quantity       int         `json:"quantity"`
	Price          float64     `json:"price"`
	TriggerPrice   float64     `json:"trigger_price,omitempty"`
	Product        ProductType `json:"product_type"`
	Status         OrderStatus `json:"status"`
	FilledQuantity int         `json:"filled_quantity"`
	AveragePrice   float64     `json:"average_price"`
	Reason         string      `json:"reason,omitempty"`
	Tag            string      `json:"tag,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Trade is one fill from the trade book.
type Trade struct {
	ID       string    `json:"trade_id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Exchange Exchange  `json:"exchange,omitempty"`
	Side     OrderSide `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Time     string    `json:"time,omitempty"`
}
