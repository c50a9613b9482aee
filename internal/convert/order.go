package convert

import (
	"strings"
	"time"

	"angelone-bridge/internal/models"
)

// BrokerOrder is an order book row.
type BrokerOrder struct {
	OrderID         Str   `json:"orderid"`
	UniqueOrderID   Str   `json:"uniqueorderid"`
	TradingSymbol   Str   `json:"tradingsymbol"`
	SymbolToken     Str   `json:"symboltoken"`
	Exchange        Str   `json:"exchange"`
	TransactionType Str   `json:"transactiontype"`
	OrderType       Str   `json:"ordertype"`
	ProductType     Str   `json:"producttype"`
	Variety         Str   `json:"variety"`
	Duration        Str   `json:"duration"`
	Price           Float `json:"price"`
	TriggerPrice    Float `json:"triggerprice"`
	Quantity        Float `json:"quantity"`
	FilledShares    Float `json:"filledshares"`
	UnfilledShares  Float `json:"unfilledshares"`
	AveragePrice    Float `json:"averageprice"`
	Status          Str   `json:"status"`
	OrderStatus     Str   `json:"orderstatus"`
	Text            Str   `json:"text"`
	OrderTag        Str   `json:"ordertag"`
	UpdateTime      Str   `json:"updatetime"`
}

// BrokerOrderRequest is the placeOrder body. The broker takes numbers as strings.
type BrokerOrderRequest struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price"`
	TriggerPrice    string `json:"triggerprice,omitempty"`
	Quantity        string `json:"quantity"`
	SquareOff       string `json:"squareoff"`
	StopLoss        string `json:"stoploss"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// BrokerModifyRequest is the modifyOrder body.
type BrokerModifyRequest struct {
	Variety       string `json:"variety"`
	OrderID       string `json:"orderid"`
	OrderType     string `json:"ordertype"`
	ProductType   string `json:"producttype"`
	Duration      string `json:"duration"`
	Price         string `json:"price"`
	TriggerPrice  string `json:"triggerprice,omitempty"`
	Quantity      string `json:"quantity"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
	Exchange      string `json:"exchange"`
}

// BrokerTrade is a trade book row.
type BrokerTrade struct {
	FillID          Str   `json:"fillid"`
	OrderID         Str   `json:"orderid"`
	TradingSymbol   Str   `json:"tradingsymbol"`
	Exchange        Str   `json:"exchange"`
	TransactionType Str   `json:"transactiontype"`
	FillPrice       Float `json:"fillprice"`
	FillSize        Float `json:"fillsize"`
	FillTime        Str   `json:"filltime"`
}

var kindToBroker = map[models.OrderKind]string{
	models.OrderKindMarket:     "MARKET",
	models.OrderKindLimit:      "LIMIT",
	models.OrderKindStop:       "STOPLOSS_LIMIT",
	models.OrderKindStopMarket: "STOPLOSS_MARKET",
}

// OrderKindToBroker maps a canonical order kind to the broker's ordertype.
func OrderKindToBroker(k models.OrderKind) (string, bool) {
	s, ok := kindToBroker[k]
	return s, ok
}

// OrderKindFromBroker maps a broker ordertype; unknown values become "".
func OrderKindFromBroker(s string) models.OrderKind {
	up := strings.ToUpper(strings.TrimSpace(s))
	for k, v := range kindToBroker {
		if v == up {
			return k
		}
	}
	switch up {
	case "SL":
		return models.OrderKindStop
	case "SL-M", "SL_M":
		return models.OrderKindStopMarket
	}
	return ""
}

// ProductFromBroker maps a broker producttype; unknown values become "".
func ProductFromBroker(s string) models.ProductType {
	p := models.ProductType(strings.ToUpper(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return ""
}

// VarietyFor picks the broker order variety for a kind.
func VarietyFor(k models.OrderKind) string {
	if k.NeedsTrigger() {
		return "STOPLOSS"
	}
	return "NORMAL"
}

// OrderStatusFromBroker maps a broker status string. A live order with some
// but not all quantity filled is PARTIALLY_FILLED.
func OrderStatusFromBroker(status string, filled, quantity float64) models.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete", "completed", "filled", "traded":
		return models.OrderFilled
	case "rejected":
		return models.OrderRejected
	case "cancelled", "canceled":
		return models.OrderCancelled
	case "open", "trigger pending", "modified", "modify pending", "cancel pending",
		"not modified", "not cancelled":
		if filled > 0 && filled < quantity {
			return models.OrderPartiallyFilled
		}
		return models.OrderAcknowledged
	default:
		// "open pending", "validation pending", "put order req received",
		// "after market order req received" and anything unrecognized
		return models.OrderPending
	}
}

// OrderFromBroker converts an order book row.
func OrderFromBroker(b BrokerOrder) models.Order {
	status := firstNonEmpty(b.OrderStatus, b.Status)
	o := models.Order{
		ID:             firstNonEmpty(b.OrderID, b.UniqueOrderID),
		Symbol:         string(b.TradingSymbol),
		Exchange:       models.Exchange(strings.ToUpper(string(b.Exchange))),
		Side:           models.OrderSide(strings.ToUpper(string(b.TransactionType))),
		Kind:           OrderKindFromBroker(string(b.OrderType)),
		Quantity:       int(b.Quantity),
		Price:          float64(b.Price),
		TriggerPrice:   float64(b.TriggerPrice),
		Product:        ProductFromBroker(string(b.ProductType)),
		Status:         OrderStatusFromBroker(status, float64(b.FilledShares), float64(b.Quantity)),
		FilledQuantity: int(b.FilledShares),
		AveragePrice:   float64(b.AveragePrice),
		Tag:            string(b.OrderTag),
	}
	if o.Status == models.OrderRejected || o.Status == models.OrderCancelled {
		o.Reason = string(b.Text)
	}
	if t, err := time.ParseInLocation(BrokerTimeLayout, string(b.UpdateTime), istLocation()); err == nil {
		o.UpdatedAt = t
	}
	return o
}

// OrderToBroker builds the placeOrder body for a validated request.
func OrderToBroker(req models.OrderRequest, rec models.SymbolRecord) BrokerOrderRequest {
	kind, _ := OrderKindToBroker(req.Kind)
	out := BrokerOrderRequest{
		Variety:         VarietyFor(req.Kind),
		TradingSymbol:   rec.Symbol,
		SymbolToken:     rec.Token,
		TransactionType: string(req.Side),
		Exchange:        string(rec.Exchange),
		OrderType:       kind,
		ProductType:     string(req.Product),
		Duration:        "DAY",
		Price:           "0",
		Quantity:        formatNumber(float64(req.Quantity)),
		SquareOff:       "0",
		StopLoss:        "0",
		OrderTag:        req.Tag,
	}
	if req.Kind.NeedsPrice() {
		out.Price = formatNumber(req.Price)
	}
	if req.Kind.NeedsTrigger() {
		out.TriggerPrice = formatNumber(req.TriggerPrice)
	}
	return out
}

// ModifyToBroker builds the modifyOrder body from the current order and the change.
func ModifyToBroker(cur models.Order, mod models.OrderModification, rec models.SymbolRecord) BrokerModifyRequest {
	kind := cur.Kind
	if mod.Kind != "" {
		kind = mod.Kind
	}
	qty := cur.Quantity
	if mod.Quantity > 0 {
		qty = mod.Quantity
	}
	price := cur.Price
	if mod.Price > 0 {
		price = mod.Price
	}
	trigger := cur.TriggerPrice
	if mod.TriggerPrice > 0 {
		trigger = mod.TriggerPrice
	}
	brokerKind, _ := OrderKindToBroker(kind)
	out := BrokerModifyRequest{
		Variety:       VarietyFor(kind),
		OrderID:       cur.ID,
		OrderType:     brokerKind,
		ProductType:   string(cur.Product),
		Duration:      "DAY",
		Price:         "0",
		Quantity:      formatNumber(float64(qty)),
		TradingSymbol: rec.Symbol,
		SymbolToken:   rec.Token,
		Exchange:      string(rec.Exchange),
	}
	if kind.NeedsPrice() {
		out.Price = formatNumber(price)
	}
	if kind.NeedsTrigger() {
		out.TriggerPrice = formatNumber(trigger)
	}
	return out
}

// TradeFromBroker converts a trade book row.
func TradeFromBroker(b BrokerTrade) models.Trade {
	return models.Trade{
		ID:       string(b.FillID),
		OrderID:  string(b.OrderID),
		Symbol:   string(b.TradingSymbol),
		Exchange: models.Exchange(strings.ToUpper(string(b.Exchange))),
		Side:     models.OrderSide(strings.ToUpper(string(b.TransactionType))),
		Price:    float64(b.FillPrice),
		Quantity: float64(b.FillSize),
		Time:     string(b.FillTime),
	}
}
