package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
)

// SegmentInfo contains segment-specific rules.
type SegmentInfo struct {
	Exchange    models.Exchange
	Description string
	StreamType  int // SmartStream exchangeType
	Products    []models.ProductType
}

var segments = map[models.Exchange]SegmentInfo{
	models.NSE: {models.NSE, "NSE Equity", 1, []models.ProductType{models.ProductIntraday, models.ProductDelivery}},
	models.BSE: {models.BSE, "BSE Equity", 3, []models.ProductType{models.ProductIntraday, models.ProductDelivery}},
	models.NFO: {models.NFO, "NSE Futures & Options", 2, []models.ProductType{models.ProductIntraday, models.ProductCarryForward}},
	models.BFO: {models.BFO, "BSE Futures & Options", 4, []models.ProductType{models.ProductIntraday, models.ProductCarryForward}},
	models.MCX: {models.MCX, "MCX Commodity", 5, []models.ProductType{models.ProductIntraday, models.ProductCarryForward}},
	models.CDS: {models.CDS, "Currency Derivatives", 13, []models.ProductType{models.ProductIntraday, models.ProductCarryForward}},
}

// Segment returns the rules for exchange.
func Segment(exchange models.Exchange) (SegmentInfo, bool) {
	s, ok := segments[exchange]
	return s, ok
}

// ExchangeForStreamType maps a SmartStream exchangeType back to its segment.
func ExchangeForStreamType(t int) (models.Exchange, bool) {
	for ex, s := range segments {
		if s.StreamType == t {
			return ex, true
		}
	}
	return "", false
}

// Allows reports whether product may be traded on the segment.
func (s SegmentInfo) Allows(product models.ProductType) bool {
	for _, p := range s.Products {
		if p == product {
			return true
		}
	}
	return false
}

// ValidateRequest checks an order request before any instrument lookup.
func ValidateRequest(req models.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return errors.InvalidOrderError("symbol", "symbol is required")
	case req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell:
		return errors.InvalidOrderError("side", fmt.Sprintf("unsupported side %q", req.Side))
	case !req.Kind.Valid():
		return errors.InvalidOrderError("order_kind", fmt.Sprintf("unsupported order kind %q", req.Kind))
	case !req.Product.Valid():
		return errors.InvalidOrderError("product_type", fmt.Sprintf("unsupported product type %q", req.Product))
	case req.Quantity <= 0:
		return errors.InvalidOrderError("quantity", "quantity must be positive")
	case req.Kind.NeedsPrice() && req.Price <= 0:
		return errors.InvalidOrderError("price", fmt.Sprintf("%s orders need a price", req.Kind))
	case req.Kind.NeedsTrigger() && req.TriggerPrice <= 0:
		return errors.InvalidOrderError("trigger_price", fmt.Sprintf("%s orders need a trigger price", req.Kind))
	}
	return nil
}

// ValidateInstrument checks an order against the resolved instrument: product
// allowed on the segment, quantity a whole number of lots, prices on the tick grid.
func ValidateInstrument(req models.OrderRequest, rec models.SymbolRecord) error {
	if seg, ok := Segment(rec.Exchange); ok && !seg.Allows(req.Product) {
		return errors.InvalidOrderError("product_type", fmt.Sprintf("%s not allowed on %s", req.Product, seg.Description))
	}
	if rec.LotSize > 1 && req.Quantity%rec.LotSize != 0 {
		return errors.InvalidOrderError("quantity", fmt.Sprintf("quantity must be a multiple of lot size %d for %s", rec.LotSize, rec.Symbol))
	}
	if req.Kind.NeedsPrice() && !OnTick(req.Price, rec.TickSize) {
		return errors.InvalidOrderError("price", fmt.Sprintf("price %v is not a multiple of tick size %v", req.Price, rec.TickSize))
	}
	if req.Kind.NeedsTrigger() && !OnTick(req.TriggerPrice, rec.TickSize) {
		return errors.InvalidOrderError("trigger_price", fmt.Sprintf("trigger price %v is not a multiple of tick size %v", req.TriggerPrice, rec.TickSize))
	}
	return nil
}

// OnTick reports whether price is an exact multiple of tick. A non-positive
// tick accepts any price.
func OnTick(price, tick float64) bool {
	if tick <= 0 {
		return true
	}
	return decimal.NewFromFloat(price).Mod(decimal.NewFromFloat(tick)).IsZero()
}
