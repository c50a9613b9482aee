package convert

import (
	"strings"
	"time"

	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// BrokerTimeLayout is the broker's order book timestamp format.
const BrokerTimeLayout = "02-Jan-2006 15:04:05"

func istLocation() *time.Location { return utils.IndiaLocation }

// BrokerLTP is the getLtpData reply.
type BrokerLTP struct {
	Exchange      Str   `json:"exchange"`
	TradingSymbol Str   `json:"tradingsymbol"`
	SymbolToken   Str   `json:"symboltoken"`
	Open          Float `json:"open"`
	High          Float `json:"high"`
	Low           Float `json:"low"`
	Close         Float `json:"close"`
	LTP           Float `json:"ltp"`
}

// TickerFromBroker converts an LTP reply observed at the given instant.
// The last price falls back to the previous close.
func TickerFromBroker(b BrokerLTP, at time.Time) models.Ticker {
	return models.Ticker{
		Symbol: string(b.TradingSymbol),
		Price:  firstNonZero(b.LTP, b.Close),
		Open:   float64(b.Open),
		High:   float64(b.High),
		Low:    float64(b.Low),
		Close:  float64(b.Close),
		Time:   at.UnixMilli(),
	}
}

// BrokerPosition is a getPosition row.
type BrokerPosition struct {
	TradingSymbol Str   `json:"tradingsymbol"`
	Exchange      Str   `json:"exchange"`
	ProductType   Str   `json:"producttype"`
	NetQty        Float `json:"netqty"`
	BuyQty        Float `json:"buyqty"`
	SellQty       Float `json:"sellqty"`
	AvgNetPrice   Float `json:"avgnetprice"`
	BuyAvgPrice   Float `json:"buyavgprice"`
	SellAvgPrice  Float `json:"sellavgprice"`
	LTP           Float `json:"ltp"`
	Unrealised    Float `json:"unrealised"`
}

// PositionFromBroker converts a position row. The broker's own P&L figure is
// ignored; P&L is always derived from prices and quantity.
func PositionFromBroker(b BrokerPosition) models.Position {
	qty := float64(b.NetQty)
	if qty == 0 {
		qty = float64(b.BuyQty - b.SellQty)
	}
	avg := float64(b.AvgNetPrice)
	if avg == 0 {
		if qty < 0 {
			avg = float64(b.SellAvgPrice)
		} else {
			avg = float64(b.BuyAvgPrice)
		}
	}
	p := models.NewPosition(string(b.TradingSymbol), qty, avg, float64(b.LTP))
	p.Exchange = models.Exchange(strings.ToUpper(string(b.Exchange)))
	p.Product = ProductFromBroker(string(b.ProductType))
	return p
}

// BrokerHolding is a getHolding row.
type BrokerHolding struct {
	TradingSymbol Str   `json:"tradingsymbol"`
	Exchange      Str   `json:"exchange"`
	Product       Str   `json:"product"`
	Quantity      Float `json:"quantity"`
	T1Quantity    Float `json:"t1quantity"`
	AveragePrice  Float `json:"averageprice"`
	LTP           Float `json:"ltp"`
	Close         Float `json:"close"`
}

// HoldingFromBroker converts a holding, counting T1 shares as held.
func HoldingFromBroker(b BrokerHolding) models.Position {
	p := models.NewPosition(string(b.TradingSymbol),
		float64(b.Quantity+b.T1Quantity),
		float64(b.AveragePrice),
		firstNonZero(b.LTP, b.Close))
	p.Exchange = models.Exchange(strings.ToUpper(string(b.Exchange)))
	p.Product = models.ProductDelivery
	return p
}

// BrokerFunds is the getRMS reply.
type BrokerFunds struct {
	Net               Float `json:"net"`
	AvailableCash     Float `json:"availablecash"`
	AvailableLimit    Float `json:"availablelimitmargin"`
	M2MUnrealized     Float `json:"m2munrealized"`
	M2MRealized       Float `json:"m2mrealized"`
	UtilisedDebits    Float `json:"utiliseddebits"`
	CollateralBalance Float `json:"collateral"`
}

// AccountFromBroker converts the funds summary.
func AccountFromBroker(b BrokerFunds) models.Account {
	return models.Account{
		TotalBalance:          float64(b.Net),
		AvailableBalance:      firstNonZero(b.AvailableCash, b.AvailableLimit),
		TotalUnrealizedProfit: float64(b.M2MUnrealized),
	}
}
