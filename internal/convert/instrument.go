package convert

import (
	"strings"
	"time"

	"angelone-bridge/internal/models"
)

// DefaultTickSize applies when the catalog omits one.
const DefaultTickSize = 0.05

// ExpiryLayout is the catalog's expiry date format, e.g. 26DEC2024.
const ExpiryLayout = "02Jan2006"

// BrokerInstrument is one instrument master row. Strike and tick size are in paise.
type BrokerInstrument struct {
	Token          Str   `json:"token" csv:"token"`
	Symbol         Str   `json:"symbol" csv:"symbol"`
	Name           Str   `json:"name" csv:"name"`
	Expiry         Str   `json:"expiry" csv:"expiry"`
	Strike         Float `json:"strike" csv:"strike"`
	LotSize        Float `json:"lotsize" csv:"lotsize"`
	InstrumentType Str   `json:"instrumenttype" csv:"instrumenttype"`
	ExchSeg        Str   `json:"exch_seg" csv:"exch_seg"`
	TickSize       Float `json:"tick_size" csv:"tick_size"`
}

// KindFromInstrumentType maps the catalog's instrument type, using the symbol
// to tell calls from puts.
func KindFromInstrumentType(instrumentType, symbol string) models.InstrumentKind {
	it := strings.ToUpper(strings.TrimSpace(instrumentType))
	switch {
	case strings.HasPrefix(it, "OPT"):
		if strings.HasSuffix(strings.ToUpper(symbol), "PE") {
			return models.KindPut
		}
		return models.KindCall
	case strings.HasPrefix(it, "FUT"):
		return models.KindFuture
	case it == "AMXIDX" || it == "INDEX":
		return models.KindIndex
	default:
		return models.KindEquity
	}
}

// InstrumentFromBroker converts a catalog row. ok is false for rows on
// unsupported segments or without a token or symbol.
func InstrumentFromBroker(b BrokerInstrument) (models.SymbolRecord, bool) {
	ex, known := models.ParseExchange(string(b.ExchSeg))
	if !known || b.Token == "" || b.Symbol == "" {
		return models.SymbolRecord{}, false
	}
	symbol := strings.ToUpper(string(b.Symbol))
	rec := models.SymbolRecord{
		Symbol:   symbol,
		Name:     strings.ToUpper(string(b.Name)),
		Exchange: ex,
		Token:    string(b.Token),
		LotSize:  int(b.LotSize),
		TickSize: float64(b.TickSize) / 100,
		Kind:     KindFromInstrumentType(string(b.InstrumentType), symbol),
	}
	if rec.LotSize <= 0 {
		rec.LotSize = 1
	}
	if rec.TickSize <= 0 {
		rec.TickSize = DefaultTickSize
	}
	if b.Strike > 0 {
		rec.Strike = float64(b.Strike) / 100
	}
	if t, err := time.ParseInLocation(ExpiryLayout, string(b.Expiry), istLocation()); err == nil {
		rec.Expiry = t
	}
	return rec, true
}
