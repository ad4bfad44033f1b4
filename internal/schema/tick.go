// Package schema defines the canonical tick model and wire protocol types.
package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/marketcalls/tickstream/errs"
)

// Mode identifies the richness level of a vendor market-data update.
// The numeric values are the vendor wire values.
type Mode uint8

const (
	// ModeLTP carries only the last traded price block.
	ModeLTP Mode = 1
	// ModeQuote adds traded quantities and OHLC on top of LTP.
	ModeQuote Mode = 2
	// ModeSnapQuote adds the best-five ladder, open interest and circuit bands.
	ModeSnapQuote Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "QUOTE"
	case ModeSnapQuote:
		return "SNAPQUOTE"
	default:
		return fmt.Sprintf("MODE(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the defined subscription modes.
func (m Mode) Valid() bool {
	return m == ModeLTP || m == ModeQuote || m == ModeSnapQuote
}

// ParseMode converts a client-supplied mode string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LTP":
		return ModeLTP, nil
	case "QUOTE":
		return ModeQuote, nil
	case "SNAPQUOTE":
		return ModeSnapQuote, nil
	default:
		return 0, errs.New("schema/mode", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown mode %q", s)))
	}
}

// Topic is the canonical routing key for publish/subscribe.
// Two modes on the same instrument are two distinct topics.
type Topic struct {
	Symbol   string
	Exchange string
	Mode     Mode
}

// Key returns the bus routing key, e.g. "RELIANCE.NSE.QUOTE".
func (t Topic) Key() string {
	return t.Symbol + "." + t.Exchange + "." + t.Mode.String()
}

// Route returns the client-facing topic string, e.g. "RELIANCE.NSE".
func (t Topic) Route() string {
	return t.Symbol + "." + t.Exchange
}

// Validate checks the topic for empty legs and an undefined mode.
func (t Topic) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return errs.New("schema/topic", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if strings.TrimSpace(t.Exchange) == "" {
		return errs.New("schema/topic", errs.CodeInvalid, errs.WithMessage("exchange required"))
	}
	if !t.Mode.Valid() {
		return errs.New("schema/topic", errs.CodeInvalid, errs.WithMessage("mode required"))
	}
	return nil
}

// DepthLevel is one rung of the best-five ladder.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int16           `json:"orders"`
}

// QuoteFields carries the fields present from QUOTE mode upward.
type QuoteFields struct {
	LastTradedQty  int64           `json:"last_traded_qty"`
	AvgTradedPrice decimal.Decimal `json:"avg_traded_price"`
	Volume         int64           `json:"volume"`
	TotalBuyQty    float64         `json:"total_buy_qty"`
	TotalSellQty   float64         `json:"total_sell_qty"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Close          decimal.Decimal `json:"close"`
}

// SnapFields carries the fields present only in SNAPQUOTE mode.
type SnapFields struct {
	LastTradedTS int64           `json:"last_traded_ts"`
	OpenInterest int64           `json:"open_interest"`
	BestBids     []DepthLevel    `json:"best_bids"`
	BestAsks     []DepthLevel    `json:"best_asks"`
	UpperCircuit decimal.Decimal `json:"upper_circuit"`
	LowerCircuit decimal.Decimal `json:"lower_circuit"`
	High52W      decimal.Decimal `json:"high_52w"`
	Low52W       decimal.Decimal `json:"low_52w"`
}

// Tick is one normalized market-data update. Immutable once published;
// never persisted. Blocks beyond the mode's cutoff are nil, not zero.
type Tick struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Mode         Mode            `json:"-"`
	Token        string          `json:"-"`
	ExchangeType int             `json:"-"`
	Sequence     int64           `json:"sequence"`
	ExchangeTS   int64           `json:"exchange_ts"`
	LTP          decimal.Decimal `json:"ltp"`
	Quote        *QuoteFields    `json:"quote,omitempty"`
	Snap         *SnapFields     `json:"snapquote,omitempty"`
}

// Topic returns the canonical routing key for the tick. Symbol and Exchange
// must already be resolved by the owning adapter.
func (t *Tick) Topic() Topic {
	return Topic{Symbol: t.Symbol, Exchange: t.Exchange, Mode: t.Mode}
}
