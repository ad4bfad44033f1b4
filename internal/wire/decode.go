// Package wire decodes the vendor's fixed-layout binary tick frames.
//
// All multi-byte fields are little-endian. Price fields arrive as integer
// minor units (paise) and are converted to decimal by dividing by 100 here,
// exactly once; nothing downstream re-applies the scaling.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/marketcalls/tickstream/errs"
	"github.com/marketcalls/tickstream/internal/schema"
)

// Frame offsets shared by every mode.
const (
	offMode         = 0
	offExchangeType = 1
	offToken        = 2
	tokenLen        = 25
	offSequence     = 27
	offExchangeTS   = 35
	offLTP          = 43

	// LTPLength is the minimum frame length for an LTP-mode tick.
	LTPLength = 51
)

// QUOTE-mode extension offsets.
const (
	offLastTradedQty  = 51
	offAvgTradedPrice = 59
	offVolume         = 67
	offTotalBuyQty    = 75
	offTotalSellQty   = 83
	offOpen           = 91
	offHigh           = 99
	offLow            = 107
	offClose          = 115

	// QuoteLength is the minimum frame length for a QUOTE-mode tick.
	QuoteLength = 123
)

// SNAPQUOTE-mode extension offsets.
const (
	offLastTradedTS = 123
	offOpenInterest = 131
	offBestFive     = 147
	offUpperCircuit = 347
	offLowerCircuit = 355
	off52WHigh      = 363
	off52WLow       = 371

	// SnapQuoteLength is the minimum frame length for a SNAPQUOTE-mode tick.
	SnapQuoteLength = 379

	bestFiveRecords   = 10
	bestFiveRecordLen = 20
	bestFiveBuyFlag   = 1
)

// MinLength returns the minimum frame length for the given mode, or 0 when
// the mode is not defined.
func MinLength(mode schema.Mode) int {
	switch mode {
	case schema.ModeLTP:
		return LTPLength
	case schema.ModeQuote:
		return QuoteLength
	case schema.ModeSnapQuote:
		return SnapQuoteLength
	default:
		return 0
	}
}

// Decode converts one vendor frame into a canonical tick. The declared mode
// is read from the frame itself; a frame shorter than its declared mode's
// minimum is an error, never a partial tick. Symbol and Exchange are left
// empty for the owning adapter to resolve from its token map.
func Decode(frame []byte) (*schema.Tick, error) {
	if len(frame) < LTPLength {
		return nil, errs.New("wire/decode", errs.CodeDecode,
			errs.WithMessage(fmt.Sprintf("frame length %d below minimum %d", len(frame), LTPLength)))
	}

	mode := schema.Mode(frame[offMode])
	min := MinLength(mode)
	if min == 0 {
		return nil, errs.New("wire/decode", errs.CodeDecode,
			errs.WithMessage(fmt.Sprintf("unknown subscription mode %d", frame[offMode])))
	}
	if len(frame) < min {
		return nil, errs.New("wire/decode", errs.CodeDecode,
			errs.WithMessage(fmt.Sprintf("%s frame length %d below minimum %d", mode, len(frame), min)))
	}

	tick := &schema.Tick{
		Mode:         mode,
		Token:        decodeToken(frame[offToken : offToken+tokenLen]),
		ExchangeType: int(frame[offExchangeType]),
		Sequence:     int64(binary.LittleEndian.Uint64(frame[offSequence:])),
		ExchangeTS:   int64(binary.LittleEndian.Uint64(frame[offExchangeTS:])),
		LTP:          price(frame[offLTP:]),
	}

	if mode == schema.ModeQuote || mode == schema.ModeSnapQuote {
		tick.Quote = &schema.QuoteFields{
			LastTradedQty:  int64(binary.LittleEndian.Uint64(frame[offLastTradedQty:])),
			AvgTradedPrice: price(frame[offAvgTradedPrice:]),
			Volume:         int64(binary.LittleEndian.Uint64(frame[offVolume:])),
			TotalBuyQty:    math.Float64frombits(binary.LittleEndian.Uint64(frame[offTotalBuyQty:])),
			TotalSellQty:   math.Float64frombits(binary.LittleEndian.Uint64(frame[offTotalSellQty:])),
			Open:           price(frame[offOpen:]),
			High:           price(frame[offHigh:]),
			Low:            price(frame[offLow:]),
			Close:          price(frame[offClose:]),
		}
	}

	if mode == schema.ModeSnapQuote {
		bids, asks := decodeBestFive(frame[offBestFive:])
		tick.Snap = &schema.SnapFields{
			LastTradedTS: int64(binary.LittleEndian.Uint64(frame[offLastTradedTS:])),
			OpenInterest: int64(binary.LittleEndian.Uint64(frame[offOpenInterest:])),
			BestBids:     bids,
			BestAsks:     asks,
			UpperCircuit: price(frame[offUpperCircuit:]),
			LowerCircuit: price(frame[offLowerCircuit:]),
			High52W:      price(frame[off52WHigh:]),
			Low52W:       price(frame[off52WLow:]),
		}
	}

	return tick, nil
}

// decodeBestFive demuxes the 10 fixed-size ladder records by their buy/sell
// flag. Side is never inferred from record position: the vendor does not
// guarantee that bid records precede ask records.
func decodeBestFive(block []byte) (bids, asks []schema.DepthLevel) {
	for i := 0; i < bestFiveRecords; i++ {
		rec := block[i*bestFiveRecordLen:]
		flag := int16(binary.LittleEndian.Uint16(rec[0:]))
		level := schema.DepthLevel{
			Quantity: int64(binary.LittleEndian.Uint64(rec[2:])),
			Price:    price(rec[10:]),
			Orders:   int16(binary.LittleEndian.Uint16(rec[18:])),
		}
		if flag == bestFiveBuyFlag {
			bids = append(bids, level)
		} else {
			asks = append(asks, level)
		}
	}
	return bids, asks
}

func decodeToken(raw []byte) string {
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

func price(b []byte) decimal.Decimal {
	return decimal.New(int64(binary.LittleEndian.Uint64(b)), -2)
}
