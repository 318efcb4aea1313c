package normalize

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/internal/symbols"
)

var (
	ErrUnknownEvent = errors.New("normalize: unknown raw event type")
	ErrOverflow     = errors.New("normalize: scaled value out of range")
)

var fixedScale = decimal.New(1, 8)

// scalePrice converts a floating-point price to a signed 1e8 fixed-point
// value, rounding half to even.
func scalePrice(v float64) (schema.Price, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrOverflow
	}
	n := decimal.NewFromFloat(v).Mul(fixedScale).RoundBank(0).BigInt()
	if !n.IsInt64() {
		return 0, ErrOverflow
	}
	return schema.Price(n.Int64()), nil
}

// scaleSize converts a floating-point size to an unsigned 1e8 fixed-point
// value, rounding half to even. Negative sizes are rejected.
func scaleSize(v float64) (schema.Quantity, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrOverflow
	}
	n := decimal.NewFromFloat(v).Mul(fixedScale).RoundBank(0).BigInt()
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, ErrOverflow
	}
	return schema.Quantity(n.Uint64()), nil
}

// Convert turns a raw event into a frame body with a registry-resolved
// symbol id, preserving sequence and timestamp.
func Convert(ev schema.RawEvent, reg *symbols.Registry) (schema.Body, error) {
	symbolID := reg.GetOrAdd(ev.Symbol)

	switch ev.Type {
	case schema.RawL1:
		bidPx, err := scalePrice(ev.BidPrice)
		if err != nil {
			return nil, err
		}
		bidSz, err := scaleSize(ev.BidSize)
		if err != nil {
			return nil, err
		}
		askPx, err := scalePrice(ev.AskPrice)
		if err != nil {
			return nil, err
		}
		askSz, err := scaleSize(ev.AskSize)
		if err != nil {
			return nil, err
		}
		return schema.L1Body{
			TsNs:     ev.TimestampNs,
			SymbolID: symbolID,
			BidPx:    bidPx,
			BidSz:    bidSz,
			AskPx:    askPx,
			AskSz:    askSz,
			Seq:      ev.Sequence,
		}, nil

	case schema.RawL2:
		price, err := scalePrice(ev.Price)
		if err != nil {
			return nil, err
		}
		size, err := scaleSize(ev.Size)
		if err != nil {
			return nil, err
		}
		return schema.L2Body{
			TsNs:     ev.TimestampNs,
			SymbolID: symbolID,
			Side:     ev.Side,
			Action:   ev.Action,
			Level:    ev.Level,
			Price:    price,
			Size:     size,
			Seq:      ev.Sequence,
		}, nil

	case schema.RawTrade:
		price, err := scalePrice(ev.TradePrice)
		if err != nil {
			return nil, err
		}
		size, err := scaleSize(ev.TradeSize)
		if err != nil {
			return nil, err
		}
		return schema.TradeBody{
			TsNs:      ev.TimestampNs,
			SymbolID:  symbolID,
			Price:     price,
			Size:      size,
			Aggressor: ev.Aggressor,
			Seq:       ev.Sequence,
		}, nil

	default:
		return nil, ErrUnknownEvent
	}
}
