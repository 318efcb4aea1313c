package schema

// RawEventType discriminates the raw event variant.
type RawEventType uint8

const (
	RawUnknown RawEventType = iota
	RawL1
	RawL2
	RawTrade
)

// RawEvent is the unnormalized input produced by a feed. Prices and sizes
// are floating point as received; only the fields of the active variant
// are meaningful.
type RawEvent struct {
	Type        RawEventType
	Symbol      string
	TimestampNs uint64
	Sequence    uint64

	// L1
	BidPrice float64
	AskPrice float64
	BidSize  float64
	AskSize  float64

	// L2
	Side   Side
	Action BookAction
	Level  uint16
	Price  float64
	Size   float64

	// Trade
	TradePrice float64
	TradeSize  float64
	Aggressor  AggressorSide
}
