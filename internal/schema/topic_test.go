package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type mapResolver map[uint32]string

func (m mapResolver) ByID(id uint32) string { return m[id] }

func TestTopicFor(t *testing.T) {
	reg := mapResolver{1: "BTCUSDT"}

	assert.Equal(t, "l1.BTCUSDT", TopicFor(L1Body{SymbolID: 1}, reg))
	assert.Equal(t, "l2.BTCUSDT", TopicFor(L2Body{SymbolID: 1}, reg))
	assert.Equal(t, "trade.BTCUSDT", TopicFor(TradeBody{SymbolID: 1}, reg))
	assert.Equal(t, "trade.UNKNOWN", TopicFor(TradeBody{SymbolID: 2}, reg))
	assert.Equal(t, "trade.UNKNOWN", TopicFor(TradeBody{SymbolID: 2}, nil))
	assert.Equal(t, "heartbeat", TopicFor(HeartbeatBody{}, reg))
	assert.Equal(t, "control", TopicFor(ControlAckBody{}, reg))
}

func TestSymbolIDExtraction(t *testing.T) {
	id, ok := SymbolID(L1Body{SymbolID: 5})
	assert.True(t, ok)
	assert.Equal(t, uint32(5), id)

	_, ok = SymbolID(HeartbeatBody{})
	assert.False(t, ok)
}

func TestNewFrameHeader(t *testing.T) {
	f := NewFrame(TradeBody{TsNs: 9})
	assert.Equal(t, FrameMagic, f.Header.Magic)
	assert.Equal(t, FrameVersion, f.Header.Version)
	assert.Equal(t, MessageTrade, f.Header.MsgType)
	assert.Equal(t, uint64(9), f.Body.Timestamp())
}
