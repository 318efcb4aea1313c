package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"main/internal/schema"
)

const (
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 16

	L1BodySize         = 56
	L2BodySize         = 40
	TradeBodySize      = 37
	HeartbeatBodySize  = 8
	ControlAckBodySize = 8
)

var (
	ErrShortBuffer     = errors.New("codec: buffer too short")
	ErrBadMagic        = errors.New("codec: bad magic")
	ErrBadVersion      = errors.New("codec: unsupported version")
	ErrUnknownMsgType  = errors.New("codec: unknown message type")
	ErrBodyLenMismatch = errors.New("codec: body length mismatch")
	ErrCrcMismatch     = errors.New("codec: crc mismatch")
)

// BodySize returns the fixed body length for a message type.
func BodySize(t schema.MessageType) (int, bool) {
	switch t {
	case schema.MessageL1:
		return L1BodySize, true
	case schema.MessageL2:
		return L2BodySize, true
	case schema.MessageTrade:
		return TradeBodySize, true
	case schema.MessageHeartbeat:
		return HeartbeatBodySize, true
	case schema.MessageControlAck:
		return ControlAckBodySize, true
	default:
		return 0, false
	}
}

// FrameSize returns the full encoded length of a frame carrying the body.
func FrameSize(b schema.Body) int {
	n, _ := BodySize(b.Type())
	return HeaderSize + n
}

// EncodeFrame serializes a frame into dst, reusing it when large enough.
// The header message type, body length and checksum are derived from the
// body; any values already present in f.Header are ignored.
func EncodeFrame(dst []byte, f schema.Frame) []byte {
	return EncodeBody(dst, f.Body)
}

// EncodeBody serializes a body with a freshly computed header.
func EncodeBody(dst []byte, b schema.Body) []byte {
	bodyLen, _ := BodySize(b.Type())
	total := HeaderSize + bodyLen
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}

	body := dst[HeaderSize:]
	switch v := b.(type) {
	case schema.L1Body:
		binary.LittleEndian.PutUint64(body[0:8], v.TsNs)
		binary.LittleEndian.PutUint32(body[8:12], v.SymbolID)
		binary.LittleEndian.PutUint32(body[12:16], 0)
		binary.LittleEndian.PutUint64(body[16:24], uint64(v.BidPx))
		binary.LittleEndian.PutUint64(body[24:32], uint64(v.BidSz))
		binary.LittleEndian.PutUint64(body[32:40], uint64(v.AskPx))
		binary.LittleEndian.PutUint64(body[40:48], uint64(v.AskSz))
		binary.LittleEndian.PutUint64(body[48:56], v.Seq)
	case schema.L2Body:
		binary.LittleEndian.PutUint64(body[0:8], v.TsNs)
		binary.LittleEndian.PutUint32(body[8:12], v.SymbolID)
		body[12] = byte(v.Side)
		body[13] = byte(v.Action)
		binary.LittleEndian.PutUint16(body[14:16], v.Level)
		binary.LittleEndian.PutUint64(body[16:24], uint64(v.Price))
		binary.LittleEndian.PutUint64(body[24:32], uint64(v.Size))
		binary.LittleEndian.PutUint64(body[32:40], v.Seq)
	case schema.TradeBody:
		binary.LittleEndian.PutUint64(body[0:8], v.TsNs)
		binary.LittleEndian.PutUint32(body[8:12], v.SymbolID)
		binary.LittleEndian.PutUint64(body[12:20], uint64(v.Price))
		binary.LittleEndian.PutUint64(body[20:28], uint64(v.Size))
		body[28] = byte(v.Aggressor)
		binary.LittleEndian.PutUint64(body[29:37], v.Seq)
	case schema.HeartbeatBody:
		binary.LittleEndian.PutUint64(body[0:8], v.TsNs)
	case schema.ControlAckBody:
		binary.LittleEndian.PutUint32(body[0:4], v.AckCode)
		binary.LittleEndian.PutUint32(body[4:8], v.Reserved)
	}

	binary.LittleEndian.PutUint32(dst[0:4], schema.FrameMagic)
	binary.LittleEndian.PutUint16(dst[4:6], schema.FrameVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(b.Type()))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(bodyLen))
	binary.LittleEndian.PutUint32(dst[12:16], crc32.ChecksumIEEE(body))

	return dst
}

// DecodeHeader parses only the 16-byte frame header.
func DecodeHeader(src []byte) (schema.FrameHeader, error) {
	if len(src) < HeaderSize {
		return schema.FrameHeader{}, ErrShortBuffer
	}
	h := schema.FrameHeader{
		Magic:   binary.LittleEndian.Uint32(src[0:4]),
		Version: binary.LittleEndian.Uint16(src[4:6]),
		MsgType: schema.MessageType(binary.LittleEndian.Uint16(src[6:8])),
		BodyLen: binary.LittleEndian.Uint32(src[8:12]),
		Crc32:   binary.LittleEndian.Uint32(src[12:16]),
	}
	if h.Magic != schema.FrameMagic {
		return h, ErrBadMagic
	}
	if h.Version != schema.FrameVersion {
		return h, ErrBadVersion
	}
	want, ok := BodySize(h.MsgType)
	if !ok {
		return h, ErrUnknownMsgType
	}
	if int(h.BodyLen) != want {
		return h, ErrBodyLenMismatch
	}
	return h, nil
}

// DecodeFrame parses a full frame from src. The frame does not retain src.
func DecodeFrame(src []byte) (schema.Frame, error) {
	h, err := DecodeHeader(src)
	if err != nil {
		return schema.Frame{}, err
	}
	if len(src) < HeaderSize+int(h.BodyLen) {
		return schema.Frame{}, ErrShortBuffer
	}
	body := src[HeaderSize : HeaderSize+int(h.BodyLen)]
	if crc32.ChecksumIEEE(body) != h.Crc32 {
		return schema.Frame{}, ErrCrcMismatch
	}

	var b schema.Body
	switch h.MsgType {
	case schema.MessageL1:
		b = schema.L1Body{
			TsNs:     binary.LittleEndian.Uint64(body[0:8]),
			SymbolID: binary.LittleEndian.Uint32(body[8:12]),
			BidPx:    schema.Price(binary.LittleEndian.Uint64(body[16:24])),
			BidSz:    schema.Quantity(binary.LittleEndian.Uint64(body[24:32])),
			AskPx:    schema.Price(binary.LittleEndian.Uint64(body[32:40])),
			AskSz:    schema.Quantity(binary.LittleEndian.Uint64(body[40:48])),
			Seq:      binary.LittleEndian.Uint64(body[48:56]),
		}
	case schema.MessageL2:
		b = schema.L2Body{
			TsNs:     binary.LittleEndian.Uint64(body[0:8]),
			SymbolID: binary.LittleEndian.Uint32(body[8:12]),
			Side:     schema.Side(body[12]),
			Action:   schema.BookAction(body[13]),
			Level:    binary.LittleEndian.Uint16(body[14:16]),
			Price:    schema.Price(binary.LittleEndian.Uint64(body[16:24])),
			Size:     schema.Quantity(binary.LittleEndian.Uint64(body[24:32])),
			Seq:      binary.LittleEndian.Uint64(body[32:40]),
		}
	case schema.MessageTrade:
		b = schema.TradeBody{
			TsNs:      binary.LittleEndian.Uint64(body[0:8]),
			SymbolID:  binary.LittleEndian.Uint32(body[8:12]),
			Price:     schema.Price(binary.LittleEndian.Uint64(body[12:20])),
			Size:      schema.Quantity(binary.LittleEndian.Uint64(body[20:28])),
			Aggressor: schema.AggressorSide(body[28]),
			Seq:       binary.LittleEndian.Uint64(body[29:37]),
		}
	case schema.MessageHeartbeat:
		b = schema.HeartbeatBody{
			TsNs: binary.LittleEndian.Uint64(body[0:8]),
		}
	case schema.MessageControlAck:
		b = schema.ControlAckBody{
			AckCode:  binary.LittleEndian.Uint32(body[0:4]),
			Reserved: binary.LittleEndian.Uint32(body[4:8]),
		}
	}

	return schema.Frame{Header: h, Body: b}, nil
}
