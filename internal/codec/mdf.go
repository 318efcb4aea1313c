package codec

import (
	"encoding/binary"
	"errors"
)

// MdfMagic marks the start of an .mdf data file ('MDFI' little-endian).
const MdfMagic uint32 = 0x4D444649

// MdfVersion is the current .mdf file format version.
const MdfVersion uint16 = 1

const (
	// MdfHeaderSize is the fixed .mdf file header length in bytes.
	MdfHeaderSize = 32
	// IndexEntrySize is the fixed .idx record length in bytes.
	IndexEntrySize = 16
)

var (
	ErrBadMdfMagic   = errors.New("codec: bad mdf magic")
	ErrBadMdfVersion = errors.New("codec: unsupported mdf version")
)

// MdfHeader describes one rolled data file. End timestamp and counts are
// rewritten in place as the file grows.
type MdfHeader struct {
	Magic       uint32
	Version     uint16
	Reserved    uint16
	StartTsNs   uint64
	EndTsNs     uint64
	SymbolCount uint32
	FrameCount  uint32
}

// IndexEntry maps a timestamp to an absolute frame offset in the paired
// .mdf file.
type IndexEntry struct {
	TsNsFirst  uint64
	FileOffset uint64
}

// EncodeMdfHeader serializes an .mdf header into dst.
func EncodeMdfHeader(dst []byte, h MdfHeader) []byte {
	if cap(dst) < MdfHeaderSize {
		dst = make([]byte, MdfHeaderSize)
	} else {
		dst = dst[:MdfHeaderSize]
	}
	binary.LittleEndian.PutUint32(dst[0:4], MdfMagic)
	binary.LittleEndian.PutUint16(dst[4:6], MdfVersion)
	binary.LittleEndian.PutUint16(dst[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(dst[8:16], h.StartTsNs)
	binary.LittleEndian.PutUint64(dst[16:24], h.EndTsNs)
	binary.LittleEndian.PutUint32(dst[24:28], h.SymbolCount)
	binary.LittleEndian.PutUint32(dst[28:32], h.FrameCount)
	return dst
}

// DecodeMdfHeader parses an .mdf header.
func DecodeMdfHeader(src []byte) (MdfHeader, error) {
	if len(src) < MdfHeaderSize {
		return MdfHeader{}, ErrShortBuffer
	}
	h := MdfHeader{
		Magic:       binary.LittleEndian.Uint32(src[0:4]),
		Version:     binary.LittleEndian.Uint16(src[4:6]),
		Reserved:    binary.LittleEndian.Uint16(src[6:8]),
		StartTsNs:   binary.LittleEndian.Uint64(src[8:16]),
		EndTsNs:     binary.LittleEndian.Uint64(src[16:24]),
		SymbolCount: binary.LittleEndian.Uint32(src[24:28]),
		FrameCount:  binary.LittleEndian.Uint32(src[28:32]),
	}
	if h.Magic != MdfMagic {
		return h, ErrBadMdfMagic
	}
	if h.Version != MdfVersion {
		return h, ErrBadMdfVersion
	}
	return h, nil
}

// EncodeIndexEntry serializes an index entry into dst.
func EncodeIndexEntry(dst []byte, e IndexEntry) []byte {
	if cap(dst) < IndexEntrySize {
		dst = make([]byte, IndexEntrySize)
	} else {
		dst = dst[:IndexEntrySize]
	}
	binary.LittleEndian.PutUint64(dst[0:8], e.TsNsFirst)
	binary.LittleEndian.PutUint64(dst[8:16], e.FileOffset)
	return dst
}

// DecodeIndexEntry parses an index entry.
func DecodeIndexEntry(src []byte) (IndexEntry, error) {
	if len(src) < IndexEntrySize {
		return IndexEntry{}, ErrShortBuffer
	}
	return IndexEntry{
		TsNsFirst:  binary.LittleEndian.Uint64(src[0:8]),
		FileOffset: binary.LittleEndian.Uint64(src[8:16]),
	}, nil
}
