package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"main/internal/codec"
	"main/internal/schema"
)

func main() {
	path := flag.String("file", "", "Path to .mdf file")
	withIndex := flag.Bool("index", false, "Also dump the paired .idx file")
	maxFrames := flag.Int("max-frames", 0, "Stop after N frames (0=all)")
	flag.Parse()

	if *path == "" {
		log.Fatalf("-file is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer f.Close()

	hdrBuf := make([]byte, codec.MdfHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		log.Fatalf("read mdf header failed: %v", err)
	}
	hdr, err := codec.DecodeMdfHeader(hdrBuf)
	if err != nil {
		log.Fatalf("decode mdf header failed: %v", err)
	}
	fmt.Printf("mdf version=%d start_ts=%d end_ts=%d symbols=%d frames=%d\n",
		hdr.Version, hdr.StartTsNs, hdr.EndTsNs, hdr.SymbolCount, hdr.FrameCount)

	buf := make([]byte, codec.HeaderSize+codec.L1BodySize)
	offset := int64(codec.MdfHeaderSize)
	index := 0
	for {
		if *maxFrames > 0 && index >= *maxFrames {
			break
		}
		n, err := io.ReadFull(f, buf[:codec.HeaderSize])
		if err != nil {
			if err == io.EOF && n == 0 {
				break
			}
			log.Fatalf("read frame header at %d failed: %v", offset, err)
		}
		fh, err := codec.DecodeHeader(buf[:codec.HeaderSize])
		if err != nil {
			log.Fatalf("decode frame header at %d failed: %v", offset, err)
		}
		total := codec.HeaderSize + int(fh.BodyLen)
		if cap(buf) < total {
			grown := make([]byte, total)
			copy(grown, buf[:codec.HeaderSize])
			buf = grown
		}
		if _, err := io.ReadFull(f, buf[codec.HeaderSize:total]); err != nil {
			log.Fatalf("read frame body at %d failed: %v", offset, err)
		}
		frame, err := codec.DecodeFrame(buf[:total])
		if err != nil {
			log.Fatalf("decode frame at %d failed: %v", offset, err)
		}

		index++
		fmt.Printf("%06d offset=%d %s\n", index, offset, describe(frame.Body))
		offset += int64(total)
	}

	if *withIndex {
		dumpIndex(strings.TrimSuffix(*path, ".mdf") + ".idx")
	}
}

func describe(b schema.Body) string {
	switch v := b.(type) {
	case schema.L1Body:
		return fmt.Sprintf("l1 ts=%d sym=%d seq=%d bid=%d/%d ask=%d/%d",
			v.TsNs, v.SymbolID, v.Seq, v.BidPx, v.BidSz, v.AskPx, v.AskSz)
	case schema.L2Body:
		return fmt.Sprintf("l2 ts=%d sym=%d seq=%d side=%d action=%d level=%d px=%d sz=%d",
			v.TsNs, v.SymbolID, v.Seq, v.Side, v.Action, v.Level, v.Price, v.Size)
	case schema.TradeBody:
		return fmt.Sprintf("trade ts=%d sym=%d seq=%d px=%d sz=%d aggressor=%d",
			v.TsNs, v.SymbolID, v.Seq, v.Price, v.Size, v.Aggressor)
	case schema.HeartbeatBody:
		return fmt.Sprintf("heartbeat ts=%d", v.TsNs)
	case schema.ControlAckBody:
		return fmt.Sprintf("control_ack code=%d", v.AckCode)
	default:
		return "unknown"
	}
}

func dumpIndex(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read idx failed: %v", err)
	}
	n := len(data) / codec.IndexEntrySize
	fmt.Printf("idx entries=%d\n", n)
	for i := 0; i < n; i++ {
		e, err := codec.DecodeIndexEntry(data[i*codec.IndexEntrySize:])
		if err != nil {
			log.Fatalf("decode idx entry %d failed: %v", i, err)
		}
		fmt.Printf("  %06d ts=%d offset=%d\n", i, e.TsNsFirst, e.FileOffset)
	}
}
