package replay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"main/internal/codec"
	"main/internal/schema"
)

var (
	ErrNoData        = errors.New("replay: no data files for timestamp")
	ErrSeekPastEnd   = errors.New("replay: seek target beyond end of file")
	ErrCorruptStream = errors.New("replay: corrupt frame stream")
)

// findFiles scans dataDir for the md_YYYYMMDD_HHMMSS pair whose recorded
// range contains ts. Candidates are filtered by name and decided by
// inspecting the MdfHeader.
func findFiles(dataDir string, ts uint64) (mdfPath, idxPath string, err error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return "", "", err
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "md_") || !strings.HasSuffix(name, ".mdf") {
			continue
		}
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)

	for _, name := range candidates {
		mdf := filepath.Join(dataDir, name)
		idx := strings.TrimSuffix(mdf, ".mdf") + ".idx"
		if _, err := os.Stat(idx); err != nil {
			continue
		}
		hdr, err := readMdfHeader(mdf)
		if err != nil {
			continue
		}
		if ts >= hdr.StartTsNs && ts <= hdr.EndTsNs {
			return mdf, idx, nil
		}
	}
	return "", "", ErrNoData
}

func readMdfHeader(path string) (codec.MdfHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return codec.MdfHeader{}, err
	}
	defer f.Close()

	buf := make([]byte, codec.MdfHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return codec.MdfHeader{}, err
	}
	return codec.DecodeMdfHeader(buf)
}

// loadIndex reads the whole .idx file into memory.
func loadIndex(path string) ([]codec.IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n := len(data) / codec.IndexEntrySize
	entries := make([]codec.IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := codec.DecodeIndexEntry(data[i*codec.IndexEntrySize:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// frameReader decodes frames sequentially from an .mdf file, tracking the
// byte offset of the next frame.
type frameReader struct {
	f      *os.File
	offset int64
	buf    []byte
}

func newFrameReader(f *os.File) *frameReader {
	return &frameReader{f: f, buf: make([]byte, codec.HeaderSize+codec.L1BodySize)}
}

// seekTo positions the reader at an absolute byte offset.
func (r *frameReader) seekTo(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	r.offset = offset
	return nil
}

// next reads and decodes the frame at the current offset. io.EOF marks a
// clean end of file.
func (r *frameReader) next() (schema.Frame, error) {
	hdr := r.buf[:codec.HeaderSize]
	n, err := io.ReadFull(r.f, hdr)
	if err != nil {
		if err == io.EOF && n == 0 {
			return schema.Frame{}, io.EOF
		}
		return schema.Frame{}, io.EOF
	}
	h, err := codec.DecodeHeader(hdr)
	if err != nil {
		return schema.Frame{}, ErrCorruptStream
	}

	total := codec.HeaderSize + int(h.BodyLen)
	if cap(r.buf) < total {
		grown := make([]byte, total)
		copy(grown, r.buf[:codec.HeaderSize])
		r.buf = grown
	}
	r.buf = r.buf[:total]
	if _, err := io.ReadFull(r.f, r.buf[codec.HeaderSize:total]); err != nil {
		return schema.Frame{}, ErrCorruptStream
	}

	frame, err := codec.DecodeFrame(r.buf[:total])
	if err != nil {
		return schema.Frame{}, ErrCorruptStream
	}
	r.offset += int64(total)
	return frame, nil
}

// seekToTimestamp binary-searches the index for the last entry at or
// before target, then scans forward so the next read returns the first
// frame with ts_ns >= target.
func (r *frameReader) seekToTimestamp(entries []codec.IndexEntry, target uint64) error {
	offset := int64(codec.MdfHeaderSize)
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].TsNsFirst <= target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 {
		offset = int64(entries[lo-1].FileOffset)
	}

	if err := r.seekTo(offset); err != nil {
		return err
	}
	for {
		at := r.offset
		frame, err := r.next()
		if err != nil {
			if err == io.EOF {
				return ErrSeekPastEnd
			}
			return err
		}
		if frame.Body.Timestamp() >= target {
			return r.seekTo(at)
		}
	}
}
