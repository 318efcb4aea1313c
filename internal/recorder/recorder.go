package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/obs"
	"main/internal/schema"
)

var ErrAlreadyStarted = errors.New("recorder: already started")

const idleBackoff = 100 * time.Microsecond

// Stats is a point-in-time view of recorder counters.
type Stats struct {
	FramesWritten uint64 `json:"frames_written"`
	BytesWritten  uint64 `json:"bytes_written"`
	FsyncsTotal   uint64 `json:"fsyncs_total"`
	FilesRolled   uint64 `json:"files_rolled"`
	IsRecording   bool   `json:"is_recording"`
}

// Recorder is the single writer draining the frame queue into rolled
// .mdf/.idx file pairs.
type Recorder struct {
	cfg     Config
	in      *bus.Queue[schema.Frame]
	metrics *obs.Metrics

	framesWritten atomic.Uint64
	bytesWritten  atomic.Uint64
	fsyncsTotal   atomic.Uint64
	filesRolled   atomic.Uint64
	recording     atomic.Bool
	forceRoll     atomic.Bool

	// Writer goroutine state.
	mdf              *os.File
	idx              *os.File
	mdfPath          string
	fileBytes        int64
	fileFrames       uint32
	framesSinceIndex int
	fileStartTs      uint64
	fileEndTs        uint64
	fileSymbols      map[uint32]struct{}
	dirty            bool
	lastSync         time.Time
	encBuf           []byte
	idxBuf           []byte
	hdrBuf           []byte

	stop    chan struct{}
	wg      sync.WaitGroup
	started uint32
	stopped uint32
}

// NewRecorder creates a recorder and ensures the data directory exists.
func NewRecorder(cfg Config, in *bus.Queue[schema.Frame], metrics *obs.Metrics) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		cfg:     cfg,
		in:      in,
		metrics: metrics,
		stop:    make(chan struct{}),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (r *Recorder) Start() error {
	if !atomic.CompareAndSwapUint32(&r.started, 0, 1) {
		return ErrAlreadyStarted
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	r.recording.Store(true)
	logs.Infof("recorder started, dir=%s", r.cfg.Dir)
	return nil
}

// Stop drains what is immediately available, syncs and closes the current
// file pair, and joins the writer.
func (r *Recorder) Stop() {
	if atomic.LoadUint32(&r.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	close(r.stop)
	r.wg.Wait()
	r.recording.Store(false)
	logs.Info("recorder stopped")
}

// ForceRoll makes the next frame open a fresh file pair.
func (r *Recorder) ForceRoll() {
	r.forceRoll.Store(true)
}

// Stats snapshots the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		FramesWritten: r.framesWritten.Load(),
		BytesWritten:  r.bytesWritten.Load(),
		FsyncsTotal:   r.fsyncsTotal.Load(),
		FilesRolled:   r.filesRolled.Load(),
		IsRecording:   r.recording.Load(),
	}
}

func (r *Recorder) run() {
	batch := make([]schema.Frame, r.cfg.BatchSize)
	r.lastSync = time.Now()

	defer func() {
		// Final non-blocking drain, then close with one last sync.
		for {
			n := r.in.TryDequeueBulk(batch)
			if n == 0 {
				break
			}
			for _, f := range batch[:n] {
				r.writeFrame(f)
			}
		}
		r.closeFiles()
	}()

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n := r.in.TryDequeueBulk(batch)
		if n == 0 {
			r.maybeSync()
			time.Sleep(idleBackoff)
			continue
		}

		for _, f := range batch[:n] {
			done := r.metrics.Time("recorder_write_frame_ns")
			r.writeFrame(f)
			done()
		}
		r.maybeSync()
		r.metrics.IncCounter("recorder_frames_total", uint64(n))
	}
}

func (r *Recorder) writeFrame(f schema.Frame) {
	ts := f.Body.Timestamp()
	r.encBuf = codec.EncodeFrame(r.encBuf, f)
	frameLen := int64(len(r.encBuf))

	if r.mdf == nil || r.forceRoll.CompareAndSwap(true, false) || r.fileBytes+frameLen > r.cfg.RollBytes {
		r.closeFiles()
		if err := r.openFiles(ts); err != nil {
			logs.Errorf("recorder open failed: %v", err)
			r.metrics.IncCounter("recorder_open_errors_total", 1)
			return
		}
	}

	offset := r.fileBytes
	if _, err := r.mdf.Write(r.encBuf); err != nil {
		logs.Errorf("recorder write failed: %v", err)
		r.metrics.IncCounter("recorder_write_errors_total", 1)
		return
	}

	r.fileBytes += frameLen
	r.fileFrames++
	r.framesSinceIndex++
	r.fileEndTs = ts
	if id, ok := schema.SymbolID(f.Body); ok && id != 0 {
		r.fileSymbols[id] = struct{}{}
	}
	r.dirty = true
	r.framesWritten.Add(1)
	r.bytesWritten.Add(uint64(frameLen))

	if r.framesSinceIndex >= r.cfg.IndexInterval {
		r.writeIndexEntry(ts, uint64(offset))
		r.framesSinceIndex = 0
	}

	if r.fileFrames%1000 == 0 {
		r.updateHeader()
	}
}

func (r *Recorder) writeIndexEntry(ts uint64, offset uint64) {
	if r.idx == nil {
		return
	}
	r.idxBuf = codec.EncodeIndexEntry(r.idxBuf, codec.IndexEntry{TsNsFirst: ts, FileOffset: offset})
	if _, err := r.idx.Write(r.idxBuf); err != nil {
		logs.Errorf("recorder index write failed: %v", err)
		r.metrics.IncCounter("recorder_write_errors_total", 1)
	}
}

func (r *Recorder) updateHeader() {
	if r.mdf == nil {
		return
	}
	r.hdrBuf = codec.EncodeMdfHeader(r.hdrBuf, codec.MdfHeader{
		StartTsNs:   r.fileStartTs,
		EndTsNs:     r.fileEndTs,
		SymbolCount: uint32(len(r.fileSymbols)),
		FrameCount:  r.fileFrames,
	})
	if _, err := r.mdf.WriteAt(r.hdrBuf, 0); err != nil {
		logs.Errorf("recorder header update failed: %v", err)
		r.metrics.IncCounter("recorder_write_errors_total", 1)
	}
}

func (r *Recorder) maybeSync() {
	if !r.dirty || time.Since(r.lastSync) < r.cfg.FsyncInterval {
		return
	}
	r.syncFiles()
}

func (r *Recorder) syncFiles() {
	if r.mdf != nil {
		if err := r.mdf.Sync(); err != nil {
			logs.Errorf("recorder mdf sync failed: %v", err)
		}
	}
	if r.idx != nil {
		if err := r.idx.Sync(); err != nil {
			logs.Errorf("recorder idx sync failed: %v", err)
		}
	}
	r.lastSync = time.Now()
	r.dirty = false
	r.fsyncsTotal.Add(1)
	r.metrics.IncCounter("recorder_fsyncs_total", 1)
}

// openFiles creates a fresh .mdf/.idx pair named after the first frame's
// timestamp. A second roll within the same UTC second gets a numeric
// suffix so names never collide.
func (r *Recorder) openFiles(ts uint64) error {
	stamp := time.Unix(0, int64(ts)).UTC().Format("20060102_150405")

	var mdf *os.File
	var base string
	for n := 0; ; n++ {
		name := fmt.Sprintf("md_%s", stamp)
		if n > 0 {
			name = fmt.Sprintf("md_%s_%d", stamp, n)
		}
		path := filepath.Join(r.cfg.Dir, name+".mdf")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return err
		}
		mdf = f
		base = filepath.Join(r.cfg.Dir, name)
		break
	}

	idx, err := os.OpenFile(base+".idx", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = mdf.Close()
		_ = os.Remove(base + ".mdf")
		return err
	}

	r.hdrBuf = codec.EncodeMdfHeader(r.hdrBuf, codec.MdfHeader{
		StartTsNs: ts,
		EndTsNs:   ts,
	})
	if _, err := mdf.Write(r.hdrBuf); err != nil {
		_ = mdf.Close()
		_ = idx.Close()
		return err
	}

	r.mdf = mdf
	r.idx = idx
	r.mdfPath = base + ".mdf"
	r.fileBytes = codec.MdfHeaderSize
	r.fileFrames = 0
	r.framesSinceIndex = 0
	r.fileStartTs = ts
	r.fileEndTs = ts
	r.fileSymbols = make(map[uint32]struct{})

	r.filesRolled.Add(1)
	r.metrics.IncCounter("recorder_files_rolled_total", 1)
	logs.Infof("recorder opened %s", r.mdfPath)
	return nil
}

func (r *Recorder) closeFiles() {
	if r.mdf == nil {
		return
	}
	r.updateHeader()
	r.syncFiles()
	if err := r.mdf.Close(); err != nil {
		logs.Errorf("recorder mdf close failed: %v", err)
	}
	if r.idx != nil {
		if err := r.idx.Close(); err != nil {
			logs.Errorf("recorder idx close failed: %v", err)
		}
	}
	logs.Infof("recorder closed %s (%d frames)", r.mdfPath, r.fileFrames)
	r.mdf = nil
	r.idx = nil
	r.mdfPath = ""
}
