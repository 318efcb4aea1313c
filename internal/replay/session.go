package replay

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/publisher"
	"main/internal/schema"
)

const (
	pausedBackoff = 100 * time.Millisecond
	pacingBackoff = 100 * time.Microsecond

	// Gaps shorter than this are not paced.
	minPacedDelay = 0.001 // seconds
)

// SessionInfo is a point-in-time view of one replay session.
type SessionInfo struct {
	SessionID   string   `json:"session_id"`
	StartTsNs   uint64   `json:"start_ts_ns"`
	EndTsNs     uint64   `json:"end_ts_ns"`
	CurrentTsNs uint64   `json:"current_ts_ns"`
	Rate        float64  `json:"rate_multiplier"`
	Running     bool     `json:"running"`
	Paused      bool     `json:"paused"`
	FramesSent  uint64   `json:"frames_sent"`
	Topics      []string `json:"topics"`
}

// session owns one playback task and its file handles.
type session struct {
	id       string
	startTs  uint64
	endTs    uint64
	rate     float64
	patterns []string
	subs     []publisher.Subscription

	currentTs  atomic.Uint64
	framesSent atomic.Uint64
	running    atomic.Bool
	paused     atomic.Bool

	mdf    *os.File
	reader *frameReader
	index  []codec.IndexEntry
	bucket *tokenBucket

	seekMu      sync.Mutex
	pendingSeek *uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		SessionID:   s.id,
		StartTsNs:   s.startTs,
		EndTsNs:     s.endTs,
		CurrentTsNs: s.currentTs.Load(),
		Rate:        s.rate,
		Running:     s.running.Load(),
		Paused:      s.paused.Load(),
		FramesSent:  s.framesSent.Load(),
		Topics:      s.patterns,
	}
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) requestSeek(ts uint64) {
	s.seekMu.Lock()
	s.pendingSeek = &ts
	s.seekMu.Unlock()
}

func (s *session) takeSeek() (uint64, bool) {
	s.seekMu.Lock()
	defer s.seekMu.Unlock()
	if s.pendingSeek == nil {
		return 0, false
	}
	ts := *s.pendingSeek
	s.pendingSeek = nil
	return ts, true
}

func (s *session) matchesAny(topic string) bool {
	for _, sub := range s.subs {
		if sub.Matches(topic) {
			return true
		}
	}
	return false
}

// playback reads frames in file order, paces them by scaled inter-arrival
// gaps, and republishes matches under the session's virtual prefix.
func (s *session) playback(r *Replayer) {
	defer func() {
		s.running.Store(false)
		_ = s.mdf.Close()
		logs.Infof("replay session %s finished", s.id)
	}()

	var (
		prevTs  uint64
		havePrev bool
		pending *schema.Frame
	)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if s.paused.Load() {
			time.Sleep(pausedBackoff)
			s.bucket.reset()
			continue
		}

		if ts, ok := s.takeSeek(); ok {
			if err := s.reader.seekToTimestamp(s.index, ts); err != nil {
				logs.Errorf("replay session %s seek to %d failed: %v", s.id, ts, err)
			} else {
				s.currentTs.Store(ts)
				pending = nil
				havePrev = false
			}
		}

		if pending == nil {
			frame, err := s.reader.next()
			if err != nil {
				if err != io.EOF {
					logs.Errorf("replay session %s read failed: %v", s.id, err)
					r.metrics.IncCounter("replayer_read_errors_total", 1)
				}
				return
			}
			pending = &frame
		}

		ts := pending.Body.Timestamp()
		if ts > s.endTs {
			return
		}

		if havePrev {
			scaledDelay := float64(ts-prevTs) / 1e9 / s.rate
			if scaledDelay > minPacedDelay {
				if !s.bucket.tryConsume(scaledDelay * baseTokenRate) {
					time.Sleep(pacingBackoff)
					continue
				}
			}
		}

		s.currentTs.Store(ts)
		prevTs = ts
		havePrev = true

		base := schema.TopicFor(pending.Body, r.reg)
		if s.matchesAny(base) {
			r.pub.Publish(publisher.VirtualNamespace+s.id+"."+base, *pending)
			s.framesSent.Add(1)
			r.framesReplayed.Add(1)
			r.metrics.IncCounter("replayer_frames_sent_total", 1)
		}
		pending = nil
	}
}
