package replay

import (
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/obs"
	"main/internal/publisher"
	"main/internal/schema"
	"main/internal/symbols"
)

var (
	ErrInvalidRange    = errors.New("replay: start must be before end")
	ErrInvalidRate     = errors.New("replay: rate multiplier out of (0, 100]")
	ErrNoTopics        = errors.New("replay: no topics specified")
	ErrTooManySessions = errors.New("replay: concurrent session limit reached")
	ErrSeekOutOfRange  = errors.New("replay: seek target outside session range")
)

const (
	// MaxRateMultiplier bounds playback acceleration.
	MaxRateMultiplier = 100.0
	// MaxConcurrentSessions bounds live sessions.
	MaxConcurrentSessions = 10
)

// Publisher is the one-way capability the replayer holds on the pub-sub
// server.
type Publisher interface {
	Publish(topic string, f schema.Frame)
	AddVirtualPrefix(prefix string)
	RemoveVirtualPrefix(prefix string)
}

// Stats is a point-in-time view of replayer counters.
type Stats struct {
	TotalSessions  uint64 `json:"total_sessions"`
	ActiveSessions int    `json:"active_sessions"`
	FramesReplayed uint64 `json:"frames_replayed"`
}

// Replayer manages replay sessions over the recorded files in dataDir.
type Replayer struct {
	dataDir string
	pub     Publisher
	reg     *symbols.Registry
	metrics *obs.Metrics

	mu       sync.Mutex
	sessions map[string]*session

	totalSessions  atomic.Uint64
	framesReplayed atomic.Uint64
}

// NewReplayer creates a session manager publishing through pub. The live
// registry resolves recorded symbol ids back to topic names.
func NewReplayer(dataDir string, pub Publisher, reg *symbols.Registry, metrics *obs.Metrics) *Replayer {
	return &Replayer{
		dataDir:  dataDir,
		pub:      pub,
		reg:      reg,
		metrics:  metrics,
		sessions: make(map[string]*session),
	}
}

// StartSession validates the request, locates and opens the recorded file
// pair containing fromTsNs, seeks to the first frame at or after it, and
// spawns the playback task. It returns the new opaque session id.
func (r *Replayer) StartSession(fromTsNs, toTsNs uint64, topics []string, rate float64) (string, error) {
	if fromTsNs >= toTsNs {
		return "", ErrInvalidRange
	}
	if rate <= 0 || rate > MaxRateMultiplier {
		return "", ErrInvalidRate
	}
	if len(topics) == 0 {
		return "", ErrNoTopics
	}

	subs := make([]publisher.Subscription, 0, len(topics))
	for _, pattern := range topics {
		sub, err := publisher.NewSubscription(pattern, false)
		if err != nil {
			return "", err
		}
		subs = append(subs, sub)
	}

	r.mu.Lock()
	if len(r.sessions) >= MaxConcurrentSessions {
		r.mu.Unlock()
		return "", ErrTooManySessions
	}
	r.mu.Unlock()

	mdfPath, idxPath, err := findFiles(r.dataDir, fromTsNs)
	if err != nil {
		return "", err
	}
	index, err := loadIndex(idxPath)
	if err != nil {
		return "", err
	}
	mdf, err := os.Open(mdfPath)
	if err != nil {
		return "", err
	}

	reader := newFrameReader(mdf)
	if err := reader.seekToTimestamp(index, fromTsNs); err != nil {
		_ = mdf.Close()
		return "", err
	}

	s := &session{
		id:       newSessionID(),
		startTs:  fromTsNs,
		endTs:    toTsNs,
		rate:     rate,
		patterns: append([]string(nil), topics...),
		subs:     subs,
		mdf:      mdf,
		reader:   reader,
		index:    index,
		bucket:   newTokenBucket(rate),
		stop:     make(chan struct{}),
	}
	s.currentTs.Store(fromTsNs)
	s.running.Store(true)

	r.pub.AddVirtualPrefix(publisher.VirtualNamespace + s.id)

	r.mu.Lock()
	if len(r.sessions) >= MaxConcurrentSessions {
		r.mu.Unlock()
		r.pub.RemoveVirtualPrefix(publisher.VirtualNamespace + s.id)
		_ = mdf.Close()
		return "", ErrTooManySessions
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.playback(r)
	}()

	r.totalSessions.Add(1)
	r.metrics.IncCounter("replayer_sessions_total", 1)
	logs.Infof("replay session %s started, range %d-%d at %gx over %s",
		s.id, fromTsNs, toTsNs, rate, mdfPath)
	return s.id, nil
}

// PauseSession pauses playback. Unknown ids are a no-op.
func (r *Replayer) PauseSession(id string) {
	if s := r.lookup(id); s != nil {
		s.paused.Store(true)
		logs.Infof("replay session %s paused", id)
	}
}

// ResumeSession resumes playback. Unknown ids are a no-op.
func (r *Replayer) ResumeSession(id string) {
	if s := r.lookup(id); s != nil {
		s.paused.Store(false)
		logs.Infof("replay session %s resumed", id)
	}
}

// SeekSession repositions playback to tsNs, which must fall inside the
// session range. Unknown ids are a no-op.
func (r *Replayer) SeekSession(id string, tsNs uint64) error {
	s := r.lookup(id)
	if s == nil {
		return nil
	}
	if tsNs < s.startTs || tsNs > s.endTs {
		return ErrSeekOutOfRange
	}
	s.requestSeek(tsNs)
	return nil
}

// StopSession terminates a session and unregisters its virtual topic
// prefix. Unknown ids are a no-op.
func (r *Replayer) StopSession(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.requestStop()
	s.wg.Wait()
	r.pub.RemoveVirtualPrefix(publisher.VirtualNamespace + id)
	logs.Infof("replay session %s stopped", id)
}

// StopAll terminates every session.
func (r *Replayer) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.StopSession(id)
	}
}

// ListSessions snapshots every live session, stable by id.
func (r *Replayer) ListSessions() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Stats snapshots the replayer counters.
func (r *Replayer) Stats() Stats {
	r.mu.Lock()
	active := len(r.sessions)
	r.mu.Unlock()
	return Stats{
		TotalSessions:  r.totalSessions.Load(),
		ActiveSessions: active,
		FramesReplayed: r.framesReplayed.Load(),
	}
}

func (r *Replayer) lookup(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func newSessionID() string {
	return "rpl_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
