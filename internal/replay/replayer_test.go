package replay

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/codec"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/symbols"
)

type published struct {
	topic string
	frame schema.Frame
}

type capturePublisher struct {
	mu       sync.Mutex
	frames   []published
	prefixes map[string]bool
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{prefixes: make(map[string]bool)}
}

func (p *capturePublisher) Publish(topic string, f schema.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, published{topic: topic, frame: f})
}

func (p *capturePublisher) AddVirtualPrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefixes[prefix] = true
}

func (p *capturePublisher) RemoveVirtualPrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prefixes, prefix)
}

func (p *capturePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.frames...)
}

func (p *capturePublisher) registered(prefix string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefixes[prefix]
}

// writeFixture lays down one .mdf/.idx pair with trade frames at the given
// timestamps and index entries for the chosen frame positions.
func writeFixture(t *testing.T, dir string, timestamps []uint64, indexAt []int) (string, string) {
	t.Helper()

	var frames [][]byte
	offsets := make([]uint64, len(timestamps))
	offset := uint64(codec.MdfHeaderSize)
	for i, ts := range timestamps {
		buf := codec.EncodeBody(nil, schema.TradeBody{
			TsNs:     ts,
			SymbolID: 1,
			Price:    100_00000000,
			Size:     1_00000000,
			Seq:      uint64(i + 1),
		})
		frames = append(frames, buf)
		offsets[i] = offset
		offset += uint64(len(buf))
	}

	mdfPath := filepath.Join(dir, "md_19700101_000000.mdf")
	idxPath := filepath.Join(dir, "md_19700101_000000.idx")

	var mdf []byte
	mdf = append(mdf, codec.EncodeMdfHeader(nil, codec.MdfHeader{
		StartTsNs:   timestamps[0],
		EndTsNs:     timestamps[len(timestamps)-1],
		SymbolCount: 1,
		FrameCount:  uint32(len(timestamps)),
	})...)
	for _, f := range frames {
		mdf = append(mdf, f...)
	}
	require.NoError(t, os.WriteFile(mdfPath, mdf, 0o644))

	var idx []byte
	for _, i := range indexAt {
		idx = append(idx, codec.EncodeIndexEntry(nil, codec.IndexEntry{
			TsNsFirst:  timestamps[i],
			FileOffset: offsets[i],
		})...)
	}
	require.NoError(t, os.WriteFile(idxPath, idx, 0o644))
	return mdfPath, idxPath
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newTestReplayer(t *testing.T, dir string) (*Replayer, *capturePublisher, *symbols.Registry) {
	t.Helper()
	pub := newCapturePublisher()
	reg := symbols.NewRegistry()
	require.Equal(t, uint32(1), reg.GetOrAdd("BTCUSDT"))
	rep := NewReplayer(dir, pub, reg, obs.NewMetrics(nil))
	t.Cleanup(rep.StopAll)
	return rep, pub, reg
}

func TestReplaySeekWindow(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200, 300, 400, 500}, []int{0, 2})
	rep, pub, _ := newTestReplayer(t, dir)

	id, err := rep.StartSession(250, 450, []string{"*"}, 1.0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "rpl_"))
	assert.True(t, pub.registered("replay."+id))

	waitFor(t, func() bool {
		infos := rep.ListSessions()
		return len(infos) == 1 && !infos[0].Running
	})

	got := pub.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "replay."+id+".trade.BTCUSDT", got[0].topic)
	assert.Equal(t, uint64(300), got[0].frame.Body.Timestamp())
	assert.Equal(t, uint64(400), got[1].frame.Body.Timestamp())

	infos := rep.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(2), infos[0].FramesSent)
	assert.False(t, infos[0].Paused)

	// Stop removes the session and unregisters its prefix.
	rep.StopSession(id)
	assert.False(t, pub.registered("replay."+id))
	assert.Empty(t, rep.ListSessions())
}

func TestReplayTopicFilter(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200, 300}, []int{0})
	rep, pub, _ := newTestReplayer(t, dir)

	id, err := rep.StartSession(100, 1000, []string{"l1.*"}, 1.0)
	require.NoError(t, err)
	waitFor(t, func() bool {
		infos := rep.ListSessions()
		return len(infos) == 1 && !infos[0].Running
	})

	// Trade frames do not match an l1 filter.
	assert.Empty(t, pub.snapshot())
	rep.StopSession(id)
}

func TestReplayUnknownSymbolTopic(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200}, []int{0})

	pub := newCapturePublisher()
	rep := NewReplayer(dir, pub, symbols.NewRegistry(), obs.NewMetrics(nil))
	t.Cleanup(rep.StopAll)

	id, err := rep.StartSession(100, 1000, []string{"*"}, 1.0)
	require.NoError(t, err)
	waitFor(t, func() bool {
		infos := rep.ListSessions()
		return len(infos) == 1 && !infos[0].Running
	})

	got := pub.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "replay."+id+".trade.UNKNOWN", got[0].topic)
}

func TestStartSessionValidation(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200}, []int{0})
	rep, _, _ := newTestReplayer(t, dir)

	_, err := rep.StartSession(200, 100, []string{"*"}, 1.0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = rep.StartSession(100, 200, []string{"*"}, 0)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = rep.StartSession(100, 200, []string{"*"}, 101)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = rep.StartSession(100, 200, nil, 1.0)
	assert.ErrorIs(t, err, ErrNoTopics)

	_, err = rep.StartSession(99999, 100000, []string{"*"}, 1.0)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSessionLimit(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200}, []int{0})
	rep, _, _ := newTestReplayer(t, dir)

	rep.mu.Lock()
	for i := 0; i < MaxConcurrentSessions; i++ {
		rep.sessions[newSessionID()] = &session{stop: make(chan struct{})}
	}
	rep.mu.Unlock()

	_, err := rep.StartSession(100, 200, []string{"*"}, 1.0)
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestLifecycleIdempotentOnUnknownIDs(t *testing.T) {
	rep, _, _ := newTestReplayer(t, t.TempDir())
	rep.PauseSession("rpl_missing")
	rep.ResumeSession("rpl_missing")
	rep.StopSession("rpl_missing")
	assert.NoError(t, rep.SeekSession("rpl_missing", 123))
}

func TestPauseResumeAndSeek(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200, 300, 400, 500}, []int{0, 2})
	rep, pub, _ := newTestReplayer(t, dir)

	id, err := rep.StartSession(100, 500, []string{"*"}, 1.0)
	require.NoError(t, err)
	rep.PauseSession(id)
	waitFor(t, func() bool {
		infos := rep.ListSessions()
		return len(infos) == 1 && infos[0].Paused
	})

	assert.ErrorIs(t, rep.SeekSession(id, 9999), ErrSeekOutOfRange)
	require.NoError(t, rep.SeekSession(id, 400))

	rep.ResumeSession(id)
	waitFor(t, func() bool {
		infos := rep.ListSessions()
		return len(infos) == 1 && !infos[0].Running
	})

	got := pub.snapshot()
	// Playback may deliver early frames before the pause lands; after the
	// seek the remaining frames are exactly 400 and 500.
	require.NotEmpty(t, got)
	n := len(got)
	assert.Equal(t, uint64(500), got[n-1].frame.Body.Timestamp())
	seen400 := false
	for _, p := range got {
		if p.frame.Body.Timestamp() == 400 {
			seen400 = true
		}
	}
	assert.True(t, seen400)
}

func TestSeekToTimestampScan(t *testing.T) {
	dir := t.TempDir()
	mdfPath, idxPath := writeFixture(t, dir, []uint64{100, 200, 300, 400, 500}, []int{0, 2})

	entries, err := loadIndex(idxPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	f, err := os.Open(mdfPath)
	require.NoError(t, err)
	defer f.Close()
	r := newFrameReader(f)

	require.NoError(t, r.seekToTimestamp(entries, 250))
	frame, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), frame.Body.Timestamp())

	require.NoError(t, r.seekToTimestamp(entries, 100))
	frame, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), frame.Body.Timestamp())

	// Index entries are non-decreasing and frames scan forward from any
	// indexed offset in timestamp order.
	require.NoError(t, r.seekToTimestamp(entries, 500))
	frame, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), frame.Body.Timestamp())

	assert.ErrorIs(t, r.seekToTimestamp(entries, 501), ErrSeekPastEnd)
}

func TestFindFiles(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, []uint64{100, 200, 300}, []int{0})

	mdf, idx, err := findFiles(dir, 150)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(mdf, ".mdf"))
	assert.True(t, strings.HasSuffix(idx, ".idx"))

	_, _, err = findFiles(dir, 99)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestTokenBucket(t *testing.T) {
	b := newTokenBucket(1.0)
	assert.True(t, b.tryConsume(500))
	assert.True(t, b.tryConsume(500))
	assert.False(t, b.tryConsume(500)) // initial allowance spent

	// Refill is capped at the bucket capacity.
	b.last = time.Now().Add(-time.Hour)
	assert.True(t, b.tryConsume(bucketCapacity))
	assert.False(t, b.tryConsume(1))
}
