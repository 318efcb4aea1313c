package feed

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/obs"
	"main/internal/schema"
)

const (
	defaultL1Rate    = 50000
	defaultL2Rate    = 30000
	defaultTradeRate = 5000

	tickInterval  = time.Millisecond
	burstDuration = time.Second
	burstFactor   = 10

	l2Levels = 10
)

// Config controls the synthetic feed.
type Config struct {
	Symbols   []string
	L1Rate    uint32 // events per second across all symbols
	L2Rate    uint32
	TradeRate uint32
}

func (c Config) withDefaults() Config {
	if c.L1Rate == 0 {
		c.L1Rate = defaultL1Rate
	}
	if c.L2Rate == 0 {
		c.L2Rate = defaultL2Rate
	}
	if c.TradeRate == 0 {
		c.TradeRate = defaultTradeRate
	}
	return c
}

// Stats is a point-in-time view of feed counters.
type Stats struct {
	L1Count     uint64 `json:"l1_count"`
	L2Count     uint64 `json:"l2_count"`
	TradeCount  uint64 `json:"trade_count"`
	TotalEvents uint64 `json:"total_events"`
	Dropped     uint64 `json:"dropped"`
}

// symbolState is the per-symbol random walk. Owned by the feed goroutine.
type symbolState struct {
	mid    float64
	spread float64
	seq    uint64
	rng    *rand.Rand
}

// MockFeed generates synthetic L1/L2/Trade raw events at configurable
// per-type rates with a random-walk mid price per symbol.
type MockFeed struct {
	symbols []string
	out     *bus.Queue[schema.RawEvent]
	metrics *obs.Metrics

	l1Rate    atomic.Uint32
	l2Rate    atomic.Uint32
	tradeRate atomic.Uint32
	burstEnd  atomic.Int64 // unix nanos; 0 when idle

	l1Count    atomic.Uint64
	l2Count    atomic.Uint64
	tradeCount atomic.Uint64
	total      atomic.Uint64
	dropped    atomic.Uint64

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMockFeed creates a feed over the given symbols.
func NewMockFeed(cfg Config, out *bus.Queue[schema.RawEvent], metrics *obs.Metrics) (*MockFeed, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("mock feed needs at least one symbol")
	}
	f := &MockFeed{
		symbols: append([]string(nil), cfg.Symbols...),
		out:     out,
		metrics: metrics,
	}
	f.l1Rate.Store(cfg.L1Rate)
	f.l2Rate.Store(cfg.L2Rate)
	f.tradeRate.Store(cfg.TradeRate)
	return f, nil
}

// Start spawns the generator loop. Starting a running feed is a no-op.
func (f *MockFeed) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	f.stop = make(chan struct{})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
	logs.Infof("mock feed started, symbols=%v", f.symbols)
}

// Stop halts generation. Stopping a stopped feed is a no-op.
func (f *MockFeed) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	close(f.stop)
	f.wg.Wait()
	logs.Info("mock feed stopped")
}

// Running reports whether the generator loop is live.
func (f *MockFeed) Running() bool { return f.running.Load() }

// SetRates adjusts the per-type event rates at runtime.
func (f *MockFeed) SetRates(l1, l2, trade uint32) {
	f.l1Rate.Store(l1)
	f.l2Rate.Store(l2)
	f.tradeRate.Store(trade)
}

// TriggerBurst multiplies all rates for one burst window.
func (f *MockFeed) TriggerBurst() {
	f.burstEnd.Store(time.Now().Add(burstDuration).UnixNano())
}

// Stats snapshots the feed counters.
func (f *MockFeed) Stats() Stats {
	return Stats{
		L1Count:     f.l1Count.Load(),
		L2Count:     f.l2Count.Load(),
		TradeCount:  f.tradeCount.Load(),
		TotalEvents: f.total.Load(),
		Dropped:     f.dropped.Load(),
	}
}

func (f *MockFeed) run() {
	states := make([]*symbolState, len(f.symbols))
	for i := range states {
		states[i] = &symbolState{
			mid:    100.0,
			spread: 0.01,
			rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i))),
		}
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}

		factor := uint32(1)
		if f.burstEnd.Load() > time.Now().UnixNano() {
			factor = burstFactor
		}

		f.generate(states, f.l1Rate.Load()*factor, f.emitL1)
		f.generate(states, f.l2Rate.Load()*factor, f.emitL2)
		f.generate(states, f.tradeRate.Load()*factor, f.emitTrade)
	}
}

// generate spreads one tick's share of ratePerSec across all symbols.
func (f *MockFeed) generate(states []*symbolState, ratePerSec uint32, emit func(string, *symbolState)) {
	perTick := int(ratePerSec) * int(tickInterval) / int(time.Second)
	if perTick == 0 && ratePerSec > 0 {
		perTick = 1
	}
	for i := 0; i < perTick; i++ {
		idx := i % len(f.symbols)
		emit(f.symbols[idx], states[idx])
	}
}

func (f *MockFeed) emitL1(symbol string, st *symbolState) {
	change := st.rng.NormFloat64() * 0.001
	st.mid += change
	if st.mid < 0.01 {
		st.mid = 0.01
	}
	st.spread = max(0.001, 0.01+abs(change)*10)
	st.seq++

	f.publish(schema.RawEvent{
		Type:        schema.RawL1,
		Symbol:      symbol,
		TimestampNs: uint64(time.Now().UnixNano()),
		Sequence:    st.seq,
		BidPrice:    st.mid - st.spread/2,
		AskPrice:    st.mid + st.spread/2,
		BidSize:     st.rng.ExpFloat64() * 1000,
		AskSize:     st.rng.ExpFloat64() * 1000,
	}, &f.l1Count)
}

func (f *MockFeed) emitL2(symbol string, st *symbolState) {
	level := uint16(st.rng.IntN(l2Levels))
	side := schema.SideBid
	if st.rng.IntN(2) == 1 {
		side = schema.SideAsk
	}

	// 80% update, 15% insert, 5% delete.
	action := schema.ActionUpdate
	switch roll := st.rng.IntN(100); {
	case roll >= 95:
		action = schema.ActionDelete
	case roll >= 80:
		action = schema.ActionInsert
	}

	price := st.mid - float64(level)*0.01
	if side == schema.SideAsk {
		price = st.mid + float64(level)*0.01
	}
	size := st.rng.ExpFloat64() * 500
	if action == schema.ActionDelete {
		size = 0
	}
	st.seq++

	f.publish(schema.RawEvent{
		Type:        schema.RawL2,
		Symbol:      symbol,
		TimestampNs: uint64(time.Now().UnixNano()),
		Sequence:    st.seq,
		Side:        side,
		Action:      action,
		Level:       level,
		Price:       price,
		Size:        size,
	}, &f.l2Count)
}

func (f *MockFeed) emitTrade(symbol string, st *symbolState) {
	aggressor := schema.AggressorBuy
	switch roll := st.rng.IntN(100); {
	case roll < 1:
		aggressor = schema.AggressorUnknown
	case roll < 50:
		aggressor = schema.AggressorSell
	}
	st.seq++

	f.publish(schema.RawEvent{
		Type:        schema.RawTrade,
		Symbol:      symbol,
		TimestampNs: uint64(time.Now().UnixNano()),
		Sequence:    st.seq,
		TradePrice:  st.mid + st.rng.NormFloat64()*st.spread,
		TradeSize:   st.rng.ExpFloat64() * 100,
		Aggressor:   aggressor,
	}, &f.tradeCount)
}

func (f *MockFeed) publish(ev schema.RawEvent, counter *atomic.Uint64) {
	if err := f.out.TryPublish(ev); err != nil {
		f.dropped.Add(1)
		f.metrics.IncCounter("feed_events_dropped_total", 1)
		return
	}
	counter.Add(1)
	f.total.Add(1)
	f.metrics.IncCounter("feed_events_total", 1)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
