package normalize

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/symbols"
)

var (
	ErrAlreadyStarted = errors.New("normalize: pool already started")
	ErrNotStarted     = errors.New("normalize: pool not started")
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 100
	idleBackoff      = 100 * time.Microsecond
)

// Config controls the normalizer pool.
type Config struct {
	Workers   int
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	EventsProcessed uint64 `json:"events_processed"`
	FramesOutput    uint64 `json:"frames_output"`
	Errors          uint64 `json:"errors"`
}

// Pool drains raw events, normalizes them and enqueues frames. Per-symbol
// ordering across workers is not preserved; consumers order by sequence.
type Pool struct {
	cfg     Config
	reg     *symbols.Registry
	in      *bus.Queue[schema.RawEvent]
	out     *bus.Queue[schema.Frame]
	metrics *obs.Metrics

	eventsProcessed atomic.Uint64
	framesOutput    atomic.Uint64
	errors          atomic.Uint64

	stop    chan struct{}
	wg      sync.WaitGroup
	started uint32
	stopped uint32
}

// NewPool creates a normalizer pool between the two queues.
func NewPool(cfg Config, reg *symbols.Registry, in *bus.Queue[schema.RawEvent], out *bus.Queue[schema.Frame], metrics *obs.Metrics) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		in:      in,
		out:     out,
		metrics: metrics,
		stop:    make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (p *Pool) Start() error {
	if !atomic.CompareAndSwapUint32(&p.started, 0, 1) {
		return ErrAlreadyStarted
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker()
		}()
	}
	logs.Infof("normalizer started with %d workers", p.cfg.Workers)
	return nil
}

// Stop requests cooperative shutdown and joins the workers. Events left in
// the ingress queue are not drained.
func (p *Pool) Stop() {
	if atomic.LoadUint32(&p.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	close(p.stop)
	p.wg.Wait()
	logs.Info("normalizer stopped")
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		EventsProcessed: p.eventsProcessed.Load(),
		FramesOutput:    p.framesOutput.Load(),
		Errors:          p.errors.Load(),
	}
}

func (p *Pool) worker() {
	batch := make([]schema.RawEvent, p.cfg.BatchSize)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n := p.in.TryDequeueBulk(batch)
		if n == 0 {
			time.Sleep(idleBackoff)
			continue
		}

		for _, ev := range batch[:n] {
			done := p.metrics.Time("normalize_event_ns")
			body, err := Convert(ev, p.reg)
			done()
			p.eventsProcessed.Add(1)
			if err != nil {
				p.errors.Add(1)
				p.metrics.IncCounter("normalizer_errors_total", 1)
				continue
			}
			if err := p.out.TryPublish(schema.NewFrame(body)); err != nil {
				p.metrics.IncCounter("normalizer_output_dropped_total", 1)
				continue
			}
			p.framesOutput.Add(1)
		}
		p.metrics.IncCounter("normalizer_events_total", uint64(n))
	}
}
