package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/feed"
	"main/internal/normalize"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/publisher"
	"main/internal/recorder"
	"main/internal/replay"
	"main/internal/schema"
	"main/internal/symbols"
)

const (
	distributionBatch = 100
	idleBackoff      = 100 * time.Microsecond
)

// Health is the per-component counter snapshot served to the control
// plane.
type Health struct {
	Status     string          `json:"status"`
	Timestamp  int64           `json:"timestamp"`
	Feed       feed.Stats      `json:"feed"`
	Normalizer normalize.Stats `json:"normalizer"`
	Publisher  publisher.Stats `json:"publisher"`
	Recorder   recorder.Stats  `json:"recorder"`
	Replayer   replay.Stats    `json:"replayer"`
}

// Engine owns the data plane: feed -> normalize -> distribute ->
// publish/record, plus the replayer feeding back into the publisher.
type Engine struct {
	cfg ops.Config

	Registry   *symbols.Registry
	Metrics    *obs.Metrics
	Feed       *feed.MockFeed
	Normalizer *normalize.Pool
	Recorder   *recorder.Recorder
	Publisher  *publisher.Server
	Replayer   *replay.Replayer

	feedQ   *bus.Queue[schema.RawEvent]
	frameQ  *bus.Queue[schema.Frame]
	recordQ *bus.Queue[schema.Frame]

	degraded atomic.Bool

	stop    chan struct{}
	wg      sync.WaitGroup
	started uint32
	stopped uint32
}

// NewEngine builds all components from the configuration without starting
// any of them.
func NewEngine(cfg ops.Config) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		Registry: symbols.NewRegistry(),
		Metrics:  obs.NewMetrics(cfg.Metrics.HistogramBucketsNs),
		feedQ:    bus.NewQueue[schema.RawEvent](cfg.Pipeline.FeedQueueSize),
		frameQ:   bus.NewQueue[schema.Frame](cfg.Pipeline.FrameQueueSize),
		recordQ:  bus.NewQueue[schema.Frame](cfg.Pipeline.RecordQueueSize),
		stop:     make(chan struct{}),
	}

	mock, err := feed.NewMockFeed(feed.Config{
		Symbols:   cfg.Feeds.DefaultSymbols,
		L1Rate:    cfg.Feeds.L1Rate,
		L2Rate:    cfg.Feeds.L2Rate,
		TradeRate: cfg.Feeds.TradeRate,
	}, e.feedQ, e.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "build mock feed")
	}
	e.Feed = mock

	e.Normalizer = normalize.NewPool(normalize.Config{
		Workers: cfg.Pipeline.NormalizerThreads,
	}, e.Registry, e.feedQ, e.frameQ, e.Metrics)

	rec, err := recorder.NewRecorder(recorder.Config{
		Dir:           cfg.Storage.Dir,
		RollBytes:     cfg.Storage.RollBytes,
		IndexInterval: cfg.Storage.IndexInterval,
		FsyncInterval: time.Duration(cfg.Pipeline.RecorderFsyncMs) * time.Millisecond,
	}, e.recordQ, e.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "build recorder")
	}
	e.Recorder = rec

	e.Publisher = publisher.NewServer(publisher.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Network.PubsubPort),
		AuthToken: cfg.Security.Token,
	}, e.Metrics)

	e.Replayer = replay.NewReplayer(cfg.Storage.Dir, e.Publisher, e.Registry, e.Metrics)

	return e, nil
}

// Start brings the components up in dependency order and spawns the
// distribution stage.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapUint32(&e.started, 0, 1) {
		return errors.New("engine already started")
	}

	if err := e.Publisher.Start(); err != nil {
		e.degraded.Store(true)
		e.Metrics.SetGauge("engine_degraded", 1)
		return errors.Wrap(err, "start publisher")
	}
	if err := e.Recorder.Start(); err != nil {
		return errors.Wrap(err, "start recorder")
	}
	if err := e.Normalizer.Start(); err != nil {
		return errors.Wrap(err, "start normalizer")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.distribute()
	}()

	if e.cfg.Feeds.MockEnabled {
		e.Feed.Start()
	}

	logs.Info("engine started")
	return nil
}

// Stop tears the pipeline down from the feed inward, flushing the
// recorder last.
func (e *Engine) Stop() {
	if atomic.LoadUint32(&e.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&e.stopped, 0, 1) {
		return
	}

	e.Feed.Stop()
	e.Normalizer.Stop()
	close(e.stop)
	e.wg.Wait()
	e.Replayer.StopAll()
	e.Recorder.Stop()
	e.Publisher.Stop()
	logs.Info("engine stopped")
}

// Health snapshots every component's counters.
func (e *Engine) Health() Health {
	status := "ok"
	if e.degraded.Load() {
		status = "degraded"
	}
	return Health{
		Status:     status,
		Timestamp:  time.Now().Unix(),
		Feed:       e.Feed.Stats(),
		Normalizer: e.Normalizer.Stats(),
		Publisher:  e.Publisher.Stats(),
		Recorder:   e.Recorder.Stats(),
		Replayer:   e.Replayer.Stats(),
	}
}

// distribute fans each normalized frame out to the publisher and the
// recorder queue. Neither path may block the stage.
func (e *Engine) distribute() {
	batch := make([]schema.Frame, distributionBatch)
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		n := e.frameQ.TryDequeueBulk(batch)
		if n == 0 {
			time.Sleep(idleBackoff)
			continue
		}

		for _, f := range batch[:n] {
			topic := schema.TopicFor(f.Body, e.Registry)
			e.Publisher.Publish(topic, f)
			if err := e.recordQ.TryPublish(f); err != nil {
				e.Metrics.IncCounter("distributor_recorder_dropped_total", 1)
			}
		}
		e.Metrics.IncCounter("distributor_frames_total", uint64(n))
	}
}
