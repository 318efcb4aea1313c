package publisher

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/obs"
	"main/internal/schema"
)

var ErrAlreadyStarted = errors.New("publisher: already started")

// VirtualNamespace is the topic namespace reserved for replay traffic.
const VirtualNamespace = "replay."

const defaultMaxQueueSize = 10000

// Config controls the pub-sub server.
type Config struct {
	Addr              string // host:port to listen on
	AuthToken         string
	MaxQueueSize      int
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	return c
}

// Stats is a point-in-time view of server counters.
type Stats struct {
	TotalConnections  uint64 `json:"total_connections"`
	ActiveConnections int    `json:"active_connections"`
	FramesPublished   uint64 `json:"frames_published"`
	FramesDropped     uint64 `json:"frames_dropped"`
	AuthFailures      uint64 `json:"auth_failures"`
}

// Server accepts subscriber connections and fans published frames out to
// matching clients. Producers never block: an overfull client queue drops.
type Server struct {
	cfg     Config
	metrics *obs.Metrics

	ln net.Listener

	mu      sync.Mutex
	clients []*client

	prefixMu sync.Mutex
	prefixes map[string]struct{}

	totalConnections atomic.Uint64
	framesPublished  atomic.Uint64
	framesDropped    atomic.Uint64
	authFailures     atomic.Uint64

	stop    chan struct{}
	wg      sync.WaitGroup
	started uint32
	stopped uint32
}

// NewServer creates a pub-sub server.
func NewServer(cfg Config, metrics *obs.Metrics) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		prefixes: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Start binds the listener and spawns the acceptor and heartbeat tasks.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("publisher listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop()
	}()

	logs.Infof("publisher started on %s", ln.Addr())
	return nil
}

// Stop closes the listener, asks every client to stop and joins the
// server tasks.
func (s *Server) Stop() {
	if atomic.LoadUint32(&s.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stop)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	for _, c := range clients {
		c.wg.Wait()
	}

	s.wg.Wait()
	logs.Info("publisher stopped")
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Publish offers a frame to every authenticated client whose subscription
// set matches the topic. The caller is never blocked.
func (s *Server) Publish(topic string, f schema.Frame) {
	if atomic.LoadUint32(&s.started) == 0 || atomic.LoadUint32(&s.stopped) != 0 {
		return
	}
	if strings.HasPrefix(topic, VirtualNamespace) && !s.prefixRegistered(topic) {
		s.metrics.IncCounter("publisher_frames_unroutable_total", 1)
		return
	}

	done := s.metrics.Time("publisher_publish_ns")
	defer done()

	snapshot := s.snapshotClients()

	var buf []byte
	for _, c := range snapshot {
		if !c.isAuthenticated() {
			continue
		}
		matched, lossless := c.matches(topic)
		if !matched {
			continue
		}
		if buf == nil {
			buf = codec.EncodeFrame(nil, f)
		}
		c.enqueueData(buf, lossless)
	}

	s.framesPublished.Add(1)
	s.metrics.IncCounter("publisher_frames_published_total", 1)
	s.metrics.SetGauge("publisher_active_clients", float64(len(snapshot)))
}

// AddVirtualPrefix registers a replay topic namespace with the matcher.
func (s *Server) AddVirtualPrefix(prefix string) {
	s.prefixMu.Lock()
	s.prefixes[prefix] = struct{}{}
	s.prefixMu.Unlock()
	logs.Infof("registered virtual topic prefix %s", prefix)
}

// RemoveVirtualPrefix drops a replay topic namespace.
func (s *Server) RemoveVirtualPrefix(prefix string) {
	s.prefixMu.Lock()
	delete(s.prefixes, prefix)
	s.prefixMu.Unlock()
}

// ActiveClients lists the remote endpoints of connected clients.
func (s *Server) ActiveClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.remote())
	}
	return out
}

// Stats snapshots the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.clients)
	s.mu.Unlock()
	return Stats{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: active,
		FramesPublished:   s.framesPublished.Load(),
		FramesDropped:     s.framesDropped.Load(),
		AuthFailures:      s.authFailures.Load(),
	}
}

func (s *Server) prefixRegistered(topic string) bool {
	s.prefixMu.Lock()
	defer s.prefixMu.Unlock()
	for p := range s.prefixes {
		if topic == p || strings.HasPrefix(topic, p+".") {
			return true
		}
	}
	return false
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, len(s.clients))
	copy(out, s.clients)
	return out
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			logs.Errorf("publisher accept failed: %v", err)
			return
		}

		c := newClient(s, conn)
		s.mu.Lock()
		s.clients = append(s.clients, c)
		active := len(s.clients)
		s.mu.Unlock()

		c.start()
		s.totalConnections.Add(1)
		s.metrics.IncCounter("publisher_connections_total", 1)
		s.metrics.SetGauge("publisher_active_clients", float64(active))
	}
}

// heartbeatLoop sends a heartbeat frame to every authenticated client once
// per interval and reaps clients whose socket has gone away.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		buf := codec.EncodeBody(nil, schema.HeartbeatBody{TsNs: uint64(time.Now().UnixNano())})

		s.mu.Lock()
		kept := s.clients[:0]
		var stale []*client
		for _, c := range s.clients {
			if c.isClosed() {
				stale = append(stale, c)
				continue
			}
			kept = append(kept, c)
		}
		s.clients = kept
		snapshot := make([]*client, len(kept))
		copy(snapshot, kept)
		active := len(kept)
		s.mu.Unlock()

		for _, c := range stale {
			logs.Infof("client disconnected: %s", c.remote())
		}
		for _, c := range snapshot {
			if c.isAuthenticated() {
				c.enqueueData(buf, false)
			}
		}
		s.metrics.SetGauge("publisher_active_clients", float64(active))
	}
}
