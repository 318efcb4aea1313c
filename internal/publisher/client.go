package publisher

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/schema"
)

// Control ack codes mirrored onto the wire.
const (
	AckOK           = 200
	AckBadRequest   = 400
	AckUnauthorized = 401
)

const writeTimeout = 10 * time.Second

type controlMessage struct {
	Op       string   `json:"op"`
	Token    string   `json:"token"`
	Topics   []string `json:"topics"`
	Lossless bool     `json:"lossless"`
}

// client owns one subscriber socket: a control reader, a writer draining
// the private send queue, and the subscription set.
type client struct {
	srv  *Server
	conn net.Conn

	authenticated atomic.Bool
	closed        atomic.Bool

	mu   sync.Mutex
	subs []Subscription

	sendQ chan []byte
	stop  chan struct{}
	wg    sync.WaitGroup

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

func newClient(srv *Server, conn net.Conn) *client {
	return &client{
		srv:   srv,
		conn:  conn,
		sendQ: make(chan []byte, srv.cfg.MaxQueueSize),
		stop:  make(chan struct{}),
	}
}

func (c *client) start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	logs.Infof("client connected: %s", c.remote())
}

// close requests shutdown. The writer drains queued frames (control acks
// included) before the socket goes away.
func (c *client) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.authenticated.Store(false)
	close(c.stop)
}

func (c *client) remote() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func (c *client) isAuthenticated() bool { return c.authenticated.Load() }
func (c *client) isClosed() bool        { return c.closed.Load() }

// matches reports whether any subscription selects the topic.
func (c *client) matches(topic string) (matched, lossless bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.Lossless {
			lossless = true
		}
		if !matched && s.Matches(topic) {
			matched = true
		}
	}
	return matched, lossless
}

// enqueueData offers an encoded frame to the send queue, applying the drop
// policy on overflow. The buffer must not be mutated after the call.
func (c *client) enqueueData(buf []byte, lossless bool) {
	if c.isClosed() {
		return
	}
	select {
	case c.sendQ <- buf:
	default:
		c.framesDropped.Add(1)
		if lossless {
			c.srv.metrics.IncCounter("publisher_frames_dropped_backpressure", 1)
		} else {
			c.srv.metrics.IncCounter("publisher_frames_dropped_queue_full", 1)
		}
		c.srv.framesDropped.Add(1)
	}
}

// enqueueAck queues a control ack. Acks skip the subscription and auth
// checks so a rejected client still sees its status code.
func (c *client) enqueueAck(code uint32) {
	buf := codec.EncodeBody(nil, schema.ControlAckBody{AckCode: code})
	select {
	case c.sendQ <- buf:
	default:
		c.framesDropped.Add(1)
		c.srv.metrics.IncCounter("publisher_frames_dropped_queue_full", 1)
	}
}

func (c *client) readLoop() {
	defer c.close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		c.handleControl(scanner.Bytes())
		if c.isClosed() {
			return
		}
	}
}

func (c *client) handleControl(line []byte) {
	var msg controlMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.srv.metrics.IncCounter("publisher_protocol_errors_total", 1)
		c.enqueueAck(AckBadRequest)
		return
	}

	switch msg.Op {
	case "auth":
		if msg.Token == c.srv.cfg.AuthToken {
			c.authenticated.Store(true)
			c.enqueueAck(AckOK)
			logs.Infof("client %s authenticated", c.remote())
			return
		}
		c.srv.authFailures.Add(1)
		c.srv.metrics.IncCounter("publisher_auth_failures_total", 1)
		c.enqueueAck(AckUnauthorized)
		logs.Infof("client %s auth failed", c.remote())
		c.close()

	case "subscribe":
		if !c.isAuthenticated() {
			c.enqueueAck(AckUnauthorized)
			return
		}
		if len(msg.Topics) == 0 {
			c.srv.metrics.IncCounter("publisher_protocol_errors_total", 1)
			c.enqueueAck(AckBadRequest)
			return
		}
		subs := make([]Subscription, 0, len(msg.Topics))
		for _, pattern := range msg.Topics {
			sub, err := NewSubscription(pattern, msg.Lossless)
			if err != nil {
				c.srv.metrics.IncCounter("publisher_protocol_errors_total", 1)
				c.enqueueAck(AckBadRequest)
				return
			}
			subs = append(subs, sub)
		}
		c.mu.Lock()
		c.subs = append(c.subs, subs...)
		c.mu.Unlock()
		c.srv.metrics.IncCounter("publisher_subscriptions_total", uint64(len(subs)))
		c.enqueueAck(AckOK)

	case "unsubscribe":
		if !c.isAuthenticated() {
			c.enqueueAck(AckUnauthorized)
			return
		}
		drop := make(map[string]struct{}, len(msg.Topics))
		for _, pattern := range msg.Topics {
			drop[pattern] = struct{}{}
		}
		c.mu.Lock()
		kept := c.subs[:0]
		for _, s := range c.subs {
			if _, ok := drop[s.Pattern]; !ok {
				kept = append(kept, s)
			}
		}
		c.subs = kept
		c.mu.Unlock()
		c.enqueueAck(AckOK)

	default:
		c.srv.metrics.IncCounter("publisher_protocol_errors_total", 1)
		c.enqueueAck(AckBadRequest)
	}
}

func (c *client) writeLoop() {
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case buf := <-c.sendQ:
			if !c.write(buf) {
				return
			}
		case <-c.stop:
			// Drain whatever is already queued, then let the socket go.
			for {
				select {
				case buf := <-c.sendQ:
					if !c.write(buf) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *client) write(buf []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(buf); err != nil {
		logs.Infof("client %s write failed: %v", c.remote(), err)
		c.close()
		return false
	}
	c.framesSent.Add(1)
	c.srv.metrics.IncCounter("publisher_frames_sent_total", 1)
	return true
}
