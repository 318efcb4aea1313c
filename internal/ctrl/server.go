package ctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/core"
	"main/internal/replay"
)

const (
	metricsPushInterval = time.Second
	shutdownTimeout     = 5 * time.Second
	wsWriteTimeout      = 5 * time.Second
)

// Server exposes the control-plane HTTP API and a websocket endpoint that
// pushes a metrics snapshot once per second.
type Server struct {
	addr   string
	engine *core.Engine

	ln       net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewServer creates a control server bound to addr.
func NewServer(addr string, engine *core.Engine) *Server {
	return &Server{
		addr:   addr,
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
		stop:  make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.routes()}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("control server failed: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.broadcastLoop()
	}()

	logs.Infof("control server started on %s", ln.Addr())
	return nil
}

// Stop shuts the HTTP server down and closes every websocket.
func (s *Server) Stop() {
	s.stopped.Do(func() {
		close(s.stop)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.conns = map[*websocket.Conn]struct{}{}
		s.mu.Unlock()

		s.wg.Wait()
		logs.Info("control server stopped")
	})
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /symbols", s.handleSymbols)
	mux.HandleFunc("GET /feeds", s.handleFeedsGet)
	mux.HandleFunc("POST /feeds", s.handleFeedsPost)
	mux.HandleFunc("POST /replay", s.handleReplay)
	mux.HandleFunc("GET /replay", s.handleReplayList)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws/metrics", s.handleMetricsWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Health())
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	entries := s.engine.Registry.ListAll()
	type symbolEntry struct {
		ID     uint32 `json:"id"`
		Symbol string `json:"symbol"`
	}
	out := make([]symbolEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, symbolEntry{ID: e.ID, Symbol: e.Symbol})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": out,
		"count":   len(out),
	})
}

func (s *Server) handleFeedsGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"feeds": []map[string]any{
			{
				"name":   "mock",
				"active": s.engine.Feed.Running(),
				"stats":  s.engine.Feed.Stats(),
			},
		},
	})
}

type feedsRequest struct {
	Action    string `json:"action"`
	L1Rate    uint32 `json:"l1_rate"`
	L2Rate    uint32 `json:"l2_rate"`
	TradeRate uint32 `json:"trade_rate"`
}

func (s *Server) handleFeedsPost(w http.ResponseWriter, r *http.Request) {
	var req feedsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch req.Action {
	case "start":
		if req.L1Rate > 0 || req.L2Rate > 0 || req.TradeRate > 0 {
			s.engine.Feed.SetRates(req.L1Rate, req.L2Rate, req.TradeRate)
		}
		s.engine.Feed.Start()
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	case "stop":
		s.engine.Feed.Stop()
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case "burst":
		s.engine.Feed.TriggerBurst()
		writeJSON(w, http.StatusOK, map[string]string{"status": "burst"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid action"})
	}
}

type replayRequest struct {
	Action    string   `json:"action"`
	SessionID string   `json:"session_id"`
	FromTsNs  uint64   `json:"from_ts_ns"`
	ToTsNs    uint64   `json:"to_ts_ns"`
	TsNs      uint64   `json:"ts_ns"`
	Rate      float64  `json:"rate"`
	Topics    []string `json:"topics"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rep := s.engine.Replayer
	switch req.Action {
	case "start":
		if req.Rate == 0 {
			req.Rate = 1.0
		}
		if len(req.Topics) == 0 {
			req.Topics = []string{"*"}
		}
		id, err := rep.StartSession(req.FromTsNs, req.ToTsNs, req.Topics, req.Rate)
		if err != nil {
			writeError(w, replayStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
	case "pause":
		rep.PauseSession(req.SessionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	case "resume":
		rep.ResumeSession(req.SessionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	case "seek":
		if err := rep.SeekSession(req.SessionID, req.TsNs); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "seeked"})
	case "stop":
		rep.StopSession(req.SessionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case "list":
		writeJSON(w, http.StatusOK, map[string]any{"sessions": rep.ListSessions()})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid action"})
	}
}

func (s *Server) handleReplayList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.engine.Replayer.ListSessions()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics.Snapshot())
}

func (s *Server) handleMetricsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	// Reader only notices the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropConn(conn)
				return
			}
		}
	}()
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(metricsPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		payload, err := json.Marshal(s.engine.Metrics.Snapshot())
		if err != nil {
			continue
		}

		s.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()

		for _, conn := range conns {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.dropConn(conn)
			}
		}
	}
}

func (s *Server) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func replayStatus(err error) int {
	switch {
	case errors.Is(err, replay.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, replay.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrInvalidRange),
		errors.Is(err, replay.ErrInvalidRate),
		errors.Is(err, replay.ErrNoTopics):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
