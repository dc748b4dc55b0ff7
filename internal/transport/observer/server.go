// Package observer streams per-tick scheduler stats to websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"workcraft.ai/internal/observerproto"
	"workcraft.ai/internal/sim/simhost"
	"workcraft.ai/internal/sim/workgiver"
)

// Source reports the modules currently registered.
type Source interface {
	ModuleIDs() []string
}

type session struct {
	id  string
	out chan []byte

	mu  sync.Mutex
	sub observerproto.SubscribeMsg

	dropped atomic.Uint64
}

func (ss *session) settings() observerproto.SubscribeMsg {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.sub
}

func (ss *session) update(sub observerproto.SubscribeMsg) {
	ss.mu.Lock()
	ss.sub = sub
	ss.mu.Unlock()
}

// Server is a simhost.TickLogger. WriteTick fans each record out to the
// subscribed sessions and never blocks the host loop.
type Server struct {
	src Source
	log zerolog.Logger

	upgrader    websocket.Upgrader
	nextID      atomic.Uint64
	lastTick    atomic.Uint64
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewServer(src Source, logger zerolog.Logger) *Server {
	return &Server{
		src: src,
		log: logger.With().Str("component", "observer").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
		maxSessions: 64,
		sessions:    map[string]*session{},
	}
}

// Subscribers is the number of joined sessions.
func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) WriteTick(rec simhost.TickRecord) error {
	s.lastTick.Store(rec.Tick)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ss := range s.sessions {
		sub := ss.settings()
		if rec.Tick%uint64(sub.EveryNTicks) != 0 {
			continue
		}
		b, err := json.Marshal(tickMsg(rec, sub, ss.dropped.Load()))
		if err != nil {
			return err
		}
		select {
		case ss.out <- b:
		default:
			ss.dropped.Add(1)
		}
	}
	return nil
}

func tickMsg(rec simhost.TickRecord, sub observerproto.SubscribeMsg, dropped uint64) observerproto.TickMsg {
	st := rec.Scheduler
	if len(sub.Modules) > 0 {
		keep := make(map[string]bool, len(sub.Modules))
		for _, id := range sub.Modules {
			keep[id] = true
		}
		filtered := make([]workgiver.ModuleCount, 0, len(st.ByModule))
		for _, mc := range st.ByModule {
			if keep[mc.ModuleID] {
				filtered = append(filtered, mc)
			}
		}
		st.ByModule = filtered
	}
	return observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            rec.Tick,
		Worlds:          rec.Worlds,
		Agents:          rec.Agents,
		Idle:            rec.Idle,
		LiveCandidates:  rec.LiveCandidates,
		Spawned:         rec.Spawned,
		Completed:       rec.Completed,
		Preempted:       rec.Preempted,
		Conflicts:       rec.Conflicts,
		Scheduler:       st,
		Dropped:         dropped,
	}
}

func (s *Server) join(ss *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.maxSessions {
		return false
	}
	s.sessions[ss.id] = ss
	return true
}

func (s *Server) leave(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		var modules []string
		if s.src != nil {
			modules = s.src.ModuleIDs()
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.lastTick.Load(),
			Modules:         modules,
			Subscribers:     s.Subscribers(),
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		ss := &session{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, 8),
			sub: sub,
		}
		if !s.join(ss) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer s.leave(ss.id)
		s.log.Debug().Str("session", ss.id).Str("remote", r.RemoteAddr).Msg("observer joined")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-ss.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				ss.update(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Debug().Str("session", ss.id).Uint64("dropped", ss.dropped.Load()).Msg("observer left")
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.EveryNTicks <= 0 {
		sub.EveryNTicks = 1
	}
	if sub.EveryNTicks > 3600 {
		sub.EveryNTicks = 3600
	}
	if len(sub.Modules) > 256 {
		sub.Modules = sub.Modules[:256]
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
