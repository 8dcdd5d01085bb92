package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/bus"
	"github.com/uhyunpark/papertrade/pkg/engine"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/metrics"
	"github.com/uhyunpark/papertrade/pkg/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	maxMessageSize = 8 << 10
	maxSymbols     = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// SessionManager tracks live WebSocket sessions. Each subscribed symbol of a
// session owns exactly one lossy bus subscription, so a slow browser only
// ever loses its own ticks.
type SessionManager struct {
	bus      *bus.Bus
	registry *market.Registry
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*Session              // connection id -> session
	byUser   map[string]map[*Session]struct{} // user id -> sessions
}

func NewSessionManager(b *bus.Bus, registry *market.Registry, m *metrics.Metrics, log *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		bus:      b,
		registry: registry,
		metrics:  metrics.OrNew(m),
		log:      util.OrNop(log),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[*Session]struct{}),
	}
}

// Count returns the number of open sessions
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session returns an open session by connection id
func (m *SessionManager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	users := m.byUser[s.user]
	if users == nil {
		users = make(map[*Session]struct{})
		m.byUser[s.user] = users
	}
	users[s] = struct{}{}
	total := len(m.sessions)
	m.mu.Unlock()

	m.metrics.WSSessions.Inc()
	m.log.Infow("ws_session_opened", "connection_id", s.id, "user", s.user, "total", total)
}

func (m *SessionManager) unregister(s *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	if users := m.byUser[s.user]; users != nil {
		delete(users, s)
		if len(users) == 0 {
			delete(m.byUser, s.user)
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()

	m.metrics.WSSessions.Dec()
	m.log.Infow("ws_session_closed", "connection_id", s.id, "user", s.user, "total", total)
}

// HandleOrderEvent pushes an order state change to the owner's sessions.
// It is registered with Engine.OnEvent.
func (m *SessionManager) HandleOrderEvent(ev engine.Event) {
	update := OrderUpdate{
		Type:  "order",
		Event: string(ev.Type),
		Order: newOrderInfo(ev.Order),
	}
	if ev.Fill != nil {
		f := newFillInfo(*ev.Fill)
		update.Fill = &f
	}
	msg, err := json.Marshal(update)
	if err != nil {
		m.log.Warnw("ws_marshal_failed", "order_id", ev.Order.ID, "err", err)
		return
	}

	m.mu.RLock()
	targets := make([]*Session, 0, len(m.byUser[ev.Order.UserID]))
	for s := range m.byUser[ev.Order.UserID] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
}

// CloseAll closes every open session
func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.close()
	}
}

// Serve upgrades the request and runs the session until the connection ends
func (m *SessionManager) Serve(w http.ResponseWriter, r *http.Request, user string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	s := &Session{
		id:   uuid.NewString(),
		user: user,
		mgr:  m,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]*bus.Subscription),
		done: make(chan struct{}),
	}
	m.register(s)

	s.reply(WSConnected{Type: "connected", ConnectionID: s.id, UserID: user})

	go s.writePump()
	go s.readPump()
}

// Session is one WebSocket connection and its subscription set
type Session struct {
	id   string
	user string
	mgr  *SessionManager
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]*bus.Subscription // symbol -> lossy bus registration

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) ID() string { return s.id }

// Symbols returns the current subscription set, sorted
func (s *Session) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers the session for each symbol. Unknown or already
// subscribed symbols are skipped; the accepted symbols are returned.
func (s *Session) Subscribe(symbols []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, raw := range symbols {
		sym := market.NormalizeSymbol(raw)
		if sym == "" || s.subs[sym] != nil {
			continue
		}
		if len(s.subs) >= maxSymbols {
			break
		}
		if s.mgr.registry != nil && !s.mgr.registry.Exists(sym) {
			continue
		}
		if s.isClosed() {
			break
		}
		sub, err := s.mgr.bus.Subscribe(sym)
		if err != nil {
			s.mgr.log.Warnw("ws_subscribe_failed", "connection_id", s.id, "symbol", sym, "err", err)
			continue
		}
		s.subs[sym] = sub
		added = append(added, sym)
		go s.forward(sub)
	}
	if len(added) > 0 {
		s.mgr.log.Debugw("ws_subscribed", "connection_id", s.id, "symbols", added)
	}
	return added
}

// Unsubscribe drops the bus registration for each symbol
func (s *Session) Unsubscribe(symbols []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, raw := range symbols {
		sym := market.NormalizeSymbol(raw)
		sub, ok := s.subs[sym]
		if !ok {
			continue
		}
		sub.Close()
		delete(s.subs, sym)
		removed = append(removed, sym)
	}
	if len(removed) > 0 {
		s.mgr.log.Debugw("ws_unsubscribed", "connection_id", s.id, "symbols", removed)
	}
	return removed
}

// forward turns one symbol's ticks into trade events until the subscription closes
func (s *Session) forward(sub *bus.Subscription) {
	for t := range sub.C() {
		msg, err := json.Marshal(newTradeUpdate(t))
		if err != nil {
			continue
		}
		s.enqueue(msg)
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks; when the send buffer is full the message is skipped
func (s *Session) enqueue(msg []byte) {
	if s.isClosed() {
		return
	}
	select {
	case s.send <- msg:
	default:
		s.mgr.log.Debugw("ws_send_buffer_full", "connection_id", s.id)
	}
}

func (s *Session) reply(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.enqueue(msg)
}

// close releases every bus registration before the session is dropped
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for sym, sub := range s.subs {
			sub.Close()
			delete(s.subs, sym)
		}
		close(s.done)
		s.mu.Unlock()

		s.mgr.unregister(s)
		s.conn.Close()
	})
}

func (s *Session) handleControl(raw []byte) {
	var req WSControl
	if err := json.Unmarshal(raw, &req); err != nil {
		s.mgr.log.Debugw("ws_invalid_message", "connection_id", s.id, "err", err)
		return
	}

	switch req.Action {
	case "subscribe":
		s.reply(WSAck{Type: "subscribed", Symbols: s.Subscribe(req.Symbols)})
	case "unsubscribe":
		s.reply(WSAck{Type: "unsubscribed", Symbols: s.Unsubscribe(req.Symbols)})
	case "ping":
		s.reply(WSAck{Type: "pong"})
	default:
		s.mgr.log.Debugw("ws_unknown_action", "connection_id", s.id, "action", req.Action)
	}
}

// readPump reads control messages until the connection fails
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.mgr.log.Warnw("ws_read_error", "connection_id", s.id, "err", err)
			}
			return
		}
		s.handleControl(message)
	}
}

// writePump is the only writer on the connection; one frame per message
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
