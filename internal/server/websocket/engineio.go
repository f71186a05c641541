package websocket

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/metrics"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

const (
	// sessionBuffer is how many packets a session holds for its transport.
	sessionBuffer = 64

	// maxPollBatch bounds how many packets one poll response carries.
	maxPollBatch = 64
)

// SocketIOHandler serves the socket.io endpoint. Clients may open a session
// on long-polling and upgrade it to a WebSocket, which is what stock
// socket.io clients do, or connect over a WebSocket directly.
type SocketIOHandler struct {
	manager *Manager
	framer  SocketIOFramer
	logger  *zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewSocketIOHandler creates the socket.io endpoint handler. Options apply to
// both transports.
func NewSocketIOHandler(registry Registry, framer SocketIOFramer, logger *zerolog.Logger, opts ...Option) *SocketIOHandler {
	m := NewManager(registry, framer, logger, opts...)
	return &SocketIOHandler{
		manager:  m,
		framer:   framer,
		logger:   m.logger,
		sessions: make(map[string]*session),
	}
}

// ServeHTTP dispatches handshakes, polls, posted packets and WebSocket
// upgrades.
func (h *SocketIOHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := CheckSocketIORequest(r); err != nil {
		metrics.UpgradeFailuresTotal.Inc()
		h.reject(w, r, http.StatusBadRequest, err)
		return
	}
	if !h.manager.upgrader.CheckOrigin(r) {
		metrics.UpgradeFailuresTotal.Inc()
		h.reject(w, r, http.StatusForbidden, errForbidden)
		return
	}

	q := r.URL.Query()
	sid := q.Get("sid")
	overWebSocket := q.Get("transport") == transportWebSocket

	if sid == "" {
		if overWebSocket {
			h.manager.ServeHTTP(w, r)
			return
		}
		h.handshake(w, r)
		return
	}

	s := h.session(sid)
	if s == nil {
		h.reject(w, r, http.StatusBadRequest, errSessionUnknown)
		return
	}

	switch {
	case overWebSocket:
		h.upgrade(w, r, s)
	case r.Method == http.MethodGet:
		s.poll(w, r)
	case r.Method == http.MethodPost:
		s.receive(w, r)
	default:
		h.reject(w, r, http.StatusBadRequest, errBadMethod)
	}
}

// Close ends every polling session. Pending polls return a close packet and
// new handshakes are refused.
func (h *SocketIOHandler) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

func (h *SocketIOHandler) session(id string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *SocketIOHandler) handshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.reject(w, r, http.StatusBadRequest, errBadMethod)
		return
	}

	id := uuid.NewString()
	ctx := logging.WithTransport(logging.WithSubscriber(logging.WithLogger(r.Context(), h.logger), id), transportPolling)
	logger := logging.FromContext(ctx)

	s := &session{
		id:        id,
		framer:    h.framer,
		clock:     h.manager.clock,
		logger:    logger,
		out:       make(chan []byte, sessionBuffer),
		upgrading: make(chan struct{}),
		upgraded:  make(chan struct{}),
		closed:    make(chan struct{}),
	}
	s.member = h.manager.newMembership(s, s.closed, logger)
	s.touch()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeEngineError(w, http.StatusServiceUnavailable, errBadRequest)
		return
	}
	h.sessions[id] = s
	h.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(h.framer.Name()).Inc()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	go s.run(func() {
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
	})

	if err := writePayload(w, [][]byte{h.framer.handshake(id, []string{transportWebSocket})}); err != nil {
		logger.Debug().Err(err).Msg("Handshake write failed")
	}
}

// upgrade moves a polling session onto a WebSocket once the peer has probed
// it.
func (h *SocketIOHandler) upgrade(w http.ResponseWriter, r *http.Request, s *session) {
	if !s.beginUpgrade() {
		h.reject(w, r, http.StatusBadRequest, errBadRequest)
		return
	}

	conn, err := h.manager.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied; the session keeps polling.
		metrics.UpgradeFailuresTotal.Inc()
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		s.abortUpgrade()
		return
	}
	go s.takeOver(conn)
}

func (h *SocketIOHandler) reject(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Socket.IO request rejected")
	writeEngineError(w, status, err)
}

// session is a socket.io connection that began on long-polling. Packets for
// the peer wait in out until a poll collects them, or until the WebSocket
// that took the session over writes them. It implements hub.Subscriber.
type session struct {
	id     string
	framer SocketIOFramer
	clock  clockwork.Clock
	logger *zerolog.Logger
	member *membership

	out      chan []byte
	polling  atomic.Bool
	lastSeen atomic.Int64

	upgradeMu      sync.Mutex
	upgradeStarted bool
	upgrading      chan struct{}
	upgraded       chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// ID implements hub.Subscriber.
func (s *session) ID() string { return s.id }

// Send implements hub.Subscriber.
func (s *session) Send(ev telemetry.Event) error {
	frame, err := s.framer.Encode(ev)
	if err != nil {
		return err
	}
	return s.push(frame)
}

// Close implements hub.Subscriber. The session's run loop cleans up.
func (s *session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *session) push(pkt []byte) error {
	select {
	case s.out <- pkt:
		return nil
	case <-s.closed:
		return errors.ErrClosed
	}
}

func (s *session) touch() {
	s.lastSeen.Store(s.clock.Now().UnixNano())
}

// run pings the peer every ping interval and ends the session when it stops
// answering. It owns the session's cleanup.
func (s *session) run(onEnd func()) {
	ticker := s.clock.NewTicker(s.framer.PingInterval)
	defer func() {
		ticker.Stop()
		s.member.leave()
		onEnd()
		s.logger.Info().Msg("Client disconnected")
	}()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.Chan():
			if s.clock.Since(time.Unix(0, s.lastSeen.Load())) > s.framer.PongWait() {
				s.logger.Debug().Msg("Ping timeout")
				_ = s.Close()
				return
			}
			select {
			case s.out <- []byte{eioPing}:
			default:
				// The peer is not collecting; the timeout ends the session.
			}
		}
	}
}

// poll answers a long-polling GET with whatever is queued, waiting for the
// first packet if nothing is.
func (s *session) poll(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.upgraded:
		writeEngineError(w, http.StatusBadRequest, errBadRequest)
		return
	default:
	}
	if !s.polling.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("Overlapping poll, closing session")
		writeEngineError(w, http.StatusBadRequest, errBadRequest)
		_ = s.Close()
		return
	}
	defer s.polling.Store(false)

	var packets [][]byte
	select {
	case pkt := <-s.out:
		packets = append(packets, pkt)
	case <-s.upgrading:
		packets = append(packets, []byte{eioNoop})
	case <-s.closed:
		packets = append(packets, []byte{eioClose})
	case <-r.Context().Done():
		return
	}

collect:
	for len(packets) < maxPollBatch {
		select {
		case pkt := <-s.out:
			packets = append(packets, pkt)
		default:
			break collect
		}
	}

	if err := writePayload(w, packets); err != nil {
		s.logger.Debug().Err(err).Int("packets", len(packets)).Msg("Poll write failed")
	}
}

// receive handles packets POSTed by the peer.
func (s *session) receive(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.upgraded:
		writeEngineError(w, http.StatusBadRequest, errBadRequest)
		return
	default:
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.framer.MaxPayload)+1))
	if err != nil {
		writeEngineError(w, http.StatusBadRequest, errBadRequest)
		return
	}
	if len(body) > s.framer.MaxPayload {
		writeEngineError(w, http.StatusRequestEntityTooLarge, errBadRequest)
		_ = s.Close()
		return
	}

	for _, pkt := range bytes.Split(body, []byte{recordSeparator}) {
		s.handle(pkt)
	}

	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, "ok")
}

// handle acts on one packet from the peer, whichever transport carried it.
func (s *session) handle(pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	s.touch()

	switch pkt[0] {
	case eioPong, eioNoop, eioUpgrade:
		return
	}

	in := s.framer.Decode(s.id, pkt)
	if in.Reply != nil {
		if err := s.push(in.Reply); err != nil {
			return
		}
	}
	if in.Join {
		if err := s.member.join(); err != nil {
			s.logger.Warn().Err(err).Msg("Client not registered")
			_ = s.Close()
			return
		}
	}
	if in.Leave {
		s.logger.Debug().Msg("Peer left")
		_ = s.Close()
	}
}

func (s *session) beginUpgrade() bool {
	s.upgradeMu.Lock()
	defer s.upgradeMu.Unlock()
	if s.upgradeStarted {
		return false
	}
	s.upgradeStarted = true
	return true
}

func (s *session) abortUpgrade() {
	s.upgradeMu.Lock()
	s.upgradeStarted = false
	s.upgradeMu.Unlock()
}

// takeOver runs the probe exchange and then serves the session over conn.
func (s *session) takeOver(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	if err := s.probe(conn); err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket probe failed")
		_ = conn.Close()
		_ = s.Close()
		return
	}
	s.logger.Debug().Msg("Session upgraded to WebSocket")

	go s.writeLoop(conn)
	s.readLoop(conn)
}

// probe answers "2probe" and waits for the upgrade packet. While it waits,
// a pending poll is released with a noop so the peer can pause polling.
func (s *session) probe(conn *websocket.Conn) error {
	expect := func(want string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.framer.PingTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(data) != want {
			return errBadRequest
		}
		return nil
	}

	if err := expect(probePing); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(probePong)); err != nil {
		return err
	}
	close(s.upgrading)

	if err := expect(string([]byte{eioUpgrade})); err != nil {
		return err
	}
	close(s.upgraded)
	return nil
}

func (s *session) writeLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case pkt := <-s.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, pkt); err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket write failed")
				_ = s.Close()
				return
			}
		case <-s.closed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) readLoop(conn *websocket.Conn) {
	defer func() { _ = s.Close() }()

	wait := s.framer.PongWait()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if kind == websocket.TextMessage {
			s.handle(data)
		}
	}
}

// writePayload writes packets as one polling response.
func writePayload(w http.ResponseWriter, packets [][]byte) error {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	_, err := w.Write(bytes.Join(packets, []byte{recordSeparator}))
	return err
}

// writeEngineError writes the JSON error body Engine.IO clients expect.
func writeEngineError(w http.ResponseWriter, status int, err error) {
	var ee *EngineError
	if !errors.As(err, &ee) {
		ee = &EngineError{Code: errBadRequest.Code, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ee)
}
