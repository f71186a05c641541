package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentstation/sensorbridge/internal/telemetry"
)

// Inbound is what a framer decided about a message read from the peer.
type Inbound struct {
	// Reply is written back to the peer, if set
	Reply []byte

	// Join registers the connection with the hub
	Join bool

	// Leave ends the connection
	Leave bool
}

// Framer turns events into WebSocket frames and interprets what the peer
// sends. Framers are stateless; per-connection data is passed in.
type Framer interface {
	// Name labels the transport in logs and metrics.
	Name() string

	// Open returns the frames written right after the upgrade.
	Open(sid string) [][]byte

	// JoinOnOpen reports whether the connection joins the hub right after
	// the upgrade, or waits for the peer to ask.
	JoinOnOpen() bool

	// Encode renders one event as a text frame.
	Encode(ev telemetry.Event) ([]byte, error)

	// Decode interprets one text frame from the peer.
	Decode(sid string, data []byte) Inbound

	// Ping returns the keepalive frame.
	Ping() (messageType int, data []byte)

	// PingPeriod is how often Ping is sent.
	PingPeriod() time.Duration

	// PongWait is how long the connection may stay silent.
	PongWait() time.Duration
}

// envelope is the plain JSON wire format.
type envelope struct {
	Event string          `json:"event"`
	Data  telemetry.Event `json:"data"`
}

// JSONFramer speaks the plain JSON protocol:
//
//	{"event":"mqttData","data":{"topic":"esp32/temperature","value":"26.3"}}
//
// Keepalive uses WebSocket control frames. Anything the peer sends is ignored.
type JSONFramer struct{}

// Name implements Framer.
func (JSONFramer) Name() string { return "websocket" }

// Open implements Framer.
func (JSONFramer) Open(string) [][]byte { return nil }

// JoinOnOpen implements Framer.
func (JSONFramer) JoinOnOpen() bool { return true }

// Encode implements Framer.
func (JSONFramer) Encode(ev telemetry.Event) ([]byte, error) {
	return json.Marshal(envelope{Event: telemetry.EventName, Data: ev})
}

// Decode implements Framer.
func (JSONFramer) Decode(string, []byte) Inbound { return Inbound{} }

// Ping implements Framer.
func (JSONFramer) Ping() (int, []byte) { return websocket.PingMessage, nil }

// PingPeriod implements Framer.
func (JSONFramer) PingPeriod() time.Duration { return pingPeriod }

// PongWait implements Framer.
func (JSONFramer) PongWait() time.Duration { return pongWait }

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// recordSeparator joins packets in one polling payload.
const recordSeparator = '\x1e'

// Probe packets exchanged on a WebSocket before it takes over a polling
// session.
const (
	probePing = "2probe"
	probePong = "3probe"
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

// SocketIOFramer speaks enough of Engine.IO v4 / Socket.IO v5 for stock
// socket.io clients to receive events on the default namespace. Binary
// packets and acknowledgements are not supported.
type SocketIOFramer struct {
	// PingInterval is how often the server pings
	PingInterval time.Duration

	// PingTimeout is how long the server waits for the pong
	PingTimeout time.Duration

	// MaxPayload is advertised in the handshake
	MaxPayload int
}

// NewSocketIOFramer returns a framer with the socket.io server defaults.
func NewSocketIOFramer() SocketIOFramer {
	return SocketIOFramer{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		MaxPayload:   1_000_000,
	}
}

type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Name implements Framer.
func (SocketIOFramer) Name() string { return "socketio" }

// Open implements Framer. It writes the Engine.IO handshake for a
// connection that started on the WebSocket transport.
func (f SocketIOFramer) Open(sid string) [][]byte {
	return [][]byte{f.handshake(sid, []string{})}
}

// handshake renders the open packet. upgrades lists the transports the
// session may move to.
func (f SocketIOFramer) handshake(sid string, upgrades []string) []byte {
	data, _ := json.Marshal(openPacket{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: f.PingInterval.Milliseconds(),
		PingTimeout:  f.PingTimeout.Milliseconds(),
		MaxPayload:   f.MaxPayload,
	})
	return append([]byte{eioOpen}, data...)
}

// JoinOnOpen implements Framer. Socket.IO clients join on namespace connect.
func (SocketIOFramer) JoinOnOpen() bool { return false }

// Encode implements Framer.
func (SocketIOFramer) Encode(ev telemetry.Event) ([]byte, error) {
	args, err := json.Marshal([]any{telemetry.EventName, ev})
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, args...), nil
}

// Decode implements Framer.
func (SocketIOFramer) Decode(sid string, data []byte) Inbound {
	if len(data) == 0 {
		return Inbound{}
	}

	switch data[0] {
	case eioClose:
		return Inbound{Leave: true}
	case eioPing:
		return Inbound{Reply: []byte{eioPong}}
	case eioPong:
		return Inbound{}
	case eioMessage:
	default:
		return Inbound{}
	}

	if len(data) < 2 {
		return Inbound{}
	}
	nsp, _ := splitNamespace(data[2:])

	switch data[1] {
	case sioConnect:
		if nsp != "/" {
			msg, _ := json.Marshal(map[string]string{"message": "Invalid namespace"})
			return Inbound{Reply: namespacePacket(sioConnectError, nsp, msg)}
		}
		msg, _ := json.Marshal(map[string]string{"sid": sid})
		return Inbound{Reply: namespacePacket(sioConnect, nsp, msg), Join: true}
	case sioDisconnect:
		return Inbound{Leave: nsp == "/"}
	}
	return Inbound{}
}

// Ping implements Framer. Engine.IO v4 pings are sent by the server as text.
func (SocketIOFramer) Ping() (int, []byte) {
	return websocket.TextMessage, []byte{eioPing}
}

// PongWait implements Framer.
func (f SocketIOFramer) PongWait() time.Duration {
	return f.PingInterval + f.PingTimeout
}

// PingPeriod implements Framer.
func (f SocketIOFramer) PingPeriod() time.Duration {
	return f.PingInterval
}

// splitNamespace splits "/admin,{...}" into its namespace and the rest.
// Packets for the default namespace omit it.
func splitNamespace(b []byte) (string, []byte) {
	if len(b) == 0 || b[0] != '/' {
		return "/", b
	}
	if i := bytes.IndexByte(b, ','); i >= 0 {
		return string(b[:i]), b[i+1:]
	}
	return string(b), nil
}

func namespacePacket(kind byte, nsp string, payload []byte) []byte {
	out := []byte{eioMessage, kind}
	if nsp != "/" {
		out = append(out, nsp...)
		out = append(out, ',')
	}
	return append(out, payload...)
}

// Engine.IO transports.
const (
	transportPolling   = "polling"
	transportWebSocket = "websocket"
)

// EngineError is the JSON body Engine.IO servers return for rejected
// requests.
type EngineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine.io error %d: %s", e.Code, e.Message)
}

// Engine.IO error codes.
var (
	errTransportUnknown = &EngineError{Code: 0, Message: "Transport unknown"}
	errSessionUnknown   = &EngineError{Code: 1, Message: "Session ID unknown"}
	errBadMethod        = &EngineError{Code: 2, Message: "Bad handshake method"}
	errBadRequest       = &EngineError{Code: 3, Message: "Bad request"}
	errForbidden        = &EngineError{Code: 4, Message: "Forbidden"}
	errBadVersion       = &EngineError{Code: 5, Message: "Unsupported protocol version"}
)

// CheckSocketIORequest rejects requests this server cannot serve: other
// protocol revisions, unknown transports and WebSocket requests without an
// upgrade.
func CheckSocketIORequest(r *http.Request) error {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		return errBadVersion
	}
	switch q.Get("transport") {
	case transportPolling:
		return nil
	case transportWebSocket:
		if !websocket.IsWebSocketUpgrade(r) {
			return errBadRequest
		}
		return nil
	default:
		return errTransportUnknown
	}
}
