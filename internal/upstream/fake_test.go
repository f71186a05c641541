package upstream

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-completed token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// pendingToken never completes.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient stands in for the paho client. It drives the handlers captured
// from the options the link built, the way the real client would.
type fakeClient struct {
	opts *mqtt.ClientOptions

	connectErr   error
	connectHang  bool
	subscribeErr error

	mu           sync.Mutex
	connected    bool
	disconnected bool
	subscribes   []map[string]byte
	handler      mqtt.MessageHandler
	ops          []string
}

func (f *fakeClient) factory(opts *mqtt.ClientOptions) mqtt.Client {
	f.opts = opts
	return f
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() mqtt.Token {
	if f.connectHang {
		return pendingToken{}
	}
	if f.connectErr != nil {
		return newFakeToken(f.connectErr)
	}
	f.setConnected(true)
	f.opts.OnConnect(f)
	return newFakeToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return newFakeToken(nil)
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	return f.SubscribeMultiple(map[string]byte{topic: qos}, cb)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, filters)
	f.ops = append(f.ops, "subscribe")
	if f.subscribeErr == nil {
		f.handler = cb
	}
	return newFakeToken(f.subscribeErr)
}

func (f *fakeClient) Unsubscribe(...string) mqtt.Token { return newFakeToken(nil) }

func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver pushes a message through the subscription callback, if one is set.
func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.ops = append(f.ops, "deliver:"+payload)
	f.mu.Unlock()
	if h != nil {
		h(f, fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func (f *fakeClient) loseConnection(err error) {
	f.setConnected(false)
	f.opts.OnConnectionLost(f, err)
	f.opts.OnReconnecting(f, f.opts)
}

func (f *fakeClient) reconnect() {
	f.setConnected(true)
	f.opts.OnConnect(f)
}

func (f *fakeClient) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeClient) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeClient) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}
