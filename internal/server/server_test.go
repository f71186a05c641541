package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentstation/utc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/internal/upstream"
	"github.com/agentstation/sensorbridge/pkg/errors"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

// fakeLink stands in for the broker connection. Tests push raw messages
// through msgs and flip the reported state.
type fakeLink struct {
	msgs       chan telemetry.RawMessage
	connectErr error
	state      atomic.Int32
	closeOnce  sync.Once
	closed     atomic.Bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{msgs: make(chan telemetry.RawMessage, 16)}
}

func (f *fakeLink) Connect(context.Context) (<-chan telemetry.RawMessage, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.state.Store(int32(upstream.Connected))
	return f.msgs, nil
}

func (f *fakeLink) Close() {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.state.Store(int32(upstream.Disconnected))
		close(f.msgs)
	})
}

func (f *fakeLink) State() upstream.State           { return upstream.State(f.state.Load()) }
func (f *fakeLink) Broker() string                  { return "tcp://broker.test:1883" }
func (f *fakeLink) Topics() []telemetry.Topic       { return []telemetry.Topic{"esp32/temperature"} }
func (f *fakeLink) LastMessageAt() (utc.Time, bool) { return utc.Time{}, false }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	return cfg
}

func startServer(t *testing.T, cfg Config, link *fakeLink) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, link, logging.NewNopLogger(), WithVersion("test"))
	require.NoError(t, err)
	srv.Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func raw(topic, payload string) telemetry.RawMessage {
	return telemetry.RawMessage{Topic: telemetry.Topic(topic), Payload: []byte(payload), ReceivedAt: utc.Now()}
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// TestServerInitialization tests that New and Start complete without blocking.
func TestServerInitialization(t *testing.T) {
	done := make(chan struct{})
	var srv *Server
	var newErr error

	go func() {
		srv, newErr = New(testConfig(), newFakeLink(), logging.NewNopLogger())
		if newErr == nil {
			srv.Start()
		}
		close(done)
	}()

	select {
	case <-done:
		require.NoError(t, newErr)
		require.NotNil(t, srv)
	case <-time.After(5 * time.Second):
		t.Fatal("server.New() deadlocked - did not complete within 5 seconds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestServerShutdownWithoutStart(t *testing.T) {
	link := newFakeLink()
	srv, err := New(testConfig(), link, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
	assert.True(t, link.closed.Load())
}

func TestServerNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Hub.QueueSize = 0

	_, err := New(cfg, newFakeLink(), logging.NewNopLogger())
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "hub.queue_size", ve.Field)

	_, err = New(testConfig(), nil, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestServerPumpNormalizesInOrder(t *testing.T) {
	link := newFakeLink()
	srv, ts := startServer(t, testConfig(), link)

	s1 := dialWS(t, ts, "/api/v1/ws")
	s2 := dialWS(t, ts, "/api/v1/ws")
	require.Eventually(t, func() bool { return srv.Hub().Count() == 2 }, time.Second, 5*time.Millisecond)

	link.msgs <- raw("esp32/temperature", " 26.3 ")
	link.msgs <- raw("esp32/humidity", "40")
	link.msgs <- raw("esp32/temperature", "26.4\n")

	want := []string{
		`{"event":"mqttData","data":{"topic":"esp32/temperature","value":"26.3"}}`,
		`{"event":"mqttData","data":{"topic":"esp32/humidity","value":"40"}}`,
		`{"event":"mqttData","data":{"topic":"esp32/temperature","value":"26.4"}}`,
	}
	for _, conn := range []*websocket.Conn{s1, s2} {
		for _, w := range want {
			assert.JSONEq(t, w, readFrame(t, conn))
		}
	}

	require.Eventually(t, func() bool { return srv.Counters().EventsBroadcast == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), srv.Counters().MessagesReceived)
}

func TestServerSocketIOAndSSEShareTheHub(t *testing.T) {
	link := newFakeLink()
	srv, ts := startServer(t, testConfig(), link)

	sio := dialWS(t, ts, "/socket.io/?EIO=4&transport=websocket")
	require.True(t, strings.HasPrefix(readFrame(t, sio), "0"))
	require.NoError(t, sio.WriteMessage(websocket.TextMessage, []byte("40")))
	require.True(t, strings.HasPrefix(readFrame(t, sio), "40"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return srv.Hub().Count() == 2 }, time.Second, 5*time.Millisecond)
	link.msgs <- raw("esp32/temperature", "26.3")

	assert.Equal(t, `42["mqttData",{"topic":"esp32/temperature","value":"26.3"}]`, readFrame(t, sio))

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		buf := make([]byte, 4096)
		var acc strings.Builder
		for {
			n, err := resp.Body.Read(buf)
			acc.Write(buf[:n])
			if strings.Contains(acc.String(), "event: mqttData") {
				lines <- acc.String()
				return
			}
			if err != nil {
				if err != io.EOF {
					lines <- acc.String()
				}
				return
			}
		}
	}()

	select {
	case body := <-lines:
		assert.Contains(t, body, "event: mqttData")
		assert.Contains(t, body, `"value":"26.3"`)
	case <-time.After(2 * time.Second):
		t.Fatal("SSE event not received")
	}
}

func TestServerHTTPEndpoints(t *testing.T) {
	link := newFakeLink()
	link.connectErr = errors.NewConnectionError("tcp://broker.test:1883", "connect", errors.ErrTimeout)
	_, ts := startServer(t, testConfig(), link)

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/health")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/api/v1/health")
	assert.Equal(t, http.StatusOK, code)

	// The broker never connected.
	code, body := get("/api/v1/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "disconnected")

	code, body = get("/api/v1/status")
	assert.Equal(t, http.StatusOK, code)
	var status struct {
		Data struct {
			Version  string `json:"version"`
			Upstream struct {
				State  string `json:"state"`
				Broker string `json:"broker"`
			} `json:"upstream"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "test", status.Data.Version)
	assert.Equal(t, "tcp://broker.test:1883", status.Data.Upstream.Broker)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "sensorbridge_hub_subscribers")

	code, body = get("/api/v1/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, `"error"`)

	code, _ = get("/favicon.ico")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestServerReadyOnceConnected(t *testing.T) {
	link := newFakeLink()
	_, ts := startServer(t, testConfig(), link)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}

func TestServerMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	_, ts := startServer(t, cfg, newFakeLink())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRateLimitsUpgrades(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	_, ts := startServer(t, cfg, newFakeLink())

	dialWS(t, ts, "/api/v1/ws")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Health checks are never limited.
	hr, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer hr.Body.Close()
	assert.Equal(t, http.StatusOK, hr.StatusCode)
}

func TestServerStartLogsConnectOutcome(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
		msg   string
	}{
		{"broker refused", errors.NewConnectionError("tcp://broker.test:1883", "connect", errors.ErrTimeout), "error", "Upstream link not started"},
		{"shutdown first", fmt.Errorf("connecting to tcp://broker.test:1883: %w", context.Canceled), "debug", "Upstream connect canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := logging.NewTestLogger(t)
			link := newFakeLink()
			link.connectErr = tt.err
			srv, err := New(testConfig(), link, tl.Logger)
			require.NoError(t, err)
			srv.Start()
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			})

			require.Eventually(t, func() bool { return tl.Contains(tt.msg) }, time.Second, 5*time.Millisecond)
			for _, line := range tl.Lines() {
				if strings.Contains(line, tt.msg) {
					assert.Contains(t, line, `"level":"`+tt.level+`"`)
				}
			}
		})
	}
}

func TestServerSocketIOPolling(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	_, ts := startServer(t, cfg, newFakeLink())

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/socket.io/?EIO=4&transport=polling&t=PxYz123")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(body, "0{"), body)

	var open struct {
		SID string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal([]byte(body[1:]), &open))

	// Requests inside an open session are not counted against the limit.
	resp, err := http.Post(ts.URL+"/socket.io/?EIO=4&transport=polling&sid="+open.SID, "text/plain", strings.NewReader("3"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, _ = get("/socket.io/?EIO=4&transport=polling")
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestServerShutdownClosesSubscribers(t *testing.T) {
	link := newFakeLink()
	srv, err := New(testConfig(), link, logging.NewNopLogger())
	require.NoError(t, err)
	srv.Start()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/api/v1/ws")
	require.Eventually(t, func() bool { return srv.Hub().Count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, link.closed.Load())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.ErrorIs(t, srv.Hub().Broadcast(telemetry.Event{}), errors.ErrHubStopped)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Port = 0 }, "http.port"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "http.port"},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }, "http.rate_limit"},
		{"trusted proxies", func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/8", "127.0.0.1"} }, ""},
		{"bad trusted proxy", func(c *Config) { c.TrustedProxies = []string{"lb.internal"} }, "http.trusted_proxies"},
		{"test event without topic", func(c *Config) {
			c.TestEvent.Enabled = true
			c.TestEvent.Topic = ""
		}, "debug.test_event.topic"},
		{"negative delay", func(c *Config) { c.TestEvent.Delay = -time.Second }, "debug.test_event.delay"},
		{"bad overflow", func(c *Config) { c.Hub.Overflow = hub.OverflowPolicy("spill") }, "hub.overflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *errors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
