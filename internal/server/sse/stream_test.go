package sse

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/sensorbridge/internal/server/hub"
	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/logging"
)

func startHub(t *testing.T) (*hub.Hub, context.CancelFunc) {
	t.Helper()
	h := hub.New(hub.DefaultConfig(), logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

// stream opens an SSE request and returns a reader of "event: x / data: y"
// pairs.
func stream(t *testing.T, ctx context.Context, url string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

// next returns the event name and data of the next frame, skipping comments.
func next(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestManager_StreamsEvents(t *testing.T) {
	h, _ := startHub(t)
	srv := httptest.NewServer(NewManager(h, logging.NewNopLogger()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := stream(t, ctx, srv.URL)

	event, data := next(t, r)
	assert.Equal(t, "connected", event)
	assert.Contains(t, data, "subscriber_id")

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Broadcast(telemetry.Event{Topic: "esp32/humidity", Value: "61"}))
	require.NoError(t, h.Broadcast(telemetry.Event{Topic: "esp32/temperature", Value: "26.3"}))

	event, data = next(t, r)
	assert.Equal(t, "mqttData", event)
	assert.JSONEq(t, `{"topic":"esp32/humidity","value":"61"}`, data)

	_, data = next(t, r)
	assert.JSONEq(t, `{"topic":"esp32/temperature","value":"26.3"}`, data)
}

func TestManager_ClientGoneUnregisters(t *testing.T) {
	h, _ := startHub(t)
	srv := httptest.NewServer(NewManager(h, logging.NewNopLogger()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := stream(t, ctx, srv.URL)
	next(t, r)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_HubShutdownEndsStream(t *testing.T) {
	h, stop := startHub(t)
	srv := httptest.NewServer(NewManager(h, logging.NewNopLogger()))
	defer srv.Close()

	r := stream(t, context.Background(), srv.URL)
	next(t, r)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	stop()

	done := make(chan error, 1)
	go func() {
		_, err := r.ReadString(0)
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestManager_TestEventAndKeepalive(t *testing.T) {
	h, _ := startHub(t)
	clock := clockwork.NewFakeClock()
	te := telemetry.DefaultTestEventConfig()
	te.Enabled = true
	srv := httptest.NewServer(NewManager(h, logging.NewNopLogger(), WithClock(clock), WithTestEvent(te)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := stream(t, ctx, srv.URL)
	next(t, r)

	// Test event timer and keepalive ticker.
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 2))

	clock.Advance(te.Delay)
	event, data := next(t, r)
	assert.Equal(t, "mqttData", event)
	assert.JSONEq(t, `{"topic":"esp32/temperature","value":"26.3"}`, data)

	clock.Advance(keepaliveInterval)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keepalive\n", line)
}

func TestManager_RegisterAfterHubStopped(t *testing.T) {
	h, stop := startHub(t)
	stop()
	<-h.Done()

	rec := httptest.NewRecorder()
	NewManager(h, logging.NewNopLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "SERVICE_UNAVAILABLE")
	assert.Contains(t, rec.Body.String(), "shutting down")
}

// stalledWriter accepts the first write and then fails every write, the way
// a connection does once its write deadline has passed.
type stalledWriter struct {
	header    http.Header
	writes    int
	deadlines []time.Time
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 2 {
		return 0, errors.New("i/o timeout")
	}
	return len(p), nil
}

func (w *stalledWriter) SetWriteDeadline(d time.Time) error {
	w.deadlines = append(w.deadlines, d)
	return nil
}

func TestManager_WriteDeadlineEndsStalledStream(t *testing.T) {
	h, _ := startHub(t)
	m := NewManager(h, logging.NewNopLogger())
	w := &stalledWriter{header: http.Header{}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	}()

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Broadcast(telemetry.Event{Topic: "esp32/temperature", Value: "26.3"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not ended after failed write")
	}
	assert.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)

	require.NotEmpty(t, w.deadlines)
	for _, d := range w.deadlines {
		assert.WithinDuration(t, time.Now().Add(writeWait), d, writeWait)
	}
}
