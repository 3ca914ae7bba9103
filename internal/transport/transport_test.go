package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

type fakeSigner struct {
	state model.AuthState
}

func (f *fakeSigner) EnsureFresh(ctx context.Context) error { return nil }
func (f *fakeSigner) SignURL(rawURL string) (string, error) { return rawURL, nil }
func (f *fakeSigner) Header() string                        { return "" }
func (f *fakeSigner) State() model.AuthState                 { return f.state }

type recordingHandler struct {
	mu           sync.Mutex
	events       []model.EventRecord
	textEvents   []model.TextEventRecord
	outOfService int
	reconnected  int
}

func (h *recordingHandler) HandleEvents(records []model.EventRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, records...)
}
func (h *recordingHandler) HandleTextEvents(records []model.TextEventRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.textEvents = append(h.textEvents, records...)
}
func (h *recordingHandler) HandleOutOfService() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outOfService++
}
func (h *recordingHandler) HandleReconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnected++
}

var upgrader = websocket.Upgrader{}

func newEchoServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(conn)
	}))
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendCommandRoundTrip(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		require.Equal(t, "jdev/sps/io/abc/on", string(msg))
		body := []byte(`{"LL":{"Code":"200","value":"ok"}}`)
		reply := append(buildHeader(model.FrameText, uint32(len(body))), body...)
		_ = conn.WriteMessage(websocket.BinaryMessage, reply)
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	handler := &recordingHandler{}
	signer := &fakeSigner{}
	tr := New(Config{Host: srv.URL, KeepAliveInterval: time.Hour}, signer, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tr.Run(ctx)

	require.Eventually(t, func() bool { return tr.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	body, err := tr.SendCommand(context.Background(), "jdev/sps/io/abc/on")
	require.NoError(t, err)
	require.Contains(t, string(body), "ok")
}

func TestDispatchFrameRoutesEventTable(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		rec := make([]byte, 24)
		msg := append(buildHeader(model.FrameEventTable, 24), rec...)
		_ = conn.WriteMessage(websocket.BinaryMessage, msg)
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	handler := &recordingHandler{}
	signer := &fakeSigner{}
	tr := New(Config{Host: srv.URL, KeepAliveInterval: time.Hour}, signer, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.events) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConfigDefaultsGracePeriodToTenSeconds(t *testing.T) {
	tr := New(Config{Host: "http://192.168.1.50"}, &fakeSigner{}, &recordingHandler{})
	require.Equal(t, 10*time.Second, tr.cfg.GracePeriod)
}

func TestOutOfServiceWaitsOutGracePeriodBeforeReconnect(t *testing.T) {
	var mu sync.Mutex
	var connectTimes []time.Time

	srv := newEchoServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connectTimes = append(connectTimes, time.Now())
		n := len(connectTimes)
		mu.Unlock()
		defer conn.Close()
		if n == 1 {
			msg := buildHeader(model.FrameOutOfService, 0)
			_ = conn.WriteMessage(websocket.BinaryMessage, msg)
			return
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	handler := &recordingHandler{}
	signer := &fakeSigner{}
	grace := 300 * time.Millisecond
	tr := New(Config{Host: srv.URL, KeepAliveInterval: time.Hour, GracePeriod: grace}, signer, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connectTimes) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	elapsed := connectTimes[1].Sub(connectTimes[0])
	mu.Unlock()

	require.GreaterOrEqual(t, elapsed, grace)

	handler.mu.Lock()
	oos := handler.outOfService
	handler.mu.Unlock()
	require.Equal(t, 1, oos)
}

func TestBuildURLConvertsHTTPToWS(t *testing.T) {
	tr := New(Config{Host: "http://192.168.1.50"}, &fakeSigner{}, &recordingHandler{})
	u, err := tr.buildURL()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "ws://"))
	require.Contains(t, u, "/ws/rfc6455")
}
