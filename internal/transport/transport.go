// Package transport implements C4, the WebSocket Transport from
// SPEC_FULL.md §4.4: a single long-lived connection with binary framing,
// AES-CBC payload decryption, keep-alive, and reconnect-with-resubscribe.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// Signer is the subset of *auth.Engine the transport needs to attach
// credentials to the WebSocket upgrade request and session URL.
type Signer interface {
	EnsureFresh(ctx context.Context) error
	SignURL(rawURL string) (string, error)
	Header() string
	State() model.AuthState
}

// EventHandler receives decoded event-table and text-event-table frames.
// C5 implements this to update the structure snapshot, append history, and
// fan out to subscriptions.
type EventHandler interface {
	HandleEvents(records []model.EventRecord)
	HandleTextEvents(records []model.TextEventRecord)
	HandleOutOfService()
	HandleReconnected()
}

// Config controls keep-alive cadence and reconnect backoff bounds.
type Config struct {
	Host              string
	KeepAliveInterval time.Duration // default 30s
	MaxMissedPongs    int           // default 2
	GracePeriod       time.Duration // default 10s, wait after out-of-service before reconnect
	MaxBackoff        time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.MaxMissedPongs == 0 {
		c.MaxMissedPongs = 2
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// Transport owns the single Miniserver WebSocket connection.
type Transport struct {
	cfg     Config
	signer  Signer
	handler EventHandler

	state        atomic.Int32
	missedPongs  atomic.Int32
	reconnectSeq atomic.Uint64

	mu   sync.Mutex
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   []chan pendingResult

	closeOnce sync.Once
	closed    chan struct{}
}

type pendingResult struct {
	body []byte
	err  error
}

// New constructs a Transport. Call Run to connect and service the
// connection until ctx is canceled.
func New(cfg Config, signer Signer, handler EventHandler) *Transport {
	return &Transport{
		cfg:     cfg.withDefaults(),
		signer:  signer,
		handler: handler,
		closed:  make(chan struct{}),
	}
}

// State returns the current connection lifecycle state.
func (t *Transport) State() ConnState {
	return ConnState(t.state.Load())
}

// Run connects and services the connection, reconnecting with exponential
// backoff on any fatal error, until ctx is canceled. It returns when ctx is
// done, or when Shutdown has been called and Run reaches its next wait.
func (t *Transport) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := t.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.state.Store(int32(StateDisconnected))
		t.failPending(loxerr.New(loxerr.KindWsClosed, "connection lost, reconnecting"))
		if loxerr.KindOf(err) == loxerr.KindWsOutOfService {
			// SPEC_FULL.md §4.4/§8 scenario 5: an out-of-service notification
			// gets a dedicated grace-period wait, not the sub-second
			// exponential backoff used for ordinary disconnects.
			if waitErr := t.graceWait(ctx); waitErr != nil {
				return waitErr
			}
			attempt = 0
			continue
		}
		attempt++
		if waitErr := t.backoffWait(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
}

// Shutdown closes the active connection, if any, and stops Run's loop at its
// next backoff or grace-period wait.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() { close(t.closed) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

func (t *Transport) backoffWait(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(min(attempt, 10))) * 200 * time.Millisecond
	if base > t.cfg.MaxBackoff {
		base = t.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return fmt.Errorf("transport shut down")
	}
}

// graceWait waits out cfg.GracePeriod after an out-of-service notification
// before the next reconnect attempt, distinct from backoffWait's exponential
// reconnect backoff for ordinary disconnects.
func (t *Transport) graceWait(ctx context.Context) error {
	select {
	case <-time.After(t.cfg.GracePeriod):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return fmt.Errorf("transport shut down")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// runOnce connects, authenticates, and services one connection lifetime. It
// returns when the connection ends, for any reason.
func (t *Transport) runOnce(ctx context.Context) error {
	t.state.Store(int32(StateHandshaking))

	if err := t.signer.EnsureFresh(ctx); err != nil {
		return err
	}
	wsURL, err := t.buildURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string)
	if h := t.signer.Header(); h != "" {
		header["Authorization"] = []string{h}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return loxerr.Wrap(loxerr.KindHTTPNetwork, "websocket dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()
	}()

	t.missedPongs.Store(0)
	t.state.Store(int32(StateAuthenticated))
	if t.reconnectSeq.Add(1) > 1 {
		t.handler.HandleReconnected()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		t.keepAliveLoop(runCtx, conn)
	}()

	err = t.readLoop(runCtx, conn)
	cancel()
	<-keepAliveDone
	return err
}

func (t *Transport) buildURL() (string, error) {
	u, err := url.Parse(t.cfg.Host)
	if err != nil {
		return "", loxerr.Wrap(loxerr.KindConfigInvalid, "parsing host", err).WithField("host")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/rfc6455"
	signed, err := t.signer.SignURL(u.String())
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (t *Transport) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()
	conn.SetPongHandler(func(string) error {
		t.missedPongs.Store(0)
		return nil
	})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.missedPongs.Add(1) > int32(t.cfg.MaxMissedPongs) {
				conn.Close()
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return loxerr.Wrap(loxerr.KindWsClosed, "websocket read failed", err)
		}
		if err := t.dispatchFrame(msg); err != nil {
			// FrameOutOfService already carries its own Kind (WsOutOfService) so
			// Run's reconnect loop can tell it apart from a generic frame error
			// and wait out the grace period instead of the usual backoff.
			if loxerr.KindOf(err) == loxerr.KindWsOutOfService {
				return err
			}
			return loxerr.Wrap(loxerr.KindWsFrameError, "frame dispatch failed", err)
		}
	}
}

func (t *Transport) dispatchFrame(msg []byte) error {
	frame, err := splitFrame(msg)
	if err != nil {
		return err
	}

	payload := frame.Payload
	if t.encryptionEnabled() && isEncryptable(frame.Kind) {
		st := t.signer.State()
		decoded, err := decryptPayload(st.AESKey, st.AESIV, payload)
		if err != nil {
			return fmt.Errorf("decrypting frame kind %d: %w", frame.Kind, err)
		}
		payload = decoded
	}

	switch frame.Kind {
	case model.FrameText:
		t.deliverPending(payload, nil)
	case model.FrameEventTable:
		records, err := parseEventTable(payload)
		if err != nil {
			return err
		}
		t.handler.HandleEvents(records)
	case model.FrameTextTable:
		records, err := parseTextEventTable(payload)
		if err != nil {
			return err
		}
		t.handler.HandleTextEvents(records)
	case model.FrameOutOfService:
		t.handler.HandleOutOfService()
		return loxerr.New(loxerr.KindWsOutOfService, "server announced out-of-service restart")
	case model.FrameKeepAlive:
		t.missedPongs.Store(0)
	case model.FrameBinaryFile, model.FrameDaylight, model.FrameWeather:
		// No consumer needs these frame kinds yet; SPEC_FULL.md §4.4 lists
		// them as part of the wire format without assigning them a
		// component.
	}
	return nil
}

func isEncryptable(kind model.FrameKind) bool {
	switch kind {
	case model.FrameText, model.FrameBinaryFile, model.FrameEventTable, model.FrameTextTable, model.FrameDaylight, model.FrameWeather:
		return true
	default:
		return false
	}
}

func (t *Transport) encryptionEnabled() bool {
	st := t.signer.State()
	return st.Kind == model.AuthToken && len(st.AESKey) > 0
}

// SendCommand writes a text command frame and waits (FIFO-ordered, per
// SPEC_FULL.md §4.4 "Ordering") for the next text response.
func (t *Transport) SendCommand(ctx context.Context, command string) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, loxerr.New(loxerr.KindWsClosed, "no active connection")
	}

	wait := make(chan pendingResult, 1)
	t.pendingMu.Lock()
	t.pending = append(t.pending, wait)
	t.pendingMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		t.removePending(wait)
		return nil, loxerr.Wrap(loxerr.KindWsClosed, "writing command failed", err)
	}

	select {
	case res := <-wait:
		return res.body, res.err
	case <-ctx.Done():
		t.removePending(wait)
		return nil, ctx.Err()
	}
}

func (t *Transport) deliverPending(body []byte, err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if len(t.pending) == 0 {
		return
	}
	next := t.pending[0]
	t.pending = t.pending[1:]
	next <- pendingResult{body: body, err: err}
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for _, w := range t.pending {
		w <- pendingResult{err: err}
	}
	t.pending = nil
}

func (t *Transport) removePending(target chan pendingResult) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for i, w := range t.pending {
		if w == target {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}
