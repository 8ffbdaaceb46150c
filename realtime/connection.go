package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vovakirdan/ticketsync/realtime/internal"
	"github.com/vovakirdan/ticketsync/realtime/poller"
)

const (
	sendBuffer        = 64
	leaveWriteTimeout = time.Second
)

// Handle is one live push connection.
type Handle struct {
	conn    *internal.Conn
	writeCh chan Command
	cancel  context.CancelFunc

	mu     sync.Mutex
	sink   func(Envelope)
	closed bool
	ready  bool
	after  []func()
}

// ID identifies the connection in logs.
func (h *Handle) ID() uuid.UUID { return h.conn.ID }

// Send queues cmd for the write loop without blocking.
func (h *Handle) Send(cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotConnected
	}
	select {
	case h.writeCh <- cmd:
		return nil
	default:
		return NewError(ErrorConnection, "send buffer full")
	}
}

func (h *Handle) deliver(env Envelope) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink != nil {
		sink(env)
	}
}

// announced runs the calls deferred by afterAnnounce, in order. Until then
// the connection's teardown must not be reported.
func (h *Handle) announced() {
	h.mu.Lock()
	h.ready = true
	fns := h.after
	h.after = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// afterAnnounce runs fn now if Connected was already reported for h, or
// right after it otherwise.
func (h *Handle) afterAnnounce(fn func()) {
	h.mu.Lock()
	if !h.ready {
		h.after = append(h.after, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// detach drops the inbound handler and refuses further sends.
func (h *Handle) detach() {
	h.mu.Lock()
	h.sink = nil
	h.closed = true
	h.mu.Unlock()
}

type transportClass int

const (
	transportExpected transportClass = iota
	transportFatal
	transportBenign
)

// classifyTransportError sorts a read or write failure. Benign failures are
// handshake or framing glitches that a silent redial usually cures.
func classifyTransportError(ctx context.Context, err error) transportClass {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return transportExpected
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return transportFatal
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"handshake", "upgrade", "frame"} {
		if strings.Contains(msg, s) {
			return transportBenign
		}
	}
	return transportFatal
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, io.EOF):
		return "eof"
	case websocket.CloseStatus(err) != -1:
		return "closed:" + websocket.CloseStatus(err).String()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport_error"
	}
}

// ConnectionManager owns the push connection: at most one attempt in flight,
// a minimum spacing between explicit attempts, and exponential reconnects
// after an unexpected drop. Lifecycle changes are reported as Messages to
// emit in the order they happen.
type ConnectionManager struct {
	cfg    Config
	logger Logger
	now    func() time.Time

	emit      func(Message)
	deliver   func(Envelope)
	leaveMsg  func() (Command, bool)
	onResumed func()

	mu          sync.Mutex
	connecting  bool
	lastAttempt time.Time
	handle      *Handle
	token       string
	attempt     int
	retryTimer  *time.Timer
	manual      bool
}

func newConnectionManager(cfg Config, logger Logger, emit func(Message), deliver func(Envelope)) *ConnectionManager {
	return &ConnectionManager{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		emit:      emit,
		deliver:   deliver,
		leaveMsg:  func() (Command, bool) { return Command{}, false },
		onResumed: func() {},
	}
}

// IsConnected reports whether a push connection is live.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

func (m *ConnectionManager) setToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

func (m *ConnectionManager) currentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Send queues cmd on the live connection.
func (m *ConnectionManager) Send(cmd Command) error {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return ErrNotConnected
	}
	return h.Send(cmd)
}

// Connect opens the push connection and sends hello with token. A pending
// reconnect schedule is cancelled.
func (m *ConnectionManager) Connect(ctx context.Context, token string) (*Handle, error) {
	m.mu.Lock()
	switch {
	case m.connecting:
		m.mu.Unlock()
		return nil, ErrConnectInFlight
	case !m.lastAttempt.IsZero() && m.now().Sub(m.lastAttempt) < m.cfg.MinConnectInterval:
		m.mu.Unlock()
		return nil, ErrRetryTooSoon
	case m.cfg.URL == "":
		m.mu.Unlock()
		return nil, ErrNoEndpoint
	case m.handle != nil:
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	m.connecting = true
	m.lastAttempt = m.now()
	m.token = token
	m.manual = false
	m.attempt = 0
	m.stopRetryLocked()
	m.mu.Unlock()

	m.emit(NewMessage(KindConnecting, nil))
	conn, err := m.dial(ctx, token)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("connect failed", map[string]any{"url": m.cfg.URL, "error": err.Error()})
		m.emit(NewMessage(KindDisconnected, disconnectedPayload{Reason: disconnectReason(err)}))
		m.scheduleReconnect(1)
		return nil, WrapError(ErrorConnection, "connect", err)
	}
	h := m.attachLocked(conn)
	m.mu.Unlock()

	m.logger.Info("connected", map[string]any{"conn": h.ID().String()})
	m.emit(NewMessage(KindConnected, nil))
	h.announced()
	return h, nil
}

// Disconnect tears the connection down on purpose: leave_role_room is sent
// best-effort, handlers are detached, and no reconnect follows. A nil h
// means the current connection.
func (m *ConnectionManager) Disconnect(h *Handle) {
	m.mu.Lock()
	m.manual = true
	retrying := m.attempt > 0
	m.attempt = 0
	m.stopRetryLocked()
	if h == nil {
		h = m.handle
	}
	if h == nil || h != m.handle {
		m.mu.Unlock()
		if retrying {
			m.emit(NewMessage(KindDisconnected, disconnectedPayload{Reason: "client_disconnect"}))
		}
		return
	}
	m.handle = nil
	m.mu.Unlock()

	if cmd, ok := m.leaveMsg(); ok {
		if err := h.conn.WriteWithin(context.Background(), leaveWriteTimeout, cmd); err != nil {
			m.logger.Debug("leave_role_room not delivered", map[string]any{"error": err.Error()})
		}
	}
	h.detach()
	_ = h.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	h.cancel()

	m.logger.Info("disconnected", map[string]any{"conn": h.ID().String()})
	h.afterAnnounce(func() {
		m.emit(NewMessage(KindDisconnected, disconnectedPayload{Reason: "client_disconnect"}))
	})
}

func (m *ConnectionManager) dial(ctx context.Context, token string) (*internal.Conn, error) {
	ws, err := internal.Dial(ctx, m.cfg.URL, m.cfg.HandshakeTimeout, nil)
	if err != nil {
		return nil, err
	}
	conn := internal.NewConn(ws, m.cfg.ReadTimeout, m.cfg.WriteTimeout)
	hello := Command{Type: cmdHello, Data: HelloPayload{Protocol: ProtocolVersion, Token: token}}
	if err := conn.WriteWithin(ctx, m.cfg.HandshakeTimeout, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake error")
		return nil, err
	}
	return conn, nil
}

func (m *ConnectionManager) attachLocked(conn *internal.Conn) *Handle {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		conn:    conn,
		writeCh: make(chan Command, sendBuffer),
		cancel:  cancel,
		sink:    m.deliver,
	}
	m.handle = h
	go m.readLoop(runCtx, h)
	go m.writeLoop(runCtx, h)
	return h
}

func (m *ConnectionManager) readLoop(ctx context.Context, h *Handle) {
	for {
		data, err := h.conn.ReadFrame(ctx)
		if err != nil {
			m.transportError(ctx, h, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("dropped undecodable frame", map[string]any{"error": err.Error()})
			continue
		}
		h.deliver(env)
	}
}

func (m *ConnectionManager) writeLoop(ctx context.Context, h *Handle) {
	for {
		select {
		case cmd := <-h.writeCh:
			if err := h.conn.Write(ctx, cmd); err != nil {
				m.transportError(ctx, h, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) transportError(ctx context.Context, h *Handle, err error) {
	class := classifyTransportError(ctx, err)
	if class == transportExpected {
		return
	}
	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.mu.Unlock()

	h.detach()
	h.cancel()
	_ = h.conn.CloseNow()

	if class == transportBenign {
		m.logger.Debug("transient transport error, redialing", map[string]any{"error": err.Error()})
		if m.resume() {
			return
		}
	}
	m.logger.Warn("connection lost", map[string]any{"conn": h.ID().String(), "error": err.Error()})
	h.afterAnnounce(func() {
		m.emit(NewMessage(KindDisconnected, disconnectedPayload{Reason: disconnectReason(err)}))
		m.scheduleReconnect(1)
	})
}

// resume redials once without reporting any state change. The desired rooms
// are replayed through onResumed.
func (m *ConnectionManager) resume() bool {
	m.mu.Lock()
	if m.connecting || m.manual {
		m.mu.Unlock()
		return false
	}
	m.connecting = true
	token := m.token
	m.mu.Unlock()

	conn, err := m.dial(context.Background(), token)

	m.mu.Lock()
	m.connecting = false
	if err != nil || m.manual {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.CloseNow()
		}
		return false
	}
	h := m.attachLocked(conn)
	m.mu.Unlock()
	h.announced()
	m.onResumed()
	return true
}

func (m *ConnectionManager) scheduleReconnect(n int) {
	m.mu.Lock()
	if m.manual || !m.cfg.AutoReconnect {
		m.mu.Unlock()
		return
	}
	if n > m.cfg.MaxReconnectTries {
		m.attempt = 0
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", map[string]any{"tries": m.cfg.MaxReconnectTries})
		m.emit(NewMessage(KindReconnectFailed, nil))
		return
	}
	delay := poller.Backoff(m.cfg.ReconnectInterval, m.cfg.MaxReconnectDelay, n-1)
	m.attempt = n
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, func() { m.reconnect(n) })
	m.mu.Unlock()
	m.logger.Debug("reconnect scheduled", map[string]any{"attempt": n, "delay": delay.String()})
}

func (m *ConnectionManager) reconnect(n int) {
	m.mu.Lock()
	if m.manual || m.handle != nil || m.attempt != n || m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	token := m.token
	m.mu.Unlock()

	m.emit(NewMessage(KindReconnectAttempt, reconnectAttemptPayload{Attempt: n}))
	conn, err := m.dial(context.Background(), token)

	m.mu.Lock()
	m.connecting = false
	if m.manual {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.CloseNow()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("reconnect attempt failed", map[string]any{"attempt": n, "error": err.Error()})
		m.scheduleReconnect(n + 1)
		return
	}
	h := m.attachLocked(conn)
	m.attempt = 0
	m.mu.Unlock()

	m.logger.Info("reconnected", map[string]any{"attempt": n, "conn": h.ID().String()})
	m.emit(NewMessage(KindConnected, nil))
	h.announced()
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
