package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func clienteToken(t *testing.T) string {
	return testToken(t, jwt.MapClaims{"id": 7, "role": "cliente"})
}

type wireCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// pushServer is a websocket endpoint that records every command per
// connection and can push events to the latest one.
type pushServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	down     bool
	drop     bool
	gate     chan struct{}
	arrived  chan struct{}
	upgrades int
	conns    []*websocket.Conn
	commands [][]wireCommand
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{t: t}
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(func() {
		ps.dropAll()
		ps.srv.Close()
	})
	return ps
}

func (ps *pushServer) URL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	ps.upgrades++
	down, drop := ps.down, ps.drop
	gate, arrived := ps.gate, ps.arrived
	ps.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if gate != nil {
		arrived <- struct{}{}
		<-gate
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	if drop {
		_ = conn.CloseNow()
		return
	}
	ps.mu.Lock()
	idx := len(ps.conns)
	ps.conns = append(ps.conns, conn)
	ps.commands = append(ps.commands, nil)
	ps.mu.Unlock()

	for {
		var cmd wireCommand
		if err := wsjson.Read(context.Background(), conn, &cmd); err != nil {
			return
		}
		ps.mu.Lock()
		ps.commands[idx] = append(ps.commands[idx], cmd)
		ps.mu.Unlock()
	}
}

func (ps *pushServer) setDown(down bool) {
	ps.mu.Lock()
	ps.down = down
	ps.mu.Unlock()
}

// setDropOnAccept makes the server complete the upgrade and then kill the
// connection at once.
func (ps *pushServer) setDropOnAccept(drop bool) {
	ps.mu.Lock()
	ps.drop = drop
	ps.mu.Unlock()
}

// holdUpgrades makes the next upgrades wait until the returned release func
// is called. The returned channel receives once per held request.
func (ps *pushServer) holdUpgrades() (arrived <-chan struct{}, release func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.gate = make(chan struct{})
	ps.arrived = make(chan struct{}, 8)
	gate := ps.gate
	var once sync.Once
	return ps.arrived, func() {
		once.Do(func() {
			ps.mu.Lock()
			ps.gate = nil
			ps.mu.Unlock()
			close(gate)
		})
	}
}

func (ps *pushServer) upgradeCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.upgrades
}

func (ps *pushServer) connCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

// commandsOn returns the commands received on connection idx.
func (ps *pushServer) commandsOn(idx int) []wireCommand {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if idx >= len(ps.commands) {
		return nil
	}
	return slices.Clone(ps.commands[idx])
}

func (ps *pushServer) sawCommand(idx int, typ string, match func(json.RawMessage) bool) bool {
	for _, cmd := range ps.commandsOn(idx) {
		if cmd.Type == typ && (match == nil || match(cmd.Data)) {
			return true
		}
	}
	return false
}

func (ps *pushServer) push(event string, data any) {
	ps.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		ps.t.Fatalf("marshal %s: %v", event, err)
	}
	ps.write(Envelope{Type: envelopeEvent, Event: event, Data: raw})
}

func (ps *pushServer) write(v any) {
	ps.t.Helper()
	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		ps.t.Fatalf("push: %v", err)
	}
}

// dropAll kills every open connection without a closing handshake.
func (ps *pushServer) dropAll() {
	ps.mu.Lock()
	conns := slices.Clone(ps.conns)
	ps.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseNow()
	}
}

// restServer serves fixed snapshots per path and counts hits.
type restServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	auth   []string
}

func newRESTServer(t *testing.T, bodies map[string]string) *restServer {
	t.Helper()
	rs := &restServer{bodies: bodies, hits: map[string]int{}}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.hits[r.URL.Path]++
		rs.auth = append(rs.auth, r.Header.Get("Authorization"))
		body, ok := rs.bodies[r.URL.Path]
		rs.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *restServer) hitCount(path string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.hits[path]
}

func (rs *restServer) lastAuth() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.auth) == 0 {
		return ""
	}
	return rs.auth[len(rs.auth)-1]
}

func testConfig(wsURL, restURL string) Config {
	cfg := DefaultConfig()
	cfg.URL = wsURL
	cfg.RESTBaseURL = restURL
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.MinConnectInterval = 0
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectTries = 1000
	cfg.PollRetryBase = time.Millisecond
	cfg.PollRetryCeiling = 5 * time.Millisecond
	cfg.PollRequestTimeout = time.Second
	if restURL == "" {
		cfg.PollingEnabled = false
	}
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// stateRecorder collects StateEvents.
type stateRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (r *stateRecorder) record(ev StateEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
