package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/vovakirdan/ticketsync/realtime/poller"
	"github.com/vovakirdan/ticketsync/realtime/rest"
	"github.com/vovakirdan/ticketsync/realtime/snapshot"
	"github.com/vovakirdan/ticketsync/realtime/store"
)

const ticketsType = "tickets"

var errSessionEnded = errors.New("session ended during fetch")

// Client is the synchronization session of one principal. It keeps the
// session store current from the push connection while it is up and from
// role-based polling while it is not.
type Client struct {
	cfg        Config
	logger     Logger
	store      *store.Store
	bus        *syncBus
	dispatcher *Dispatcher
	conn       *ConnectionManager
	rooms      *Rooms
	rest       *rest.Client
	poller     *poller.Service

	mu        sync.Mutex
	principal *Principal
	session   uint64
	cache     *snapshot.Cache
	onState   func(StateEvent)
	onError   func(error)

	syncMu sync.Mutex
}

// NewClient constructs a client with provided config.
// Use DefaultConfig() as a starting point and modify as needed.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		logger: noopLogger{},
		store:  store.New(),
		bus:    newSyncBus(),
		rest:   rest.NewClient(cfg.RESTBaseURL, cfg.Endpoints),
	}
	c.dispatcher = newDispatcher(c.store, c.bus, c.logger)
	c.dispatcher.onConnected = c.handleConnected
	c.dispatcher.onReconnectFailed = func() { c.fireError(ErrReconnectExhausted) }
	c.dispatcher.onEntity = c.handleEntity
	c.dispatcher.onError = c.fireError

	c.conn = newConnectionManager(cfg, c.logger, c.emit, c.deliver)
	c.rooms = newRooms(c.conn, c.logger,
		func(room string) { c.store.Dispatch(store.RoomJoined{Room: room}) },
		c.roomLeft,
	)
	c.conn.leaveMsg = c.rooms.LeaveRoleMessage
	c.conn.onResumed = func() {
		if err := c.rooms.Rejoin(); err != nil {
			c.logger.Warn("rejoin after redial failed", map[string]any{"error": err.Error()})
		}
	}

	c.poller = poller.New(poller.Settings{
		RetryBase:      cfg.PollRetryBase,
		RetryCeiling:   cfg.PollRetryCeiling,
		MaxRetries:     cfg.PollMaxRetries,
		RequestTimeout: cfg.PollRequestTimeout,
	}, c.handleSnapshot, c.handlePollFailure)

	c.store.Subscribe(c.onTransition)
	return c, nil
}

// SetLogger overrides logger (optional). Call it before Login.
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
	c.dispatcher.logger = l
	c.conn.logger = l
	c.rooms.logger = l
	c.poller.SetLogger(l)
}

// OnStateChanged registers a callback for connection state transitions.
func (c *Client) OnStateChanged(fn func(StateEvent)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnError registers a callback for surfaced errors: server error frames,
// reconnect exhaustion and stopped polling tasks.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Store exposes the session store for read access and subscriptions.
func (c *Client) Store() *store.Store { return c.store }

// State returns the current session state.
func (c *Client) State() store.State { return c.store.State() }

// Rooms exposes room subscription for collaborators joining chat rooms.
func (c *Client) Rooms() *Rooms { return c.rooms }

// Principal returns the authenticated principal, if any.
func (c *Client) Principal() (Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal == nil {
		return Principal{}, false
	}
	return *c.principal, true
}

// Login authenticates the session with token. Any previous session is
// logged out first. With a snapshot path configured, collections cached for
// the same principal are restored before the first sync.
func (c *Client) Login(ctx context.Context, token string) error {
	p, err := ParsePrincipal(token)
	if err != nil {
		return err
	}
	if _, ok := c.Principal(); ok {
		c.Logout(ctx)
	}

	c.mu.Lock()
	c.principal = &p
	c.mu.Unlock()
	c.conn.setToken(token)
	c.rest.SetToken(token)
	c.rooms.SetPrincipal(&p)

	if c.cfg.SnapshotPath != "" {
		if err := c.restoreSnapshot(ctx, p); err != nil {
			c.logger.Warn("snapshot restore failed", map[string]any{"error": err.Error()})
		}
	}
	c.logger.Info("logged in", map[string]any{"user": p.ID, "role": string(p.Role)})
	c.InitializeSync()
	return nil
}

// RefreshToken swaps in a renewed session token. When it decodes to the
// current principal the session is kept: rooms, collections and the live
// connection stay, and the next dial or fetch uses the new token. A token
// for anyone else starts a new session as Login does.
func (c *Client) RefreshToken(ctx context.Context, token string) error {
	p, err := ParsePrincipal(token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	same := c.principal != nil && *c.principal == p
	if same {
		c.principal = &p
	}
	c.mu.Unlock()
	if !same {
		return c.Login(ctx, token)
	}
	c.conn.setToken(token)
	c.rest.SetToken(token)
	c.logger.Debug("session token refreshed", map[string]any{"user": p.ID})
	return nil
}

// Logout ends the session: the role room is left, polling stops and the
// session state is cleared so nothing leaks into the next login.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	if c.principal == nil {
		c.mu.Unlock()
		return
	}
	p := *c.principal
	c.principal = nil
	c.session++
	c.mu.Unlock()

	c.conn.Disconnect(nil)
	c.poller.StopAll()
	c.saveSnapshot(ctx, p)

	c.rooms.SetPrincipal(nil)
	c.rest.SetToken("")
	c.conn.setToken("")
	c.store.Dispatch(store.ResetSession{})
	c.InitializeSync()
	c.logger.Info("logged out", map[string]any{"user": p.ID})
}

// Connect opens the push connection for the logged-in principal.
func (c *Client) Connect(ctx context.Context) error {
	if _, ok := c.Principal(); !ok {
		return ErrNotAuthenticated
	}
	_, err := c.conn.Connect(ctx, c.conn.currentToken())
	return err
}

// Disconnect closes the push connection. Polling takes over.
func (c *Client) Disconnect() {
	c.conn.Disconnect(nil)
}

// Close logs out, saving the snapshot when configured, and releases the
// cache.
func (c *Client) Close() error {
	c.Logout(context.Background())
	c.conn.Disconnect(nil)
	c.poller.StopAll()

	c.mu.Lock()
	cache := c.cache
	c.cache = nil
	c.mu.Unlock()
	return cache.Close()
}

// InitializeSync picks the primary channel: polling stops while the push
// connection is up and starts with the role cadence while it is not. It
// runs again on every connection state transition.
func (c *Client) InitializeSync() {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	st := c.store.State()
	p, ok := c.Principal()
	if st.Connection.Status == store.StatusConnected || !ok || !c.cfg.PollingEnabled {
		c.poller.StopAll()
		c.store.Dispatch(store.SetPolling{Enabled: false})
		return
	}

	cadence := c.cfg.Cadence[string(p.Role)]
	types := make([]string, 0, len(cadence))
	for typ := range cadence {
		types = append(types, typ)
	}
	slices.Sort(types)
	for _, typ := range types {
		c.poller.Start(typ, c.fetcher(typ), cadence[typ])
	}
	c.store.Dispatch(store.SetPolling{Enabled: true})
}

// RequestEntityRefresh asks for a fresh copy of one entity type: through
// the server while connected, by an immediate fetch otherwise.
func (c *Client) RequestEntityRefresh(ctx context.Context, entityType string) error {
	p, ok := c.Principal()
	if !ok {
		return ErrNotAuthenticated
	}
	if c.conn.IsConnected() {
		return c.conn.Send(Command{Type: cmdRequestSync, Data: SyncRequestPayload{
			Type:   entityType,
			UserID: p.ID,
			Role:   string(p.Role),
		}})
	}
	return c.poller.FetchNow(ctx, entityType, c.fetcher(entityType))
}

// RequestManualSync refreshes every entity type of the role cadence.
func (c *Client) RequestManualSync(ctx context.Context) error {
	p, ok := c.Principal()
	if !ok {
		return ErrNotAuthenticated
	}
	types := make([]string, 0)
	for typ := range c.cfg.Cadence[string(p.Role)] {
		types = append(types, typ)
	}
	slices.Sort(types)

	var errs []error
	for _, typ := range types {
		if err := c.RequestEntityRefresh(ctx, typ); err != nil {
			errs = append(errs, err)
			continue
		}
		c.bus.publish(SyncEvent{EntityType: typ, Source: SourceManual, Action: "manual_sync", At: time.Now()})
	}
	return errors.Join(errs...)
}

// PerformCriticalAction sends a critical ticket action and marks the ticket
// pending until its next upsert.
func (c *Client) PerformCriticalAction(ticketID int64, action string) error {
	p, ok := c.Principal()
	if !ok {
		return ErrNotAuthenticated
	}
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	err := c.conn.Send(Command{Type: cmdCriticalTicketAction, Data: CriticalActionPayload{
		TicketID: ticketID,
		Action:   action,
		UserID:   p.ID,
		Role:     string(p.Role),
	}})
	if err != nil {
		return err
	}
	c.store.Dispatch(store.MarkPending{Pending: store.PendingAction{
		EntityType: ticketsType,
		EntityID:   ticketID,
		Action:     action,
		Since:      time.Now(),
	}})
	return nil
}

// ConnectionStatus summarizes the session for status indicators.
func (c *Client) ConnectionStatus() Status {
	st := c.store.State()
	s := Status{
		Connected: st.Connection.Status == store.StatusConnected,
		Polling:   st.Polling,
		State:     st.Connection,
	}
	if !st.LastSync.IsZero() {
		s.LastSyncAgo = time.Since(st.LastSync)
	}
	return s
}

// SubscribeToSyncEvents calls fn for every sync event of entityType, or of
// every type with AllEntityTypes. The returned func unsubscribes.
func (c *Client) SubscribeToSyncEvents(entityType string, fn func(SyncEvent)) func() {
	return c.bus.subscribe(entityType, fn)
}

// PollingTypes lists the entity types with an active polling task.
func (c *Client) PollingTypes() []string {
	return c.poller.Active()
}

func (c *Client) emit(msg Message) {
	if err := c.dispatcher.Dispatch(msg); err != nil {
		c.logger.Warn("lifecycle message rejected", map[string]any{"kind": msg.Name, "error": err.Error()})
	}
}

func (c *Client) deliver(env Envelope) {
	_ = c.dispatcher.DispatchEnvelope(env)
}

// roomLeft forgets a left room. Leaving a ticket room also drops the
// ticket's pending marker, since its confirmation can no longer arrive.
func (c *Client) roomLeft(room string) {
	c.store.Dispatch(store.RoomLeft{Room: room})
	if r := ParseRoom(room); r.Kind == RoomTicket {
		c.store.Dispatch(store.ClearPending{EntityType: ticketsType, ID: r.ticketID})
	}
}

func (c *Client) handleConnected() {
	if err := c.rooms.Rejoin(); err != nil {
		c.logger.Warn("rejoin failed", map[string]any{"error": err.Error()})
	}
}

// handleEntity joins the room of a ticket that just became relevant.
func (c *Client) handleEntity(kind MessageKind, entityType string, id int64) {
	if entityType != ticketsType || (kind != KindEntityCreated && kind != KindEntityAssigned) {
		return
	}
	if err := c.rooms.Join(TicketRoom(id)); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("ticket room join failed", map[string]any{"ticket": id, "error": err.Error()})
	}
}

// fetcher binds a snapshot fetch to the current session. Results that
// arrive after logout are dropped.
func (c *Client) fetcher(entityType string) poller.FetchFunc {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	fetch := c.rest.Fetcher(entityType)
	return func(ctx context.Context) ([]json.RawMessage, error) {
		records, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		stale := c.session != session
		c.mu.Unlock()
		if stale {
			return nil, errSessionEnded
		}
		return records, nil
	}
}

func (c *Client) handleSnapshot(entityType string, records []json.RawMessage) {
	c.dispatcher.ReconcileSnapshot(entityType, records)
}

// handlePollFailure surfaces a stopped task. Once no task is left, the
// session no longer counts as polling.
func (c *Client) handlePollFailure(entityType string, err error) {
	c.syncMu.Lock()
	if len(c.poller.Active()) == 0 {
		c.store.Dispatch(store.SetPolling{Enabled: false})
	}
	c.syncMu.Unlock()
	c.fireError(WrapError(ErrorPollingExhausted, "polling "+entityType+" stopped", err))
}

func (c *Client) onTransition(prev, next store.State, _ store.Action) {
	if prev.Connection == next.Connection {
		return
	}
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(StateEvent{OldState: prev.Connection, NewState: next.Connection, Error: transitionError(next.Connection)})
	}
	if prev.Connection.Status != next.Connection.Status {
		c.InitializeSync()
	}
}

func transitionError(conn store.Connection) error {
	if conn.Status != store.StatusDisconnected {
		return nil
	}
	switch conn.Reason {
	case "", "client_disconnect":
		return nil
	case "reconnect_failed":
		return ErrReconnectExhausted
	default:
		return NewError(ErrorDisconnected, conn.Reason)
	}
}

func (c *Client) fireError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil && err != nil {
		fn(err)
	}
}

func (c *Client) restoreSnapshot(ctx context.Context, p Principal) error {
	cache, err := c.openCache(ctx)
	if err != nil {
		return err
	}
	n, err := cache.RestoreFor(ctx, snapshotOwner(p), c.store)
	if err != nil {
		return err
	}
	c.logger.Debug("snapshot restored", map[string]any{"records": n})
	return nil
}

func (c *Client) saveSnapshot(ctx context.Context, p Principal) {
	if c.cfg.SnapshotPath == "" {
		return
	}
	cache, err := c.openCache(ctx)
	if err == nil {
		err = cache.SaveFor(ctx, snapshotOwner(p), c.store.State())
	}
	if err != nil {
		c.logger.Warn("snapshot save failed", map[string]any{"error": err.Error()})
	}
}

func (c *Client) openCache(ctx context.Context) (*snapshot.Cache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		return c.cache, nil
	}
	cache, err := snapshot.Open(ctx, c.cfg.SnapshotPath)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return cache, nil
}

func snapshotOwner(p Principal) string {
	return string(p.Role) + ":" + p.ID
}
