// Package realtime keeps connected player sessions up to date: it tracks
// sessions and channel memberships, routes inbound client messages, fans
// events out and pushes periodic snapshots.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lifequest-live/internal/auth"
	"lifequest-live/internal/feed"
	"lifequest-live/internal/observability/logging"
	"lifequest-live/internal/observability/metrics"
	"lifequest-live/internal/scheduler"
)

// Store is everything the realtime layer reads from and writes to the
// persistent store.
type Store interface {
	SubscriptionStore
	MembershipStore
	SnapshotStore
	RouterStore
}

// IdentityVerifier turns a handshake token into a player identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Config wires a Hub.
type Config struct {
	Store     Store
	Verifier  IdentityVerifier
	Processor ActionProcessor
	// Authorizer defaults to a StoreAuthorizer over Store.
	Authorizer Authorizer
	Feed       feed.Queue
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	SendBuffer        int
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	AllowedOrigins    []string
	CustomChannels    bool

	Retention        time.Duration
	Intervals        SnapshotIntervals
	LeaderboardLimit int

	// Now overrides the clock; tests only.
	Now func() time.Time
}

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 16 << 10
	closeGracePeriod       = time.Second
	handshakeTimeout       = 5 * time.Second
)

// Hub owns the realtime components and the WebSocket endpoint.
type Hub struct {
	registry    *Registry
	directory   *Directory
	broadcaster *Broadcaster
	snapshots   *Snapshots
	presence    *Presence
	router      *Router
	verifier    IdentityVerifier
	logger      *slog.Logger
	recorder    *metrics.Recorder
	now         func() time.Time
	upgrader    websocket.Upgrader

	sendBuffer        int
	heartbeatInterval time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	maxMessageBytes   int64

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks in-flight connection handlers.
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHub validates cfg and assembles the realtime components.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime store is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("identity verifier is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("action processor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "realtime")
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = NewStoreAuthorizer(cfg.Store, cfg.CustomChannels)
	}

	h := &Hub{
		verifier:          cfg.Verifier,
		logger:            logger,
		recorder:          cfg.Metrics,
		now:               now,
		sendBuffer:        cfg.SendBuffer,
		heartbeatInterval: cfg.HeartbeatInterval,
		readTimeout:       cfg.ReadTimeout,
		writeTimeout:      cfg.WriteTimeout,
		maxMessageBytes:   cfg.MaxMessageBytes,
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.maxMessageBytes <= 0 {
		h.maxMessageBytes = defaultMaxMessageBytes
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	h.registry = NewRegistry()
	h.directory = NewDirectory(h.registry, cfg.Store, authorizer,
		WithRetention(cfg.Retention),
		WithDirectoryLogger(logger),
		WithDirectoryClock(now),
		WithMembershipHook(h.membershipChanged),
	)
	h.broadcaster = NewBroadcaster(h.registry, h.directory, logger, cfg.Metrics)
	h.broadcaster.now = now
	h.snapshots = NewSnapshots(cfg.Store, h.registry, h.directory, h.broadcaster, logger, cfg.Intervals, cfg.LeaderboardLimit)
	h.snapshots.now = now
	h.directory.loader = h.snapshots

	activity := NewActivityPublisher(cfg.Feed, logger, cfg.Metrics)
	h.presence = NewPresence(cfg.Store, h.registry, h.broadcaster, activity, logger)
	h.router = &Router{
		store:       cfg.Store,
		processor:   cfg.Processor,
		authorizer:  authorizer,
		registry:    h.registry,
		directory:   h.directory,
		broadcaster: h.broadcaster,
		snapshots:   h.snapshots,
		activity:    activity,
		logger:      logger,
		recorder:    cfg.Metrics,
		now:         now,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Registry exposes the session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Directory exposes the channel directory.
func (h *Hub) Directory() *Directory {
	return h.directory
}

func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

func (h *Hub) Snapshots() *Snapshots {
	return h.snapshots
}

// Jobs returns the snapshot jobs to register with a scheduler.
func (h *Hub) Jobs() []scheduler.Job {
	return h.snapshots.Jobs()
}

// ServeHTTP performs the WebSocket handshake. The token comes from the token
// query parameter or a bearer Authorization header. Rejected handshakes are
// closed with a policy violation carrying only "authentication failed".
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	verifyCtx, cancel := context.WithTimeout(h.ctx, handshakeTimeout)
	identity, err := h.verifier.Verify(verifyCtx, tokenFromRequest(r))
	cancel()
	if err != nil {
		h.logger.Info("handshake rejected", "remote_addr", r.RemoteAddr, "error", auth.Cause(err))
		if h.recorder != nil {
			h.recorder.SessionRejected()
		}
		h.closeWith(ws, websocket.ClosePolicyViolation, auth.ErrAuthenticationFailed.Error())
		return
	}

	session, err := h.Connect(h.ctx, identity)
	if err != nil {
		h.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	c := newConn(ws, session, h)
	c.serve(h.sessionContext(session))
}

// Connect registers a session for identity, joins its home channels and
// queues its initial state. Transports call Disconnect when the session ends.
func (h *Hub) Connect(ctx context.Context, identity auth.Identity) (*Session, error) {
	if h.isClosed() {
		return nil, ErrHubClosed
	}
	session := NewSession(identity, h.sendBuffer, h.now())
	first := h.registry.Register(session)
	if h.recorder != nil {
		h.recorder.SessionOpened()
	}
	// Close may have swept the registry before this session was added.
	if h.isClosed() {
		h.Disconnect(ctx, session)
		return nil, ErrHubClosed
	}
	h.presence.SessionOpened(identity, first)

	ctx = h.sessionContextFrom(ctx, session)
	logger := logging.WithContext(ctx, h.logger)
	if err := h.directory.JoinHome(ctx, session); err != nil {
		logger.Warn("failed to join home channels", "error", err)
	}
	h.snapshots.SendInitial(ctx, session)
	logger.Info("session connected", "sessions", h.registry.Count())
	return session, nil
}

// Disconnect tears the session down: unregisters it, drops its channel
// memberships and, when it was the player's last session, notifies friends.
// Repeated calls are no-ops.
func (h *Hub) Disconnect(ctx context.Context, session *Session) {
	playerID, last, ok := h.registry.Unregister(session.ID)
	session.Close()
	if !ok {
		return
	}
	if h.recorder != nil {
		h.recorder.SessionClosed()
	}
	ctx = h.sessionContextFrom(ctx, session)
	h.directory.RemoveSession(ctx, session)
	notified := h.presence.SessionClosed(ctx, session.Identity, last)
	logging.WithContext(ctx, h.logger).Info("session disconnected", "player_id", playerID, "last", last, "friends_notified", notified)
}

// Handle routes one inbound frame from session.
func (h *Hub) Handle(ctx context.Context, session *Session, raw []byte) {
	h.router.Handle(h.sessionContextFrom(ctx, session), session, raw)
}

// Close stops accepting sessions, disconnects every live session and waits
// for their connections to wind down or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	for _, session := range h.registry.All() {
		h.Disconnect(ctx, session)
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
	h.cancel()
	return err
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// membershipChanged publishes the live player count of community channels.
func (h *Hub) membershipChanged(ref ChannelRef) {
	if ref.Kind != ChannelCommunity {
		return
	}
	h.broadcaster.ToChannel(ref.ID, EventCommunityUpdate, CommunityUpdatePayload{
		CommunityID: ref.Key,
		Online:      h.directory.OnlinePlayers(ref.ID),
	})
}

func (h *Hub) sessionContext(session *Session) context.Context {
	return h.sessionContextFrom(h.ctx, session)
}

func (h *Hub) sessionContextFrom(ctx context.Context, session *Session) context.Context {
	ctx = logging.ContextWithSessionID(ctx, session.ID)
	return logging.ContextWithPlayerID(ctx, session.PlayerID)
}

func (h *Hub) closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGracePeriod)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
