// Package session owns the connection lifecycle to the remote peer: the
// authorize/connect state machine, bounded exponential backoff, connect rate
// limiting and the pending-operation queue drained on connect.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"songbattle/internal/core"
)

// State is the connection lifecycle state. At most one of Authorizing and
// Connecting is pending at a time.
type State int

const (
	StateDisconnected State = iota
	StateAuthorizing
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthorizing:
		return "authorizing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Operation is a deferred command queued while the session is not connected
// and executed exactly once, in enqueue order, on the Connected transition.
type Operation func()

// Manager mediates all connect/retry/backoff/auth decisions. All state is
// guarded by one mutex; timer callbacks and remote completions re-enter
// through it, so transitions are totally ordered. Event handlers run outside
// the lock, after the transition that produced them, in transition order.
type Manager struct {
	client  core.SessionClient
	tokens  core.TokenStore
	policy  core.BackoffPolicy
	scopes  []core.Scope
	minGap  time.Duration
	timeout time.Duration
	logger  *zap.Logger

	clock core.Clock

	mu            sync.Mutex
	state         State
	retrying      bool
	attemptCount  int
	lastAttemptAt time.Time
	nextAllowedAt time.Time
	attemptSeq    uint64
	generation    uint64
	pending       []Operation
	retryTimer    core.Timer
	deferTimer    core.Timer
	timeoutTimer  core.Timer
	events        []func()

	onConnected    []func()
	onDisconnected []func(reason string)
	onAuthFailed   []func(reason string)
	onPlayerState  []func(core.PlayerState)
}

// NewManager builds a manager around the remote client and token store.
// Subscriptions must be registered before the first Connect call.
func NewManager(client core.SessionClient, tokens core.TokenStore, cfg *core.SessionConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		client:  client,
		tokens:  tokens,
		policy:  cfg.Backoff(),
		scopes:  core.DefaultScopes(),
		minGap:  cfg.MinConnectInterval,
		timeout: cfg.ConnectTimeout,
		logger:  logger,
		clock:   core.SystemClock(),
		state:   StateDisconnected,
	}

	client.SubscribePlayerState(m.handlePlayerState)
	client.SubscribeDisconnects(m.handleRemoteDisconnect)

	return m
}

// OnConnected registers a handler fired after every Connected transition.
func (m *Manager) OnConnected(fn func()) {
	m.onConnected = append(m.onConnected, fn)
}

// OnDisconnected registers a handler fired when the session becomes
// Disconnected with a reported reason.
func (m *Manager) OnDisconnected(fn func(reason string)) {
	m.onDisconnected = append(m.onDisconnected, fn)
}

// OnAuthFailed registers a handler fired on authentication-domain failures.
func (m *Manager) OnAuthFailed(fn func(reason string)) {
	m.onAuthFailed = append(m.onAuthFailed, fn)
}

// OnPlayerState registers a handler for player-state notifications from the
// remote peer, delivered in arrival order.
func (m *Manager) OnPlayerState(fn func(core.PlayerState)) {
	m.onPlayerState = append(m.onPlayerState, fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the session is usable.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// IsConnecting reports whether an authorization or connection attempt is in
// flight.
func (m *Manager) IsConnecting() bool {
	s := m.State()
	return s == StateAuthorizing || s == StateConnecting
}

// AttemptCount returns the retry slots consumed by the current attempt
// cycle.
func (m *Manager) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptCount
}

// PendingOperations returns the number of queued deferred commands.
func (m *Manager) PendingOperations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Connect requests a connection. Idempotent: a call while Authorizing or
// Connecting is a no-op. User-initiated calls reset the retry budget. The
// call returns immediately; the outcome is delivered through events.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateAuthorizing || m.state == StateConnecting {
		m.logger.Debug("Connect ignored, attempt already in flight",
			zap.String("state", m.state.String()))
		m.mu.Unlock()
		return
	}
	if m.state == StateConnected {
		m.logger.Debug("Connect ignored, already connected")
		m.mu.Unlock()
		return
	}

	m.attemptCount = 0
	m.connectLocked()
	fire := m.takeEventsLocked()
	m.mu.Unlock()

	runAll(fire)
}

// Disconnect tears down the session and clears the pending queue without
// draining it. Deliberately a no-op while an authorization flow is in
// flight: auth is never interrupted mid-handshake.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateAuthorizing {
		m.logger.Info("Disconnect ignored during authorization")
		m.mu.Unlock()
		return
	}

	m.invalidateLocked()
	wasActive := m.state != StateDisconnected
	m.state = StateDisconnected
	m.retrying = false
	m.pending = nil

	if wasActive {
		m.emitDisconnectedLocked("disconnect requested")
	}
	fire := m.takeEventsLocked()
	m.mu.Unlock()

	m.client.Disconnect()
	runAll(fire)
}

// EnqueueWhenConnected executes op immediately when Connected, otherwise
// queues it for the next Connected transition.
func (m *Manager) EnqueueWhenConnected(op Operation) {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		op()
		return
	}
	m.pending = append(m.pending, op)
	m.logger.Debug("Operation queued until connected",
		zap.Int("queued", len(m.pending)))
	m.mu.Unlock()
}

// connectLocked applies rate limiting and backoff deferral before starting
// an attempt. A connect arriving too early is rescheduled for the remaining
// wait, never dropped and never run immediately.
func (m *Manager) connectLocked() {
	now := m.clock.Now()

	var wait time.Duration
	if !m.lastAttemptAt.IsZero() {
		if gap := m.minGap - now.Sub(m.lastAttemptAt); gap > wait {
			wait = gap
		}
	}
	if until := m.nextAllowedAt.Sub(now); until > wait {
		wait = until
	}

	if wait > 0 {
		m.deferConnectLocked(wait)
		return
	}

	m.startAttemptLocked()
}

// deferConnectLocked schedules a connect for the remaining rate-limit or
// backoff interval. Only one deferred connect is kept pending.
func (m *Manager) deferConnectLocked(wait time.Duration) {
	if m.deferTimer != nil {
		m.logger.Debug("Connect already deferred")
		return
	}

	gen := m.generation
	m.logger.Info("Deferring connect attempt", zap.Duration("wait", wait))
	m.deferTimer = m.clock.AfterFunc(wait, func() {
		m.deferredConnect(gen)
	})
}

func (m *Manager) deferredConnect(gen uint64) {
	m.mu.Lock()
	m.deferTimer = nil
	if gen != m.generation || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.connectLocked()
	fire := m.takeEventsLocked()
	m.mu.Unlock()

	runAll(fire)
}

// startAttemptLocked begins one authorize-or-connect attempt. A stored token
// goes straight to Connecting; otherwise the authorization flow runs first
// and persists the fresh token.
func (m *Manager) startAttemptLocked() {
	m.lastAttemptAt = m.clock.Now()
	m.attemptSeq++
	seq := m.attemptSeq

	m.timeoutTimer = m.clock.AfterFunc(m.timeout, func() {
		m.attemptTimedOut(seq)
	})

	token, err := m.tokens.Load()
	if err != nil || token == "" {
		m.state = StateAuthorizing
		m.logger.Info("No stored token, starting authorization",
			zap.Int("attempt", m.attemptCount))
		go m.authorize(seq)
		return
	}

	m.state = StateConnecting
	m.logger.Info("Connecting with stored token",
		zap.Int("attempt", m.attemptCount))
	go m.dial(seq, token)
}

func (m *Manager) authorize(seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	token, err := m.client.Authorize(ctx, m.scopes)

	m.mu.Lock()
	if seq != m.attemptSeq {
		m.mu.Unlock()
		return
	}

	if err != nil {
		m.stopTimeoutLocked()
		m.handleFailureLocked(err)
		fire := m.takeEventsLocked()
		m.mu.Unlock()
		runAll(fire)
		return
	}

	if saveErr := m.tokens.Save(token); saveErr != nil {
		m.logger.Warn("Failed to persist token", zap.Error(saveErr))
	}

	m.state = StateConnecting
	m.logger.Info("Authorization succeeded, connecting")
	m.mu.Unlock()

	go m.dial(seq, token)
}

func (m *Manager) dial(seq uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.client.Connect(ctx, token)

	m.mu.Lock()
	if seq != m.attemptSeq {
		m.mu.Unlock()
		return
	}
	m.stopTimeoutLocked()

	if err != nil {
		m.handleFailureLocked(err)
	} else {
		m.connectedLocked()
	}
	fire := m.takeEventsLocked()
	m.mu.Unlock()

	runAll(fire)
}

// attemptTimedOut converts an attempt that neither succeeded nor failed
// within the connect timeout into a transport failure.
func (m *Manager) attemptTimedOut(seq uint64) {
	m.mu.Lock()
	if seq != m.attemptSeq || (m.state != StateAuthorizing && m.state != StateConnecting) {
		m.mu.Unlock()
		return
	}
	m.attemptSeq++ // the late completion, if any, is now stale

	m.logger.Warn("Connection attempt timed out",
		zap.Duration("timeout", m.timeout))
	m.handleFailureLocked(core.NewConnectionError("connection attempt timed out", nil))
	fire := m.takeEventsLocked()
	m.mu.Unlock()

	runAll(fire)
}

// handleFailureLocked routes a failed attempt: auth failures clear the
// token and stop, configuration failures stop, transport failures retry
// with backoff until the budget is spent.
func (m *Manager) handleFailureLocked(err error) {
	switch core.KindOf(err) {
	case core.KindAuthentication:
		m.authFailedLocked(err)
	case core.KindConfiguration:
		m.logger.Error("Fatal configuration error", zap.Error(err))
		m.terminateLocked(core.KindConfiguration.Description())
	default:
		m.transportFailureLocked(err)
	}
}

// authFailedLocked clears the stored token so it is never retried, and
// requires a fresh user-initiated connect to re-authorize.
func (m *Manager) authFailedLocked(err error) {
	m.logger.Warn("Authentication failed, clearing stored token", zap.Error(err))

	if clearErr := m.tokens.Clear(); clearErr != nil {
		m.logger.Warn("Failed to clear stored token", zap.Error(clearErr))
	}

	m.invalidateLocked()
	m.state = StateDisconnected
	m.retrying = false
	m.pending = nil

	reason := core.KindAuthentication.Description()
	for _, fn := range m.onAuthFailed {
		f := fn
		m.events = append(m.events, func() { f(reason) })
	}
}

// transportFailureLocked schedules a backoff retry while slots remain. The
// session stays in a retrying substate and is not surfaced as Disconnected
// until the budget is exhausted.
func (m *Manager) transportFailureLocked(err error) {
	if m.policy.Exhausted(m.attemptCount) {
		m.logger.Error("Connection retries exhausted",
			zap.Int("attempts", m.attemptCount),
			zap.Error(err))
		m.terminateLocked("max retries exceeded")
		return
	}

	m.attemptCount++
	delay := m.policy.Delay(m.attemptCount)
	m.nextAllowedAt = m.clock.Now().Add(delay)
	m.state = StateConnecting
	m.retrying = true

	m.logger.Warn("Connection attempt failed, retrying",
		zap.Int("attempt", m.attemptCount),
		zap.Duration("backoff", delay),
		zap.Error(err))

	gen := m.generation
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.retry(gen)
	})
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	m.retryTimer = nil
	if gen != m.generation || m.state != StateConnecting || !m.retrying {
		m.mu.Unlock()
		return
	}
	m.startAttemptLocked()
	m.mu.Unlock()
}

// terminateLocked moves to Disconnected with a reported reason and drops the
// pending queue without executing it. Not auto-recoverable; a fresh connect
// is required.
func (m *Manager) terminateLocked(reason string) {
	m.invalidateLocked()
	m.state = StateDisconnected
	m.retrying = false
	m.pending = nil
	m.emitDisconnectedLocked(reason)
}

// connectedLocked finalizes a successful attempt: the retry budget resets,
// queued operations drain in FIFO order, then onConnected fires.
func (m *Manager) connectedLocked() {
	m.invalidateLocked()
	m.state = StateConnected
	m.retrying = false
	m.attemptCount = 0
	m.nextAllowedAt = time.Time{}

	drained := m.pending
	m.pending = nil

	m.logger.Info("Connected", zap.Int("queuedOperations", len(drained)))

	for _, op := range drained {
		m.events = append(m.events, op)
	}
	for _, fn := range m.onConnected {
		m.events = append(m.events, fn)
	}
}

// handleRemoteDisconnect processes disconnect notifications from an
// established session. Benign end-of-stream disconnects reconnect
// immediately without consuming a retry slot; everything else terminates.
func (m *Manager) handleRemoteDisconnect(err error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	switch {
	case core.IsBenign(err):
		m.logger.Info("Benign disconnect, reconnecting immediately", zap.Error(err))
		m.state = StateConnecting
		m.startAttemptLocked()
	case core.IsAuthError(err):
		m.authFailedLocked(err)
	default:
		m.logger.Warn("Remote session lost", zap.Error(err))
		m.terminateLocked(core.KindConnection.Description())
	}
	fire := m.takeEventsLocked()
	m.mu.Unlock()

	runAll(fire)
}

func (m *Manager) handlePlayerState(ps core.PlayerState) {
	for _, fn := range m.onPlayerState {
		fn(ps)
	}
}

// invalidateLocked cancels every scheduled timer and marks in-flight
// completions stale, so nothing fires after the state has moved on.
func (m *Manager) invalidateLocked() {
	m.generation++
	m.attemptSeq++
	m.stopTimeoutLocked()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.deferTimer != nil {
		m.deferTimer.Stop()
		m.deferTimer = nil
	}
}

func (m *Manager) stopTimeoutLocked() {
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

func (m *Manager) emitDisconnectedLocked(reason string) {
	for _, fn := range m.onDisconnected {
		f := fn
		m.events = append(m.events, func() { f(reason) })
	}
}

// takeEventsLocked hands back the ordered handlers produced by the current
// transition; the caller runs them after releasing the lock so handlers may
// re-enter the manager.
func (m *Manager) takeEventsLocked() []func() {
	fire := m.events
	m.events = nil
	return fire
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
