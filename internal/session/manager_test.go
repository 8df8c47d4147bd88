package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"songbattle/internal/core"
)

// fakeClock drives manager timers deterministically. Advance moves the clock
// and fires every due timer, releasing its own lock around each callback so
// timer functions may re-enter the manager (and schedule more timers).
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) core.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	for {
		var due *fakeTimer
		for _, t := range c.timers {
			if !t.fired && !t.stopped && !t.deadline.After(c.now) {
				due = t
				break
			}
		}
		if due == nil {
			break
		}
		due.fired = true
		c.mu.Unlock()
		due.fn()
		c.mu.Lock()
	}
	c.mu.Unlock()
}

type authStep struct {
	token string
	err   error
	block chan struct{}
}

type connectStep struct {
	err   error
	block chan struct{}
}

// fakeClient scripts Authorize/Connect outcomes per call; an exhausted
// script means success.
type fakeClient struct {
	mu            sync.Mutex
	authScript    []authStep
	connectScript []connectStep
	authCalls     int
	connectCalls  int
	disconnects   int

	playerStateFn func(core.PlayerState)
	disconnectFn  func(error)
}

func (f *fakeClient) Authorize(ctx context.Context, _ []core.Scope) (string, error) {
	f.mu.Lock()
	f.authCalls++
	var step authStep
	if len(f.authScript) > 0 {
		step = f.authScript[0]
		f.authScript = f.authScript[1:]
	} else {
		step = authStep{token: "tok"}
	}
	f.mu.Unlock()

	if step.block != nil {
		select {
		case <-step.block:
		case <-ctx.Done():
			return "", core.NewConnectionError("authorization timed out", ctx.Err())
		}
	}
	return step.token, step.err
}

func (f *fakeClient) Connect(ctx context.Context, _ string) error {
	f.mu.Lock()
	f.connectCalls++
	var step connectStep
	if len(f.connectScript) > 0 {
		step = f.connectScript[0]
		f.connectScript = f.connectScript[1:]
	}
	f.mu.Unlock()

	if step.block != nil {
		select {
		case <-step.block:
		case <-ctx.Done():
			return core.NewConnectionError("connect timed out", ctx.Err())
		}
	}
	return step.err
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeClient) Play(context.Context, string) error { return nil }
func (f *fakeClient) Pause(context.Context) error        { return nil }
func (f *fakeClient) Resume(context.Context) error       { return nil }
func (f *fakeClient) SkipNext(context.Context) error     { return nil }
func (f *fakeClient) SkipPrevious(context.Context) error { return nil }

func (f *fakeClient) SubscribePlayerState(fn func(core.PlayerState)) { f.playerStateFn = fn }
func (f *fakeClient) SubscribeDisconnects(fn func(error))            { f.disconnectFn = fn }

func (f *fakeClient) Search(context.Context, core.SearchFilter) ([]core.Track, error) {
	return nil, nil
}

func (f *fakeClient) FetchAlbumArt(context.Context, core.Track) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) calls() (auth, connect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.connectCalls
}

func (f *fakeClient) disconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeTokens struct {
	mu     sync.Mutex
	token  string
	saves  int
	clears int
}

func (f *fakeTokens) Load() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return "", core.ErrNoToken
	}
	return f.token, nil
}

func (f *fakeTokens) Save(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.saves++
	return nil
}

func (f *fakeTokens) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.clears++
	return nil
}

func (f *fakeTokens) cleared() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func testConfig() *core.SessionConfig {
	return &core.SessionConfig{
		MaxRetries:         3,
		BackoffBase:        time.Second,
		MaxBackoff:         60 * time.Second,
		MinConnectInterval: 2 * time.Second,
		ConnectTimeout:     30 * time.Second,
	}
}

func newTestManager(client *fakeClient, tokens *fakeTokens, cfg *core.SessionConfig) (*Manager, *fakeClock) {
	clock := newFakeClock()
	m := NewManager(client, tokens, cfg, zap.NewNop())
	m.clock = clock
	return m, clock
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestManager_ConnectWithStoredToken(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	var mu sync.Mutex
	connected := false
	m.OnConnected(func() {
		mu.Lock()
		connected = true
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "connected", m.IsConnected)

	mu.Lock()
	if !connected {
		t.Error("onConnected handler did not fire")
	}
	mu.Unlock()

	auth, connect := client.calls()
	if auth != 0 {
		t.Errorf("authCalls = %d, expected 0 with a stored token", auth)
	}
	if connect != 1 {
		t.Errorf("connectCalls = %d, expected 1", connect)
	}
}

func TestManager_AuthorizeFlowPersistsToken(t *testing.T) {
	client := &fakeClient{authScript: []authStep{{token: "fresh"}}}
	tokens := &fakeTokens{}
	m, _ := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "connected", m.IsConnected)

	auth, connect := client.calls()
	if auth != 1 || connect != 1 {
		t.Errorf("authCalls = %d, connectCalls = %d, expected 1 and 1", auth, connect)
	}

	stored, err := tokens.Load()
	if err != nil || stored != "fresh" {
		t.Errorf("stored token = %q (%v), expected the authorized token", stored, err)
	}
}

func TestManager_BackoffScheduleAndExhaustion(t *testing.T) {
	boom := core.NewConnectionError("refused", nil)
	client := &fakeClient{connectScript: []connectStep{
		{err: boom}, {err: boom}, {err: boom}, {err: boom},
	}}
	tokens := &fakeTokens{token: "stored"}
	m, clock := newTestManager(client, tokens, testConfig())

	var mu sync.Mutex
	var reason string
	m.OnDisconnected(func(r string) {
		mu.Lock()
		reason = r
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "first failure", func() bool { return m.AttemptCount() == 1 })

	// The first retry waits 2s; advancing only 1s must not fire it.
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if _, connect := client.calls(); connect != 1 {
		t.Fatalf("retry fired before its backoff elapsed, connectCalls = %d", connect)
	}

	clock.Advance(time.Second)
	waitFor(t, "second failure", func() bool { return m.AttemptCount() == 2 })

	clock.Advance(4 * time.Second)
	waitFor(t, "third failure", func() bool { return m.AttemptCount() == 3 })

	clock.Advance(8 * time.Second)
	waitFor(t, "terminal disconnect", func() bool { return m.State() == StateDisconnected })

	mu.Lock()
	if reason != "max retries exceeded" {
		t.Errorf("disconnect reason = %q, expected max retries exceeded", reason)
	}
	mu.Unlock()

	if _, connect := client.calls(); connect != 4 {
		t.Errorf("connectCalls = %d, expected 4 (initial + 3 retries)", connect)
	}
}

func TestManager_RateLimitDefersConnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0 // first failure is terminal, freeing the state machine

	client := &fakeClient{connectScript: []connectStep{
		{err: core.NewConnectionError("refused", nil)},
	}}
	tokens := &fakeTokens{token: "stored"}
	m, clock := newTestManager(client, tokens, cfg)

	m.Connect()
	waitFor(t, "terminal failure", func() bool {
		_, connect := client.calls()
		return connect == 1 && m.State() == StateDisconnected
	})

	// A second connect inside the minimum interval is deferred, not dropped
	// and not run early.
	m.Connect()
	time.Sleep(10 * time.Millisecond)
	if _, connect := client.calls(); connect != 1 {
		t.Fatalf("rate-limited connect ran early, connectCalls = %d", connect)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %v while deferred, expected disconnected", m.State())
	}

	clock.Advance(2 * time.Second)
	waitFor(t, "deferred connect", m.IsConnected)

	if _, connect := client.calls(); connect != 2 {
		t.Errorf("connectCalls = %d, expected 2", connect)
	}
}

func TestManager_AuthFailureClearsTokenAndStops(t *testing.T) {
	client := &fakeClient{connectScript: []connectStep{
		{err: core.NewAuthError("token expired", nil)},
	}}
	tokens := &fakeTokens{token: "stored"}
	m, clock := newTestManager(client, tokens, testConfig())

	var mu sync.Mutex
	var authReason string
	m.OnAuthFailed(func(r string) {
		mu.Lock()
		authReason = r
		mu.Unlock()
	})

	m.EnqueueWhenConnected(func() { t.Error("queued operation ran after auth failure") })

	m.Connect()
	waitFor(t, "auth failure", func() bool { return tokens.cleared() == 1 })
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })

	mu.Lock()
	if authReason != core.KindAuthentication.Description() {
		t.Errorf("auth reason = %q, expected %q", authReason, core.KindAuthentication.Description())
	}
	mu.Unlock()

	if _, err := tokens.Load(); err != core.ErrNoToken {
		t.Error("expected the stored token to be cleared")
	}
	if m.PendingOperations() != 0 {
		t.Errorf("pending = %d, expected the queue to be dropped", m.PendingOperations())
	}

	// Auth failures are never retried automatically.
	clock.Advance(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if _, connect := client.calls(); connect != 1 {
		t.Errorf("connectCalls = %d after waiting, expected no automatic retry", connect)
	}

	// A fresh user-initiated connect re-authorizes from scratch.
	m.Connect()
	waitFor(t, "re-authorized", m.IsConnected)
	if auth, _ := client.calls(); auth != 1 {
		t.Errorf("authCalls = %d, expected re-authorization", auth)
	}
}

func TestManager_EnqueueDrainsInOrderOnConnect(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	var mu sync.Mutex
	var order []string
	record := func(label string) func() {
		return func() {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}
	}

	m.OnConnected(record("connected"))
	m.EnqueueWhenConnected(record("first"))
	m.EnqueueWhenConnected(record("second"))
	m.EnqueueWhenConnected(record("third"))

	if m.PendingOperations() != 3 {
		t.Fatalf("pending = %d, expected 3", m.PendingOperations())
	}

	m.Connect()
	waitFor(t, "queue drained", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	expected := []string{"first", "second", "third", "connected"}
	for i, label := range expected {
		if order[i] != label {
			t.Fatalf("order = %v, expected %v", order, expected)
		}
	}

	if m.PendingOperations() != 0 {
		t.Errorf("pending = %d after drain, expected 0", m.PendingOperations())
	}
}

func TestManager_DisconnectDropsPendingWithoutRunning(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	ran := false
	m.EnqueueWhenConnected(func() { ran = true })
	m.Disconnect()

	if m.PendingOperations() != 0 {
		t.Errorf("pending = %d, expected the queue to be cleared", m.PendingOperations())
	}

	m.Connect()
	waitFor(t, "connected", m.IsConnected)

	if ran {
		t.Error("operation enqueued before disconnect must not run")
	}
}

func TestManager_EnqueueRunsImmediatelyWhenConnected(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "connected", m.IsConnected)

	ran := false
	m.EnqueueWhenConnected(func() { ran = true })

	if !ran {
		t.Error("operation should run synchronously while connected")
	}
	if m.PendingOperations() != 0 {
		t.Errorf("pending = %d, expected 0", m.PendingOperations())
	}
}

func TestManager_BenignDisconnectReconnectsForFree(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "connected", m.IsConnected)

	client.disconnectFn(core.NewTransientPlaybackError("end of stream", nil))

	waitFor(t, "reconnected", func() bool {
		_, connect := client.calls()
		return connect == 2 && m.IsConnected()
	})

	// The free reconnect must not consume a retry slot.
	if m.AttemptCount() != 0 {
		t.Errorf("attemptCount = %d after benign reconnect, expected 0", m.AttemptCount())
	}
}

func TestManager_RemoteAuthDisconnectClearsToken(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "connected", m.IsConnected)

	client.disconnectFn(core.NewAuthError("session revoked", nil))

	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	if tokens.cleared() != 1 {
		t.Error("expected the stored token to be cleared on remote auth failure")
	}
}

func TestManager_ConnectIdempotentWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{connectScript: []connectStep{{block: block}}}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "connecting", func() bool { return m.State() == StateConnecting })

	m.Connect()
	m.Connect()
	time.Sleep(10 * time.Millisecond)

	if _, connect := client.calls(); connect != 1 {
		t.Fatalf("connectCalls = %d, expected duplicate connects to be ignored", connect)
	}

	close(block)
	waitFor(t, "connected", m.IsConnected)

	if _, connect := client.calls(); connect != 1 {
		t.Errorf("connectCalls = %d, expected 1", connect)
	}
}

func TestManager_DisconnectIgnoredDuringAuthorization(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{authScript: []authStep{{token: "fresh", block: block}}}
	tokens := &fakeTokens{}
	m, _ := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "authorizing", func() bool { return m.State() == StateAuthorizing })

	m.Disconnect()
	if m.State() != StateAuthorizing {
		t.Fatalf("state = %v, expected disconnect to be a no-op during authorization", m.State())
	}
	if client.disconnectCalls() != 0 {
		t.Error("client.Disconnect must not be called during authorization")
	}

	close(block)
	waitFor(t, "connected", m.IsConnected)
}

func TestManager_DisconnectCancelsScheduledRetry(t *testing.T) {
	client := &fakeClient{connectScript: []connectStep{
		{err: core.NewConnectionError("refused", nil)},
	}}
	tokens := &fakeTokens{token: "stored"}
	m, clock := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "first failure", func() bool { return m.AttemptCount() == 1 })

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state = %v, expected disconnected", m.State())
	}

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)

	if _, connect := client.calls(); connect != 1 {
		t.Errorf("connectCalls = %d, expected the retry to be cancelled", connect)
	}
}

func TestManager_AttemptTimeoutRetries(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{connectScript: []connectStep{{block: block}}}
	tokens := &fakeTokens{token: "stored"}
	m, clock := newTestManager(client, tokens, testConfig())

	m.Connect()
	waitFor(t, "connecting", func() bool { return m.State() == StateConnecting })

	// The 30s connect timeout converts the hung attempt into a transport
	// failure that consumes a retry slot.
	clock.Advance(30 * time.Second)
	waitFor(t, "timeout counted", func() bool { return m.AttemptCount() == 1 })

	// The hung attempt completing late must not disturb the retry cycle.
	close(block)
	time.Sleep(10 * time.Millisecond)
	if m.IsConnected() {
		t.Fatal("stale completion must be ignored after timeout")
	}

	clock.Advance(2 * time.Second)
	waitFor(t, "retry connected", m.IsConnected)

	if _, connect := client.calls(); connect != 2 {
		t.Errorf("connectCalls = %d, expected 2", connect)
	}
}

func TestManager_ForwardsPlayerState(t *testing.T) {
	client := &fakeClient{}
	tokens := &fakeTokens{token: "stored"}
	m, _ := newTestManager(client, tokens, testConfig())

	var got core.PlayerState
	m.OnPlayerState(func(ps core.PlayerState) { got = ps })

	client.playerStateFn(core.PlayerState{
		Track:  core.Track{ID: "t1", Name: "Song"},
		Paused: true,
	})

	if got.Track.ID != "t1" || !got.Paused {
		t.Errorf("forwarded state = %+v", got)
	}
}
