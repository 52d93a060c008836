package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermatch/internal/matcher"
	"peermatch/internal/pool"
	"peermatch/pkg/types"
)

// fakeConn captures pushed envelopes
type fakeConn struct {
	id       string
	mu       sync.Mutex
	events   []*types.Envelope
	closed   bool
	writeErr error
	block    chan struct{} // when set, writes wait until it is closed
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New().String()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	env, ok := v.(*types.Envelope)
	if !ok {
		return fmt.Errorf("unexpected frame %T", v)
	}
	c.events = append(c.events, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) blockWrites() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = make(chan struct{})
	return c.block
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, eventType string, into interface{}) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			if into != nil {
				require.NoError(t, json.Unmarshal(c.events[i].Payload, into))
			}
			return
		}
	}
	t.Fatalf("no %s event among %d pushed", eventType, len(c.events))
}

type fakeAllocator struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (a *fakeAllocator) Allocate(ctx context.Context, userIDA, userIDB string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.token, a.err
}

type fixture struct {
	gw      *Gateway
	matcher *matcher.Matcher
	alloc   *fakeAllocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := matcher.NewMatcher(pool.NewPool(0), nil, matcher.Config{MatchTimeout: 30 * time.Second})
	require.NoError(t, err)
	alloc := &fakeAllocator{token: "room-1"}
	gw, err := NewGateway(m, alloc, Config{HandoffTimeout: time.Second})
	require.NoError(t, err)
	return &fixture{gw: gw, matcher: m, alloc: alloc}
}

func (f *fixture) connect(t *testing.T, userID string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	sess, err := f.gw.Connect(conn, &types.Identity{UserID: userID, Username: userID + "-name"})
	require.NoError(t, err)
	return sess, conn
}

func startFrame(category, difficulty string) []byte {
	return []byte(fmt.Sprintf(`{"type":"start-matching","payload":{"category":%q,"difficulty":%q}}`, category, difficulty))
}

func TestNewGateway_Validation(t *testing.T) {
	m, err := matcher.NewMatcher(pool.NewPool(0), nil, matcher.Config{})
	require.NoError(t, err)

	_, err = NewGateway(nil, &fakeAllocator{}, Config{})
	assert.ErrorIs(t, err, ErrNilMatcher)
	_, err = NewGateway(m, nil, Config{})
	assert.ErrorIs(t, err, ErrNilAllocator)
}

func TestConnect_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Connect(nil, &types.Identity{UserID: "a"})
	assert.ErrorIs(t, err, ErrNilConnection)
	_, err = f.gw.Connect(newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrNilIdentity)

	sess, _ := f.connect(t, "alice")
	assert.Equal(t, SessionIdle, sess.State())
}

// Scenario: A then B with the same criteria end up in one shared workspace
func TestScenario_TwoUsersMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, connA := f.connect(t, "alice")
	b, connB := f.connect(t, "bob")

	f.gw.HandleEvent(ctx, a, startFrame("Arrays", "Easy"))
	assert.Equal(t, []string{types.EventMatchPending}, connA.eventTypes())
	assert.Equal(t, SessionMatching, a.State())

	f.gw.HandleEvent(ctx, b, startFrame("Arrays", "Easy"))

	var foundA, foundB types.MatchFoundPayload
	connA.last(t, types.EventMatchFound, &foundA)
	connB.last(t, types.EventMatchFound, &foundB)

	assert.Equal(t, foundA.MatchID, foundB.MatchID)
	assert.Equal(t, "bob", foundA.PeerUserID)
	assert.Equal(t, "bob-name", foundA.PeerUsername)
	assert.Equal(t, "alice", foundB.PeerUserID)
	assert.Equal(t, "room-1", foundA.WorkspaceToken)
	assert.Equal(t, foundA.WorkspaceToken, foundB.WorkspaceToken)
	assert.False(t, foundA.Degraded)

	assert.Equal(t, []string{types.EventMatchFound}, connB.eventTypes(), "the arriving side gets no pending ack")
	assert.Equal(t, SessionIdle, a.State())
	assert.Equal(t, SessionIdle, b.State())
	assert.Empty(t, a.ActiveRequestID())
	assert.Equal(t, 0, f.matcher.Pool().Len())
	assert.Equal(t, 1, f.alloc.calls)
}

// Scenario: A waits alone past the TTL and is told so
func TestScenario_Timeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")

	require.NoError(t, f.gw.StartMatching(ctx, a, "Graphs", "Hard"))
	requestID := a.ActiveRequestID()
	require.NotEmpty(t, requestID)

	for _, rec := range f.matcher.ExpireStale(ctx, time.Now().Add(31*time.Second)) {
		f.gw.NotifyTimeout(rec)
	}

	var timeout types.MatchTimeoutPayload
	connA.last(t, types.EventMatchTimeout, &timeout)
	assert.Equal(t, requestID, timeout.RequestID)
	assert.Equal(t, SessionIdle, a.State())

	// A later compatible arrival does not match the expired request
	b, connB := f.connect(t, "bob")
	require.NoError(t, f.gw.StartMatching(ctx, b, "Graphs", "Hard"))
	assert.Equal(t, []string{types.EventMatchPending}, connB.eventTypes())

	// The timed-out user may try again
	require.NoError(t, f.gw.StartMatching(ctx, a, "Graphs", "Hard"))
	connA.last(t, types.EventMatchFound, nil)
}

// Scenario: A disconnects while waiting; B must not be paired with a ghost
func TestScenario_DisconnectWhileWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	require.Equal(t, 1, f.matcher.Pool().Len())

	f.gw.Disconnect(ctx, a)
	assert.Equal(t, SessionClosed, a.State())
	assert.Equal(t, 0, f.matcher.Pool().Len())
	_, ok := f.gw.Registry().UserSession("alice")
	assert.False(t, ok)

	b, connB := f.connect(t, "bob")
	require.NoError(t, f.gw.StartMatching(ctx, b, "Arrays", "Easy"))
	assert.Equal(t, []string{types.EventMatchPending}, connB.eventTypes())

	// Disconnect is idempotent
	f.gw.Disconnect(ctx, a)
	f.gw.Disconnect(ctx, nil)
}

// A disconnect whose partition stays busy must still keep the departed user
// out of every later match
func TestDisconnectWhilePartitionBusy(t *testing.T) {
	m, err := matcher.NewMatcher(pool.NewPool(20*time.Millisecond), nil, matcher.Config{MatchTimeout: 30 * time.Second})
	require.NoError(t, err)
	gw, err := NewGateway(m, &fakeAllocator{token: "room-1"}, Config{})
	require.NoError(t, err)
	f := &fixture{gw: gw, matcher: m}
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	require.NoError(t, gw.StartMatching(ctx, a, "Arrays", "Easy"))
	requestID := a.ActiveRequestID()

	release, err := m.Pool().HoldPartition(ctx, types.PartitionKey{Category: "Arrays", Difficulty: "Easy"})
	require.NoError(t, err)
	gw.Disconnect(ctx, a)
	release()

	assert.Equal(t, SessionClosed, a.State())
	assert.Equal(t, []string{requestID}, m.Pool().Abandoned())

	b, connB := f.connect(t, "bob")
	require.NoError(t, gw.StartMatching(ctx, b, "Arrays", "Easy"))
	assert.Equal(t, []string{types.EventMatchPending}, connB.eventTypes())

	// The next sweep finishes the cancellation
	m.ExpireStale(ctx, time.Now())
	assert.False(t, m.Pool().Contains(requestID))
	assert.True(t, m.Pool().Contains(b.ActiveRequestID()))
}

func TestDisconnectRetriesBriefContention(t *testing.T) {
	m, err := matcher.NewMatcher(pool.NewPool(20*time.Millisecond), nil, matcher.Config{MatchTimeout: 30 * time.Second})
	require.NoError(t, err)
	gw, err := NewGateway(m, &fakeAllocator{token: "room-1"}, Config{})
	require.NoError(t, err)
	f := &fixture{gw: gw, matcher: m}
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	require.NoError(t, gw.StartMatching(ctx, a, "Arrays", "Easy"))

	release, err := m.Pool().HoldPartition(ctx, types.PartitionKey{Category: "Arrays", Difficulty: "Easy"})
	require.NoError(t, err)
	time.AfterFunc(30*time.Millisecond, release)

	gw.Disconnect(ctx, a)
	assert.Equal(t, 0, m.Pool().Len())
	assert.Empty(t, m.Pool().Abandoned())
}

func TestStartMatching_ValidationKeepsIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")

	f.gw.HandleEvent(ctx, a, startFrame("", "Easy"))
	var payload types.ErrorPayload
	connA.last(t, types.EventError, &payload)
	assert.Equal(t, types.CodeValidation, payload.Code)
	assert.Equal(t, SessionIdle, a.State())
	assert.Equal(t, 0, f.matcher.Pool().Len())

	// A start event with no payload at all is the same validation failure
	f.gw.HandleEvent(ctx, a, []byte(`{"type":"start-matching"}`))
	connA.last(t, types.EventError, &payload)
	assert.Equal(t, types.CodeValidation, payload.Code)
}

func TestStartMatching_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")

	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	first := a.ActiveRequestID()

	err := f.gw.StartMatching(ctx, a, "Graphs", "Hard")
	assert.ErrorIs(t, err, types.ErrDuplicateRequest)
	assert.Equal(t, first, a.ActiveRequestID(), "the original request keeps waiting")
	assert.Equal(t, 1, f.matcher.Pool().Len())

	f.gw.HandleEvent(ctx, a, startFrame("Graphs", "Hard"))
	var payload types.ErrorPayload
	connA.last(t, types.EventError, &payload)
	assert.Equal(t, types.CodeDuplicate, payload.Code)
}

func TestStartMatching_DuplicateAcrossSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two sockets for one user: the pool still enforces one waiting request
	first, _ := f.connect(t, "alice")
	require.NoError(t, f.gw.StartMatching(ctx, first, "Arrays", "Easy"))

	second := newSession(newFakeConn(), &types.Identity{UserID: "alice"})
	second.authenticate()
	err := f.gw.StartMatching(ctx, second, "Arrays", "Easy")
	assert.ErrorIs(t, err, types.ErrDuplicateRequest)
	assert.Equal(t, SessionIdle, second.State())
	assert.Empty(t, second.ActiveRequestID())
}

func TestStartMatching_RateLimited(t *testing.T) {
	m, err := matcher.NewMatcher(pool.NewPool(0), nil, matcher.Config{})
	require.NoError(t, err)
	gw, err := NewGateway(m, &fakeAllocator{token: "t"}, Config{StartLimit: 2, StartWindow: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	conn := newFakeConn()
	sess, err := gw.Connect(conn, &types.Identity{UserID: "alice"})
	require.NoError(t, err)

	require.NoError(t, gw.StartMatching(ctx, sess, "Arrays", "Easy"))
	require.NoError(t, gw.CancelMatching(ctx, sess))
	require.NoError(t, gw.StartMatching(ctx, sess, "Arrays", "Easy"))
	require.NoError(t, gw.CancelMatching(ctx, sess))

	err = gw.StartMatching(ctx, sess, "Arrays", "Easy")
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, SessionIdle, sess.State())
}

func TestStartMatching_RejectedStartsDoNotSpendBudget(t *testing.T) {
	m, err := matcher.NewMatcher(pool.NewPool(0), nil, matcher.Config{})
	require.NoError(t, err)
	gw, err := NewGateway(m, &fakeAllocator{token: "t"}, Config{StartLimit: 2, StartWindow: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := gw.Connect(newFakeConn(), &types.Identity{UserID: "alice"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, gw.StartMatching(ctx, sess, "", "Easy"), types.ErrValidation)
	}
	require.NoError(t, gw.StartMatching(ctx, sess, "Arrays", "Easy"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, gw.StartMatching(ctx, sess, "Arrays", "Easy"), types.ErrDuplicateRequest)
	}

	// A second socket of the same user is a duplicate too, not a rate limit hit
	other, err := gw.Connect(newFakeConn(), &types.Identity{UserID: "alice"})
	require.NoError(t, err)
	assert.ErrorIs(t, gw.StartMatching(ctx, other, "Arrays", "Easy"), types.ErrDuplicateRequest)
	assert.Equal(t, SessionIdle, other.State())

	require.NoError(t, gw.CancelMatching(ctx, sess))
	require.NoError(t, gw.StartMatching(ctx, sess, "Arrays", "Easy"))
	require.NoError(t, gw.CancelMatching(ctx, sess))
	assert.ErrorIs(t, gw.StartMatching(ctx, sess, "Arrays", "Easy"), types.ErrRateLimited)
}

func TestCancelMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")

	// Nothing to cancel: no-op, no event
	f.gw.HandleEvent(ctx, a, []byte(`{"type":"cancel-matching"}`))
	assert.Empty(t, connA.eventTypes())

	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	requestID := a.ActiveRequestID()

	f.gw.HandleEvent(ctx, a, []byte(`{"type":"cancel-matching"}`))
	var cancelled types.MatchCancelledPayload
	connA.last(t, types.EventMatchCancelled, &cancelled)
	assert.Equal(t, requestID, cancelled.RequestID)
	assert.Equal(t, SessionIdle, a.State())
	assert.Equal(t, 0, f.matcher.Pool().Len())

	// Second cancel: still a no-op
	f.gw.HandleEvent(ctx, a, []byte(`{"type":"cancel-matching"}`))
	assert.Equal(t, []string{types.EventMatchPending, types.EventMatchCancelled}, connA.eventTypes())
}

func TestCancelAfterMatchDoesNotUndoIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")

	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	require.NoError(t, f.gw.StartMatching(ctx, b, "Arrays", "Easy"))

	require.NoError(t, f.gw.CancelMatching(ctx, a))
	assert.NotContains(t, connA.eventTypes(), types.EventMatchCancelled)
	connA.last(t, types.EventMatchFound, nil)
}

func TestHandoffFailureDegradesMatch(t *testing.T) {
	f := newFixture(t)
	f.alloc.err = errors.New("allocator unreachable")
	ctx := context.Background()

	a, connA := f.connect(t, "alice")
	b, connB := f.connect(t, "bob")
	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	require.NoError(t, f.gw.StartMatching(ctx, b, "Arrays", "Easy"))

	var foundA, foundB types.MatchFoundPayload
	connA.last(t, types.EventMatchFound, &foundA)
	connB.last(t, types.EventMatchFound, &foundB)
	assert.True(t, foundA.Degraded)
	assert.True(t, foundB.Degraded)
	assert.Empty(t, foundA.WorkspaceToken)
	assert.Equal(t, foundA.MatchID, foundB.MatchID, "the match stands without a workspace")
}

func TestHandleEvent_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")

	var payload types.ErrorPayload
	f.gw.HandleEvent(ctx, a, []byte(`{"type":"match-found"}`))
	connA.last(t, types.EventError, &payload)
	assert.Equal(t, types.CodeUnknownEvent, payload.Code)

	f.gw.HandleEvent(ctx, a, []byte(`{{{`))
	connA.last(t, types.EventError, &payload)
	assert.Equal(t, types.CodeMalformed, payload.Code)

	f.gw.HandleEvent(ctx, a, []byte(`{"type":"start-matching","payload":"Arrays"}`))
	connA.last(t, types.EventError, &payload)
	assert.Equal(t, types.CodeMalformed, payload.Code)
	assert.Equal(t, SessionIdle, a.State())
}

func TestPushFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")
	b, connB := f.connect(t, "bob")
	connA.writeErr = errors.New("broken pipe")

	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	require.NoError(t, f.gw.StartMatching(ctx, b, "Arrays", "Easy"))

	connB.last(t, types.EventMatchFound, nil)
	assert.Equal(t, SessionIdle, a.State(), "a failed push still resolves the session")
}

func TestSlowSideDoesNotDelayPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect(t, "alice")
	b, connB := f.connect(t, "bob")

	require.NoError(t, f.gw.StartMatching(ctx, a, "Arrays", "Easy"))
	unblock := connA.blockWrites()

	done := make(chan error, 1)
	go func() { done <- f.gw.StartMatching(ctx, b, "Arrays", "Easy") }()

	// bob hears about the match while alice's socket is still stuck
	assert.Eventually(t, func() bool {
		for _, typ := range connB.eventTypes() {
			if typ == types.EventMatchFound {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(unblock)
	require.NoError(t, <-done)
	connA.last(t, types.EventMatchFound, nil)
}

func TestNotifyTimeout_UnknownRecordIsNoop(t *testing.T) {
	f := newFixture(t)
	rec, err := types.NewRequestRecord("ghost", "", "Arrays", "Easy", time.Now())
	require.NoError(t, err)
	f.gw.NotifyTimeout(rec)
	f.gw.NotifyTimeout(nil)
}

func TestReconnectReplacesSession(t *testing.T) {
	f := newFixture(t)
	first, firstConn := f.connect(t, "alice")
	second, _ := f.connect(t, "alice")

	current, ok := f.gw.Registry().UserSession("alice")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.Eventually(t, firstConn.isClosed, time.Second, 10*time.Millisecond)

	// The old socket's cleanup must not evict the new session
	f.gw.Disconnect(context.Background(), first)
	current, ok = f.gw.Registry().UserSession("alice")
	require.True(t, ok)
	assert.Same(t, second, current)
}

// Every start resolves to exactly one outcome under concurrent load
func TestConcurrentSessionsEachGetOneOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const users = 60
	conns := make([]*fakeConn, users)
	sessions := make([]*Session, users)
	for i := 0; i < users; i++ {
		sessions[i], conns[i] = f.connect(t, fmt.Sprintf("user-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.gw.HandleEvent(ctx, sessions[i], startFrame("Arrays", "Easy"))
		}(i)
	}
	wg.Wait()

	matchIDs := map[string]int{}
	for i, conn := range conns {
		found := 0
		for _, typ := range conn.eventTypes() {
			if typ == types.EventMatchFound {
				found++
			}
		}
		assert.Equal(t, 1, found, "user-%d must be matched exactly once", i)
		var payload types.MatchFoundPayload
		conn.last(t, types.EventMatchFound, &payload)
		matchIDs[payload.MatchID]++
	}
	for id, n := range matchIDs {
		assert.Equal(t, 2, n, "match %s must have exactly two sides", id)
	}
	assert.Equal(t, 0, f.matcher.Pool().Len())
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per user")

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("a"), "a new window resets the count")

	now = now.Add(10 * time.Minute)
	rl.Allow("c")
	assert.Equal(t, 1, rl.tracked(), "idle users are cleaned up")
}
