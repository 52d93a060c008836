package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"peermatch/internal/matcher"
	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// Disconnect cancellation retries; a request still busy after the last
// attempt is abandoned to the sweeper
const (
	disconnectCancelAttempts = 3
	disconnectCancelBackoff  = 25 * time.Millisecond
)

// Config holds gateway tuning
type Config struct {
	// HandoffTimeout bounds one workspace allocation
	HandoffTimeout time.Duration
	// StartLimit is the number of start-matching events allowed per StartWindow
	StartLimit  int
	StartWindow time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		HandoffTimeout: 5 * time.Second,
		StartLimit:     DefaultStartLimit,
		StartWindow:    time.Minute,
	}
}

// Gateway turns client events into matcher calls and pushes outcomes back
// ARCHITECTURAL DISCOVERY: the gateway holds no pool state of its own; the
// matcher decides every transition and the gateway only routes the result
type Gateway struct {
	matcher   *matcher.Matcher
	allocator interfaces.WorkspaceAllocator
	registry  *Registry
	limiter   *RateLimiter
	config    Config
	now       func() time.Time
}

// NewGateway creates a gateway over m, handing matches to allocator
func NewGateway(m *matcher.Matcher, allocator interfaces.WorkspaceAllocator, cfg Config) (*Gateway, error) {
	if m == nil {
		return nil, ErrNilMatcher
	}
	if allocator == nil {
		return nil, ErrNilAllocator
	}
	defaults := DefaultConfig()
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = defaults.HandoffTimeout
	}
	return &Gateway{
		matcher:   m,
		allocator: allocator,
		registry:  NewRegistry(),
		limiter:   NewRateLimiter(cfg.StartLimit, cfg.StartWindow),
		config:    cfg,
		now:       time.Now,
	}, nil
}

// Registry exposes the session registry for monitoring
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Connect registers an authenticated connection and returns its idle session
func (g *Gateway) Connect(conn interfaces.Connection, identity *types.Identity) (*Session, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if identity == nil || identity.UserID == "" {
		return nil, ErrNilIdentity
	}

	sess := newSession(conn, identity)
	sess.authenticate()
	g.registry.Register(sess)

	log.WithFields(log.Fields{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
	}).Info("Session connected")
	return sess, nil
}

// HandleEvent decodes one inbound frame and dispatches it. Failures are
// reported to the client as error events; nothing here tears down the socket.
func (g *Gateway) HandleEvent(ctx context.Context, sess *Session, raw []byte) {
	env, err := types.DecodeEnvelope(raw)
	if err != nil {
		g.pushError(sess, err)
		return
	}

	switch env.Type {
	case types.EventStartMatching:
		var payload types.StartMatchingPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				g.pushError(sess, types.ErrMalformedEvent)
				return
			}
		}
		if err := g.StartMatching(ctx, sess, payload.Category, payload.Difficulty); err != nil {
			g.pushError(sess, err)
		}

	case types.EventCancelMatching:
		if err := g.CancelMatching(ctx, sess); err != nil {
			g.pushError(sess, err)
		}
	}
}

// StartMatching creates a request for the session and either reports it as
// pending or completes a match. Errors leave the session idle.
// Only well-formed, non-duplicate starts count against the rate limit.
func (g *Gateway) StartMatching(ctx context.Context, sess *Session, category, difficulty string) error {
	record, err := types.NewRequestRecord(sess.UserID, sess.Username, category, difficulty, g.now())
	if err != nil {
		return err
	}

	if err := sess.begin(record.ID); err != nil {
		return err
	}
	if _, waiting := g.matcher.Pool().WaitingRequestOf(sess.UserID); waiting {
		sess.finish(record.ID)
		return types.ErrDuplicateRequest
	}
	if !g.limiter.Allow(sess.UserID) {
		sess.finish(record.ID)
		return types.ErrRateLimited
	}
	// FUNCTIONAL DISCOVERY: bind before the pool sees the record; a peer may
	// claim it the instant it is inserted and must find this session
	g.registry.bindRequest(record.ID, sess)

	match, err := g.matcher.TryMatch(ctx, record)
	if err != nil {
		g.registry.takeRequest(record.ID)
		sess.finish(record.ID)
		return err
	}

	if match == nil {
		g.pushPending(sess, record.ID)
		return nil
	}

	g.deliverMatch(ctx, match)
	return nil
}

// CancelMatching withdraws the session's waiting request. Cancelling with no
// active request, or after the request already resolved, is a no-op.
func (g *Gateway) CancelMatching(ctx context.Context, sess *Session) error {
	cancelled, err := g.cancelActive(ctx, sess)
	if err != nil {
		return err
	}
	if cancelled != nil {
		g.push(sess, types.EventMatchCancelled, types.MatchCancelledPayload{RequestID: cancelled.ID})
	}
	return nil
}

// Disconnect cancels any waiting request and destroys the session. A request
// whose partition stays busy is abandoned so no later arrival can match it.
func (g *Gateway) Disconnect(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	g.cancelOnDisconnect(context.WithoutCancel(ctx), sess)

	sess.close()
	g.registry.Unregister(sess)

	log.WithFields(log.Fields{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
	}).Info("Session disconnected")
}

// NotifyTimeout pushes match-timeout to the session waiting on record
func (g *Gateway) NotifyTimeout(record *types.RequestRecord) {
	if record == nil {
		return
	}
	sess := g.registry.takeRequest(record.ID)
	if sess == nil {
		return
	}
	if sess.finish(record.ID) {
		g.push(sess, types.EventMatchTimeout, types.MatchTimeoutPayload{RequestID: record.ID})
	}
}

// Stats returns connection counters for the health endpoint
func (g *Gateway) Stats() map[string]int {
	return g.registry.Stats()
}

func (g *Gateway) cancelOnDisconnect(ctx context.Context, sess *Session) {
	requestID := sess.ActiveRequestID()
	if requestID == "" {
		return
	}

	backoff := disconnectCancelBackoff
	var err error
	for attempt := 1; attempt <= disconnectCancelAttempts; attempt++ {
		if _, err = g.cancelActive(ctx, sess); err == nil {
			return
		}
		if attempt < disconnectCancelAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	log.WithError(err).WithFields(log.Fields{
		"session_id": sess.ID,
		"request_id": requestID,
	}).Warn("Failed to cancel request on disconnect")
	g.matcher.Abandon(requestID)
	g.registry.takeRequest(requestID)
}

func (g *Gateway) cancelActive(ctx context.Context, sess *Session) (*types.RequestRecord, error) {
	requestID := sess.ActiveRequestID()
	if requestID == "" {
		return nil, nil
	}

	cancelled, err := g.matcher.Cancel(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		// Already matched or expired; that outcome is delivered separately
		return nil, nil
	}

	g.registry.takeRequest(requestID)
	sess.finish(requestID)
	return cancelled, nil
}

// pushPending acknowledges a waiting request unless an outcome already
// arrived for it
func (g *Gateway) pushPending(sess *Session, requestID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.activeRequestID != requestID {
		return
	}
	g.pushLocked(sess, types.EventMatchPending, types.MatchPendingPayload{RequestID: requestID})
}

// deliverMatch allocates a workspace and pushes match-found to both sides.
// The two pushes run concurrently so a slow socket never delays its peer.
func (g *Gateway) deliverMatch(ctx context.Context, match *types.Match) {
	token, degraded := g.allocate(ctx, match)

	type delivery struct {
		sess    *Session
		request string
		payload types.MatchFoundPayload
	}
	deliveries := make([]delivery, 0, 2)
	for _, side := range []*types.RequestRecord{match.RequestA, match.RequestB} {
		sess := g.registry.takeRequest(side.ID)
		if sess == nil {
			log.WithFields(log.Fields{
				"match_id":   match.ID,
				"request_id": side.ID,
			}).Warn("Matched user has no live session")
			continue
		}

		peer := match.Peer(side.UserID)
		deliveries = append(deliveries, delivery{
			sess:    sess,
			request: side.ID,
			payload: types.MatchFoundPayload{
				MatchID:        match.ID,
				PeerUserID:     peer.UserID,
				PeerUsername:   peer.Username,
				WorkspaceToken: token,
				Category:       side.Category,
				Difficulty:     side.Difficulty,
				Degraded:       degraded,
			},
		})
	}

	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d delivery) {
			defer wg.Done()
			d.sess.mu.Lock()
			defer d.sess.mu.Unlock()
			if d.sess.finishLocked(d.request) {
				g.pushLocked(d.sess, types.EventMatchFound, d.payload)
			}
		}(d)
	}
	wg.Wait()
}

// allocate asks the workspace allocator for a shared token, bounded by
// HandoffTimeout. A failure degrades the match instead of undoing it.
func (g *Gateway) allocate(ctx context.Context, match *types.Match) (string, bool) {
	allocCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.HandoffTimeout)
	defer cancel()

	token, err := g.allocator.Allocate(allocCtx, match.RequestA.UserID, match.RequestB.UserID)
	if err == nil && token != "" {
		return token, false
	}
	if err == nil {
		err = types.ErrHandoffFailure
	}
	if !errors.Is(err, types.ErrHandoffFailure) {
		err = fmt.Errorf("%w: %v", types.ErrHandoffFailure, err)
	}

	log.WithError(err).WithField("match_id", match.ID).Warn("Workspace allocation failed, delivering degraded match")
	return "", true
}

func (g *Gateway) pushError(sess *Session, err error) {
	code := types.ErrorCode(err)
	message := err.Error()
	if code == types.CodeInternalError {
		log.WithError(err).WithField("session_id", sess.ID).Error("Internal error handling event")
		message = "internal error"
	}
	g.push(sess, types.EventError, types.ErrorPayload{Code: code, Message: message})
}

func (g *Gateway) push(sess *Session, eventType string, payload interface{}) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	g.pushLocked(sess, eventType, payload)
}

// pushLocked writes an event; failures are logged and otherwise ignored
func (g *Gateway) pushLocked(sess *Session, eventType string, payload interface{}) {
	if sess.state == SessionClosed {
		return
	}
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		log.WithError(err).WithField("type", eventType).Error("Failed to encode event")
		return
	}
	if err := sess.conn.WriteJSON(env); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"session_id": sess.ID,
			"type":       eventType,
		}).Warn("Failed to push event")
	}
}
