package matcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"peermatch/internal/pool"
	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// Config holds matcher timing settings
type Config struct {
	// MatchTimeout is the TTL of a waiting request
	MatchTimeout time.Duration
	// LogWriteTimeout bounds each request-log append
	LogWriteTimeout time.Duration
}

// DefaultConfig mirrors the documented configuration defaults
func DefaultConfig() Config {
	return Config{
		MatchTimeout:    30 * time.Second,
		LogWriteTimeout: 5 * time.Second,
	}
}

// Matcher pairs inbound requests against the waiting pool and owns every
// state transition of a record once it leaves the pool.
// ARCHITECTURAL DISCOVERY: the pool decides who wins a record; the matcher
// only ever transitions records it received from a pool mutation, so each
// record leaves Waiting exactly once.
type Matcher struct {
	pool       *pool.Pool
	requestLog interfaces.RequestLog
	config     Config
	now        func() time.Time

	matchesFormed     atomic.Int64
	requestsExpired   atomic.Int64
	requestsCancelled atomic.Int64
}

// NewMatcher creates a matcher; requestLog may be nil
func NewMatcher(p *pool.Pool, requestLog interfaces.RequestLog, cfg Config) (*Matcher, error) {
	if p == nil {
		return nil, ErrNilPool
	}
	defaults := DefaultConfig()
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = defaults.MatchTimeout
	}
	if cfg.LogWriteTimeout <= 0 {
		cfg.LogWriteTimeout = defaults.LogWriteTimeout
	}
	return &Matcher{
		pool:       p,
		requestLog: requestLog,
		config:     cfg,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source; tests use it to control expiry
func (m *Matcher) SetClock(now func() time.Time) {
	m.now = now
}

// Pool returns the waiting pool the matcher operates on
func (m *Matcher) Pool() *pool.Pool {
	return m.pool
}

// TTL returns how long a request may wait
func (m *Matcher) TTL() time.Duration {
	return m.config.MatchTimeout
}

// TryMatch pairs record with the oldest compatible waiting request, or puts
// record in the pool. A nil Match with a nil error means the request is
// pending.
func (m *Matcher) TryMatch(ctx context.Context, record *types.RequestRecord) (*types.Match, error) {
	peer, err := m.pool.ClaimOrInsert(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("try match: %w", err)
	}

	if peer == nil {
		m.appendLog(ctx, types.TransitionOf(record, ""))
		log.WithFields(log.Fields{
			"request_id": record.ID,
			"user_id":    record.UserID,
			"partition":  record.Key().String(),
		}).Debug("Request waiting for a peer")
		return nil, nil
	}

	match, err := types.NewMatch(peer, record, m.now())
	if err != nil {
		// The pool never hands out an incompatible peer; put it back rather
		// than orphan it
		if insertErr := m.pool.Insert(ctx, peer); insertErr != nil {
			log.WithError(insertErr).WithField("request_id", peer.ID).Error("Failed to return claimed request to pool")
		}
		return nil, fmt.Errorf("try match: %w", err)
	}

	// FUNCTIONAL DISCOVERY: both records become Matched before the match is
	// returned, so no caller can push an outcome for a half-formed pairing
	formedAt := match.FormedAt
	for _, r := range []*types.RequestRecord{match.RequestA, match.RequestB} {
		if err := r.Transition(types.StateMatched, formedAt); err != nil {
			log.WithError(err).WithField("request_id", r.ID).Error("Unexpected state while forming match")
		}
	}
	m.matchesFormed.Add(1)

	m.appendLog(ctx, types.TransitionOf(match.RequestA, match.ID))
	m.appendLog(ctx, types.TransitionOf(match.RequestB, match.ID))

	log.WithFields(log.Fields{
		"match_id":  match.ID,
		"user_a":    match.RequestA.UserID,
		"user_b":    match.RequestB.UserID,
		"partition": record.Key().String(),
		"waited":    formedAt.Sub(match.RequestA.RequestedAt).String(),
	}).Info("Match formed")

	return match, nil
}

// Cancel removes a waiting request and marks it Cancelled. It returns nil
// when the request was no longer waiting.
func (m *Matcher) Cancel(ctx context.Context, requestID string) (*types.RequestRecord, error) {
	record, err := m.pool.Remove(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", requestID, err)
	}
	if record == nil {
		return nil, nil
	}

	if err := record.Transition(types.StateCancelled, m.now()); err != nil {
		log.WithError(err).WithField("request_id", requestID).Error("Unexpected state while cancelling")
		return nil, nil
	}
	m.requestsCancelled.Add(1)
	m.appendLog(ctx, types.TransitionOf(record, ""))

	log.WithFields(log.Fields{
		"request_id": record.ID,
		"user_id":    record.UserID,
	}).Info("Request cancelled")
	return record, nil
}

// Abandon withdraws a waiting request from matching when Cancel could not get
// at its partition. The next sweep finishes the cancellation.
func (m *Matcher) Abandon(requestID string) bool {
	if !m.pool.Abandon(requestID) {
		return false
	}
	log.WithField("request_id", requestID).Warn("Request abandoned, cancellation deferred to sweep")
	return true
}

// ExpireStale sweeps the pool and marks every request older than the TTL as
// Expired. Partitions skipped because of contention are retried next sweep,
// as are abandoned requests that still wait for their cancellation.
func (m *Matcher) ExpireStale(ctx context.Context, now time.Time) []*types.RequestRecord {
	for _, requestID := range m.pool.Abandoned() {
		if _, err := m.Cancel(ctx, requestID); err != nil {
			log.WithError(err).WithField("request_id", requestID).Warn("Abandoned request still busy")
		}
	}

	removed, err := m.pool.SweepExpired(ctx, now, m.config.MatchTimeout)
	if err != nil {
		log.WithError(err).Warn("Sweep skipped busy partitions")
	}

	expired := make([]*types.RequestRecord, 0, len(removed))
	for _, record := range removed {
		if err := record.Transition(types.StateExpired, now); err != nil {
			log.WithError(err).WithField("request_id", record.ID).Error("Unexpected state while expiring")
			continue
		}
		m.appendLog(ctx, types.TransitionOf(record, ""))
		expired = append(expired, record)
	}

	if len(expired) > 0 {
		m.requestsExpired.Add(int64(len(expired)))
		log.WithField("count", len(expired)).Info("Expired waiting requests")
	}
	return expired
}

// Stats returns lifetime counters for the health endpoint
func (m *Matcher) Stats() map[string]int64 {
	return map[string]int64{
		"matches_formed":     m.matchesFormed.Load(),
		"requests_expired":   m.requestsExpired.Load(),
		"requests_cancelled": m.requestsCancelled.Load(),
		"requests_waiting":   int64(m.pool.Len()),
	}
}

// appendLog writes one transition; failures are logged, never returned,
// because the pool mutation it describes has already happened
func (m *Matcher) appendLog(ctx context.Context, transition *types.Transition) {
	if m.requestLog == nil {
		return
	}

	// TECHNICAL DISCOVERY: detach from the caller's cancellation so a client
	// disconnecting mid-request does not lose the audit row
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.LogWriteTimeout)
	defer cancel()

	if err := m.requestLog.Append(writeCtx, transition); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"request_id": transition.RequestID,
			"state":      transition.State,
		}).Error("Failed to append request log")
	}
}
