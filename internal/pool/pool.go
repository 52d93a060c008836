package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"peermatch/pkg/types"
)

// DefaultLockTimeout bounds how long a caller waits for a partition
const DefaultLockTimeout = 250 * time.Millisecond

// partition holds the waiting records of one (category, difficulty) key
// ARCHITECTURAL DISCOVERY: a 1-slot channel is the partition lock so that
// acquisition can be bounded by a timer or a context
type partition struct {
	key     types.PartitionKey
	sem     chan struct{}
	records []*types.RequestRecord // ordered by RequestedAt, oldest first
	dropped bool                   // guarded by Pool.mu; set once the partition left the map
}

// Pool is the concurrency-safe store of waiting requests
// Lock order: partition semaphore first, then mu. mu is never held while
// waiting for a partition. An empty partition is dropped from the map when its
// holder releases it.
type Pool struct {
	lockTimeout time.Duration

	mu         sync.Mutex
	partitions map[types.PartitionKey]*partition
	byUser     map[string]string               // userID -> requestID
	byRequest  map[string]*types.RequestRecord // requestID -> record
	abandoned  map[string]struct{}             // requestIDs no claim may hand out
}

// NewPool creates an empty pool; lockTimeout <= 0 uses DefaultLockTimeout
func NewPool(lockTimeout time.Duration) *Pool {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Pool{
		lockTimeout: lockTimeout,
		partitions:  make(map[types.PartitionKey]*partition),
		byUser:      make(map[string]string),
		byRequest:   make(map[string]*types.RequestRecord),
		abandoned:   make(map[string]struct{}),
	}
}

// Insert adds a waiting record to its partition
func (p *Pool) Insert(ctx context.Context, record *types.RequestRecord) error {
	if err := checkInsertable(record); err != nil {
		return err
	}

	part, err := p.lock(ctx, record.Key())
	if err != nil {
		return err
	}
	defer p.release(part)

	return p.insertLocked(part, record)
}

// ClaimCompatible removes and returns the oldest waiting record in record's
// partition that belongs to another user. It returns nil when there is none.
// record itself is not expected to be in the pool.
func (p *Pool) ClaimCompatible(ctx context.Context, record *types.RequestRecord) (*types.RequestRecord, error) {
	if record == nil {
		return nil, ErrNilRecord
	}

	part, err := p.lock(ctx, record.Key())
	if err != nil {
		return nil, err
	}
	defer p.release(part)

	return p.claimLocked(part, record.UserID), nil
}

// ClaimOrInsert claims a compatible peer for record or, when there is none,
// inserts record, all under one partition acquisition.
// FUNCTIONAL DISCOVERY: running claim and insert as two separate critical
// sections lets two simultaneous compatible arrivals both miss each other and
// both insert; one acquisition closes that window.
func (p *Pool) ClaimOrInsert(ctx context.Context, record *types.RequestRecord) (*types.RequestRecord, error) {
	if err := checkInsertable(record); err != nil {
		return nil, err
	}

	part, err := p.lock(ctx, record.Key())
	if err != nil {
		return nil, err
	}
	defer p.release(part)

	p.mu.Lock()
	_, waiting := p.byUser[record.UserID]
	p.mu.Unlock()
	if waiting {
		return nil, types.ErrDuplicateRequest
	}

	if peer := p.claimLocked(part, record.UserID); peer != nil {
		return peer, nil
	}
	return nil, p.insertLocked(part, record)
}

// Remove takes a record out of the pool. It returns nil, nil when the record
// is not (or no longer) waiting.
func (p *Pool) Remove(ctx context.Context, requestID string) (*types.RequestRecord, error) {
	p.mu.Lock()
	record, ok := p.byRequest[requestID]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}

	part, err := p.lock(ctx, record.Key())
	if err != nil {
		return nil, err
	}
	defer p.release(part)

	// Re-check under the partition lock: a claim or sweep may have won
	for i, r := range part.records {
		if r.ID == requestID {
			part.records = append(part.records[:i], part.records[i+1:]...)
			p.unindex(r)
			return r, nil
		}
	}
	return nil, nil
}

// SweepExpired removes and returns every record with RequestedAt+ttl <= now.
// A partition that cannot be locked in time is skipped; its records stay for
// the next sweep and the returned error reports the contention.
func (p *Pool) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]*types.RequestRecord, error) {
	p.mu.Lock()
	parts := make([]*partition, 0, len(p.partitions))
	for _, part := range p.partitions {
		parts = append(parts, part)
	}
	p.mu.Unlock()

	var expired []*types.RequestRecord
	var errs []error
	for _, part := range parts {
		if err := p.acquire(ctx, part); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", part.key, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if p.isDropped(part) {
			<-part.sem
			continue
		}

		// records are ordered oldest first so the expired ones are a prefix
		n := 0
		for n < len(part.records) && !part.records[n].RequestedAt.Add(ttl).After(now) {
			n++
		}
		if n > 0 {
			removed := make([]*types.RequestRecord, n)
			copy(removed, part.records[:n])
			part.records = append(part.records[:0], part.records[n:]...)
			for _, r := range removed {
				p.unindex(r)
			}
			expired = append(expired, removed...)
		}
		p.release(part)
	}

	return expired, errors.Join(errs...)
}

// Abandon marks a waiting request so that no claim hands it out, without
// waiting for its partition. The record stays indexed until Remove or a sweep
// takes it out. It returns false when the request is not waiting.
func (p *Pool) Abandon(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byRequest[requestID]; !ok {
		return false
	}
	p.abandoned[requestID] = struct{}{}
	return true
}

// Abandoned returns the IDs of abandoned requests still in the pool
func (p *Pool) Abandoned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.abandoned))
	for id := range p.abandoned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HoldPartition locks key's partition until release is called. Every pool
// operation on that key waits, and times out, meanwhile.
func (p *Pool) HoldPartition(ctx context.Context, key types.PartitionKey) (release func(), err error) {
	part, err := p.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { p.release(part) }) }, nil
}

// Partitions returns the number of partitions currently allocated
func (p *Pool) Partitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.partitions)
}

// Contains reports whether the request is currently waiting
func (p *Pool) Contains(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byRequest[requestID]
	return ok
}

// WaitingRequestOf returns the waiting request ID of a user, if any
func (p *Pool) WaitingRequestOf(userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byUser[userID]
	return id, ok
}

// Len returns the number of waiting records
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byRequest)
}

// PartitionSize returns the number of waiting records under key
func (p *Pool) PartitionSize(key types.PartitionKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.byRequest {
		if r.Key() == key {
			n++
		}
	}
	return n
}

// Stats returns waiting counts per non-empty partition
func (p *Pool) Stats() map[types.PartitionKey]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[types.PartitionKey]int)
	for _, r := range p.byRequest {
		stats[r.Key()]++
	}
	return stats
}

func checkInsertable(record *types.RequestRecord) error {
	if record == nil {
		return ErrNilRecord
	}
	if record.CurrentState() != types.StateWaiting {
		return ErrNotWaiting
	}
	return nil
}

// partitionFor returns the partition for key, creating it on first use
func (p *Pool) partitionFor(key types.PartitionKey) *partition {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.partitions[key]
	if !ok {
		part = &partition{key: key, sem: make(chan struct{}, 1)}
		p.partitions[key] = part
	}
	return part
}

// lock acquires the live partition for key. A partition dropped while the
// caller waited for it is never written to; the caller moves on to a fresh one.
func (p *Pool) lock(ctx context.Context, key types.PartitionKey) (*partition, error) {
	for {
		part := p.partitionFor(key)
		if err := p.acquire(ctx, part); err != nil {
			return nil, err
		}
		if !p.isDropped(part) {
			return part, nil
		}
		<-part.sem
	}
}

func (p *Pool) isDropped(part *partition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return part.dropped
}

func (p *Pool) acquire(ctx context.Context, part *partition) error {
	select {
	case part.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(p.lockTimeout)
	defer timer.Stop()

	select {
	case part.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return types.ErrPoolContentionTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrPoolContentionTimeout, ctx.Err())
	}
}

// release unlocks part, dropping it first when it holds no records
func (p *Pool) release(part *partition) {
	p.mu.Lock()
	if len(part.records) == 0 && !part.dropped {
		if p.partitions[part.key] == part {
			delete(p.partitions, part.key)
		}
		part.dropped = true
	}
	p.mu.Unlock()
	<-part.sem
}

// insertLocked requires the partition lock
func (p *Pool) insertLocked(part *partition, record *types.RequestRecord) error {
	p.mu.Lock()
	if _, dup := p.byUser[record.UserID]; dup {
		p.mu.Unlock()
		return types.ErrDuplicateRequest
	}
	p.byUser[record.UserID] = record.ID
	p.byRequest[record.ID] = record
	p.mu.Unlock()

	// Usually an append; sort.Search keeps order if clocks disagree
	i := sort.Search(len(part.records), func(i int) bool {
		return part.records[i].RequestedAt.After(record.RequestedAt)
	})
	part.records = append(part.records, nil)
	copy(part.records[i+1:], part.records[i:])
	part.records[i] = record
	return nil
}

// claimLocked requires the partition lock
func (p *Pool) claimLocked(part *partition, userID string) *types.RequestRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range part.records {
		if r.UserID == userID {
			continue
		}
		if _, gone := p.abandoned[r.ID]; gone {
			continue
		}
		part.records = append(part.records[:i], part.records[i+1:]...)
		p.unindexLocked(r)
		return r
	}
	return nil
}

func (p *Pool) unindex(r *types.RequestRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unindexLocked(r)
}

func (p *Pool) unindexLocked(r *types.RequestRecord) {
	delete(p.byRequest, r.ID)
	delete(p.abandoned, r.ID)
	if p.byUser[r.UserID] == r.ID {
		delete(p.byUser, r.UserID)
	}
}
