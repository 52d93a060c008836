package supervisor

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"peermatch/internal/matcher"
	"peermatch/pkg/interfaces"
)

// DefaultSweepInterval is how often waiting requests are checked for expiry
const DefaultSweepInterval = time.Second

// Supervisor periodically expires waiting requests and notifies their owners
// ARCHITECTURAL DISCOVERY: a single ticker goroutine; all expiry decisions go
// through the matcher so a sweep and a claim can never both win a record
type Supervisor struct {
	matcher  *matcher.Matcher
	notifier interfaces.TimeoutNotifier
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSupervisor creates a supervisor; notifier may be nil
func NewSupervisor(m *matcher.Matcher, notifier interfaces.TimeoutNotifier, interval time.Duration) (*Supervisor, error) {
	if m == nil {
		return nil, ErrNilMatcher
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Supervisor{
		matcher:  m,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Start begins the sweep loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSupervisorAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	log.WithField("interval", s.interval.String()).Info("Starting timeout supervisor")
	go s.run(loopCtx, s.done)
	return nil
}

// Stop ends the sweep loop and waits for it to exit
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSupervisorNotRunning
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	log.Info("Stopping timeout supervisor")
	cancel()
	<-done
	return nil
}

// IsRunning reports whether the loop is active
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SweepOnce expires every request past its TTL at now and notifies owners.
// It returns how many requests expired.
func (s *Supervisor) SweepOnce(ctx context.Context, now time.Time) int {
	expired := s.matcher.ExpireStale(ctx, now)
	if s.notifier != nil {
		for _, record := range expired {
			s.notifier.NotifyTimeout(record)
		}
	}
	return len(expired)
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs one tick; a panic in a notifier must not kill the loop
func (s *Supervisor) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Timeout sweep panicked")
		}
	}()
	s.SweepOnce(ctx, s.now())
}
