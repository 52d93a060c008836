package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	dbconfig "peermatch/pkg/database"
	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// Manager is the SQLite request log
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// History page sizes
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." && !strings.HasPrefix(config.DatabasePath, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, config.MigrationsPath).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	log.WithField("path", config.DatabasePath).Info("Request log database ready")
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: one retry after a pause rides out a busy database
			err := op.operation(m.db)
			if err != nil {
				log.WithError(err).WithField("retry_in", m.config.WriteRetryDelay.String()).Warn("Database write failed, retrying")
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					log.WithError(err).Error("Database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Append records one transition. A repeated (request, state) pair is ignored
// so a retried write never duplicates history.
func (m *Manager) Append(ctx context.Context, t *types.Transition) error {
	if t == nil {
		return ErrNilTransition
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var matchID sql.NullString
		if t.MatchID != "" {
			matchID = sql.NullString{String: t.MatchID, Valid: true}
		}

		_, err := db.ExecContext(ctx, `
			INSERT INTO request_transitions
				(request_id, user_id, category, difficulty, requested_at, state, transitioned_at, match_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id, state) DO NOTHING
		`,
			t.RequestID,
			t.UserID,
			t.Category,
			t.Difficulty,
			t.RequestedAt.UTC(),
			string(t.State),
			t.TransitionedAt.UTC(),
			matchID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
		return nil
	})
}

// History returns every transition of a request in the order written
func (m *Manager) History(ctx context.Context, requestID string) ([]*types.Transition, error) {
	transitions, err := m.query(ctx, `
		SELECT request_id, user_id, category, difficulty, requested_at, state, transitioned_at, match_id
		FROM request_transitions
		WHERE request_id = ?
		ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	if len(transitions) == 0 {
		return nil, interfaces.ErrRequestNotFound
	}
	return transitions, nil
}

// UserHistory returns the newest transitions of a user, newest first
func (m *Manager) UserHistory(ctx context.Context, userID string, limit int) ([]*types.Transition, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return m.query(ctx, `
		SELECT request_id, user_id, category, difficulty, requested_at, state, transitioned_at, match_id
		FROM request_transitions
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
}

// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) query(ctx context.Context, query string, args ...interface{}) ([]*types.Transition, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []*types.Transition
	for rows.Next() {
		var t types.Transition
		var state string
		var matchID sql.NullString
		if err := rows.Scan(
			&t.RequestID,
			&t.UserID,
			&t.Category,
			&t.Difficulty,
			&t.RequestedAt,
			&state,
			&t.TransitionedAt,
			&matchID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.State = types.RequestState(state)
		t.MatchID = matchID.String
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transition rows: %w", err)
	}
	return transitions, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains the writer and closes the database; safe to call twice
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// IsClosedError reports whether err came from a closed manager
func IsClosedError(err error) bool {
	return errors.Is(err, ErrManagerClosed)
}
