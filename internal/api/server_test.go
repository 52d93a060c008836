package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

type fakeLog struct {
	unhealthy bool
	requests  map[string][]*types.Transition
	users     map[string][]*types.Transition
	lastLimit int
}

func (f *fakeLog) Append(ctx context.Context, t *types.Transition) error { return nil }

func (f *fakeLog) History(ctx context.Context, requestID string) ([]*types.Transition, error) {
	if rows, ok := f.requests[requestID]; ok {
		return rows, nil
	}
	return nil, interfaces.ErrRequestNotFound
}

func (f *fakeLog) UserHistory(ctx context.Context, userID string, limit int) ([]*types.Transition, error) {
	f.lastLimit = limit
	return f.users[userID], nil
}

func (f *fakeLog) HealthCheck(ctx context.Context) error {
	if f.unhealthy {
		return errors.New("disk gone")
	}
	return nil
}

func (f *fakeLog) Close() error { return nil }

// fakeVerifier accepts "user:<id>" and "admin:<id>"
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (*types.Identity, error) {
	if id, ok := strings.CutPrefix(token, "user:"); ok {
		return &types.Identity{UserID: id, Username: id}, nil
	}
	if id, ok := strings.CutPrefix(token, "admin:"); ok {
		return &types.Identity{UserID: id, Username: id, IsAdmin: true}, nil
	}
	return nil, types.ErrAuth
}

type fakeStats struct{}

func (fakeStats) Stats() map[string]int { return map[string]int{"total_connections": 2} }

type fakeMatchStats struct{}

func (fakeMatchStats) Stats() map[string]int64 { return map[string]int64{"matches_formed": 1} }

type fakePool struct{}

func (fakePool) Len() int { return 3 }

func (fakePool) Stats() map[types.PartitionKey]int {
	return map[types.PartitionKey]int{
		{Category: "trees", Difficulty: "hard"}:  1,
		{Category: "arrays", Difficulty: "easy"}: 2,
		{Category: "arrays", Difficulty: "hard"}: 0,
	}
}

func newTestServer(rl *fakeLog) *Server {
	return NewServer(rl, fakeVerifier{}, fakeStats{}, fakePool{}, fakeMatchStats{}, nil)
}

func do(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func sampleLog() *fakeLog {
	now := time.Now()
	rows := []*types.Transition{
		{RequestID: "r-1", UserID: "alice", State: types.StateWaiting, TransitionedAt: now},
		{RequestID: "r-1", UserID: "alice", State: types.StateMatched, TransitionedAt: now, MatchID: "m-1"},
	}
	return &fakeLog{
		requests: map[string][]*types.Transition{"r-1": rows},
		users:    map[string][]*types.Transition{"alice": {rows[1], rows[0]}},
	}
}

func TestHealthCheck(t *testing.T) {
	rec := do(t, newTestServer(sampleLog()), "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 2, body.Connections["total_connections"])
	assert.Equal(t, int64(1), body.Matching["matches_formed"])
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	rl := sampleLog()
	rl.unhealthy = true
	rec := do(t, newTestServer(rl), "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPoolStats_Sorted(t *testing.T) {
	rec := do(t, newTestServer(sampleLog()), "/api/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body PoolResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 3, body.Waiting)
	require.Len(t, body.Partitions, 3)
	assert.Equal(t, PartitionCount{Category: "arrays", Difficulty: "easy", Waiting: 2}, body.Partitions[0])
	assert.Equal(t, "trees", body.Partitions[2].Category)
}

func TestRequestHistory(t *testing.T) {
	s := newTestServer(sampleLog())

	tests := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{"owner", "/api/requests/r-1/history", "user:alice", http.StatusOK},
		{"admin", "/api/requests/r-1/history", "admin:root", http.StatusOK},
		{"other user", "/api/requests/r-1/history", "user:bob", http.StatusForbidden},
		{"no token", "/api/requests/r-1/history", "", http.StatusUnauthorized},
		{"bad token", "/api/requests/r-1/history", "forged", http.StatusUnauthorized},
		{"unknown request", "/api/requests/r-9/history", "admin:root", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.path, tt.token)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	rec := do(t, s, "/api/requests/r-1/history", "user:alice")
	var body HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Transitions, 2)
	assert.Equal(t, types.StateMatched, body.Transitions[1].State)
}

func TestUserHistory(t *testing.T) {
	rl := sampleLog()
	s := newTestServer(rl)

	rec := do(t, s, "/api/users/alice/history", "user:alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultHistoryLimit, rl.lastLimit)

	var body HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alice", body.UserID)
	assert.Len(t, body.Transitions, 2)

	rec = do(t, s, "/api/users/alice/history?limit=100000", "admin:root")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MaxHistoryLimit, rl.lastLimit)

	rec = do(t, s, "/api/users/bob/history", "admin:root")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transitions":[]`)

	assert.Equal(t, http.StatusForbidden, do(t, s, "/api/users/alice/history", "user:bob").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "/api/users/alice/history?limit=-1", "user:alice").Code)
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(sampleLog(), fakeVerifier{}, fakeStats{}, fakePool{}, fakeMatchStats{}, []string{"https://app.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/pool", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMountWebSocket(t *testing.T) {
	s := newTestServer(sampleLog())
	s.MountWebSocket("/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	assert.Equal(t, http.StatusTeapot, do(t, s, "/ws", "").Code)
}
