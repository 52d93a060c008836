package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"peermatch/internal/websocket"
	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// History page sizes
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ConnectionStats reports live connection counts
type ConnectionStats interface {
	Stats() map[string]int
}

// PoolStats reports waiting requests per partition
type PoolStats interface {
	Len() int
	Stats() map[types.PartitionKey]int
}

// MatchStats reports matcher counters
type MatchStats interface {
	Stats() map[string]int64
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	requestLog  interfaces.RequestLog
	verifier    interfaces.IdentityVerifier
	connections ConnectionStats
	pool        PoolStats
	matches     MatchStats
	router      *mux.Router
	handler     http.Handler
	startedAt   time.Time
}

// NewServer wires the read-only API. allowedOrigins feeds the CORS policy.
func NewServer(
	requestLog interfaces.RequestLog,
	verifier interfaces.IdentityVerifier,
	connections ConnectionStats,
	pool PoolStats,
	matches MatchStats,
	allowedOrigins []string,
) *Server {
	s := &Server{
		requestLog:  requestLog,
		verifier:    verifier,
		connections: connections,
		pool:        pool,
		matches:     matches,
		router:      mux.NewRouter().StrictSlash(true),
		startedAt:   time.Now(),
	}
	s.setupRoutes()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}).Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(jsonMiddleware)
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pool", s.poolStats).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/history", s.requestHistory).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/history", s.userHistory).Methods(http.MethodGet)
}

// MountWebSocket serves the websocket upgrade endpoint on the same router
func (s *Server) MountWebSocket(path string, h http.Handler) {
	s.router.Handle(path, h).Methods(http.MethodGet)
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	RequestLog  string                 `json:"requestLog"`
	Connections map[string]int         `json:"connections"`
	Matching    map[string]int64       `json:"matching"`
	System      map[string]interface{} `json:"system"`
}

type PartitionCount struct {
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
	Waiting    int    `json:"waiting"`
}

type PoolResponse struct {
	Waiting    int              `json:"waiting"`
	Partitions []PartitionCount `json:"partitions"`
}

type HistoryResponse struct {
	RequestID   string              `json:"requestId,omitempty"`
	UserID      string              `json:"userId,omitempty"`
	Transitions []*types.Transition `json:"transitions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - request log reachability plus live counters
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	logStatus := "healthy"
	if err := s.requestLog.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		logStatus = "error: " + err.Error()
		log.WithError(err).Warn("Request log health check failed")
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		RequestLog:  logStatus,
		Connections: s.connections.Stats(),
		Matching:    s.matches.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// GET /api/pool
func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	partitions := make([]PartitionCount, 0, len(stats))
	for key, n := range stats {
		partitions = append(partitions, PartitionCount{Category: key.Category, Difficulty: key.Difficulty, Waiting: n})
	}
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Category != partitions[j].Category {
			return partitions[i].Category < partitions[j].Category
		}
		return partitions[i].Difficulty < partitions[j].Difficulty
	})

	_ = json.NewEncoder(w).Encode(PoolResponse{Waiting: s.pool.Len(), Partitions: partitions})
}

// GET /api/requests/{id}/history - owner or admin
func (s *Server) requestHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	requestID := mux.Vars(r)["id"]

	transitions, err := s.requestLog.History(r.Context(), requestID)
	if errors.Is(err, interfaces.ErrRequestNotFound) {
		s.sendError(w, "Request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("request_id", requestID).Error("Failed to read request history")
		s.sendError(w, "Failed to read request history", http.StatusInternalServerError)
		return
	}
	if !identity.IsAdmin && transitions[0].UserID != identity.UserID {
		s.sendError(w, "Not your request", http.StatusForbidden)
		return
	}

	_ = json.NewEncoder(w).Encode(HistoryResponse{RequestID: requestID, Transitions: transitions})
}

// GET /api/users/{id}/history?limit=N - self or admin
func (s *Server) userHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["id"]
	if !identity.IsAdmin && userID != identity.UserID {
		s.sendError(w, "Not your history", http.StatusForbidden)
		return
	}

	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	transitions, err := s.requestLog.UserHistory(r.Context(), userID, limit)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Failed to read user history")
		s.sendError(w, "Failed to read user history", http.StatusInternalServerError)
		return
	}
	if transitions == nil {
		transitions = []*types.Transition{}
	}

	_ = json.NewEncoder(w).Encode(HistoryResponse{UserID: userID, Transitions: transitions})
}

// authenticate writes 401 and returns false when the bearer token is absent or invalid
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*types.Identity, bool) {
	token := websocket.ExtractToken(r)
	if token == "" {
		s.sendError(w, "Missing token", http.StatusUnauthorized)
		return nil, false
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.sendError(w, "Invalid token", http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// jsonMiddleware skips the websocket upgrade so the handshake headers stay untouched
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}
