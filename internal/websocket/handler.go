package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"peermatch/internal/gateway"
	"peermatch/pkg/interfaces"
	"peermatch/pkg/types"
)

// Handler authenticates websocket upgrades and pumps frames into the gateway
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from matching
// logic; the handler only knows how to read frames and whom to hand them to
type Handler struct {
	verifier interfaces.IdentityVerifier
	gateway  *gateway.Gateway
	config   Config
	upgrader websocket.Upgrader
	active   sync.WaitGroup
}

// NewHandler creates a websocket handler
func NewHandler(verifier interfaces.IdentityVerifier, gw *gateway.Gateway, cfg Config) (*Handler, error) {
	if verifier == nil {
		return nil, ErrNilVerifier
	}
	if gw == nil {
		return nil, ErrNilGateway
	}
	return &Handler{
		verifier: verifier,
		gateway:  gw,
		config:   cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			// Origins are enforced by the CORS layer in front of the API
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// HandleWebSocket verifies the bearer token and upgrades the connection
// FUNCTIONAL DISCOVERY: Verification before upgrade means an unauthenticated
// client gets a plain 401 and never holds a socket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := ExtractToken(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		log.WithError(err).WithField("remote_addr", r.RemoteAddr).Info("Rejected websocket upgrade")
		http.Error(w, types.ErrAuth.Error(), http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(wsConn, h.config)
	sess, err := h.gateway.Connect(conn, identity)
	if err != nil {
		log.WithError(err).Error("Failed to register session")
		_ = conn.Close()
		return
	}

	h.active.Add(1)
	go func() {
		defer h.active.Done()
		h.handleConnection(conn, sess)
	}()
}

// Wait blocks until every read pump has exited or ctx ends
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtractToken reads the token from the Authorization header or the token
// query parameter; browsers cannot set headers on websocket requests
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// handleConnection runs the read pump and heartbeat for one connection
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles reading so
// events from one client reach the gateway strictly in order
func (h *Handler) handleConnection(conn *Connection, sess *gateway.Session) {
	ctx, cancel := context.WithCancel(conn.ctx)
	defer func() {
		cancel()
		h.gateway.Disconnect(context.Background(), sess)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		log.WithError(err).Warn("Failed to set read deadline")
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.heartbeat(ctx, conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("session_id", sess.ID).Debug("WebSocket closed unexpectedly")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.gateway.HandleEvent(ctx, sess, data)
	}
}

// heartbeat pings the client until the connection ends
// TECHNICAL DISCOVERY: WriteControl is safe to call alongside the writer goroutine
func (h *Handler) heartbeat(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
