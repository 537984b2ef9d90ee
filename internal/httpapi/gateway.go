package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"showsync/broker/internal/auth"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/room"
	"showsync/broker/internal/router"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
	"showsync/broker/internal/transport"
)

// Close codes sent when a socket is refused after the upgrade or its session
// is gone.
const (
	CloseRoomFull     = 4409
	CloseSessionEnded = 4410
	CloseUnavailable  = 4503
)

// Lifecycle is the connection lifecycle the gateway drives.
type Lifecycle interface {
	OnConnect(ctx context.Context, connectionID, token, roomID string) (session.Session, error)
	OnDisconnect(ctx context.Context, connectionID string) error
	Touch(ctx context.Context, connectionID string) error
}

// Authenticator checks the token before the upgrade so bad credentials get a
// plain HTTP 401.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// MessageRouter handles inbound frames for a session.
type MessageRouter interface {
	Route(ctx context.Context, from session.Session, raw []byte) router.Result
}

// GatewayOptions wires the WebSocket endpoint.
type GatewayOptions struct {
	Logger          *logging.Logger
	Hub             *transport.Hub
	Lifecycle       Lifecycle
	Auth            Authenticator
	Router          MessageRouter
	Throttle        *router.Throttle
	AllowedOrigins  []string
	MaxPayloadBytes int64
	MaxClients      int
	NewConnectionID func() string
}

// Gateway upgrades /ws requests and runs each connection until it closes.
type Gateway struct {
	opts     GatewayOptions
	logger   *logging.Logger
	upgrader websocket.Upgrader
	newID    func() string
}

// NewGateway constructs the WebSocket handler.
func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	newID := opts.NewConnectionID
	if newID == nil {
		newID = uuid.NewString
	}
	g := &Gateway{opts: opts, logger: logger, newID: newID}
	g.upgrader = websocket.Upgrader{CheckOrigin: g.checkOrigin}
	return g
}

// ServeHTTP accepts /ws?room=<id>&token=<jwt>. The token may also arrive as
// an Authorization bearer header.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.URL.Query().Get("room"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = BearerToken(r)
	}
	connectionID := g.newID()
	logger := g.logger.With(
		logging.String("connection_id", connectionID),
		logging.String("room_id", roomID),
		logging.String("remote_addr", r.RemoteAddr),
	)
	ctx := logging.ContextWithLogger(r.Context(), logger)

	//1.- Refuse cheaply before the upgrade whenever plain HTTP can say why.
	if roomID == "" {
		http.Error(w, room.ErrInvalidRoomID.Error(), http.StatusBadRequest)
		return
	}
	if g.opts.MaxClients > 0 && g.opts.Hub.Count() >= g.opts.MaxClients {
		logger.Warn("connection refused: client limit reached")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if g.opts.Auth != nil {
		if _, err := g.opts.Auth.Authenticate(ctx, token); err != nil {
			logger.Info("connection refused: unauthorized", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	//2.- Register before connecting so the snapshot pushed on connect has a socket to land on.
	conn := g.opts.Hub.Register(ctx, connectionID, ws)
	s, err := g.opts.Lifecycle.OnConnect(ctx, connectionID, token, roomID)
	if err != nil {
		code, reason := closeReason(err)
		logger.Info("connection refused after upgrade", logging.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	logger = logger.With(logging.String("session_id", s.ID))
	ctx = logging.ContextWithLogger(ctx, logger)

	//3.- Handle one frame at a time so per-connection order is preserved.
	readErr := conn.ReadLoop(ctx, g.opts.MaxPayloadBytes, func(ctx context.Context, data []byte) {
		err := g.opts.Lifecycle.Touch(ctx, connectionID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			//1.- The session was evicted; make the client reconnect and resync.
			logger.Info("session no longer exists, closing connection")
			conn.CloseWith(CloseSessionEnded, "session ended")
			return
		case err != nil:
			logger.Debug("lease renewal failed", logging.Error(err))
		}
		g.opts.Router.Route(ctx, s, data)
	})
	if readErr != nil {
		logger.Debug("connection read ended", logging.Error(readErr))
	}

	//4.- Disconnects are processed on a fresh context since the request one is done.
	cleanup := logging.ContextWithLogger(context.Background(), logger)
	if err := g.opts.Lifecycle.OnDisconnect(cleanup, connectionID); err != nil {
		logger.Warn("disconnect cleanup failed", logging.Error(err))
	}
	g.opts.Throttle.Forget(connectionID)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

func closeReason(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return websocket.ClosePolicyViolation, "unauthorized"
	case errors.Is(err, room.ErrRoomFull):
		return CloseRoomFull, "room full"
	case errors.Is(err, room.ErrInvalidRoomID), errors.Is(err, session.ErrDuplicateConnection):
		return websocket.ClosePolicyViolation, err.Error()
	case errors.Is(err, storage.ErrUnavailable):
		return CloseUnavailable, "store unavailable"
	default:
		return websocket.CloseInternalServerErr, "connect failed"
	}
}
