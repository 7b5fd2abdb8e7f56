// Package sync is the authenticated WebSocket entry into a room's replicated
// document. A connection presents its session credential in the token query
// parameter, receives the full document state, and from then on exchanges
// update frames with the other peers of the room.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"hearth/internal/room"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/requestcontext"
)

// Close codes in the private range tell the client why it was refused
// without being mistaken for a normal closure.
const (
	StatusUnauthorized websocket.StatusCode = 4401
	StatusForbidden    websocket.StatusCode = 4403

	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
)

type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Principal, error)
}

type RoomOpener interface {
	Open(ctx context.Context, name string) (*room.Room, error)
}

type OriginChecker interface {
	Allowed(origin string) bool
}

type Gateway struct {
	rooms        RoomOpener
	verifier     Verifier
	origins      OriginChecker
	defaultRoom  string
	readLimit    int64
	writeTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithDefaultRoom(name string) Option {
	return func(g *Gateway) {
		g.defaultRoom = name
	}
}

func WithReadLimit(n int64) Option {
	return func(g *Gateway) {
		g.readLimit = n
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.writeTimeout = d
	}
}

func New(rooms RoomOpener, verifier Verifier, origins OriginChecker, opts ...Option) *Gateway {
	g := &Gateway{
		rooms:        rooms,
		verifier:     verifier,
		origins:      origins,
		defaultRoom:  "household",
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// Browsers always send Origin on upgrade; clients without one are not
	// browsers and are only gated by the token.
	if o := r.Header.Get("Origin"); o != "" && !g.origins.Allowed(o) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.DebugContext(ctx, "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	principal, err := g.verifier.Verify(ctx, r.URL.Query().Get("token"))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUpstream) {
			g.logger.ErrorContext(ctx, "sync credential verification unavailable", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "verification unavailable")
			return
		}
		_ = conn.Close(StatusUnauthorized, "unauthorized")
		return
	}
	if principal.IsProvisional() {
		_ = conn.Close(StatusForbidden, "profile required")
		return
	}

	name := requestcontext.Room(ctx)
	if name == "" {
		name = g.defaultRoom
	}
	rm, err := g.rooms.Open(ctx, name)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to open room", "room", name, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "room unavailable")
		return
	}

	g.serve(ctx, conn, rm, principal)
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, rm *room.Room, principal domain.Principal) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn.SetReadLimit(g.readLimit)

	peer := rm.Hub.Join(principal)
	defer rm.Hub.Leave(peer)
	logger := g.logger.With("room", rm.Name, "peer_id", peer.ID, "profile_id", principal.SubjectID)
	logger.InfoContext(ctx, "sync peer connected")

	// Join before the snapshot so nothing applied in between is missed;
	// a delta already in the snapshot is harmless to resend.
	if err := g.write(ctx, conn, rm.Document.EncodeState()); err != nil {
		logger.DebugContext(ctx, "initial state write failed", "error", err)
		return
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- g.readLoop(ctx, conn, rm, peer)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case err := <-readErr:
			g.closeForReadError(ctx, logger, conn, err)
			return
		case <-peer.Evicted():
			logger.WarnContext(ctx, "evicting slow sync peer")
			_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case frame := <-peer.Send():
			if err := g.write(ctx, conn, frame); err != nil {
				logger.DebugContext(ctx, "sync write failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, rm *room.Room, peer *room.Peer) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := rm.Apply(ctx, data, peer); err != nil {
			return err
		}
	}
}

func (g *Gateway) closeForReadError(ctx context.Context, logger *slog.Logger, conn *websocket.Conn, err error) {
	switch {
	case websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
		logger.InfoContext(ctx, "sync peer disconnected", "status", websocket.CloseStatus(err))
	case dErrors.HasCode(err, dErrors.CodeBadRequest):
		logger.InfoContext(ctx, "rejected malformed update", "error", err)
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "malformed update")
	case dErrors.HasCode(err, dErrors.CodeInternal):
		logger.ErrorContext(ctx, "failed to apply update", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "update failed")
	default:
		logger.DebugContext(ctx, "sync read failed", "error", err)
	}
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, frame)
}
