package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/channel"
	"github.com/stormpaths/simple-kanban-sub001/domain"
)

// ConnState tracks where a viewer connection is in its lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateSubscribed
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// AccessResolver reports the caller's effective role on a board.
type AccessResolver interface {
	Resolve(ctx context.Context, userID, boardID string) (domain.BoardRole, error)
}

// Authenticator extracts the verified user identifier from an
// Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// ConnConfig carries the per-connection timing knobs.
type ConnConfig struct {
	// HeartbeatInterval bounds how long a connection may go without any
	// pong from the client before it is presumed dead.
	HeartbeatInterval time.Duration
	// AuthTimeout bounds the authentication step.
	AuthTimeout time.Duration
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration
	// SubscriberBuffer is the outbound event buffer size per connection.
	SubscriberBuffer int
}

// Conn manages one viewer's websocket from handshake to teardown. It moves
// through connecting, authenticating, subscribed, closing and closed; close
// is safe to trigger from any state, from any goroutine, exactly once takes
// effect.
type Conn struct {
	ws     *websocket.Conn
	hub    *channel.Hub
	auth   Authenticator
	access AccessResolver
	cfg    ConnConfig
	logger *log.Logger

	boardID string
	state   atomic.Int32

	mu  sync.Mutex // serializes writes to ws
	sub *channel.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, hub *channel.Hub, auth Authenticator, access AccessResolver, cfg ConnConfig, logger *log.Logger, boardID string) *Conn {
	c := &Conn{
		ws:      ws,
		hub:     hub,
		auth:    auth,
		access:  access,
		cfg:     cfg,
		logger:  logger,
		boardID: boardID,
		closed:  make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// run drives the connection to completion: authenticate, subscribe, then
// pump events out and heartbeats both ways until something ends it.
func (c *Conn) run(ctx context.Context, authHeader string) {
	c.state.Store(int32(StateAuthenticating))

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()
	userID, err := c.auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		c.Close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	role, err := c.access.Resolve(authCtx, userID, c.boardID)
	if err != nil {
		c.logger.WithFields(log.Fields{"board": c.boardID, "user": userID}).Errorf("resolve access: %v", err)
		c.Close(websocket.CloseInternalServerErr, "access check failed")
		return
	}
	if !role.CanObserve() {
		c.Close(websocket.ClosePolicyViolation, "access denied")
		return
	}

	sub := channel.NewSubscription(c.boardID, userID, role, c.cfg.SubscriberBuffer)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.hub.Subscribe(sub)
	c.state.Store(int32(StateSubscribed))
	c.logger.WithFields(log.Fields{"board": c.boardID, "user": userID, "role": role}).Info("viewer subscribed")

	go c.readLoop()
	c.writeLoop(ctx, sub)
}

// readLoop consumes inbound frames. Clients send nothing but heartbeat
// pings and a clean close; data frames are read and discarded. Pongs and
// pings both refresh the liveness deadline.
func (c *Conn) readLoop() {
	c.ws.SetReadLimit(1024)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatInterval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatInterval))
	})
	c.ws.SetPingHandler(func(appData string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatInterval)); err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithField("board", c.boardID).Debugf("read loop ended: %v", err)
			}
			c.Close(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// writeLoop delivers board events to the transport in publish order and
// pings the client at half the heartbeat interval.
func (c *Conn) writeLoop(ctx context.Context, sub *channel.Subscription) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case ev := <-sub.Events():
			if err := c.writeEvent(ev); err != nil {
				c.logger.WithField("board", c.boardID).Debugf("write event: %v", err)
				c.Close(websocket.CloseNormalClosure, "")
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.mu.Unlock()
			if err != nil {
				c.Close(websocket.CloseNormalClosure, "")
				return
			}
		case <-sub.Done():
			// Dropped by the channel: backpressure or access revocation.
			c.Close(websocket.ClosePolicyViolation, "subscription dropped")
			return
		case <-ctx.Done():
			c.Close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeEvent(ev domain.MutationEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down: unsubscribes from the board channel,
// sends the close frame and closes the socket. Safe from any state and any
// goroutine; repeat calls are no-ops.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.closed)

		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
		c.mu.Unlock()

		if sub != nil {
			c.hub.Unsubscribe(sub)
		}
		c.state.Store(int32(StateClosed))
	})
}
