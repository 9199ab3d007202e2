package eventsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crowsnest/internal/logging"
)

// SessionState tracks where a push session is in its lifecycle.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultSocketURL = "wss://eventsub.wss.twitch.tv/ws"

	maxRetries        = 15
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 300 * time.Second
	retryMultiplier   = 1.5

	// readIdleTimeout is the longest silence tolerated before the
	// connection counts as dead; keepalives arrive well inside it.
	readIdleTimeout = 60 * time.Second
	pongTimeout     = 10 * time.Second
	pingInterval    = 54 * time.Second
	welcomeTimeout  = 15 * time.Second

	handshakeTimeout = 30 * time.Second
	maxFrameSize     = 512 * 1024
)

// errReconnectRequested signals that the server asked us to move to a new
// URL; it does not count against the retry budget.
var errReconnectRequested = errors.New("eventsub: server requested reconnect")

// sessionEvents is how a session reports back to the manager.
type sessionEvents interface {
	sessionReady(ctx context.Context, s *Session)
	sessionNotification(ctx context.Context, f *frame)
	sessionRevoked(ctx context.Context, channelID string)
	sessionGone(s *Session, sessionID string)
	sessionFailed(s *Session)
}

// batchEntry is one channel assigned to a session.
type batchEntry struct {
	ChannelID string
	Login     string
	IsLive    bool
}

// Session is one websocket connection to the push multiplexer. It owns
// its reconnect loop; subscription bookkeeping lives in the Manager.
type Session struct {
	id        int
	socketURL string
	logger    logging.Logger
	events    sessionEvents

	mu           sync.Mutex
	state        SessionState
	sessionID    string
	reconnectURL string
	roster       []batchEntry
}

func newSession(id int, socketURL string, roster []batchEntry, events sessionEvents, logger logging.Logger) *Session {
	if socketURL == "" {
		socketURL = defaultSocketURL
	}
	return &Session{
		id:        id,
		socketURL: socketURL,
		roster:    roster,
		events:    events,
		logger:    logger,
		state:     StateConnecting,
	}
}

// ID is the local connection index, not the server-assigned session ID.
func (s *Session) ID() int { return s.id }

// SessionID returns the server-assigned session identifier, empty while
// not connected.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Roster returns the channels assigned to this session.
func (s *Session) Roster() []batchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]batchEntry(nil), s.roster...)
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// takeSessionID clears and returns the session ID so teardown reports it
// exactly once.
func (s *Session) takeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.sessionID
	s.sessionID = ""
	return id
}

func (s *Session) setReconnectURL(u string) {
	s.mu.Lock()
	s.reconnectURL = u
	s.mu.Unlock()
}

// takeReconnectURL consumes the stored reconnect URL; they are one-time
// use.
func (s *Session) takeReconnectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.reconnectURL
	s.reconnectURL = ""
	return u
}

// run drives the connect/serve/backoff loop until the context is
// cancelled or the retry budget is exhausted.
func (s *Session) run(ctx context.Context) {
	retries := 0
	delay := initialRetryDelay

	for ctx.Err() == nil {
		err := s.serve(ctx)

		if sid := s.takeSessionID(); sid != "" {
			s.events.sessionGone(s, sid)
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if errors.Is(err, errReconnectRequested) {
			// Server-directed move; reconnect immediately at the new URL.
			retries = 0
			delay = initialRetryDelay
			continue
		}

		retries++
		if retries >= maxRetries {
			s.setState(StateFailed)
			s.logger.WithFields(logging.Fields{
				"connection": s.id,
				"retries":    retries,
			}).Error("Push session exhausted retry budget")
			s.events.sessionFailed(s)
			return
		}

		s.setState(StateDisconnected)
		s.logger.WithFields(logging.Fields{
			"connection": s.id,
			"attempt":    retries,
			"retry_in":   delay.String(),
			"error":      fmt.Sprint(err),
		}).Warn("Push session disconnected, retrying")

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * retryMultiplier)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// serve dials, completes the welcome handshake, and reads frames until
// the connection drops.
func (s *Session) serve(ctx context.Context) error {
	s.setState(StateConnecting)

	target := s.takeReconnectURL()
	if target == "" {
		target = s.socketURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	headers := http.Header{}
	headers.Set("User-Agent", "crowsnest/1.0")
	headers.Set("Origin", "https://twitch.tv")

	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the context is cancelled.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-dialCtx.Done()
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout + pongTimeout))
	})

	conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	var welcome frame
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Metadata.MessageType != msgWelcome || welcome.Payload.Session == nil {
		return fmt.Errorf("unexpected first frame type %q", welcome.Metadata.MessageType)
	}

	s.setSessionID(welcome.Payload.Session.ID)
	s.setState(StateConnected)
	s.logger.WithFields(logging.Fields{
		"connection": s.id,
		"session_id": welcome.Payload.Session.ID,
	}).Info("Push session established")

	go s.pingLoop(dialCtx, conn)

	s.events.sessionReady(ctx, s)

	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout + pongTimeout))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch f.Metadata.MessageType {
		case msgKeepalive:
		case msgNotification:
			s.events.sessionNotification(ctx, &f)
		case msgReconnect:
			if f.Payload.Session == nil || f.Payload.Session.ReconnectURL == "" {
				s.logger.WithFields(logging.Fields{"connection": s.id}).Warn("Reconnect frame without URL, treating as disconnect")
				return errors.New("reconnect frame without URL")
			}
			s.setReconnectURL(f.Payload.Session.ReconnectURL)
			s.setState(StateReconnecting)
			s.logger.WithFields(logging.Fields{"connection": s.id}).Info("Server requested session migration")
			return errReconnectRequested
		case msgRevocation:
			if f.Payload.Subscription != nil {
				s.events.sessionRevoked(ctx, f.Payload.Subscription.Condition.BroadcasterUserID)
			}
		default:
			s.logger.WithFields(logging.Fields{
				"connection": s.id,
				"type":       f.Metadata.MessageType,
			}).Debug("Ignoring unknown frame type")
		}
	}
}

// pingLoop keeps the connection alive during quiet periods. The pong
// handler extends the read deadline.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(pongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
