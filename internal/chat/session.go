package chat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go-messenger/internal/broker"
	"go-messenger/internal/metrics"

	"go.uber.org/zap"
)

// State is the lifecycle position of a stream session.
type State int32

const (
	StateConnecting State = iota
	StateReplayingBacklog
	StateLive
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplayingBacklog:
		return "replaying_backlog"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close codes sent to the client. The 4xxx range is application-defined in
// RFC 6455.
const (
	CloseNormal        = 1000
	CloseInternal      = 1011
	CloseTryAgainLater = 1013
	CloseForbidden     = 4403
	CloseNotFound      = 4404
)

// Conn is the client side of a session. Send is called from a single
// goroutine; each call is exactly one frame.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close(code int, reason string)
}

// errConnLost marks a failed write: the client is gone, not the server.
var errConnLost = errors.New("client connection lost")

// Streamer builds sessions sharing one store and one broker.
type Streamer struct {
	store   Store
	sub     broker.Subscriber
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewStreamer(store Store, sub broker.Subscriber, log *zap.Logger, m *metrics.Metrics) *Streamer {
	return &Streamer{store: store, sub: sub, log: log, metrics: m}
}

type sessionKind int

const (
	chatStream sessionKind = iota
	userStream
)

// Session pushes one topic to one client. A chat session replays the chat
// backlog before going live; a user session is live only.
//
// Messages published between the backlog snapshot and the subscription are
// not seen by this session. The broker has no offsets to close that window.
type Session struct {
	kind   sessionKind
	chatID int
	userID int
	topic  string

	store   Store
	sub     broker.Subscriber
	conn    Conn
	log     *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32
	live  chan struct{}
}

// ChatSession streams chat chatID to userID over conn.
func (st *Streamer) ChatSession(conn Conn, chatID, userID int) *Session {
	return st.newSession(chatStream, conn, chatID, userID, broker.ChatTopic(chatID))
}

// UserSession streams userID's notification topic over conn.
func (st *Streamer) UserSession(conn Conn, userID int) *Session {
	return st.newSession(userStream, conn, 0, userID, broker.UserTopic(userID))
}

func (st *Streamer) newSession(kind sessionKind, conn Conn, chatID, userID int, topic string) *Session {
	return &Session{
		kind:    kind,
		chatID:  chatID,
		userID:  userID,
		topic:   topic,
		store:   st.store,
		sub:     st.sub,
		conn:    conn,
		log:     st.log.With(zap.String("topic", topic), zap.Int("user_id", userID)),
		metrics: st.metrics,
		live:    make(chan struct{}),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

// Live is closed once the session holds its subscription.
func (s *Session) Live() <-chan struct{} { return s.live }

// Run drives the session until ctx is cancelled, the client goes away or
// something fails. It returns nil when the session ends CLOSED and the cause
// when it ends in ERROR. The connection is closed in both cases.
func (s *Session) Run(ctx context.Context) (err error) {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
		err = s.finish(ctx, err)
	}()

	s.transition(StateConnecting)
	if err := s.authorize(ctx); err != nil {
		return err
	}

	s.transition(StateReplayingBacklog)
	if err := s.replay(ctx); err != nil {
		return err
	}

	return s.stream(ctx)
}

func (s *Session) authorize(ctx context.Context) error {
	if s.kind != chatStream {
		return nil
	}
	if _, err := s.store.GetChat(ctx, s.chatID); err != nil {
		return err
	}
	ok, err := s.store.IsMember(ctx, s.chatID, s.userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d in chat %d: %w", s.userID, s.chatID, ErrForbidden)
	}
	return nil
}

func (s *Session) replay(ctx context.Context) error {
	if s.kind != chatStream {
		return nil
	}
	backlog, err := s.store.GetMessages(ctx, s.chatID)
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}
	for _, msg := range backlog {
		payload, err := msg.Encode()
		if err != nil {
			return fmt.Errorf("encode message %d: %w", msg.ID, err)
		}
		if err := s.send(ctx, payload); err != nil {
			return err
		}
	}
	s.metrics.Replayed(len(backlog))
	s.log.Debug("backlog replayed", zap.Int("messages", len(backlog)))
	return nil
}

func (s *Session) stream(ctx context.Context) error {
	sub, err := s.sub.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe failed", zap.Error(err))
		}
	}()

	s.transition(StateLive)
	close(s.live)

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			return fmt.Errorf("live stream: %w", err)
		}
		if err := s.send(ctx, payload); err != nil {
			return err
		}
	}
}

func (s *Session) send(ctx context.Context, payload []byte) error {
	if err := s.conn.Send(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", errConnLost, err)
	}
	return nil
}

// finish moves the session into its terminal state and closes the client.
func (s *Session) finish(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || errors.Is(err, errConnLost) {
		s.transition(StateClosed)
		s.conn.Close(CloseNormal, "")
		s.log.Debug("session closed")
		return nil
	}

	s.transition(StateError)
	code, reason := closeReason(err)
	s.conn.Close(code, reason)
	s.log.Warn("session failed", zap.String("reason", reason), zap.Error(err))
	return err
}

func (s *Session) transition(to State) {
	s.state.Store(int32(to))
	s.metrics.Transition(to.String())
}

func closeReason(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return CloseNotFound, "chat not found"
	case errors.Is(err, ErrForbidden):
		return CloseForbidden, "access denied"
	case errors.Is(err, broker.ErrSubscriptionClosed),
		errors.Is(err, broker.ErrUnavailable),
		errors.Is(err, broker.ErrClosed):
		return CloseTryAgainLater, "live stream lost"
	case errors.Is(err, ErrStoreUnavailable):
		return CloseTryAgainLater, "store unavailable"
	default:
		return CloseInternal, "internal error"
	}
}
