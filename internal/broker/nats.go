package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsFlushTimeout = 2 * time.Second

// NATS is a broker on top of NATS core subjects. Topic "chat-1" travels on
// subject "chat.1".
type NATS struct {
	nc         *nats.Conn
	log        *zap.Logger
	bufferSize int

	mu     sync.Mutex
	topics map[string]map[*natsSub]struct{}
	closed bool
}

type natsSub struct {
	topic  string
	sub    *nats.Subscription
	q      *queue
	broker *NATS
	once   sync.Once
}

// DialNATS connects to url and wraps the connection. Publishes are not buffered
// while reconnecting, so an outage surfaces as ErrUnavailable.
func DialNATS(url string, log *zap.Logger, bufferSize int) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("go-messenger"), nats.ReconnectBufSize(-1))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnavailable, url, err)
	}
	return NewNATS(nc, log, bufferSize), nil
}

// NewNATS wraps nc and installs its disconnect handler. Every subscription
// ends when the connection drops.
func NewNATS(nc *nats.Conn, log *zap.Logger, bufferSize int) *NATS {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	n := &NATS{
		nc:         nc,
		log:        log,
		bufferSize: bufferSize,
		topics:     make(map[string]map[*natsSub]struct{}),
	}
	nc.SetDisconnectHandler(func(*nats.Conn) {
		if dropped := n.dropAll(); dropped > 0 {
			n.log.Warn("nats connection lost, dropping subscriptions", zap.Int("subscriptions", dropped))
		}
	})
	return n
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, "-", ".") }

func (n *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if n.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.nc.IsConnected() {
		return fmt.Errorf("%w: publish %s: nats status %v", ErrUnavailable, topic, n.nc.Status())
	}
	if err := n.nc.Publish(topicToSubject(topic), payload); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &natsSub{topic: topic, q: newQueue(n.bufferSize), broker: n}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if !n.nc.IsConnected() {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe %s: nats status %v", ErrUnavailable, topic, n.nc.Status())
	}
	// s.sub is assigned below while n.mu is still held. The callback only
	// reaches it through Unsubscribe, which takes n.mu first.
	sub, err := n.nc.Subscribe(topicToSubject(topic), func(m *nats.Msg) {
		if !s.q.push(m.Data) {
			n.log.Warn("nats subscriber fell behind, dropping subscription", zap.String("topic", topic))
			go s.Unsubscribe()
		}
	})
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}
	s.sub = sub
	subs, ok := n.topics[topic]
	if !ok {
		subs = make(map[*natsSub]struct{})
		n.topics[topic] = subs
	}
	subs[s] = struct{}{}
	n.mu.Unlock()

	// The server knows about the interest once the flush round-trips.
	if err := n.nc.FlushTimeout(natsFlushTimeout); err != nil {
		_ = s.Unsubscribe()
		return nil, fmt.Errorf("%w: flush subscribe %s: %v", ErrUnavailable, topic, err)
	}
	return s, nil
}

// SubscriberCount reports the subscriptions held by this process only.
func (n *NATS) SubscriberCount(_ context.Context, topic string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.topics[topic]), nil
}

func (n *NATS) Ping(context.Context) error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("%w: nats status %v", ErrUnavailable, n.nc.Status())
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	n.mu.Unlock()

	n.dropAll()
	n.nc.Close()
	return nil
}

// dropAll unsubscribes everything currently registered and reports how many
// subscriptions it ended.
func (n *NATS) dropAll() int {
	n.mu.Lock()
	var subs []*natsSub
	for _, set := range n.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	n.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return len(subs)
}

func (n *NATS) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (s *natsSub) Topic() string { return s.topic }

func (s *natsSub) Receive(ctx context.Context) ([]byte, error) {
	return s.q.receive(ctx)
}

func (s *natsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		n := s.broker
		n.mu.Lock()
		set := n.topics[s.topic]
		delete(set, s)
		if len(set) == 0 {
			delete(n.topics, s.topic)
		}
		sub := s.sub
		n.mu.Unlock()

		s.q.close()
		if sub != nil {
			err = sub.Unsubscribe()
		}
	})
	return err
}
