// Package broker is the topic-keyed publish/subscribe bus used for live delivery.
//
// A broker keeps no history. A payload published to a topic reaches only the
// subscriptions that are registered at that moment, at most once each, in the
// order a single publisher sent them.
package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

var (
	// ErrUnavailable is returned when the underlying bus cannot be reached.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrClosed is returned by a broker after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrSubscriptionClosed is returned by Receive once the subscription is gone,
	// either because it was unsubscribed or because the broker evicted it.
	ErrSubscriptionClosed = errors.New("broker: subscription closed")
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 256

// ChatTopic is the topic carrying the live messages of one chat.
func ChatTopic(chatID int) string { return "chat-" + strconv.Itoa(chatID) }

// UserTopic is the topic carrying direct notifications for one user.
func UserTopic(userID int) string { return "user-" + strconv.Itoa(userID) }

type Publisher interface {
	// Publish delivers payload to every current subscriber of topic.
	// Nobody listening is not an error.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Subscriber interface {
	// Subscribe returns once the registration is active: anything published
	// afterwards is delivered to the returned Subscription.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Broker is the full bus handle. One is created at startup and shared.
type Broker interface {
	Publisher
	Subscriber
	SubscriberCount(ctx context.Context, topic string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a live registration on one topic.
type Subscription interface {
	Topic() string
	// Receive blocks until the next payload, the end of the subscription
	// (ErrSubscriptionClosed) or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	// Unsubscribe releases the registration. Safe to call more than once.
	Unsubscribe() error
}

// queue is the bounded hand-off between a publisher and one subscriber.
// A full queue closes itself: a subscriber that cannot keep up is dropped
// rather than silently missing messages in the middle of its stream.
type queue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &queue{ch: make(chan []byte, size)}
}

// push reports false when the queue is (or just became) closed.
func (q *queue) push(payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	default:
		q.closed = true
		close(q.ch)
		return false
	}
}

// close reports whether this call closed the queue.
func (q *queue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	close(q.ch)
	return true
}

func (q *queue) receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-q.ch:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
