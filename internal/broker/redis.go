package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a broker on top of Redis PUBLISH/SUBSCRIBE. It owns the client and
// closes it in Close.
type Redis struct {
	client     *redis.Client
	log        *zap.Logger
	bufferSize int

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	topic  string
	pubsub *redis.PubSub
	q      *queue
	broker *Redis
	once   sync.Once
	// done is set once Unsubscribe starts, so the pump can tell a local close
	// from a lost connection.
	done atomic.Bool
}

func NewRedis(client *redis.Client, log *zap.Logger, bufferSize int) *Redis {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Redis{
		client:     client,
		log:        log,
		bufferSize: bufferSize,
		subs:       make(map[*redisSub]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	pubsub := r.client.Subscribe(ctx, topic)
	// Wait for the subscribe confirmation so that the registration is live
	// on the server before we hand the subscription out.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}

	sub := &redisSub{
		topic:  topic,
		pubsub: pubsub,
		q:      newQueue(r.bufferSize),
		broker: r,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// pump moves payloads from the Redis connection into the subscription queue.
// The first read error ends the subscription, so a dropped connection is seen
// by Receive as ErrSubscriptionClosed instead of silence.
func (s *redisSub) pump() {
	for {
		v, err := s.pubsub.Receive(context.Background())
		if err != nil {
			if !s.done.Load() {
				s.broker.log.Warn("redis subscription lost",
					zap.String("topic", s.topic), zap.Error(err))
			}
			_ = s.Unsubscribe()
			return
		}
		msg, ok := v.(*redis.Message)
		if !ok {
			continue
		}
		if !s.q.push([]byte(msg.Payload)) {
			s.broker.log.Warn("redis subscriber fell behind, dropping subscription",
				zap.String("topic", s.topic))
			_ = s.Unsubscribe()
			return
		}
	}
}

func (r *Redis) SubscriberCount(ctx context.Context, topic string) (int, error) {
	counts, err := r.client.PubSubNumSub(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: numsub %s: %v", ErrUnavailable, topic, err)
	}
	return int(counts[topic]), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close ends all subscriptions and closes the Redis client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return r.client.Close()
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (s *redisSub) Topic() string { return s.topic }

func (s *redisSub) Receive(ctx context.Context) ([]byte, error) {
	return s.q.receive(ctx)
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.done.Store(true)
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()

		s.q.close()
		err = s.pubsub.Close()
	})
	return err
}
