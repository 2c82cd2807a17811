package broker

import (
	"context"
	"sync"
)

// Memory is a single-process broker. It backs the "memory" BROKER setting and
// the tests.
type Memory struct {
	bufferSize int

	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	topic  string
	q      *queue
	broker *Memory
}

// NewMemory creates an in-process broker with the given per-subscriber buffer.
func NewMemory(bufferSize int) *Memory {
	return &Memory{
		bufferSize: bufferSize,
		topics:     make(map[string]map[*memorySub]struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy so a subscriber can't observe later mutations by the publisher.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	var dropped []*memorySub

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	for sub := range m.topics[topic] {
		if !sub.q.push(buf) {
			dropped = append(dropped, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range dropped {
		m.remove(sub)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{topic: topic, q: newQueue(m.bufferSize), broker: m}
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		m.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) SubscriberCount(_ context.Context, topic string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic]), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription. Further calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for _, subs := range m.topics {
		for sub := range subs {
			sub.q.close()
		}
	}
	m.topics = make(map[string]map[*memorySub]struct{})
	return nil
}

func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.topics[sub.topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.topics, sub.topic)
	}
	sub.q.close()
}

func (s *memorySub) Topic() string { return s.topic }

func (s *memorySub) Receive(ctx context.Context) ([]byte, error) {
	return s.q.receive(ctx)
}

func (s *memorySub) Unsubscribe() error {
	s.broker.remove(s)
	return nil
}
