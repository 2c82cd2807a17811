package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go-messenger/internal/broker"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

type fixture struct {
	store    *MemoryStore
	broker   *broker.Memory
	service  *Service
	streamer *Streamer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	b := broker.NewMemory(broker.DefaultBufferSize)
	t.Cleanup(func() { _ = b.Close() })

	return &fixture{
		store:    store,
		broker:   b,
		service:  NewService(store, b, zap.NewNop(), nil),
		streamer: NewStreamer(store, b, zap.NewNop(), nil),
	}
}

func (f *fixture) subscribers(t *testing.T, topic string) int {
	t.Helper()
	n, err := f.broker.SubscriberCount(context.Background(), topic)
	require.NoError(t, err)
	return n
}

// fakeConn records frames and the close code.
type fakeConn struct {
	frames chan []byte

	mu      sync.Mutex
	sendErr error
	panicOn string

	closeOnce sync.Once
	closed    chan struct{}
	code      int
	reason    string
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 128), closed: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	err, panicOn := c.sendErr, c.panicOn
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if panicOn != "" && string(payload) == panicOn {
		panic("boom")
	}
	c.frames <- payload
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *fakeConn) next(t *testing.T) *Message {
	t.Helper()
	select {
	case payload := <-c.frames:
		var m Message
		require.NoError(t, json.Unmarshal(payload, &m))
		return &m
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return nil
	}
}

func (c *fakeConn) nothing(t *testing.T) {
	t.Helper()
	select {
	case payload := <-c.frames:
		t.Fatalf("unexpected frame %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// runSession starts s and returns a channel carrying Run's result.
func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitLive(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Live():
	case <-time.After(waitFor):
		t.Fatalf("session stuck in %s", s.State())
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
		return nil
	}
}

var errDown = errors.New("connection refused")

// failingPublisher stands in for an unreachable bus.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.Join(broker.ErrUnavailable, errDown)
}

// brokenStore fails every message write, inside transactions too.
type brokenStore struct {
	Store
}

func (b brokenStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return b.Store.WithTx(ctx, func(tx Store) error { return fn(brokenStore{Store: tx}) })
}

func (brokenStore) CreateMessage(context.Context, *Message) (*Message, error) {
	return nil, ErrStoreUnavailable
}
