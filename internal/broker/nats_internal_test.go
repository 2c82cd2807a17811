package broker

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNATS_DisconnectEndsSubscriptions(t *testing.T) {
	nc := &nats.Conn{}
	n := NewNATS(nc, zap.NewNop(), 4)
	require.NotNil(t, nc.Opts.DisconnectedCB)

	s := &natsSub{topic: "chat-1", q: newQueue(4), broker: n}
	n.topics["chat-1"] = map[*natsSub]struct{}{s: {}}

	nc.Opts.DisconnectedCB(nc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	count, err := n.SubscriberCount(ctx, "chat-1")
	require.NoError(t, err)
	require.Zero(t, count)
}
