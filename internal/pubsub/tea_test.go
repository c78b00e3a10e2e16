package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerDeliversEventAsMsg(t *testing.T) {
	broker := NewBroker[note]()
	defer broker.Close()

	l := NewContinuousListener(context.Background(), broker)
	broker.Publish(CreatedEvent, note{Text: "ping"})

	msg := l.Listen()()
	evt, ok := msg.(Event[note])
	require.True(t, ok, "expected Event[note], got %T", msg)
	require.Equal(t, CreatedEvent, evt.Type)
	require.Equal(t, "ping", evt.Payload.Text)
}

func TestListenerNilAfterContextCancel(t *testing.T) {
	broker := NewBroker[note]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l := NewContinuousListener(ctx, broker)
	cancel()

	require.Nil(t, l.Listen()())
}

func TestListenerNilAfterBrokerClose(t *testing.T) {
	broker := NewBroker[note]()
	l := NewContinuousListener(context.Background(), broker)
	broker.Close()

	require.Nil(t, l.Listen()())
}
