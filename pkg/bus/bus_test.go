package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New("")
	require.ErrorContains(t, err, "url is required")

	_, err = New("nats://127.0.0.1:1", nats.Timeout(200*time.Millisecond))
	require.ErrorContains(t, err, "bus: connect")
}

func TestNilBus(t *testing.T) {
	var b *Bus
	ctx := context.Background()

	require.ErrorIs(t, b.Publish(ctx, "stockgate.audit.logout", "id", map[string]string{}), errNilBus)
	require.ErrorIs(t, b.EnsureStream("AUDIT", "stockgate.audit.>"), errNilBus)

	_, err := b.Subscribe(ctx, "stockgate.audit.>", "tail", func(context.Context, Delivery) error { return nil })
	require.ErrorIs(t, err, errNilBus)

	b.Close()
}

func TestSubscribeArguments(t *testing.T) {
	b := &Bus{}
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "stockgate.audit.>", "tail", nil)
	require.ErrorContains(t, err, "nil handler")

	_, err = b.Subscribe(ctx, "stockgate.audit.>", "", func(context.Context, Delivery) error { return nil })
	require.ErrorContains(t, err, "durable name")

	require.ErrorContains(t, b.EnsureStream("", "stockgate.audit.>"), "needs a name")
	require.ErrorContains(t, b.EnsureStream("AUDIT"), "needs a name")
}

func TestEncode(t *testing.T) {
	data, err := encode(map[string]string{"action": "LOGOUT"})
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"LOGOUT"}`, string(data))

	_, err = encode(make(chan int))
	require.ErrorContains(t, err, "bus: encode")
}

func TestDeliveryWithoutMetadata(t *testing.T) {
	d := newDelivery(&nats.Msg{Subject: "stockgate.audit.logout", Data: []byte(`{}`)})
	require.Equal(t, "stockgate.audit.logout", d.Subject)
	require.Equal(t, []byte(`{}`), d.Data)
	require.Zero(t, d.Sequence)
	require.Equal(t, uint64(1), d.Attempt)
}
