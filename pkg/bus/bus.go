package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	defaultStreamAge = 30 * 24 * time.Hour
	dedupeWindow     = 10 * time.Minute
)

var errNilBus = errors.New("bus: not connected")

// Bus publishes audit events to NATS JetStream and replays them to consumers.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url. Reconnects are unbounded so a restarting NATS server does
// not drop the connection for good.
func New(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("bus: url is required")
	}

	opts = append([]nats.Option{
		nats.Name("stockgate"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the named stream over subjects unless it already exists.
// Entries are kept for thirty days and duplicate message ids inside the dedupe
// window are dropped by the server.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errNilBus
	}
	if name == "" || len(subjects) == 0 {
		return errors.New("bus: stream needs a name and at least one subject")
	}

	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("bus: stream info %s: %w", name, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     defaultStreamAge,
		Duplicates: dedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("bus: add stream %s: %w", name, err)
	}
	return nil
}

// Close drains the connection, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj. A non-empty id is sent as
// the JetStream message id so a retried publish of the same event is stored once.
func (b *Bus) Publish(ctx context.Context, subj, id string, v any) error {
	if b == nil {
		return errNilBus
	}

	data, err := encode(v)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	if _, err := b.js.Publish(subj, data, opts...); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subj, err)
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bus: encode: %w", err)
	}
	return data, nil
}

// Delivery is one message handed to a subscriber.
type Delivery struct {
	Subject   string
	Data      []byte
	Sequence  uint64
	Published time.Time
	Attempt   uint64
}

// Handler processes a delivery. Returning an error asks for redelivery.
type Handler func(ctx context.Context, d Delivery) error

func newDelivery(msg *nats.Msg) Delivery {
	d := Delivery{Subject: msg.Subject, Data: msg.Data, Attempt: 1}
	if meta, err := msg.Metadata(); err == nil {
		d.Sequence = meta.Sequence.Stream
		d.Published = meta.Timestamp
		d.Attempt = meta.NumDelivered
	}
	return d
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe attaches a durable consumer to subj starting with new messages. A
// message is acknowledged when fn returns nil and negatively acknowledged
// otherwise. The subscription is drained when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errNilBus
	}
	if fn == nil {
		return nil, errors.New("bus: nil handler")
	}
	if durable == "" {
		return nil, errors.New("bus: durable name is required")
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, newDelivery(msg)); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}
