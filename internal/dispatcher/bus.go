package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus carries command messages. Delivery is best-effort: the bus is a
// latency optimization and the reconciliation jobs are the correctness
// backstop, so no acknowledgement or persistence is layered on top.
type Bus interface {
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func(), err error)
	Publish(subject string, data []byte) error
	Close()
}

// NATSBus is the production Bus.
type NATSBus struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func NewNATSBus(url string, log zerolog.Logger) (*NATSBus, error) {
	log = log.With().Str("component", "bus").Logger()
	opts := []nats.Option{
		nats.Name("gpufleet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{nc: nc, log: log}, nil
}

func (b *NATSBus) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return b.nc.Publish(subject, data)
}

func (b *NATSBus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}

// LocalBus is an in-process Bus for tests and the mock-provider mode.
type LocalBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func([]byte)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]map[int]func([]byte))}
}

func (b *LocalBus) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]func([]byte))
	}
	b.nextID++
	id := b.nextID
	b.handlers[subject][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
	}, nil
}

func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	handlers := make([]func([]byte), 0, len(b.handlers[subject]))
	for _, h := range b.handlers[subject] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *LocalBus) Close() {}
