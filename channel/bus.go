package channel

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bus is the minimal publish/subscribe surface the channel package needs.
// nats.Conn already satisfies it; memoryBus is the in-process fallback
// used when no NATS URL is configured (tests, single-process demos).
type Bus interface {
	Publish(subject string, data []byte) error
	Close()
}

// ConnectBus dials natsURL, or returns an in-memory bus if natsURL is
// empty.
func ConnectBus(natsURL string) (Bus, error) {
	if natsURL == "" {
		return newMemoryBus(), nil
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("channel: connect nats at %s: %w", natsURL, err)
	}
	return nc, nil
}

// memoryBus fans published messages out to in-process subscribers, used
// for tests and single-process demos with no external broker configured.
type memoryBus struct {
	mu   sync.Mutex
	subs map[string][]func(subject string, data []byte)
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string][]func(string, []byte))}
}

func (b *memoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	handlers := append([]func(string, []byte){}, b.subs[subject]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(subject, data)
	}
	return nil
}

func (b *memoryBus) Subscribe(subject string, handler func(subject string, data []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], handler)
}

func (b *memoryBus) Close() {}
