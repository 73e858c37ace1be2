package transport

import (
	"sync"
)

// Bus is an in-process Dialer. Every channel opened on the same Bus with
// the same name is a sibling; frames are delivered synchronously on the
// posting goroutine and never back to the sender.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

func (b *Bus) Supported() bool { return true }

func (b *Bus) Open(name string, onMessage Handler) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = onMessage
	return &memChannel{bus: b, name: name, id: id}, nil
}

// Subscribers returns how many channels are open under name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) deliver(name string, from uint64, data []byte) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs[name]))
	for id, h := range b.subs[name] {
		if id != from && h != nil {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(append([]byte(nil), data...))
	}
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[name], id)
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

type memChannel struct {
	bus  *Bus
	name string
	id   uint64

	mu     sync.Mutex
	closed bool
}

func (c *memChannel) Post(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.bus.deliver(c.name, c.id, data)
	return nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.bus.remove(c.name, c.id)
	return nil
}

// Unsupported is a Dialer for environments without any broadcast backend.
type Unsupported struct{}

func (Unsupported) Supported() bool { return false }

func (Unsupported) Open(string, Handler) (Channel, error) {
	return nil, ErrUnsupported
}
