// Package events provides a typed publish/subscribe stream used for
// monitoring retry and orchestration progress.
package events

import "sync"

// Bus fans out published events to every live subscription. Publishing
// never blocks, so delivery is lossy: with Publish a subscriber whose buffer
// is full misses the event and the drop is counted. PublishFinal makes room
// instead, so terminal events always reach every subscriber.
type Bus[E any] struct {
	mu      sync.Mutex
	subs    map[int]chan E
	next    int
	dropped int
}

func NewBus[E any]() *Bus[E] {
	return &Bus[E]{subs: make(map[int]chan E)}
}

// Subscribe returns a channel receiving subsequent events and a function
// that ends the subscription and closes the channel.
func (b *Bus[E]) Subscribe(buffer int) (<-chan E, func()) {
	ch := make(chan E, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus[E]) Publish(e E) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// PublishFinal delivers e to every buffered subscriber, discarding a full
// subscriber's oldest buffered event to make room.
func (b *Bus[E]) PublishFinal(e E) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		if cap(ch) > 0 && len(ch) == cap(ch) {
			select {
			case <-ch:
				b.dropped++
			default:
			}
		}
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus[E]) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
