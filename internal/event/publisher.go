package event

import "sync"

const subscriberBuffer = 128

// Publisher fans events out to subscribers. Publish never blocks: a
// subscriber that stops draining loses events instead of stalling the
// receive loop.
type Publisher struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func is
// idempotent and safe to call from any goroutine; after cancel the channel
// is closed.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++
	p.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers e to every current subscriber, dropping on full buffers.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop rather than block the pipeline
		}
	}
}

// Close shuts down all subscriber channels. Further Publish calls are no-ops
// and further Subscribe calls return a closed channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
