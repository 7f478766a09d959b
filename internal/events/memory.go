package events

import "sync"

// MemoryPublisher is an in-memory Publisher for tests and single-process
// runs.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
}

// Publish sends an event to the job's subscribers and global subscribers.
// Non-blocking: subscribers with full buffers are skipped.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	for _, ch := range p.subscribers[event.JobID] {
		select {
		case ch <- event:
		default:
		}
	}
	if event.JobID != GlobalJobID {
		for _, ch := range p.subscribers[GlobalJobID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives events for the given job.
func (p *MemoryPublisher) Subscribe(jobID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, p.bufferSize)
	p.subscribers[jobID] = append(p.subscribers[jobID], ch)
	return ch
}

// Unsubscribe removes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(jobID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[jobID]) == 0 {
		delete(p.subscribers, jobID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for jobID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, jobID)
	}
}

// NopPublisher is a no-op publisher for when events are disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

func (NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (NopPublisher) Unsubscribe(string, <-chan Event) {}

func (NopPublisher) Close() {}

var (
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = NopPublisher{}
)
