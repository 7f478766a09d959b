package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/wifientist/rtools2-sub001/internal/state"
)

// GlobalJobID is the special job ID for subscribing to all job events.
const GlobalJobID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to subscribers of its job and to global
	// subscribers. Publication is ordered per job.
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given job.
	// Use GlobalJobID ("*") to receive events for all jobs.
	Subscribe(jobID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(jobID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// RedisPublisher fans events out over Redis pub/sub so subscribers on any
// worker see them. Subscriptions are backed by a Redis subscription pumped
// into per-caller channels.
type RedisPublisher struct {
	store  *state.Manager
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan Event
	cancel context.CancelFunc
}

// NewRedisPublisher creates a publisher over the state manager's pub/sub.
func NewRedisPublisher(store *state.Manager, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		store:  store,
		logger: logger,
		subs:   make(map[string][]*redisSub),
	}
}

// Publish writes the event to the job channel and the global channel.
func (p *RedisPublisher) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event", "type", event.Type, "error", err)
		return
	}
	ctx := context.Background()
	if err := p.store.Publish(ctx, state.EventsChannel(event.JobID), data); err != nil {
		p.logger.Warn("publish job event", "job_id", event.JobID, "error", err)
	}
	if err := p.store.Publish(ctx, state.GlobalEventsChannel, data); err != nil {
		p.logger.Warn("publish global event", "job_id", event.JobID, "error", err)
	}
}

// Subscribe opens a Redis subscription for the job and pumps decoded events
// into the returned channel. The channel is buffered; slow consumers drop
// events rather than block the pump.
func (p *RedisPublisher) Subscribe(jobID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, 100)
	if p.closed {
		close(ch)
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	channel := state.EventsChannel(jobID)
	if jobID == GlobalJobID {
		channel = state.GlobalEventsChannel
	}
	pubsub := p.store.Subscribe(ctx, channel)

	sub := &redisSub{ch: ch, cancel: cancel}
	p.subs[jobID] = append(p.subs[jobID], sub)

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					p.logger.Warn("decode event", "error", err)
					continue
				}
				select {
				case ch <- event:
				default:
					// Drop rather than block the pub/sub pump.
				}
			}
		}
	}()

	return ch
}

// Unsubscribe cancels the subscription and closes the channel.
func (p *RedisPublisher) Unsubscribe(jobID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[jobID]
	for i, sub := range subs {
		if sub.ch == ch {
			sub.cancel()
			close(sub.ch)
			p.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(p.subs[jobID]) == 0 {
		delete(p.subs, jobID)
	}
}

// Close cancels every subscription.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for jobID, subs := range p.subs {
		for _, sub := range subs {
			sub.cancel()
			close(sub.ch)
		}
		delete(p.subs, jobID)
	}
}

var _ Publisher = (*RedisPublisher)(nil)
