package server

import (
	"context"
	"sync"

	"github.com/caseflowlabs/casewire/internal/chat"
)

const (
	// EventTypeInsert marks a freshly written chat message row.
	EventTypeInsert = "INSERT"

	eventTableMessages = "chat_messages"
)

// Event is the payload fanned out to every subscriber of a channel.
type Event struct {
	Type    string       `json:"type"`
	Table   string       `json:"table"`
	Channel string       `json:"channel"`
	Message chat.Message `json:"message"`
}

// Dispatcher fans chat events out to channel subscribers. Delivery is
// best-effort: a subscriber with a full buffer misses the event and relies
// on its next backlog fetch.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers interest in one channel. The returned cleanup is
// idempotent and also runs when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, channel string) (<-chan Event, func()) {
	if channel == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(channel, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(channel, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// PublishInsert fans out a freshly appended message to the channel's
// subscribers.
func (d *Dispatcher) PublishInsert(message chat.Message) {
	if message.ChannelID == "" || message.MessageID == "" {
		return
	}
	event := Event{
		Type:    EventTypeInsert,
		Table:   eventTableMessages,
		Channel: message.ChannelID,
		Message: message,
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ChannelID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(channel string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*subscriber)
	}
	d.subscribers[channel][sub.id] = sub
}

func (d *Dispatcher) unregister(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
