// Package events is the observer list the core notifies after state changes.
// Subscribers run on a separate goroutine, never inside a database transaction.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind names an event
type Kind string

const (
	CredentialIssued      Kind = "credential.issued"
	CredentialRevoked     Kind = "credential.revoked"
	BalanceChanged        Kind = "balance.changed"
	AccountCreated        Kind = "account.created"
	UserSignedUp          Kind = "user.signed_up"
	VerificationRequested Kind = "user.verification_requested"
)

// Event is what subscribers receive
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	OccurredAt time.Time         `json:"occurred_at"`
	UserID     uint              `json:"user_id,omitempty"`
	AccountID  uint              `json:"account_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// New stamps an event with an id and the current time
func New(kind Kind, userID, accountID uint, data map[string]string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, OccurredAt: time.Now().UTC(), UserID: userID, AccountID: accountID, Data: data}
}

// Handler receives events
type Handler func(Event)

// Publisher is implemented by *Bus; a nil *Bus drops everything
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers asynchronously. Every subscriber has its
// own queue and goroutine, so a slow handler only delays itself.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	buffer int
	closed bool
	log    logrus.FieldLogger
}

type subscriber struct {
	handle Handler
	queue  chan Event
	done   chan struct{}
}

// NewBus builds a Bus. buffer bounds each subscriber's queue; Publish drops
// and logs when one is full rather than block the caller.
func NewBus(buffer int, log logrus.FieldLogger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{buffer: buffer, log: log}
}

// Subscribe adds a handler and starts its dispatch goroutine. It is a no-op
// once the bus is closed.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	s := &subscriber{handle: h, queue: make(chan Event, b.buffer), done: make(chan struct{})}
	b.subs = append(b.subs, s)
	go b.run(s)
}

// Publish enqueues e for every subscriber. Safe on a nil Bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.WithField("kind", e.Kind).Warn("event published after bus closed")
		return
	}
	for i, s := range b.subs {
		select {
		case s.queue <- e:
		default:
			b.log.WithFields(logrus.Fields{"kind": e.Kind, "event_id": e.ID, "subscriber": i}).Warn("event queue full, dropping event")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, s := range b.subs {
			close(s.queue)
		}
	}
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}

func (b *Bus) run(s *subscriber) {
	defer close(s.done)
	for e := range s.queue {
		b.deliver(s.handle, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"kind": e.Kind, "panic": r}).Error("event handler panicked")
		}
	}()
	h(e)
}
