package conversation

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxQueuedEvents bounds the events buffered for one subscriber that is not reading. Past
// it, events for a message already queued replace the queued one, and otherwise the oldest
// event is dropped.
const MaxQueuedEvents = 1024

// Event is one change delivered to a subscriber. Message is always set; Change is set when
// the delivery status or failure flag changed.
type Event struct {
	Message *ChatMessage
	Change  *StatusChange
}

// Hub fans message events out to per-peer subscribers. Delivery never blocks the
// publisher: each subscription buffers up to MaxQueuedEvents until its reader catches up.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[PeerKey]map[uint64]*Subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[PeerKey]map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for peer.
func (h *Hub) Subscribe(peer PeerKey) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		hub:    h,
		peer:   peer,
		id:     h.nextID,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	if h.subs[peer] == nil {
		h.subs[peer] = make(map[uint64]*Subscription)
	}
	h.subs[peer][s.id] = s
	go s.run()
	return s
}

// Publish delivers e to every subscriber of the message's peer.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[e.Message.Peer]))
	for _, s := range h.subs[e.Message.Peer] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.push(Event{Message: e.Message.Clone(), Change: e.Change})
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[s.peer], s.id)
	if len(h.subs[s.peer]) == 0 {
		delete(h.subs, s.peer)
	}
}

// Subscription is a live feed of one peer's message events.
type Subscription struct {
	hub  *Hub
	peer PeerKey
	id   uint64

	mu      sync.Mutex
	queue   []Event
	dropped uint64
	notify  chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// C returns the event channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close stops delivery and releases the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if len(s.queue) < MaxQueuedEvents {
		s.queue = append(s.queue, e)
	} else if i := s.queuedFor(e.Message); i >= 0 {
		s.queue[i] = coalesce(s.queue[i], e)
	} else {
		s.queue[0] = Event{}
		s.queue = append(s.queue[1:], e)
		s.dropped++
		if s.dropped == 1 || s.dropped%MaxQueuedEvents == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Subscription.push",
				"peer":     ShortPeer(s.peer),
				"dropped":  s.dropped,
			}).Warn("Subscriber is not keeping up, dropping events")
		}
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// queuedFor returns the index of the newest queued event for msg, or -1. The caller holds mu.
func (s *Subscription) queuedFor(msg *ChatMessage) int {
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].Message.ID == msg.ID {
			return i
		}
	}
	return -1
}

// coalesce folds next into the queued event for the same message: the newest message state
// with a status change spanning both.
func coalesce(queued, next Event) Event {
	switch {
	case next.Change == nil:
		next.Change = queued.Change
	case queued.Change != nil:
		c := *next.Change
		c.Old = queued.Change.Old
		next.Change = &c
	}
	return next
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
