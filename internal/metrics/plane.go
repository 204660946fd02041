package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// subscriber is one registered listener on the event plane.
type subscriber struct {
	id int
	ch chan Event
}

// Plane is the broadcast event stream. Subscribers receive events in
// emission order; a subscriber whose buffer is full is detached (its channel
// is closed, the emitter never blocks) and a warning is logged and broadcast
// to the remaining subscribers, per the overflow policy chosen in DESIGN.md.
type Plane struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	logger  *slog.Logger
	nowFn   func() int64
}

// NewPlane constructs an empty event plane.
func NewPlane(logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		subs:  make(map[int]*subscriber),
		logger: logger,
		nowFn: func() int64 { return time.Now().UnixMilli() },
	}
}

// Subscribe registers a new listener with the given bounded buffer size and
// returns its id (for Unsubscribe) and receive channel.
func (p *Plane) Subscribe(bufferSize int) (int, <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	s := &subscriber{id: id, ch: make(chan Event, bufferSize)}
	p.subs[id] = s
	return id, s.ch
}

// Unsubscribe removes a listener and closes its channel.
func (p *Plane) Unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(s.ch)
	}
}

// Publish broadcasts ev to every subscriber. A subscriber whose buffer is
// full is unsubscribed and its channel closed; the emitter never blocks.
func (p *Plane) Publish(ev Event) {
	if ev.AtEpoch == 0 {
		ev.AtEpoch = p.nowFn()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]*subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		snapshot = append(snapshot, s)
	}

	var dropped []int
	for _, s := range snapshot {
		select {
		case s.ch <- ev:
		default:
			dropped = append(dropped, s.id)
			delete(p.subs, s.id)
			close(s.ch)
		}
	}

	for _, id := range dropped {
		p.logger.Warn("event plane detached slow subscriber", "subscriberId", id, "eventKind", ev.Kind)
	}
	if len(dropped) > 0 {
		overflow := Event{Kind: EventSubscriberOverflow, AtEpoch: p.nowFn()}
		for _, s := range snapshot {
			skip := false
			for _, id := range dropped {
				if s.id == id {
					skip = true
					break
				}
			}
			if skip {
				continue
			}
			select {
			case s.ch <- overflow:
			default:
			}
		}
	}
}
