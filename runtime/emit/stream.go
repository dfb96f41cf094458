package emit

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
)

// DefaultProgressBuffer bounds how many high-rate progress events a
// slow subscriber may queue before the oldest are dropped.
const DefaultProgressBuffer = 256

// StreamObserver fans wire events out to per-execution subscriber
// queues.
//
// Queue semantics: control events (everything except node_progress)
// are buffered without bound; progress events are bounded and dropped
// oldest-first with a warning when a subscriber falls behind. Each
// subscriber receives events in publish order and is closed after its
// execution's terminal event has been delivered.
type StreamObserver struct {
	log            zerolog.Logger
	progressBuffer int

	mu   sync.Mutex
	subs map[diagram.ExecutionID][]*subscriber
}

type subscriber struct {
	out  chan Event
	quit chan struct{}
	once sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	progress int // count of queued progress events
	closed   bool
	finished bool // terminal event queued; close after drain
}

// NewStreamObserver creates a stream observer with the default
// progress buffer.
func NewStreamObserver(log zerolog.Logger) *StreamObserver {
	return &StreamObserver{
		log:            log,
		progressBuffer: DefaultProgressBuffer,
		subs:           make(map[diagram.ExecutionID][]*subscriber),
	}
}

// Subscribe returns a channel of events for one execution and a cancel
// function. The channel closes after the execution's terminal event or
// when cancel is called.
func (s *StreamObserver) Subscribe(id diagram.ExecutionID) (<-chan Event, func()) {
	sub := &subscriber{out: make(chan Event), quit: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)

	s.mu.Lock()
	s.subs[id] = append(s.subs[id], sub)
	s.mu.Unlock()

	go sub.pump()

	cancel := func() {
		sub.close()
		s.remove(id, sub)
	}
	return sub.out, cancel
}

func (s *StreamObserver) remove(id diagram.ExecutionID, target *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[id]
	for i, sub := range subs {
		if sub == target {
			s.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[id]) == 0 {
		delete(s.subs, id)
	}
}

// Deliver implements Sink.
func (s *StreamObserver) Deliver(event Event) {
	s.mu.Lock()
	subs := append([]*subscriber(nil), s.subs[event.ExecutionID]...)
	if event.Type.Terminal() {
		// Terminal event: queues drain and close themselves; forget
		// the subscriber list now so late events are not delivered.
		delete(s.subs, event.ExecutionID)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if dropped := sub.deliver(event, s.progressBuffer); dropped > 0 {
			s.log.Warn().
				Str("execution_id", string(event.ExecutionID)).
				Int("dropped", dropped).
				Msg("subscriber behind, dropping oldest progress events")
		}
	}
}

// deliver queues the event and returns how many progress events were
// dropped to stay within the bound.
func (sub *subscriber) deliver(event Event, progressBound int) int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.finished {
		return 0
	}

	dropped := 0
	if !event.Type.Control() {
		if sub.progress >= progressBound {
			// Drop the oldest queued progress event.
			for i, queued := range sub.queue {
				if !queued.Type.Control() {
					sub.queue = append(sub.queue[:i], sub.queue[i+1:]...)
					sub.progress--
					dropped++
					break
				}
			}
		}
		sub.progress++
	}

	sub.queue = append(sub.queue, event)
	if event.Type.Terminal() {
		sub.finished = true
	}
	sub.cond.Signal()
	return dropped
}

// pump drains the queue into the outbound channel in order.
func (sub *subscriber) pump() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			if sub.finished {
				sub.closed = true
				break
			}
			sub.cond.Wait()
		}
		if sub.closed && len(sub.queue) == 0 {
			sub.mu.Unlock()
			close(sub.out)
			return
		}
		event := sub.queue[0]
		sub.queue = sub.queue[1:]
		if !event.Type.Control() {
			sub.progress--
		}
		sub.mu.Unlock()

		select {
		case sub.out <- event:
		case <-sub.quit:
			close(sub.out)
			return
		}

		if event.Type.Terminal() {
			sub.close()
			close(sub.out)
			return
		}
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.cond.Broadcast()
	sub.mu.Unlock()
	sub.once.Do(func() { close(sub.quit) })
}
