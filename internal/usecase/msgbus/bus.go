package msgbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"convergio/internal/domain"
)

// Wildcard subscribes to every message regardless of addressee.
const Wildcard = "*"

// Bus is an in-process, goroutine-safe message bus with addressed delivery.
// Publish never blocks on slow consumers: each subscriber owns a queue
// drained by a forwarder goroutine, so delivery order per subscriber matches
// publish order.
type Bus struct {
	mu           sync.RWMutex
	subs         map[uint64]*subscriber
	nextID       atomic.Uint64
	historyLimit int
	history      map[string][]domain.BusMessage // by task id, oldest first
	logger       *slog.Logger
	closed       atomic.Bool
	wg           sync.WaitGroup
}

type subscriber struct {
	id      uint64
	agentID string // Wildcard receives everything

	mu     sync.Mutex
	queue  []domain.BusMessage
	signal chan struct{}
	out    chan domain.BusMessage
	done   chan struct{}
}

// New creates a message bus keeping up to historyLimit messages per task.
func New(historyLimit int, logger *slog.Logger) *Bus {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Bus{
		subs:         make(map[uint64]*subscriber),
		historyLimit: historyLimit,
		history:      make(map[string][]domain.BusMessage),
		logger:       logger,
	}
}

// Publish stamps the message with an id and timestamp, records it in the
// task history, and enqueues it for every matching subscriber. An empty To
// broadcasts. Publish returns the stamped message.
func (b *Bus) Publish(msg domain.BusMessage) domain.BusMessage {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if b.closed.Load() {
		return msg
	}

	b.mu.Lock()
	if msg.TaskID != "" {
		ring := append(b.history[msg.TaskID], msg)
		if len(ring) > b.historyLimit {
			ring = ring[len(ring)-b.historyLimit:]
		}
		b.history[msg.TaskID] = ring
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.agentID == Wildcard || msg.To == "" || s.agentID == msg.To {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
	return msg
}

// Subscribe registers a mailbox for agentID (or Wildcard) and returns the
// delivery channel plus an unsubscribe function. The channel is closed on
// unsubscribe and on bus Close after pending messages drain.
func (b *Bus) Subscribe(agentID string) (<-chan domain.BusMessage, func()) {
	s := &subscriber{
		id:      b.nextID.Add(1),
		agentID: agentID,
		signal:  make(chan struct{}, 1),
		out:     make(chan domain.BusMessage),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.forward()
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.out, unsubscribe
}

// History returns the retained messages for a task, oldest first.
func (b *Bus) History(taskID string) []domain.BusMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.history[taskID]
	out := make([]domain.BusMessage, len(ring))
	copy(out, ring)
	return out
}

// Compact drops task histories whose newest message is older than cutoff.
// It returns the number of tasks removed.
func (b *Bus) Compact(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for taskID, ring := range b.history {
		if len(ring) == 0 || ring[len(ring)-1].Timestamp.Before(cutoff) {
			delete(b.history, taskID)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("message history compacted", "tasks_removed", removed)
	}
	return removed
}

// Close stops accepting publishes, detaches all subscribers, and waits for
// their queues to drain. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	b.wg.Wait()
}

func (s *subscriber) enqueue(msg domain.BusMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// forward drains the queue into out in FIFO order. After done, it still
// flushes whatever was enqueued before detaching, then closes out.
func (s *subscriber) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next domain.BusMessage
		have := len(s.queue) > 0
		if have {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if have {
			select {
			case s.out <- next:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case <-s.signal:
		case <-s.done:
			// Flush messages already queued, but never block on a
			// receiver that has gone away.
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					return
				}
				next = s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()
				select {
				case s.out <- next:
				default:
					return
				}
			}
		}
	}
}

// ResultPayload decodes a message payload into p. Convenience for consumers
// of final_result and partial_result messages.
func ResultPayload(msg domain.BusMessage) (domain.ResultPayload, error) {
	var p domain.ResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return domain.ResultPayload{}, domain.NewDomainError("msgbus.ResultPayload",
			domain.ErrInvalidInput, err.Error())
	}
	return p, nil
}
