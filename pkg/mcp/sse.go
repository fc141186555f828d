package mcp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// DefaultRingSize is how many outbound events are retained per session
	// for Last-Event-ID replay after a reconnect.
	DefaultRingSize = 100

	// consumerBufSize is the per-consumer channel buffer. When it fills,
	// the broker signals the session's producer to pause.
	consumerBufSize = 32

	// DefaultKeepAlive is the heartbeat cadence on live streams.
	DefaultKeepAlive = 15 * time.Second

	// backpressurePollInterval bounds how long a paused producer waits for
	// the resume signal after its consumer's buffer has drained.
	backpressurePollInterval = 10 * time.Millisecond
)

// SSEEvent is one outbound server-sent event. IDs are monotonic per
// session, starting at 1.
type SSEEvent struct {
	ID   uint64
	Name string
	Data []byte
	At   time.Time
}

// PauseFunc receives backpressure signals: paused=true means the consumer
// buffer is full and the producer should stop publishing; paused=false
// means it has drained and may resume.
type PauseFunc func(paused bool)

// Consumer is an attached event stream reader. Delivery runs on a
// per-consumer goroutine that reads from the session's ring, so every
// event still held there reaches the consumer in id order regardless of
// how far behind it is.
type Consumer struct {
	// Events delivers replayed then live events in id order. Closed when
	// the consumer is detached or displaced by a newer attach.
	Events <-chan SSEEvent

	ch     chan SSEEvent
	notify chan struct{}
	done   chan struct{}

	// next is the id of the next event owed to this consumer. Guarded by
	// the session's mutex.
	next uint64
}

// sessionStream holds per-session broker state: the monotonic counter,
// the replay ring, and the attached consumer if any.
type sessionStream struct {
	mu       sync.Mutex
	nextID   uint64
	ring     []SSEEvent
	consumer *Consumer
	pause    PauseFunc
	paused   bool
}

// SSEBroker owns per-session ordered event queues with bounded replay
// rings and backpressure signalling.
//
// Events published with no consumer attached are retained in the ring
// until overflow evicts the oldest. A consumer reconnecting with the last
// event id it saw receives everything newer that is still held.
type SSEBroker struct {
	mu       sync.RWMutex
	streams  map[string]*sessionStream
	ringSize int
	logger   *zap.Logger
}

// NewSSEBroker creates a broker with the given replay ring size per
// session (DefaultRingSize when <= 0).
func NewSSEBroker(ringSize int, logger *zap.Logger) *SSEBroker {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEBroker{
		streams:  make(map[string]*sessionStream),
		ringSize: ringSize,
		logger:   logger.Named("sse"),
	}
}

func (b *SSEBroker) stream(sessionID string) *sessionStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	if !ok {
		s = &sessionStream{}
		b.streams[sessionID] = s
	}
	return s
}

// Publish assigns the next monotonic id, appends to the session's ring,
// and delivers to the attached consumer if any. data is JSON-encoded.
func (b *SSEBroker) Publish(sessionID, eventName string, data interface{}) (uint64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal sse event: %w", err)
	}

	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event := SSEEvent{ID: s.nextID, Name: eventName, Data: payload, At: time.Now()}

	s.ring = append(s.ring, event)
	if len(s.ring) > b.ringSize {
		s.ring = s.ring[len(s.ring)-b.ringSize:]
	}

	if s.consumer != nil {
		// Wake the delivery goroutine; it picks the event up from the ring.
		select {
		case s.consumer.notify <- struct{}{}:
		default:
		}
		// Signal the producer to pause once the consumer is more than one
		// full buffer behind. Every undelivered event stays in the ring.
		lag := event.ID - s.consumer.next + 1
		if !s.paused && lag > uint64(cap(s.consumer.ch)) {
			s.paused = true
			if s.pause != nil {
				go s.pause(true)
			}
		}
	}
	return event.ID, nil
}

// Attach connects a consumer to the session's stream. Every event with an
// id greater than lastEventID still held in the ring is replayed in order,
// then the consumer goes live; a backlog larger than the consumer buffer
// drains as the reader keeps up. A newer attach displaces any previous
// consumer.
func (b *SSEBroker) Attach(sessionID string, lastEventID uint64) *Consumer {
	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropConsumerLocked()

	// A last-event-id beyond the counter would make the lag computation
	// wrap; clamp it to the head of the stream.
	next := lastEventID + 1
	if next > s.nextID+1 {
		next = s.nextID + 1
	}

	ch := make(chan SSEEvent, consumerBufSize)
	c := &Consumer{
		Events: ch,
		ch:     ch,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		next:   next,
	}
	s.consumer = c
	s.paused = false

	go b.deliver(s, c)
	return c
}

// deliver owns all sends on the consumer channel. It moves events from the
// ring into the channel in id order until the consumer is displaced or
// detached, blocking while the reader lags; events evicted from the ring
// before delivery are skipped.
func (b *SSEBroker) deliver(s *sessionStream, c *Consumer) {
	defer close(c.ch)
	for {
		s.mu.Lock()
		var pending []SSEEvent
		for _, event := range s.ring {
			if event.ID >= c.next {
				pending = append(pending, event)
			}
		}
		if len(pending) == 0 && s.paused && s.consumer == c && len(c.ch) <= cap(c.ch)/2 {
			s.paused = false
			if s.pause != nil {
				go s.pause(false)
			}
		}
		paused := s.paused
		s.mu.Unlock()

		if len(pending) == 0 {
			if paused {
				// Re-check the resume condition while the reader drains.
				select {
				case <-c.notify:
				case <-c.done:
					return
				case <-time.After(backpressurePollInterval):
				}
			} else {
				select {
				case <-c.notify:
				case <-c.done:
					return
				}
			}
			continue
		}

		for _, event := range pending {
			select {
			case c.ch <- event:
				s.mu.Lock()
				c.next = event.ID + 1
				s.mu.Unlock()
			case <-c.done:
				return
			}
		}
	}
}

// dropConsumerLocked releases the current consumer, stopping its delivery
// goroutine. Callers hold the session mutex.
func (s *sessionStream) dropConsumerLocked() {
	if s.consumer != nil {
		close(s.consumer.done)
		s.consumer = nil
	}
}

// Detach releases the consumer. Events continue to buffer in the ring.
func (b *SSEBroker) Detach(sessionID string, c *Consumer) {
	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer == c && c != nil {
		s.dropConsumerLocked()
	}
}

// SetPauseFunc registers the backpressure callback for a session's
// producer.
func (b *SSEBroker) SetPauseFunc(sessionID string, fn PauseFunc) {
	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pause = fn
}

// Drop discards all broker state for a session.
func (b *SSEBroker) Drop(sessionID string) {
	b.mu.Lock()
	s, ok := b.streams[sessionID]
	delete(b.streams, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConsumerLocked()
}

// Flush closes every attached consumer. Used during shutdown.
func (b *SSEBroker) Flush() {
	b.mu.Lock()
	streams := make([]*sessionStream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.dropConsumerLocked()
		s.mu.Unlock()
	}
}

// ServeStream writes the session's event stream to an SSE response until
// the client disconnects or the consumer is displaced.
//
// Wire format is standard SSE: id/event/data fields, blank-line record
// terminator, comment-line heartbeats at the keep-alive cadence.
func (b *SSEBroker) ServeStream(c echo.Context, sessionID string, lastEventID uint64, keepAlive time.Duration) error {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(200)
	c.Response().Flush()

	consumer := b.Attach(sessionID, lastEventID)
	defer b.Detach(sessionID, consumer)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-consumer.Events:
			if !ok {
				// Displaced by a newer consumer or broker shutdown.
				return nil
			}
			fmt.Fprintf(c.Response(), "id: %d\n", event.ID)
			fmt.Fprintf(c.Response(), "event: %s\n", event.Name)
			fmt.Fprintf(c.Response(), "data: %s\n\n", event.Data)
			c.Response().Flush()

		case <-ticker.C:
			fmt.Fprint(c.Response(), ": keep-alive\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			// Client disconnected; ring state is retained for reconnect.
			return nil
		}
	}
}
