package bus

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

const (
	// DefaultQueueDepth bounds each subscription's delivery queue.
	DefaultQueueDepth = 256
	// DefaultHistorySize bounds the per-topic history ring.
	DefaultHistorySize = 100
)

// MemoryBus implements Bus with in-process channels. Each subscription
// owns a bounded delivery queue drained by a single pump goroutine, so a
// slow subscriber never blocks a publisher and per-sender publish order
// is preserved per subscription. Queue overflow drops the oldest queued
// message and increments the topic's drop counter.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	history       map[string][]*core.Message
	stats         map[string]*TopicStats
	queueDepth    int
	historySize   int
	closed        bool
	logger        *logger.Logger
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	regex   *regexp.Regexp
	handler Handler
	ch      chan *core.Message
	done    chan struct{}
	active  bool
	mu      sync.Mutex
}

// NewMemoryBus creates an in-memory bus. Non-positive sizes fall back to
// the package defaults.
func NewMemoryBus(queueDepth, historySize int, log *logger.Logger) *MemoryBus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &MemoryBus{
		history:     make(map[string][]*core.Message),
		stats:       make(map[string]*TopicStats),
		queueDepth:  queueDepth,
		historySize: historySize,
		logger:      log.WithFields(zap.String("component", "bus")),
	}
}

// Unsubscribe removes the subscription and stops its pump.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.done)
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// enqueue places msg on the subscription's bounded queue, dropping the
// oldest queued message on overflow. Returns true if a message was lost:
// the evicted oldest one, or msg itself when the queue refilled before
// the retry.
func (s *memorySubscription) enqueue(msg *core.Message) bool {
	select {
	case s.ch <- msg:
		return false
	default:
	}
	// Queue full: evict the oldest, then retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
		return true // one message (the evicted) was lost
	default:
		return true
	}
}

// pump drains the subscription queue in order, one handler call at a
// time.
func (s *memorySubscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			if err := s.handler(context.Background(), msg); err != nil {
				s.bus.logger.Error("message handler error",
					zap.String("topic", msg.Topic),
					zap.String("pattern", s.pattern),
					zap.Error(err))
			}
		}
	}
}

// Subscribe creates a subscription to a topic pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.BusError("bus is closed", nil)
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		ch:      make(chan *core.Message, b.queueDepth),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)
	go sub.pump()

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return sub, nil
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, senderID, topic string, payload map[string]interface{}) (string, error) {
	msg := core.NewMessage(uuid.New().String(), topic, senderID, payload)
	if err := b.PublishMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// PublishMessage sends a fully formed message to all matching
// subscribers. Subscription snapshots are taken under the lock; fan-out
// happens after it is released.
func (b *MemoryBus) PublishMessage(ctx context.Context, msg *core.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperrors.BusError("bus is closed", nil)
	}

	// History ring, exact topic only.
	ring := append(b.history[msg.Topic], msg)
	if len(ring) > b.historySize {
		ring = ring[len(ring)-b.historySize:]
	}
	b.history[msg.Topic] = ring

	ts := b.stats[msg.Topic]
	if ts == nil {
		ts = &TopicStats{}
		b.stats[msg.Topic] = ts
	}
	ts.Published++

	targets := make([]*memorySubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matchesTopic(msg.Topic, sub.pattern, sub.regex) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	dropped := int64(0)
	for _, sub := range targets {
		if !sub.IsValid() {
			continue
		}
		if sub.enqueue(msg) {
			dropped++
		}
	}
	if dropped > 0 {
		b.mu.Lock()
		b.stats[msg.Topic].Dropped += dropped
		b.mu.Unlock()
		b.logger.Warn("subscriber queue overflow",
			zap.String("topic", msg.Topic),
			zap.Int64("dropped", dropped))
	}

	b.logger.Debug("published",
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
		zap.String("source", msg.Source))
	return nil
}

// Request publishes to topic and waits for a reply with the same
// correlation id on a private inbox topic.
func (b *MemoryBus) Request(ctx context.Context, senderID, topic string, payload map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	correlationID := uuid.New().String()
	replyTopic := "_inbox." + correlationID

	responseChan := make(chan *core.Message, 1)
	sub, err := b.Subscribe(replyTopic, func(ctx context.Context, msg *core.Message) error {
		if msg.CorrelationID == correlationID {
			select {
			case responseChan <- msg:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.BusError("failed to create reply subscription", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	msg := core.NewMessage(uuid.New().String(), topic, senderID, payload)
	msg.ReplyTo = replyTopic
	msg.CorrelationID = correlationID
	if err := b.PublishMessage(ctx, msg); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response.Payload, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, apperrors.Cancelled("request on '" + topic + "'")
		}
		return nil, apperrors.Timeout("request on '" + topic + "'")
	}
}

// Respond replies to a request message, echoing its correlation id.
func (b *MemoryBus) Respond(ctx context.Context, senderID string, req *core.Message, payload map[string]interface{}) error {
	if req.ReplyTo == "" {
		return apperrors.BusError("request message has no reply topic", nil)
	}
	msg := core.NewMessage(uuid.New().String(), req.ReplyTo, senderID, payload)
	msg.CorrelationID = req.CorrelationID
	return b.PublishMessage(ctx, msg)
}

// Stats returns a snapshot of the bus counters.
func (b *MemoryBus) Stats() *Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := &Stats{
		Topics:        make(map[string]TopicStats, len(b.stats)),
		Subscriptions: len(b.subscriptions),
	}
	for topic, ts := range b.stats {
		out.Topics[topic] = *ts
		out.TotalPublished += ts.Published
		out.TotalDropped += ts.Dropped
	}
	return out
}

// History returns up to n most recent messages on the exact topic, oldest
// first.
func (b *MemoryBus) History(topic string, n int) []*core.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ring := b.history[topic]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]*core.Message, n)
	copy(out, ring[len(ring)-n:])
	return out
}

// Close shuts the bus down and stops every subscription pump.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.active {
			sub.active = false
			close(sub.done)
		}
		sub.mu.Unlock()
	}
	b.logger.Info("memory bus closed")
}

// IsConnected returns true until Close is called.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
