package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/config"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

// NATSBus implements Bus over a NATS connection, for deployments that
// fan lifecycle events out to external collaborators (audit sinks,
// replay consumers) in other processes. Stats and history are tracked
// locally for messages this process publishes; cross-process counters
// are NATS's concern.
type NATSBus struct {
	conn        *nats.Conn
	mu          sync.RWMutex
	history     map[string][]*core.Message
	stats       map[string]*TopicStats
	subs        int
	historySize int
	logger      *logger.Logger
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
	bus *NATSBus
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if s.bus.subs > 0 {
		s.bus.subs--
	}
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

// toNATSSubject converts a dotted glob pattern to NATS wildcard syntax:
// '*' maps unchanged, a trailing '#' becomes '>'.
func toNATSSubject(pattern string) string {
	return strings.ReplaceAll(pattern, "#", ">")
}

// NewNATSBus connects to NATS with reconnection logic mirroring the
// cluster settings in cfg.
func NewNATSBus(cfg config.BusConfig, log *logger.Logger) (*NATSBus, error) {
	componentLog := log.WithFields(zap.String("component", "bus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				componentLog.Warn("NATS disconnected", zap.Error(err))
			} else {
				componentLog.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			componentLog.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				componentLog.Error("NATS connection closed", zap.Error(err))
			} else {
				componentLog.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, apperrors.BusError("failed to connect to NATS", err)
	}

	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	componentLog.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{
		conn:        conn,
		history:     make(map[string][]*core.Message),
		stats:       make(map[string]*TopicStats),
		historySize: historySize,
		logger:      componentLog,
	}, nil
}

func (b *NATSBus) record(msg *core.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

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
}

// Publish sends a message on the topic.
func (b *NATSBus) Publish(ctx context.Context, senderID, topic string, payload map[string]interface{}) (string, error) {
	msg := core.NewMessage(uuid.New().String(), topic, senderID, payload)
	if err := b.PublishMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// PublishMessage sends a fully formed message on its topic.
func (b *NATSBus) PublishMessage(ctx context.Context, msg *core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.BusError("failed to marshal message", err)
	}
	if err := b.conn.Publish(msg.Topic, data); err != nil {
		return apperrors.BusError("failed to publish message", err)
	}
	b.record(msg)
	return nil
}

// Subscribe creates a subscription to a topic pattern.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(toNATSSubject(pattern), func(m *nats.Msg) {
		var msg core.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message",
				zap.String("subject", m.Subject),
				zap.Error(err))
			return
		}
		// NATS carries the request inbox on the transport envelope, not
		// in the payload; surface it so Respond can route the reply.
		if msg.ReplyTo == "" {
			msg.ReplyTo = m.Reply
		}
		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("message handler error",
				zap.String("subject", m.Subject),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, apperrors.BusError("failed to subscribe to '"+pattern+"'", err)
	}

	b.mu.Lock()
	b.subs++
	b.mu.Unlock()
	return &natsSubscription{sub: sub, bus: b}, nil
}

// Request performs a correlation round trip via NATS request/reply.
func (b *NATSBus) Request(ctx context.Context, senderID, topic string, payload map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	correlationID := uuid.New().String()
	msg := core.NewMessage(uuid.New().String(), topic, senderID, payload)
	msg.CorrelationID = correlationID

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, apperrors.BusError("failed to marshal request", err)
	}

	reply, err := b.conn.Request(topic, data, timeout)
	if err != nil {
		if err == nats.ErrTimeout || err == nats.ErrNoResponders {
			return nil, apperrors.Timeout("request on '" + topic + "'")
		}
		return nil, apperrors.BusError("request on '"+topic+"' failed", err)
	}
	b.record(msg)

	var response core.Message
	if err := json.Unmarshal(reply.Data, &response); err != nil {
		return nil, apperrors.BusError("failed to unmarshal response", err)
	}
	return response.Payload, nil
}

// Respond replies to a request message. Over NATS the reply subject is
// carried in ReplyTo by the subscribing side.
func (b *NATSBus) Respond(ctx context.Context, senderID string, req *core.Message, payload map[string]interface{}) error {
	if req.ReplyTo == "" {
		return apperrors.BusError("request message has no reply topic", nil)
	}
	msg := core.NewMessage(uuid.New().String(), req.ReplyTo, senderID, payload)
	msg.CorrelationID = req.CorrelationID
	return b.PublishMessage(ctx, msg)
}

// Stats returns the locally tracked counter snapshot.
func (b *NATSBus) Stats() *Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := &Stats{
		Topics:        make(map[string]TopicStats, len(b.stats)),
		Subscriptions: b.subs,
	}
	for topic, ts := range b.stats {
		out.Topics[topic] = *ts
		out.TotalPublished += ts.Published
	}
	return out
}

// History returns up to n most recent locally published messages on the
// topic, oldest first.
func (b *NATSBus) History(topic string, n int) []*core.Message {
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

// Close drains the connection gracefully.
func (b *NATSBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
