// Package bus provides the topic-based pub/sub transport the core's
// components communicate over.
package bus

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/agentmesh/core/internal/core"
)

// Handler is a function that handles a delivered message.
type Handler func(ctx context.Context, msg *core.Message) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// TopicStats holds per-topic observability counters.
type TopicStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Stats is the bus-wide counter snapshot returned by Stats().
type Stats struct {
	Topics         map[string]TopicStats `json:"topics"`
	Subscriptions  int                   `json:"subscriptions"`
	TotalPublished int64                 `json:"total_published"`
	TotalDropped   int64                 `json:"total_dropped"`
}

// Bus is the communication bus interface. Topic patterns are dotted
// globs: '*' matches exactly one token, '#' matches the remaining tokens
// (e.g. "agent.*.result", "session.debate.#").
type Bus interface {
	// Publish sends a message to every matching subscription and returns
	// the message id.
	Publish(ctx context.Context, senderID, topic string, payload map[string]interface{}) (string, error)

	// PublishMessage sends a fully formed message, preserving its reply
	// and correlation metadata. Used for request/reply round trips.
	PublishMessage(ctx context.Context, msg *core.Message) error

	// Subscribe creates a subscription to a topic pattern.
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// Request publishes to topic and waits for a reply carrying the same
	// correlation id, returning the reply payload.
	Request(ctx context.Context, senderID, topic string, payload map[string]interface{}, timeout time.Duration) (map[string]interface{}, error)

	// Respond replies to a request message on its reply topic, echoing
	// the request's correlation id.
	Respond(ctx context.Context, senderID string, req *core.Message, payload map[string]interface{}) error

	// Stats returns the current counter snapshot.
	Stats() *Stats

	// History returns up to n most recent messages published on the
	// exact topic, oldest first.
	History(topic string, n int) []*core.Message

	// Close shuts the bus down; subsequent publishes fail.
	Close()

	// IsConnected returns transport status.
	IsConnected() bool
}

// matchesTopic checks if a concrete topic matches a pattern.
func matchesTopic(topic, pattern string, regex *regexp.Regexp) bool {
	// If no wildcards, do exact match
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "#") {
		return topic == pattern
	}
	if regex != nil {
		return regex.MatchString(topic)
	}
	return false
}

// compilePattern converts a dotted glob pattern to a regex. '*' matches a
// single token, '#' matches one or more remaining tokens.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "#") {
		return nil
	}

	// Escape special regex characters except our wildcards
	escaped := regexp.QuoteMeta(pattern)

	// Single token: anything except a dot
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)

	// Remaining tokens: anything
	escaped = strings.ReplaceAll(escaped, `#`, `.+`)

	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
