package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryBus(t *testing.T) {
	b := NewMemoryBus(0, 0, newTestLogger(t))
	if b == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !b.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *core.Message, 1)

	sub, err := b.Subscribe("test.topic", func(ctx context.Context, msg *core.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	id, err := b.Publish(ctx, "sender-1", "test.topic", map[string]interface{}{"key": "value"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case m := <-received:
		if m.ID != id {
			t.Errorf("Expected message ID %s, got %s", id, m.ID)
		}
		if m.Source != "sender-1" {
			t.Errorf("Expected source sender-1, got %s", m.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_WildcardPatterns(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()

	tests := []struct {
		pattern string
		topic   string
		matches bool
	}{
		{"agent.*.result", "agent.r1.result", true},
		{"agent.*.result", "agent.r1.control", false},
		{"agent.*.result", "agent.r1.sub.result", false},
		{"session.debate.#", "session.debate.started", true},
		{"session.debate.#", "session.debate.round.1", true},
		{"session.debate.#", "session.ensemble.started", false},
		{"orchestrator.task.completed", "orchestrator.task.completed", true},
	}

	for _, tc := range tests {
		var count int32
		sub, err := b.Subscribe(tc.pattern, func(ctx context.Context, msg *core.Message) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", tc.pattern, err)
		}

		if _, err := b.Publish(ctx, "s", tc.topic, nil); err != nil {
			t.Fatalf("Publish(%s) failed: %v", tc.topic, err)
		}

		time.Sleep(50 * time.Millisecond)
		got := atomic.LoadInt32(&count) == 1
		if got != tc.matches {
			t.Errorf("pattern %s vs topic %s: matched=%v, want %v", tc.pattern, tc.topic, got, tc.matches)
		}
		_ = sub.Unsubscribe()
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("fanout.topic", func(ctx context.Context, msg *core.Message) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if _, err := b.Publish(ctx, "s", "fanout.topic", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for fan-out")
	}

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 deliveries, got %d", count)
	}
}

func TestMemoryBus_PerSenderFIFO(t *testing.T) {
	b := NewMemoryBus(128, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	_, err := b.Subscribe("fifo.topic", func(ctx context.Context, msg *core.Message) error {
		mu.Lock()
		order = append(order, msg.Payload["seq"].(int))
		n := len(order)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := b.Publish(ctx, "sender-1", "fifo.topic", map[string]interface{}{"seq": i}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		if seq != i {
			t.Fatalf("Out-of-order delivery at %d: got seq %d", i, seq)
		}
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("unsub.topic", func(ctx context.Context, msg *core.Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	_, _ = b.Publish(ctx, "s", "unsub.topic", nil)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryBus_RequestRespond(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()

	_, err := b.Subscribe("agent.r1.task", func(ctx context.Context, msg *core.Message) error {
		return b.Respond(ctx, "r1", msg, map[string]interface{}{"answer": "42"})
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	payload, err := b.Request(ctx, "orchestrator", "agent.r1.task", map[string]interface{}{"q": "?"}, time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if payload["answer"] != "42" {
		t.Errorf("Expected answer 42, got %v", payload["answer"])
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "orchestrator", "agent.nobody.task", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !apperrors.Is(err, apperrors.KindTimeout) {
		t.Errorf("Expected Timeout kind, got %v", err)
	}
}

func TestMemoryBus_OverflowDropsOldest(t *testing.T) {
	b := NewMemoryBus(2, 16, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	block := make(chan struct{})
	var delivered int32

	_, err := b.Subscribe("slow.topic", func(ctx context.Context, msg *core.Message) error {
		<-block
		atomic.AddInt32(&delivered, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// First message is consumed by the pump and blocks; the 2-deep queue
	// fills; further publishes evict the oldest queued message.
	for i := 0; i < 6; i++ {
		if _, err := b.Publish(ctx, "s", "slow.topic", map[string]interface{}{"i": i}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	time.Sleep(100 * time.Millisecond)

	stats := b.Stats()
	if stats.Topics["slow.topic"].Dropped == 0 {
		t.Error("Expected dropped counter to be incremented")
	}
	if stats.Topics["slow.topic"].Published != 6 {
		t.Errorf("Expected 6 published, got %d", stats.Topics["slow.topic"].Published)
	}
}

func TestMemoryBus_History(t *testing.T) {
	b := NewMemoryBus(16, 3, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, "s", "hist.topic", map[string]interface{}{"i": i}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Ring keeps only the last 3.
	history := b.History("hist.topic", 10)
	if len(history) != 3 {
		t.Fatalf("Expected 3 messages in history, got %d", len(history))
	}
	if history[0].Payload["i"] != 2 || history[2].Payload["i"] != 4 {
		t.Errorf("Expected oldest-first window [2..4], got %v..%v",
			history[0].Payload["i"], history[2].Payload["i"])
	}

	history = b.History("hist.topic", 1)
	if len(history) != 1 || history[0].Payload["i"] != 4 {
		t.Errorf("Expected most recent message, got %v", history)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(16, 16, newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if _, err := b.Publish(context.Background(), "s", "x", nil); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("x", func(ctx context.Context, msg *core.Message) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}
