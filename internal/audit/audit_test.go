package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestSinkRecordsLifecycleEvents(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(64, 64, log)
	defer b.Close()

	sink, err := NewSink(filepath.Join(t.TempDir(), "audit.db"), b, log)
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.Start())

	ctx := context.Background()
	_, err = b.Publish(ctx, "orchestrator", "orchestrator.task.completed",
		map[string]interface{}{"task_id": "t1", "status": "completed"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "modes", "session.debate.started",
		map[string]interface{}{"session_id": "s1"})
	require.NoError(t, err)
	// Non-lifecycle traffic is not recorded.
	_, err = b.Publish(ctx, "r1", "agent.r1.result", map[string]interface{}{"x": 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := sink.Replay(ctx, "", 0)
		return err == nil && len(events) == 2
	}, 2*time.Second, 20*time.Millisecond)

	tasks, err := sink.Replay(ctx, "orchestrator.task", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "orchestrator.task.completed", tasks[0].Topic)
	assert.Equal(t, "t1", tasks[0].Payload["task_id"])

	sessions, err := sink.Replay(ctx, "session.", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].Payload["session_id"])
}
