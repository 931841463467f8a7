package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/balancer"
	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/config"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
	"github.com/agentmesh/core/internal/decomposer"
	"github.com/agentmesh/core/internal/modes"
	"github.com/agentmesh/core/internal/orchestrator"
	"github.com/agentmesh/core/internal/registry"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type apiFixture struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
}

// newAPIFixture wires the full admission surface over an unstarted
// orchestrator: admission, registry and consensus paths need no worker
// pool.
func newAPIFixture(t *testing.T) *apiFixture {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	b := bus.NewMemoryBus(16, 16, log)
	t.Cleanup(b.Close)
	reg := registry.NewRegistry(b, log)
	lb := balancer.New(balancer.LeastLoaded, nil, log)
	orch := orchestrator.New(config.OrchestratorConfig{
		Workers:              1,
		DispatchTimeoutMS:    1000,
		RetryLimit:           0,
		BackoffBaseMS:        10,
		BackoffCapMS:         50,
		FailureWindowSize:    20,
		SuccessRateThreshold: 0.5,
		QueueMaxSize:         100,
	}, reg, b, lb, log)
	dec := decomposer.New(log)
	engine := modes.NewEngine(orch, dec, b, reg, modes.Options{}, log)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), NewHandler(orch, dec, engine, b, log))
	return &apiFixture{router: router, orch: orch, reg: reg}
}

// do performs one JSON request and decodes the response body.
func (f *apiFixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	decoded := map[string]interface{}{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w.Code, decoded
}

// errorKind digs the taxonomy kind out of an error response body.
func errorKind(body map[string]interface{}) string {
	errObj, _ := body["error"].(map[string]interface{})
	kind, _ := errObj["kind"].(string)
	return kind
}

func TestVoteMajority(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/v1/consensus/vote", `{
		"strategy": "majority",
		"opinions": [
			{"agent_id": "a1", "decision": {"kind": "scalar", "scalar_value": "X"}, "confidence": 0.9},
			{"agent_id": "a2", "decision": {"kind": "scalar", "scalar_value": "X"}, "confidence": 0.8},
			{"agent_id": "a3", "decision": {"kind": "scalar", "scalar_value": "Y"}, "confidence": 1.0}
		]
	}`)
	require.Equal(t, http.StatusOK, code)

	decision, ok := body["decision"].(map[string]interface{})
	require.True(t, ok, "response carries the winning decision")
	assert.Equal(t, "X", decision["scalar_value"])
}

func TestVoteRejectsMissingDecisionKind(t *testing.T) {
	f := newAPIFixture(t)
	// Two opinions that should be distinct; without kind validation
	// they would collapse into one bucket and fake unanimity.
	code, body := f.do(t, http.MethodPost, "/api/v1/consensus/vote", `{
		"strategy": "unanimous",
		"opinions": [
			{"agent_id": "a1", "decision": {"scalar_value": "X"}, "confidence": 1.0},
			{"agent_id": "a2", "decision": {"scalar_value": "Y"}, "confidence": 1.0}
		]
	}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.KindValidation), errorKind(body))
}

func TestVoteRejectsMisspelledKind(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/v1/consensus/vote", `{
		"strategy": "majority",
		"opinions": [
			{"agent_id": "a1", "decision": {"kind": "Scalar", "scalar_value": "X"}, "confidence": 1.0}
		]
	}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.KindValidation), errorKind(body))
}

func TestVoteRejectsUnknownStrategy(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/v1/consensus/vote", `{
		"strategy": "quorum",
		"opinions": [
			{"agent_id": "a1", "decision": {"kind": "scalar", "scalar_value": "X"}, "confidence": 1.0}
		]
	}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.KindValidation), errorKind(body))
}

func TestVoteRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/v1/consensus/vote", `{"strategy":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.KindValidation), errorKind(body))
}

func TestSubmitAndGetTask(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/tasks",
		`{"id": "t1", "description": "do the thing", "priority": 5}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "t1", body["task_id"])

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks/t1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(core.TaskQueued), body["status"])

	// Duplicate id is a validation failure.
	code, body = f.do(t, http.MethodPost, "/api/v1/tasks",
		`{"id": "t1", "description": "again"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.KindValidation), errorKind(body))
}

func TestGetUnknownTaskMapsToNotFound(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/v1/tasks/ghost", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(apperrors.KindNotFound), errorKind(body))
}

func TestAgentRegistrationMappings(t *testing.T) {
	f := newAPIFixture(t)

	// Registering an agent of an unknown type is a 404.
	code, body := f.do(t, http.MethodPost, "/api/v1/agents",
		`{"id": "r1", "type_id": "research", "capabilities": ["web_research"]}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(apperrors.KindNotFound), errorKind(body))

	code, _ = f.do(t, http.MethodPost, "/api/v1/agent-types", `{
		"id": "research", "name": "Research", "category": "research",
		"capabilities": [{"id": "web_research", "name": "Web Research"}]
	}`)
	require.Equal(t, http.StatusCreated, code)

	code, body = f.do(t, http.MethodPost, "/api/v1/agents",
		`{"id": "r1", "type_id": "research", "capabilities": ["web_research"], "capacity": 2}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, string(core.AgentIdle), body["status"])

	// Unregistering a loaded agent is a 429 (retryable busy).
	require.NoError(t, f.reg.IncrementLoad("r1"))
	code, body = f.do(t, http.MethodDelete, "/api/v1/agents/r1", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, string(apperrors.KindBusy), errorKind(body))

	require.NoError(t, f.reg.DecrementLoad("r1", true, 20))
	code, _ = f.do(t, http.MethodDelete, "/api/v1/agents/r1", "")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestRegisterPatternsRejectsCycle(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/v1/patterns", `
patterns:
  - name: broken
    keywords: ["x"]
    subtasks:
      - key: a
        depends_on: [b]
      - key: b
        depends_on: [a]
`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperrors.KindPattern), errorKind(body))
}
