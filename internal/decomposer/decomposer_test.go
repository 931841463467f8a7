package decomposer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func researchPattern() Pattern {
	return Pattern{
		Name:     "research-report",
		Matcher:  KeywordMatcher("research", "investigate"),
		Strategy: core.StrategyDAG,
		SubTasks: []core.SubTaskSpec{
			{Key: "gather", Description: "Gather sources for: {{description}}", RequiredCapability: "web_research"},
			{Key: "analyze", Description: "Analyze findings", RequiredCapability: "analysis", DependsOn: []string{"gather"}},
			{Key: "report", Description: "Write report", RequiredCapability: "writing", DependsOn: []string{"analyze"}},
		},
	}
}

func TestRegisterPatternValidation(t *testing.T) {
	d := New(testLogger(t))

	err := d.RegisterPattern(Pattern{Name: "", Matcher: KeywordMatcher("x"),
		SubTasks: []core.SubTaskSpec{{Key: "a"}}})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	err = d.RegisterPattern(Pattern{Name: "no-matcher",
		SubTasks: []core.SubTaskSpec{{Key: "a"}}})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	err = d.RegisterPattern(Pattern{Name: "empty", Matcher: KeywordMatcher("x")})
	assert.True(t, apperrors.Is(err, apperrors.KindPattern))

	require.NoError(t, d.RegisterPattern(researchPattern()))
	err = d.RegisterPattern(researchPattern())
	assert.True(t, apperrors.Is(err, apperrors.KindValidation), "duplicate name rejected")
}

func TestRegisterPatternRejectsCycle(t *testing.T) {
	d := New(testLogger(t))
	err := d.RegisterPattern(Pattern{
		Name:    "cyclic",
		Matcher: KeywordMatcher("x"),
		SubTasks: []core.SubTaskSpec{
			{Key: "a", DependsOn: []string{"b"}},
			{Key: "b", DependsOn: []string{"a"}},
		},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPattern))
}

func TestRegisterPatternRejectsUnknownDependency(t *testing.T) {
	d := New(testLogger(t))
	err := d.RegisterPattern(Pattern{
		Name:    "dangling",
		Matcher: KeywordMatcher("x"),
		SubTasks: []core.SubTaskSpec{
			{Key: "a", DependsOn: []string{"ghost"}},
		},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPattern))
}

func TestDecomposeEmptyDescription(t *testing.T) {
	d := New(testLogger(t))
	_, err := d.Decompose("t1", "   ", "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestDecomposeFirstMatchWins(t *testing.T) {
	d := New(testLogger(t))
	require.NoError(t, d.RegisterPattern(Pattern{
		Name:     "first",
		Matcher:  KeywordMatcher("research"),
		Strategy: core.StrategySequential,
		SubTasks: []core.SubTaskSpec{{Key: "only", Description: "first"}},
	}))
	require.NoError(t, d.RegisterPattern(researchPattern()))

	plan, err := d.Decompose("t1", "research the market", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", plan.PatternName, "registration order decides")
}

func TestDecomposeExpandsTemplate(t *testing.T) {
	d := New(testLogger(t))
	require.NoError(t, d.RegisterPattern(researchPattern()))

	plan, err := d.Decompose("t1", "investigate quantum chips", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "research-report", plan.PatternName)
	assert.Equal(t, core.StrategyDAG, plan.Strategy)
	require.Len(t, plan.SubTasks, 3)
	assert.Equal(t, "Gather sources for: investigate quantum chips", plan.SubTasks[0].Description)
	assert.Equal(t, []string{"gather"}, plan.SubTasks[1].DependsOn)
	assert.Equal(t, "t1", plan.ParentTaskID)
}

func TestDecomposeFallback(t *testing.T) {
	d := New(testLogger(t))
	require.NoError(t, d.RegisterPattern(researchPattern()))

	plan, err := d.Decompose("t1", "translate this text", "translation", nil)
	require.NoError(t, err)
	assert.Equal(t, "passthrough", plan.PatternName)
	assert.Equal(t, core.StrategySequential, plan.Strategy)
	require.Len(t, plan.SubTasks, 1)
	assert.Equal(t, "translation", plan.SubTasks[0].RequiredCapability)
	assert.Equal(t, "translate this text", plan.SubTasks[0].Description)
}

func TestTopoSortOrder(t *testing.T) {
	order, err := topoSort("p", []core.SubTaskSpec{
		{Key: "c", DependsOn: []string{"a", "b"}},
		{Key: "a"},
		{Key: "b", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestLoadFromBytes(t *testing.T) {
	d := New(testLogger(t))
	yamlDoc := `
patterns:
  - name: code-review
    keywords: ["review", "audit"]
    strategy: dag
    subtasks:
      - key: lint
        description: "Lint the change"
        capability: code_analysis
        priority: 5
      - key: verdict
        description: "Summarize findings"
        capability: writing
        depends_on: [lint]
        estimated_duration_s: 60
`
	require.NoError(t, d.LoadFromBytes([]byte(yamlDoc)))
	assert.Equal(t, []string{"code-review"}, d.Patterns())

	plan, err := d.Decompose("t1", "please review my patch", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "code-review", plan.PatternName)
	require.Len(t, plan.SubTasks, 2)
	assert.Equal(t, 5, plan.SubTasks[0].Priority)
	assert.Equal(t, []string{"lint"}, plan.SubTasks[1].DependsOn)
}

func TestLoadFromBytesRejectsCycle(t *testing.T) {
	d := New(testLogger(t))
	yamlDoc := `
patterns:
  - name: broken
    keywords: ["x"]
    subtasks:
      - key: a
        depends_on: [b]
      - key: b
        depends_on: [a]
`
	err := d.LoadFromBytes([]byte(yamlDoc))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPattern))
}
