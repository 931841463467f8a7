package decomposer

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/core"
)

// patternFile is the YAML shape of a declarative pattern catalog. YAML
// patterns express their matcher as a keyword list: the pattern applies
// when the description contains any keyword (case-insensitive).
type patternFile struct {
	Patterns []patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Name     string        `yaml:"name"`
	Keywords []string      `yaml:"keywords"`
	Strategy string        `yaml:"strategy"`
	SubTasks []subtaskSpec `yaml:"subtasks"`
}

type subtaskSpec struct {
	Key                string   `yaml:"key"`
	Description        string   `yaml:"description"`
	RequiredCapability string   `yaml:"capability"`
	Priority           int      `yaml:"priority"`
	DependsOn          []string `yaml:"depends_on"`
	EstimatedDurationS int      `yaml:"estimated_duration_s"`
}

// KeywordMatcher builds a matcher that fires when the description
// contains any of the keywords, case-insensitive.
func KeywordMatcher(keywords ...string) Matcher {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return func(description string, _ map[string]interface{}) bool {
		d := strings.ToLower(description)
		for _, k := range lowered {
			if strings.Contains(d, k) {
				return true
			}
		}
		return false
	}
}

// LoadFromFile reads a YAML pattern catalog and registers its patterns
// in file order.
func (d *Decomposer) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(err, "failed to read pattern file")
	}
	return d.LoadFromBytes(data)
}

// LoadFromBytes parses and registers a YAML pattern catalog.
func (d *Decomposer) LoadFromBytes(data []byte) error {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return apperrors.Wrap(err, "failed to parse pattern file")
	}

	for _, spec := range file.Patterns {
		if len(spec.Keywords) == 0 {
			return apperrors.PatternError(spec.Name, "must define at least one keyword")
		}
		subtasks := make([]core.SubTaskSpec, len(spec.SubTasks))
		for i, st := range spec.SubTasks {
			subtasks[i] = core.SubTaskSpec{
				Key:                st.Key,
				Description:        st.Description,
				RequiredCapability: st.RequiredCapability,
				Priority:           st.Priority,
				DependsOn:          st.DependsOn,
				EstimatedDuration:  time.Duration(st.EstimatedDurationS) * time.Second,
			}
		}
		pattern := Pattern{
			Name:     spec.Name,
			Matcher:  KeywordMatcher(spec.Keywords...),
			Strategy: core.ExecutionStrategy(spec.Strategy),
			SubTasks: subtasks,
		}
		if err := d.RegisterPattern(pattern); err != nil {
			return err
		}
	}
	return nil
}
