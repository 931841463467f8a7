package core

import (
	"fmt"
	"sort"
)

// DecisionKind discriminates the two shapes a Decision can take (spec §9
// Design Notes: "Decision = Scalar(int|str) | Struct(map)"). Keeping the
// variant closed lets the consensus package bucket votes by Key() strings
// without resorting to reflection-based deep equality.
type DecisionKind string

const (
	DecisionScalar DecisionKind = "scalar"
	DecisionStruct DecisionKind = "struct"
)

// Decision is an opaque vote value. A Scalar decision carries either an
// int or a string in ScalarValue; a Struct decision carries its map in
// StructValue, and Key() renders that map as a sorted key=value encoding
// so two structurally equal maps get the same key regardless of
// construction order.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	ScalarValue interface{}  `json:"scalar_value,omitempty"`
	StructValue map[string]interface{} `json:"struct_value,omitempty"`
}

// NewScalarDecision wraps an int or string as a Decision. It panics on any
// other type, since the spec restricts Scalar to int|str.
func NewScalarDecision(v interface{}) Decision {
	switch v.(type) {
	case int, string:
		return Decision{Kind: DecisionScalar, ScalarValue: v}
	default:
		panic(fmt.Sprintf("core: scalar decision must be int or string, got %T", v))
	}
}

// NewStructDecision wraps a map as a Decision.
func NewStructDecision(v map[string]interface{}) Decision {
	return Decision{Kind: DecisionStruct, StructValue: v}
}

// Validate checks the variant discriminator and its value field for
// consistency. Decisions built through the constructors are valid by
// construction; this guards decisions that arrive over the wire, where
// a missing or misspelled kind would otherwise collapse distinct
// opinions into one bucket.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionScalar:
		switch d.ScalarValue.(type) {
		case int, string:
			return nil
		case float64:
			// JSON transports deliver numbers as float64.
			return nil
		default:
			return fmt.Errorf("scalar decision must carry an int or string value, got %T", d.ScalarValue)
		}
	case DecisionStruct:
		if d.StructValue == nil {
			return fmt.Errorf("struct decision must carry a map value")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
}

// Value returns the decision's underlying value regardless of kind.
func (d Decision) Value() interface{} {
	if d.Kind == DecisionScalar {
		return d.ScalarValue
	}
	return d.StructValue
}

// Key returns a string uniquely identifying this Decision's value, stable
// across equal structs regardless of map iteration order. Used by the
// consensus package to group opinions into buckets.
func (d Decision) Key() string {
	if d.Kind == DecisionScalar {
		if s, ok := d.ScalarValue.(string); ok {
			return fmt.Sprintf("scalar:%q", s)
		}
		return fmt.Sprintf("scalar:%v", d.ScalarValue)
	}
	return fmt.Sprintf("struct:%s", stableMapEncoding(d.StructValue))
}

// stableMapEncoding renders m's keys in sorted order so the result is
// deterministic regardless of map iteration order.
func stableMapEncoding(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%v", k, m[k])
	}
	return out + "}"
}
