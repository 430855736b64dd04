// ABOUTME: Comparison operators and the operators each attribute kind allows
// ABOUTME: A rule whose operator is not allowed for its kind can never be evaluated

package find

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nainya/constellation/pkg/graph"
)

// Operator is a comparison applied by a rule
type Operator int

const (
	OpIs Operator = iota + 1
	OpIsNot
	OpContains
	OpNotContains
	OpBeginsWith
	OpEndsWith
	OpRegex
	OpLessThan
	OpGreaterThan
	OpBetween
	OpOccurredOn
	OpNotOccurredOn
	OpOccurredBefore
	OpOccurredAfter
	OpOccurredBetween
)

var operatorNames = map[Operator]string{
	OpIs:              "is",
	OpIsNot:           "is_not",
	OpContains:        "contains",
	OpNotContains:     "not_contains",
	OpBeginsWith:      "begins_with",
	OpEndsWith:        "ends_with",
	OpRegex:           "regex",
	OpLessThan:        "less_than",
	OpGreaterThan:     "greater_than",
	OpBetween:         "between",
	OpOccurredOn:      "occurred_on",
	OpNotOccurredOn:   "not_occurred_on",
	OpOccurredBefore:  "occurred_before",
	OpOccurredAfter:   "occurred_after",
	OpOccurredBetween: "occurred_between",
}

var (
	equalityOperators = []Operator{OpIs, OpIsNot}
	numericOperators  = []Operator{OpIs, OpIsNot, OpLessThan, OpGreaterThan, OpBetween}
	temporalOperators = []Operator{OpOccurredOn, OpNotOccurredOn, OpOccurredBefore, OpOccurredAfter, OpOccurredBetween}
	stringOperators   = []Operator{OpIs, OpIsNot, OpContains, OpNotContains, OpBeginsWith, OpEndsWith, OpRegex}
)

var kindOperators = map[graph.AttributeKind][]Operator{
	graph.KindBoolean:  {OpIs},
	graph.KindColor:    equalityOperators,
	graph.KindIcon:     equalityOperators,
	graph.KindFloat:    numericOperators,
	graph.KindInteger:  numericOperators,
	graph.KindDate:     temporalOperators,
	graph.KindDateTime: temporalOperators,
	graph.KindTime:     temporalOperators,
	graph.KindString:   stringOperators,
}

// AllOperators returns every operator in declaration order
func AllOperators() []Operator {
	ops := make([]Operator, 0, len(operatorNames))
	for op := OpIs; op <= OpOccurredBetween; op++ {
		ops = append(ops, op)
	}
	return ops
}

// OperatorsFor returns the operators allowed for an attribute kind
func OperatorsFor(kind graph.AttributeKind) []Operator {
	return slices.Clone(kindOperators[kind])
}

// Supports reports whether op may be evaluated against values of kind
func Supports(kind graph.AttributeKind, op Operator) bool {
	return slices.Contains(kindOperators[kind], op)
}

// Negative reports whether op matches by exclusion.
// Negative operators match elements whose value is absent.
func (op Operator) Negative() bool {
	return op == OpIsNot || op == OpNotContains || op == OpNotOccurredOn
}

// Ranged reports whether op takes two bounds
func (op Operator) Ranged() bool {
	return op == OpBetween || op == OpOccurredBetween
}

func (op Operator) String() string {
	if name, ok := operatorNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operator(%d)", int(op))
}

// ParseOperator parses an operator name such as "is_not"
func ParseOperator(s string) (Operator, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

// MarshalText implements encoding.TextMarshaler
func (op Operator) MarshalText() ([]byte, error) {
	name, ok := operatorNames[op]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperator, int(op))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (op *Operator) UnmarshalText(text []byte) error {
	parsed, err := ParseOperator(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}
