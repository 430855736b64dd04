// ABOUTME: Find rules and their kind-specific argument variants
// ABOUTME: A rule carries exactly one Args variant matching its attribute kind

package find

import (
	"fmt"
	"time"

	"github.com/nainya/constellation/pkg/graph"
)

// Args holds the comparison values of a rule. Each attribute kind has one variant.
type Args interface {
	Kind() graph.AttributeKind
	check(op Operator) error
}

// BooleanArgs compares against a single flag
type BooleanArgs struct {
	Value bool
}

// ColorArgs compares against a single color
type ColorArgs struct {
	Value graph.Color
}

// DateArgs holds calendar days; Second is only read by occurred_between
type DateArgs struct {
	First  time.Time
	Second time.Time
}

// DateTimeArgs holds instants; Second is only read by occurred_between
type DateTimeArgs struct {
	First  time.Time
	Second time.Time
}

// FloatArgs holds float bounds; Second is only read by between
type FloatArgs struct {
	First  float64
	Second float64
}

// IntegerArgs holds integer bounds; Second is only read by between
type IntegerArgs struct {
	First  int
	Second int
}

// IconArgs compares against an icon name
type IconArgs struct {
	Value string
}

// StringArgs holds the text to compare against.
// With UseList the content is split on commas and any term may match.
// Terms are used as written, so "a, b" looks for " b".
type StringArgs struct {
	Content       string
	CaseSensitive bool
	UseList       bool
}

// TimeArgs holds times of day; Second is only read by occurred_between
type TimeArgs struct {
	First  time.Duration
	Second time.Duration
}

func (BooleanArgs) Kind() graph.AttributeKind  { return graph.KindBoolean }
func (ColorArgs) Kind() graph.AttributeKind    { return graph.KindColor }
func (DateArgs) Kind() graph.AttributeKind     { return graph.KindDate }
func (DateTimeArgs) Kind() graph.AttributeKind { return graph.KindDateTime }
func (FloatArgs) Kind() graph.AttributeKind    { return graph.KindFloat }
func (IntegerArgs) Kind() graph.AttributeKind  { return graph.KindInteger }
func (IconArgs) Kind() graph.AttributeKind     { return graph.KindIcon }
func (StringArgs) Kind() graph.AttributeKind   { return graph.KindString }
func (TimeArgs) Kind() graph.AttributeKind     { return graph.KindTime }

func (BooleanArgs) check(Operator) error  { return nil }
func (ColorArgs) check(Operator) error    { return nil }
func (FloatArgs) check(Operator) error    { return nil }
func (IntegerArgs) check(Operator) error  { return nil }
func (IconArgs) check(Operator) error     { return nil }
func (TimeArgs) check(Operator) error     { return nil }
func (a DateArgs) check(op Operator) error { return checkTimes(op, a.First, a.Second) }

func (a DateTimeArgs) check(op Operator) error { return checkTimes(op, a.First, a.Second) }

func checkTimes(op Operator, first, second time.Time) error {
	if first.IsZero() {
		return fmt.Errorf("%w: first date", ErrMissingArgs)
	}
	if op.Ranged() && second.IsZero() {
		return fmt.Errorf("%w: second date", ErrMissingArgs)
	}
	return nil
}

func (a StringArgs) check(op Operator) error {
	if op != OpRegex {
		return nil
	}
	if _, err := CompilePattern(a.Content, a.CaseSensitive); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

// Rule is one predicate of an advanced query
type Rule struct {
	Attribute   string
	ElementType graph.ElementType
	Operator    Operator
	Held        bool
	Args        Args
}

// NewRule returns an empty rule on the named attribute
func NewRule(t graph.ElementType, attribute string) *Rule {
	return &Rule{Attribute: attribute, ElementType: t}
}

// Kind returns the attribute kind the rule compares, or 0 when unset
func (r *Rule) Kind() graph.AttributeKind {
	if r.Args == nil {
		return 0
	}
	return r.Args.Kind()
}

// Validate checks the operator against the kind and the arguments against the operator
func (r *Rule) Validate() error {
	if r.Args == nil {
		return ErrMissingArgs
	}
	if !Supports(r.Args.Kind(), r.Operator) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, r.Operator, r.Args.Kind())
	}
	return r.Args.check(r.Operator)
}

// Clear resets the operator, arguments and held flag, keeping the attribute
func (r *Rule) Clear() *Rule {
	r.Operator = 0
	r.Held = false
	r.Args = nil
	return r
}

// Hold marks the rule as adding to the current selection
func (r *Rule) Hold(held bool) *Rule {
	r.Held = held
	return r
}

func (r *Rule) set(op Operator, args Args) *Rule {
	r.Operator = op
	r.Args = args
	return r
}

func (r *Rule) SetBoolean(op Operator, value bool) *Rule {
	return r.set(op, BooleanArgs{Value: value})
}

func (r *Rule) SetColor(op Operator, value graph.Color) *Rule {
	return r.set(op, ColorArgs{Value: value})
}

// SetDate truncates both bounds to their calendar day
func (r *Rule) SetDate(op Operator, first, second time.Time) *Rule {
	args := DateArgs{First: graph.Date(first)}
	if !second.IsZero() {
		args.Second = graph.Date(second)
	}
	return r.set(op, args)
}

// SetDateTime truncates both bounds to the second
func (r *Rule) SetDateTime(op Operator, first, second time.Time) *Rule {
	return r.set(op, DateTimeArgs{
		First:  first.UTC().Truncate(time.Second),
		Second: second.UTC().Truncate(time.Second),
	})
}

func (r *Rule) SetFloat(op Operator, first, second float64) *Rule {
	return r.set(op, FloatArgs{First: first, Second: second})
}

func (r *Rule) SetInteger(op Operator, first, second int) *Rule {
	return r.set(op, IntegerArgs{First: first, Second: second})
}

func (r *Rule) SetIcon(op Operator, value string) *Rule {
	return r.set(op, IconArgs{Value: value})
}

func (r *Rule) SetString(op Operator, content string, caseSensitive, useList bool) *Rule {
	return r.set(op, StringArgs{Content: content, CaseSensitive: caseSensitive, UseList: useList})
}

func (r *Rule) SetTime(op Operator, first, second time.Duration) *Rule {
	return r.set(op, TimeArgs{First: first, Second: second})
}
