package find

import (
	"fmt"
	"strings"

	"github.com/nainya/constellation/pkg/graph"
)

// Mode combines rule outcomes
type Mode int

const (
	ModeAny Mode = iota // OR
	ModeAll             // AND
)

func (m Mode) String() string {
	switch m {
	case ModeAny:
		return "any"
	case ModeAll:
		return "all"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "any"/"or" and "all"/"and"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any", "or":
		return ModeAny, nil
	case "all", "and":
		return ModeAll, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	if m != ModeAny && m != ModeAll {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// State is a complete advanced query that can be persisted and restored
type State struct {
	ElementType graph.ElementType
	Rules       []Rule
	Mode        Mode
	Held        bool
}

// Validate checks every rule, returning the first failure as a *RuleError
func (s State) Validate() error {
	if !s.ElementType.Valid() {
		return fmt.Errorf("%w: %d", graph.ErrUnknownElementType, int(s.ElementType))
	}
	for i := range s.Rules {
		if err := s.Rules[i].Validate(); err != nil {
			return &RuleError{Index: i, Attribute: s.Rules[i].Attribute, Err: err}
		}
	}
	return nil
}

// StateBuilder assembles a State fluently
type StateBuilder struct {
	state State
}

// NewState starts a state targeting element type t, matching any rule
func NewState(t graph.ElementType) *StateBuilder {
	return &StateBuilder{state: State{ElementType: t, Mode: ModeAny}}
}

// All requires every rule to match
func (b *StateBuilder) All() *StateBuilder {
	b.state.Mode = ModeAll
	return b
}

// Any requires at least one rule to match
func (b *StateBuilder) Any() *StateBuilder {
	b.state.Mode = ModeAny
	return b
}

// Hold keeps the existing selection when results are applied
func (b *StateBuilder) Hold(held bool) *StateBuilder {
	b.state.Held = held
	return b
}

// Rule appends a rule; its element type is forced to the state's
func (b *StateBuilder) Rule(r *Rule) *StateBuilder {
	rule := *r
	rule.ElementType = b.state.ElementType
	b.state.Rules = append(b.state.Rules, rule)
	return b
}

// Build returns the assembled state
func (b *StateBuilder) Build() State {
	s := b.state
	s.Rules = append([]Rule(nil), b.state.Rules...)
	return s
}
