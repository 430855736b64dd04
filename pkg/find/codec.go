// ABOUTME: JSON document form of a find state
// ABOUTME: States are stored on the graph's meta element and survive attribute churn

package find

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nainya/constellation/pkg/graph"
)

// StateAttribute is the meta attribute holding the saved state
const StateAttribute = "find_state"

type stateDocument struct {
	ElementType graph.ElementType `json:"element_type"`
	Mode        Mode              `json:"mode"`
	Held        bool              `json:"held"`
	Rules       []ruleDocument    `json:"rules"`
}

type attributeRef struct {
	Name        string            `json:"name"`
	ElementType graph.ElementType `json:"element_type"`
}

type ruleDocument struct {
	Attribute attributeRef        `json:"attribute"`
	Kind      graph.AttributeKind `json:"kind"`
	Operator  Operator            `json:"operator"`
	Held      bool                `json:"held"`
	Args      json.RawMessage     `json:"args"`
}

type valueArgs[T any] struct {
	Value T `json:"value"`
}

type boundArgs[T any] struct {
	First  T  `json:"first"`
	Second *T `json:"second,omitempty"`
}

// colorArgs keeps the float components so a color survives a round trip exactly.
// Value holds the hex form older documents carry.
type colorArgs struct {
	Value string   `json:"value,omitempty"`
	Red   *float32 `json:"red,omitempty"`
	Green float32  `json:"green"`
	Blue  float32  `json:"blue"`
	Alpha float32  `json:"alpha"`
}

type stringArgs struct {
	Content       string `json:"content"`
	CaseSensitive bool   `json:"case_sensitive"`
	UseList       bool   `json:"use_list"`
}

// DroppedRule is a saved rule that no longer fits the graph
type DroppedRule struct {
	Index     int
	Attribute string
	Reason    error
}

// Marshal encodes a state as its JSON document
func Marshal(s State) ([]byte, error) {
	doc := stateDocument{
		ElementType: s.ElementType,
		Mode:        s.Mode,
		Held:        s.Held,
		Rules:       make([]ruleDocument, 0, len(s.Rules)),
	}

	for i, r := range s.Rules {
		if r.Args == nil {
			return nil, &RuleError{Index: i, Attribute: r.Attribute, Err: ErrMissingArgs}
		}
		args, err := encodeArgs(r.Args, r.Operator)
		if err != nil {
			return nil, &RuleError{Index: i, Attribute: r.Attribute, Err: err}
		}
		doc.Rules = append(doc.Rules, ruleDocument{
			Attribute: attributeRef{Name: r.Attribute, ElementType: r.ElementType},
			Kind:      r.Args.Kind(),
			Operator:  r.Operator,
			Held:      r.Held,
			Args:      args,
		})
	}

	return json.Marshal(doc)
}

// Unmarshal decodes a state document. When rg is non-nil, rules whose attribute is
// missing from rg or has a different kind are dropped and reported instead of failing.
func Unmarshal(data []byte, rg graph.ReadMethods) (State, []DroppedRule, error) {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, nil, fmt.Errorf("decode find state: %w", err)
	}

	s := State{ElementType: doc.ElementType, Mode: doc.Mode, Held: doc.Held}
	var dropped []DroppedRule

	for i, rd := range doc.Rules {
		if rg != nil {
			attr, ok := rg.Attribute(rd.Attribute.ElementType, rd.Attribute.Name)
			if !ok {
				dropped = append(dropped, DroppedRule{Index: i, Attribute: rd.Attribute.Name, Reason: ErrAttributeNotFound})
				continue
			}
			if attr.Kind != rd.Kind {
				dropped = append(dropped, DroppedRule{Index: i, Attribute: rd.Attribute.Name,
					Reason: fmt.Errorf("%w: attribute is %s, rule is %s", ErrKindMismatch, attr.Kind, rd.Kind)})
				continue
			}
		}

		args, err := decodeArgs(rd.Kind, rd.Args)
		if err != nil {
			return State{}, nil, &RuleError{Index: i, Attribute: rd.Attribute.Name, Err: err}
		}
		s.Rules = append(s.Rules, Rule{
			Attribute:   rd.Attribute.Name,
			ElementType: rd.Attribute.ElementType,
			Operator:    rd.Operator,
			Held:        rd.Held,
			Args:        args,
		})
	}

	return s, dropped, nil
}

func encodeArgs(a Args, op Operator) (json.RawMessage, error) {
	var v any
	switch a := a.(type) {
	case BooleanArgs:
		v = valueArgs[bool]{Value: a.Value}
	case ColorArgs:
		red := a.Value.Red
		v = colorArgs{Red: &red, Green: a.Value.Green, Blue: a.Value.Blue, Alpha: a.Value.Alpha}
	case IconArgs:
		v = valueArgs[string]{Value: a.Value}
	case StringArgs:
		v = stringArgs(a)
	case DateArgs:
		v = bounds(op, a.First.Format(graph.DateLayout), a.Second.Format(graph.DateLayout))
	case DateTimeArgs:
		v = bounds(op, a.First.Format(graph.DateTimeLayout), a.Second.Format(graph.DateTimeLayout))
	case FloatArgs:
		v = bounds(op, a.First, a.Second)
	case IntegerArgs:
		v = bounds(op, a.First, a.Second)
	case TimeArgs:
		v = bounds(op, graph.FormatTimeOfDay(a.First), graph.FormatTimeOfDay(a.Second))
	default:
		return nil, fmt.Errorf("%w: %T", graph.ErrUnknownKind, a)
	}
	return json.Marshal(v)
}

func bounds[T any](op Operator, first, second T) boundArgs[T] {
	b := boundArgs[T]{First: first}
	if op.Ranged() {
		b.Second = &second
	}
	return b
}

func decodeArgs(kind graph.AttributeKind, raw json.RawMessage) (Args, error) {
	switch kind {
	case graph.KindBoolean:
		var v valueArgs[bool]
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return BooleanArgs{Value: v.Value}, nil

	case graph.KindColor:
		var v colorArgs
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.Red == nil {
			c, err := graph.ParseColor(v.Value)
			if err != nil {
				return nil, err
			}
			return ColorArgs{Value: c}, nil
		}
		return ColorArgs{Value: graph.Color{Red: *v.Red, Green: v.Green, Blue: v.Blue, Alpha: v.Alpha}}, nil

	case graph.KindIcon:
		var v valueArgs[string]
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return IconArgs{Value: v.Value}, nil

	case graph.KindString:
		var v stringArgs
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return StringArgs(v), nil

	case graph.KindDate:
		first, second, err := decodeBounds(raw, func(s string) (time.Time, error) {
			return time.Parse(graph.DateLayout, s)
		})
		return DateArgs{First: first, Second: second}, err

	case graph.KindDateTime:
		first, second, err := decodeBounds(raw, func(s string) (time.Time, error) {
			return time.Parse(graph.DateTimeLayout, s)
		})
		return DateTimeArgs{First: first.UTC(), Second: second.UTC()}, err

	case graph.KindFloat:
		var v boundArgs[float64]
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return FloatArgs{First: v.First, Second: deref(v.Second)}, nil

	case graph.KindInteger:
		var v boundArgs[int]
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return IntegerArgs{First: v.First, Second: deref(v.Second)}, nil

	case graph.KindTime:
		first, second, err := decodeBounds(raw, graph.ParseTimeOfDay)
		return TimeArgs{First: first, Second: second}, err
	}
	return nil, fmt.Errorf("%w: %d", graph.ErrUnknownKind, int(kind))
}

func decodeBounds[T any](raw json.RawMessage, parse func(string) (T, error)) (first, second T, err error) {
	var v boundArgs[string]
	if err = json.Unmarshal(raw, &v); err != nil {
		return first, second, err
	}
	if first, err = parse(v.First); err != nil {
		return first, second, err
	}
	if v.Second != nil {
		second, err = parse(*v.Second)
	}
	return first, second, err
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// SaveToGraph stores s on the meta element of w
func SaveToGraph(w graph.WriteMethods, s State) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	attr, err := w.AddAttribute(graph.Meta, StateAttribute, graph.KindString, nil)
	if err != nil {
		return fmt.Errorf("define %s: %w", StateAttribute, err)
	}
	return w.SetValue(attr, w.Element(graph.Meta, 0), string(data))
}

// LoadFromGraph restores the state saved on the meta element of r
func LoadFromGraph(r graph.ReadMethods) (State, []DroppedRule, error) {
	attr, ok := r.Attribute(graph.Meta, StateAttribute)
	if !ok {
		return State{}, nil, ErrNoSavedState
	}
	data, ok := r.StringValue(attr.ID, r.Element(graph.Meta, 0))
	if !ok || data == "" {
		return State{}, nil, ErrNoSavedState
	}
	return Unmarshal([]byte(data), r)
}

// ClearFromGraph removes the state saved on the meta element of w
func ClearFromGraph(w graph.WriteMethods) bool {
	attr, ok := w.Attribute(graph.Meta, StateAttribute)
	if !ok {
		return false
	}
	meta := w.Element(graph.Meta, 0)
	if _, ok := w.StringValue(attr.ID, meta); !ok {
		return false
	}
	w.ClearValue(attr.ID, meta)
	return true
}

// IsNoSavedState reports whether err means no state has been saved
func IsNoSavedState(err error) bool {
	return errors.Is(err, ErrNoSavedState)
}
