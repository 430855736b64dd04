package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
)

// rangeSeparator splits the two bounds of a ranged rule value
const rangeSeparator = ".."

type stringOptions struct {
	caseSensitive bool
	useList       bool
}

// parseRule turns "attribute:operator:value" into a rule whose arguments are
// typed by the attribute's kind in rg
func parseRule(rg graph.ReadMethods, t graph.ElementType, expr string, opts stringOptions) (*find.Rule, error) {
	parts := strings.SplitN(expr, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid rule %q: want attribute:operator:value", expr)
	}
	name, value := strings.TrimSpace(parts[0]), parts[2]

	attr, ok := rg.Attribute(t, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", find.ErrAttributeNotFound, name)
	}
	op, err := find.ParseOperator(parts[1])
	if err != nil {
		return nil, err
	}

	first, second := value, ""
	if op.Ranged() {
		var found bool
		first, second, found = strings.Cut(value, rangeSeparator)
		if !found {
			return nil, fmt.Errorf("%w: %s needs first%ssecond", find.ErrMissingArgs, op, rangeSeparator)
		}
	}

	rule := find.NewRule(t, attr.Name)
	switch attr.Kind {
	case graph.KindString:
		return rule.SetString(op, value, opts.caseSensitive, opts.useList), nil
	case graph.KindIcon:
		return rule.SetIcon(op, value), nil
	case graph.KindDate, graph.KindDateTime:
		a, b, err := parseBounds(first, second, parseInstant)
		if err != nil {
			return nil, err
		}
		if attr.Kind == graph.KindDate {
			return rule.SetDate(op, a, b), nil
		}
		return rule.SetDateTime(op, a, b), nil
	}

	parse := func(s string) (any, error) { return graph.ParseValue(attr.Kind, s) }
	a, b, err := parseBounds(first, second, parse)
	if err != nil {
		return nil, err
	}

	switch attr.Kind {
	case graph.KindBoolean:
		return rule.SetBoolean(op, a.(bool)), nil
	case graph.KindColor:
		return rule.SetColor(op, a.(graph.Color)), nil
	case graph.KindFloat:
		return rule.SetFloat(op, a.(float64), orZero[float64](b)), nil
	case graph.KindInteger:
		return rule.SetInteger(op, a.(int), orZero[int](b)), nil
	case graph.KindTime:
		return rule.SetTime(op, a.(time.Duration), orZero[time.Duration](b)), nil
	}
	return nil, fmt.Errorf("%w: %s", graph.ErrUnknownKind, attr.Kind)
}

func parseBounds[T any](first, second string, parse func(string) (T, error)) (a, b T, err error) {
	if a, err = parse(first); err != nil {
		return a, b, err
	}
	if second != "" {
		b, err = parse(second)
	}
	return a, b, err
}

// parseInstant accepts any common date or datetime layout, reading zoneless
// values as UTC
func parseInstant(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", graph.ErrInvalidValue, s, err)
	}
	return t, nil
}

func orZero[T any](v any) T {
	t, _ := v.(T)
	return t
}
