// ABOUTME: Attribute value coercion, parsing and formatting
// ABOUTME: Normalises Go values to the canonical representation of each kind

package graph

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Canonical Go types per kind:
//
//	boolean  bool
//	color    Color
//	date     time.Time (UTC midnight)
//	datetime time.Time (UTC)
//	float    float64
//	integer  int
//	icon     string
//	string   string
//	time     time.Duration since midnight

// Coerce converts v to the canonical representation of kind
func Coerce(kind AttributeKind, v any) (any, error) {
	if s, ok := v.(string); ok && kind != KindString && kind != KindIcon {
		return ParseValue(kind, s)
	}

	switch kind {
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindColor:
		switch c := v.(type) {
		case Color:
			return c, nil
		case *Color:
			if c != nil {
				return *c, nil
			}
		}
	case KindDate:
		if t, ok := v.(time.Time); ok {
			return Date(t), nil
		}
	case KindDateTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case KindFloat:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		case int:
			return float64(f), nil
		case int64:
			return float64(f), nil
		}
	case KindInteger:
		switch i := v.(type) {
		case int:
			return i, nil
		case int32:
			return int(i), nil
		case int64:
			return int(i), nil
		case float64:
			if i == float64(int(i)) {
				return int(i), nil
			}
		}
	case KindIcon, KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindTime:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case int:
			return time.Duration(d) * time.Millisecond, nil
		case int64:
			return time.Duration(d) * time.Millisecond, nil
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}

	return nil, fmt.Errorf("%w: %T is not a %s", ErrInvalidValue, v, kind)
}

// ParseValue parses the string form of a value of the given kind
func ParseValue(kind AttributeKind, s string) (any, error) {
	switch kind {
	case KindBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: boolean %q", ErrInvalidValue, s)
		}
		return b, nil
	case KindColor:
		return ParseColor(s)
	case KindDate:
		t, err := time.Parse(DateLayout, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidValue, s)
		}
		return t, nil
	case KindDateTime:
		s = strings.TrimSpace(s)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%w: datetime %q", ErrInvalidValue, s)
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: float %q", ErrInvalidValue, s)
		}
		return f, nil
	case KindInteger:
		i, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: integer %q", ErrInvalidValue, s)
		}
		return i, nil
	case KindIcon, KindString:
		return s, nil
	case KindTime:
		return ParseTimeOfDay(strings.TrimSpace(s))
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
}

// FormatValue renders a canonical value as the string shown to users
func FormatValue(kind AttributeKind, v any) string {
	switch kind {
	case KindBoolean:
		return strconv.FormatBool(v.(bool))
	case KindColor:
		return v.(Color).String()
	case KindDate:
		return v.(time.Time).Format(DateLayout)
	case KindDateTime:
		return v.(time.Time).Format(DateTimeLayout)
	case KindFloat:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case KindInteger:
		return strconv.Itoa(v.(int))
	case KindIcon, KindString:
		return v.(string)
	case KindTime:
		return FormatTimeOfDay(v.(time.Duration))
	}
	return fmt.Sprint(v)
}
