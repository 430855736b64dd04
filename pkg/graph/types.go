// ABOUTME: Attributed graph data model
// ABOUTME: Element types, attribute kinds and the value types stored on elements

package graph

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ElementType identifies a class of graph element
type ElementType int

const (
	Vertex ElementType = iota
	Transaction
	Edge
	Link
	Meta

	numElementTypes = int(Meta) + 1
)

// SelectedAttribute is the boolean attribute holding the selection flag
const SelectedAttribute = "selected"

var elementTypeNames = [numElementTypes]string{"vertex", "transaction", "edge", "link", "meta"}

func (t ElementType) String() string {
	if t < 0 || int(t) >= numElementTypes {
		return fmt.Sprintf("ElementType(%d)", int(t))
	}
	return elementTypeNames[t]
}

// Valid reports whether t is a known element type
func (t ElementType) Valid() bool {
	return t >= 0 && int(t) < numElementTypes
}

// ParseElementType parses the lower-case name of an element type
func ParseElementType(s string) (ElementType, error) {
	for i, name := range elementTypeNames {
		if strings.EqualFold(s, name) {
			return ElementType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownElementType, s)
}

// MarshalText implements encoding.TextMarshaler
func (t ElementType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownElementType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *ElementType) UnmarshalText(text []byte) error {
	parsed, err := ParseElementType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SelectableTypes lists the element types carrying a selection flag
func SelectableTypes() []ElementType {
	return []ElementType{Vertex, Link, Edge, Transaction}
}

// AttributeKind is the value type of an attribute
type AttributeKind int

const (
	KindBoolean AttributeKind = iota + 1
	KindColor
	KindDate
	KindDateTime
	KindFloat
	KindInteger
	KindIcon
	KindString
	KindTime
)

var kindNames = map[AttributeKind]string{
	KindBoolean:  "boolean",
	KindColor:    "color",
	KindDate:     "date",
	KindDateTime: "datetime",
	KindFloat:    "float",
	KindInteger:  "integer",
	KindIcon:     "icon",
	KindString:   "string",
	KindTime:     "time",
}

// AllKinds returns every attribute kind in declaration order
func AllKinds() []AttributeKind {
	return []AttributeKind{
		KindBoolean, KindColor, KindDate, KindDateTime, KindFloat,
		KindInteger, KindIcon, KindString, KindTime,
	}
}

func (k AttributeKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("AttributeKind(%d)", int(k))
}

// ParseKind parses an attribute kind name
func ParseKind(s string) (AttributeKind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler
func (k AttributeKind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AttributeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Attribute describes a named, typed property of one element type
type Attribute struct {
	ID          int
	ElementType ElementType
	Name        string
	Kind        AttributeKind
	Description string
	Default     any // Returned for elements without an explicit value; nil means absent
}

// Color is an RGBA color with components in [0, 1]
type Color struct {
	Red   float32
	Green float32
	Blue  float32
	Alpha float32
}

var namedColors = map[string]Color{
	"black":   {0, 0, 0, 1},
	"white":   {1, 1, 1, 1},
	"red":     {1, 0, 0, 1},
	"green":   {0, 1, 0, 1},
	"blue":    {0, 0, 1, 1},
	"yellow":  {1, 1, 0, 1},
	"cyan":    {0, 1, 1, 1},
	"magenta": {1, 0, 1, 1},
	"grey":    {0.5, 0.5, 0.5, 1},
	"orange":  {1, 0.5, 0, 1},
}

// ParseColor parses "#RRGGBB", "#RRGGBBAA" or a palette name
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if c, ok := namedColors[strings.ToLower(s)]; ok {
		return c, nil
	}

	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 && len(hex) != 8 {
		return Color{}, fmt.Errorf("%w: color %q", ErrInvalidValue, s)
	}

	var comps [4]float32
	comps[3] = 1
	for i := 0; i < len(hex)/2; i++ {
		b, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return Color{}, fmt.Errorf("%w: color %q", ErrInvalidValue, s)
		}
		comps[i] = float32(b) / 255
	}

	return Color{Red: comps[0], Green: comps[1], Blue: comps[2], Alpha: comps[3]}, nil
}

// String renders the color as "#RRGGBB", or "#RRGGBBAA" when translucent
func (c Color) String() string {
	r, g, b, a := toByte(c.Red), toByte(c.Green), toByte(c.Blue), toByte(c.Alpha)
	if a == 255 {
		return fmt.Sprintf("#%02X%02X%02X", r, g, b)
	}
	return fmt.Sprintf("#%02X%02X%02X%02X", r, g, b, a)
}

func toByte(f float32) uint8 {
	return uint8(math.Round(float64(min(max(f, 0), 1)) * 255))
}

// Date truncates t to midnight UTC of its calendar day
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Layouts used to stringify temporal values
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = time.RFC3339
)

// FormatTimeOfDay renders a duration since midnight as HH:MM:SS[.mmm]
func FormatTimeOfDay(d time.Duration) string {
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	sec := (ms / 1000) % 60
	frac := ms % 1000
	if frac != 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, frac)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// ParseTimeOfDay parses HH:MM[:SS[.mmm]] into a duration since midnight
func ParseTimeOfDay(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05.000", "15:04:05", "15:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second +
				time.Duration(t.Nanosecond()), nil
		}
	}
	return 0, fmt.Errorf("%w: time %q", ErrInvalidValue, s)
}
