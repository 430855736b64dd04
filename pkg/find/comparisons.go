// ABOUTME: Pure comparison predicates grouped by attribute kind
// ABOUTME: Nullable kinds take pointers; a nil item never satisfies a positive predicate

package find

import (
	"cmp"
	"regexp"
	"strings"
	"time"

	"github.com/nainya/constellation/pkg/graph"
)

// Absent values: positive predicates are false, negative predicates are true
// unless the comparison value is also absent.

// BooleanIs reports item == comparison
func BooleanIs(item, comparison bool) bool {
	return item == comparison
}

// ColorIs reports whether item equals comparison
func ColorIs(item, comparison *graph.Color) bool {
	return item != nil && comparison != nil && *item == *comparison
}

// ColorIsNot reports whether item differs from comparison
func ColorIsNot(item, comparison *graph.Color) bool {
	return comparison != nil && (item == nil || *item != *comparison)
}

// IconIs reports whether item names the same icon as comparison
func IconIs(item, comparison *string) bool {
	return item != nil && comparison != nil && *item == *comparison
}

// IconIsNot reports whether item names a different icon than comparison
func IconIsNot(item, comparison *string) bool {
	return comparison != nil && (item == nil || *item != *comparison)
}

// Number is a numeric attribute value
type Number interface {
	~int | ~int64 | ~float32 | ~float64
}

func NumberIs[T Number](item, comparison T) bool          { return item == comparison }
func NumberIsNot[T Number](item, comparison T) bool       { return item != comparison }
func NumberLessThan[T Number](item, comparison T) bool    { return item < comparison }
func NumberGreaterThan[T Number](item, comparison T) bool { return item > comparison }

// NumberBetween is inclusive and accepts its bounds in either order
func NumberBetween[T Number](item, a, b T) bool {
	return inRange(item, a, b)
}

func inRange[T cmp.Ordered](item, a, b T) bool {
	lower, upper := min(a, b), max(a, b)
	return lower <= item && item <= upper
}

// Date predicates serve both date and datetime kinds; callers truncate the item
// to the precision of the kind first.

// DateOccurredOn reports whether item is the same instant as comparison
func DateOccurredOn(item, comparison *time.Time) bool {
	return item != nil && comparison != nil && item.Equal(*comparison)
}

// DateNotOccurredOn reports whether item is a different instant than comparison
func DateNotOccurredOn(item, comparison *time.Time) bool {
	return comparison != nil && (item == nil || !item.Equal(*comparison))
}

// DateBefore reports whether item is strictly before comparison
func DateBefore(item, comparison *time.Time) bool {
	return item != nil && comparison != nil && item.Before(*comparison)
}

// DateAfter reports whether item is strictly after comparison
func DateAfter(item, comparison *time.Time) bool {
	return item != nil && comparison != nil && item.After(*comparison)
}

// DateBetween is inclusive and accepts its bounds in either order
func DateBetween(item *time.Time, a, b time.Time) bool {
	if item == nil {
		return false
	}
	lower, upper := a, b
	if upper.Before(lower) {
		lower, upper = upper, lower
	}
	return !item.Before(lower) && !item.After(upper)
}

// Time-of-day predicates compare durations since midnight.

func TimeOccurredOn(item, comparison time.Duration) bool    { return item == comparison }
func TimeNotOccurredOn(item, comparison time.Duration) bool { return item != comparison }
func TimeBefore(item, comparison time.Duration) bool        { return item < comparison }
func TimeAfter(item, comparison time.Duration) bool         { return item > comparison }

// TimeBetween is inclusive and accepts its bounds in either order
func TimeBetween(item, a, b time.Duration) bool {
	return inRange(item, a, b)
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// StringIs reports whether item equals comparison
func StringIs(item, comparison *string, caseSensitive bool) bool {
	return item != nil && comparison != nil &&
		fold(*item, caseSensitive) == fold(*comparison, caseSensitive)
}

// StringIsNot reports whether item differs from comparison
func StringIsNot(item, comparison *string, caseSensitive bool) bool {
	return comparison != nil &&
		(item == nil || fold(*item, caseSensitive) != fold(*comparison, caseSensitive))
}

// StringContains reports whether item contains comparison
func StringContains(item, comparison *string, caseSensitive bool) bool {
	return item != nil && comparison != nil &&
		strings.Contains(fold(*item, caseSensitive), fold(*comparison, caseSensitive))
}

// StringNotContains reports whether item does not contain comparison
func StringNotContains(item, comparison *string, caseSensitive bool) bool {
	return comparison != nil &&
		(item == nil || !strings.Contains(fold(*item, caseSensitive), fold(*comparison, caseSensitive)))
}

// StringBeginsWith reports whether item starts with comparison
func StringBeginsWith(item, comparison *string, caseSensitive bool) bool {
	return item != nil && comparison != nil &&
		strings.HasPrefix(fold(*item, caseSensitive), fold(*comparison, caseSensitive))
}

// StringEndsWith reports whether item ends with comparison
func StringEndsWith(item, comparison *string, caseSensitive bool) bool {
	return item != nil && comparison != nil &&
		strings.HasSuffix(fold(*item, caseSensitive), fold(*comparison, caseSensitive))
}

// StringRegex reports whether pattern matches the whole of item.
// pattern should come from CompilePattern.
func StringRegex(item *string, pattern *regexp.Regexp) bool {
	return item != nil && pattern != nil && pattern.MatchString(*item)
}

// CompilePattern compiles a regular expression anchored at both ends
func CompilePattern(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	flags := ""
	if !caseSensitive {
		flags = "(?i)"
	}
	return regexp.Compile(flags + `^(?:` + pattern + `)$`)
}
