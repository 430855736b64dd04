// ABOUTME: Find error definitions
// ABOUTME: Sentinel errors and the per-rule compilation error

package find

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOperator     = errors.New("unknown operator")
	ErrUnknownMode         = errors.New("unknown mode")
	ErrUnsupportedOperator = errors.New("operator not supported for attribute kind")
	ErrMissingArgs         = errors.New("rule arguments missing")
	ErrInvalidPattern      = errors.New("invalid regular expression")
	ErrAttributeNotFound   = errors.New("attribute not found")
	ErrKindMismatch        = errors.New("attribute kind does not match rule")
	ErrNoSavedState        = errors.New("no saved find state")
)

// RuleError reports which rule of a query could not be compiled
type RuleError struct {
	Index     int
	Attribute string
	Err       error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d (%s): %v", e.Index, e.Attribute, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
