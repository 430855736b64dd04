// ABOUTME: Graph error definitions
// ABOUTME: Sentinel errors returned by graph accessors and mutators

package graph

import "errors"

var (
	ErrUnknownElementType = errors.New("unknown element type")
	ErrUnknownKind        = errors.New("unknown attribute kind")
	ErrAttributeNotFound  = errors.New("attribute not found")
	ErrAttributeExists    = errors.New("attribute already exists with a different kind")
	ErrElementNotFound    = errors.New("element not found")
	ErrInvalidValue       = errors.New("invalid attribute value")
)
