package find

import "github.com/nainya/constellation/pkg/graph"

// Separator joins a matched value and its attribute name in the recent-search form
const Separator = " | "

// Result is one matched element
type Result struct {
	ID            int
	UID           uint64
	Type          graph.ElementType
	AttributeName string
	Value         string
}

// String renders the result as "value | attribute". Quick queries accept this form
// and strip the suffix before matching against that attribute.
func (r Result) String() string {
	if r.AttributeName == "" {
		return r.Value
	}
	return r.Value + Separator + r.AttributeName
}

// SelectionReport summarises an applied selection
type SelectionReport struct {
	Selected int
	Stale    int
}
