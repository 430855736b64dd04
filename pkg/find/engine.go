// ABOUTME: Query engine running quick and advanced finds against a graph snapshot
// ABOUTME: Quick queries fan out over contiguous element chunks; selection applies results

package find

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/constellation/pkg/graph"
)

const (
	// DefaultMaxThreshold is the element count one quick-query worker is sized for
	DefaultMaxThreshold = 10000

	// Elements scanned between context checks
	checkInterval = 512
)

// Observer receives query outcomes; internal/metrics implements it
type Observer interface {
	ObserveQuery(mode, elementType string, workers, results int, elapsed time.Duration, err error)
	ObserveWorkerFailure(mode string)
	ObserveSelection(selected, stale int)
}

type nopObserver struct{}

func (nopObserver) ObserveQuery(string, string, int, int, time.Duration, error) {}
func (nopObserver) ObserveWorkerFailure(string)                                  {}
func (nopObserver) ObserveSelection(int, int)                                    {}

// Option configures an Engine
type Option func(*Engine)

// WithWorkers caps the number of quick-query workers; n <= 0 uses NumCPU-1
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithMaxThreshold sets the chunk size one worker is sized for
func WithMaxThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxThreshold = n
		}
	}
}

// WithTimeout bounds every query; zero disables the bound
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithObserver reports query outcomes to o
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// Engine runs find queries against one graph
type Engine struct {
	graph        *graph.Graph
	workers      int
	maxThreshold int
	timeout      time.Duration
	log          zerolog.Logger
	observer     Observer

	// called by each quick-query worker before it scans
	workerHook func(worker int)
}

// NewEngine creates an engine for g
func NewEngine(g *graph.Graph, opts ...Option) *Engine {
	e := &Engine{
		graph:        g,
		maxThreshold: DefaultMaxThreshold,
		log:          zerolog.Nop(),
		observer:     nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the graph the engine queries
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

func (e *Engine) availableWorkers() int {
	if e.workers > 0 {
		return e.workers
	}
	return max(1, runtime.NumCPU()-1)
}

// plan returns the worker count and per-worker load for count elements
func (e *Engine) plan(count int) (workers, load int) {
	needed := ceilDiv(count, e.maxThreshold)
	workers = max(1, min(e.availableWorkers(), needed))
	return workers, ceilDiv(count, workers)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// QuickQuery finds every element of type t with an attribute whose string form
// contains term, ignoring case. Results are unordered. On cancellation or timeout
// the results gathered so far are returned with the context error.
func (e *Engine) QuickQuery(ctx context.Context, t graph.ElementType, term string) ([]Result, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rg := e.graph.ReadableGraph()
	defer rg.Release()

	count := rg.ElementCount(t)
	if count == 0 {
		e.finish("quick", t, 0, nil, start, nil)
		return nil, nil
	}

	workers, load := e.plan(count)
	buffers := make([][]Result, workers)

	if workers == 1 {
		e.runWorker(ctx, rg, 0, t, term, 0, count, &buffers[0])
	} else {
		var g errgroup.Group
		for i := 0; i < workers; i++ {
			lo := i * load
			hi := min(count, lo+load)
			if lo >= hi {
				break
			}
			g.Go(func() error {
				e.runWorker(ctx, rg, i, t, term, lo, hi, &buffers[i])
				return nil
			})
		}
		g.Wait()
	}

	var results []Result
	for _, buf := range buffers {
		results = append(results, buf...)
	}

	err := ctx.Err()
	e.finish("quick", t, workers, results, start, err)
	return results, err
}

// runWorker scans positions [lo, hi) into out. A panicking worker leaves out empty.
func (e *Engine) runWorker(ctx context.Context, rg graph.ReadMethods, worker int, t graph.ElementType,
	term string, lo, hi int, out *[]Result) {
	defer func() {
		if p := recover(); p != nil {
			*out = nil
			e.observer.ObserveWorkerFailure("quick")
			e.log.Error().
				Int("worker", worker).
				Int("from", lo).
				Int("to", hi).
				Interface("panic", p).
				Msg("Quick query worker failed, discarding its results")
		}
	}()

	if e.workerHook != nil {
		e.workerHook(worker)
	}

	var buf []Result
	defer func() { *out = buf }()

	scanned := 0
	for i := 0; i < rg.AttributeCount(t); i++ {
		attr := rg.AttributeAt(t, i)
		needle := strings.ToLower(strings.ReplaceAll(term, Separator+attr.Name, ""))

		for pos := lo; pos < hi; pos++ {
			if scanned++; scanned%checkInterval == 0 && ctx.Err() != nil {
				return
			}

			id := rg.Element(t, pos)
			value, ok := rg.StringValue(attr.ID, id)
			if !ok || !strings.Contains(strings.ToLower(value), needle) {
				continue
			}
			buf = append(buf, Result{
				ID:            id,
				UID:           rg.ElementUID(t, id),
				Type:          t,
				AttributeName: attr.Name,
				Value:         value,
			})
		}
	}
}

// compiledRule is a validated rule bound to a graph attribute
type compiledRule struct {
	rule    Rule
	attr    graph.Attribute
	terms   []*string
	pattern *regexp.Regexp
}

func compileRules(rg graph.ReadMethods, t graph.ElementType, rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, &RuleError{Index: i, Attribute: r.Attribute, Err: err}
		}
		attr, ok := rg.Attribute(t, r.Attribute)
		if !ok {
			return nil, &RuleError{Index: i, Attribute: r.Attribute,
				Err: fmt.Errorf("%w: %s.%s", ErrAttributeNotFound, t, r.Attribute)}
		}
		if attr.Kind != r.Kind() {
			return nil, &RuleError{Index: i, Attribute: r.Attribute,
				Err: fmt.Errorf("%w: attribute is %s, rule is %s", ErrKindMismatch, attr.Kind, r.Kind())}
		}

		c := compiledRule{rule: r, attr: attr}
		if args, ok := r.Args.(StringArgs); ok {
			if r.Operator == OpRegex {
				c.pattern, _ = CompilePattern(args.Content, args.CaseSensitive)
			} else if args.UseList {
				for _, term := range strings.Split(args.Content, ",") {
					c.terms = append(c.terms, &term)
				}
			} else {
				content := args.Content
				c.terms = []*string{&content}
			}
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// AdvancedQuery finds elements of type t satisfying the rules combined by mode.
// With no rules ModeAll matches every element and ModeAny matches none.
func (e *Engine) AdvancedQuery(ctx context.Context, rules []Rule, t graph.ElementType, mode Mode) ([]Result, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rg := e.graph.ReadableGraph()
	defer rg.Release()

	compiled, err := compileRules(rg, t, rules)
	if err != nil {
		e.finish("advanced", t, 1, nil, start, err)
		return nil, err
	}

	var results []Result
	count := rg.ElementCount(t)
	for pos := 0; pos < count; pos++ {
		if pos%checkInterval == 0 && ctx.Err() != nil {
			break
		}

		id := rg.Element(t, pos)
		matched, ok := matchElement(rg, compiled, id, mode)
		if !ok {
			continue
		}

		r := Result{ID: id, UID: rg.ElementUID(t, id), Type: t}
		if matched != nil {
			r.AttributeName = matched.attr.Name
			r.Value, _ = rg.StringValue(matched.attr.ID, id)
		}
		results = append(results, r)
	}

	err = ctx.Err()
	e.finish("advanced", t, 1, results, start, err)
	return results, err
}

// Run executes a saved state
func (e *Engine) Run(ctx context.Context, s State) ([]Result, error) {
	return e.AdvancedQuery(ctx, s.Rules, s.ElementType, s.Mode)
}

// matchElement folds the rules over one element, short-circuiting. It returns the
// rule that decided the match: the first satisfied rule for ModeAny, the first rule
// for ModeAll.
func matchElement(rg graph.ReadMethods, rules []compiledRule, id int, mode Mode) (*compiledRule, bool) {
	if len(rules) == 0 {
		return nil, mode == ModeAll
	}

	for i := range rules {
		ok := rules[i].evaluate(rg, id)
		if mode == ModeAny && ok {
			return &rules[i], true
		}
		if mode == ModeAll && !ok {
			return nil, false
		}
	}

	if mode == ModeAll {
		return &rules[0], true
	}
	return nil, false
}

func (c *compiledRule) evaluate(rg graph.ReadMethods, id int) bool {
	op := c.rule.Operator
	attr := c.attr.ID

	switch args := c.rule.Args.(type) {
	case BooleanArgs:
		v, ok := rg.BoolValue(attr, id)
		return ok && BooleanIs(v, args.Value)

	case ColorArgs:
		var item *graph.Color
		if v, ok := rg.ColorValue(attr, id); ok {
			item = &v
		}
		if op == OpIsNot {
			return ColorIsNot(item, &args.Value)
		}
		return ColorIs(item, &args.Value)

	case DateArgs:
		var item *time.Time
		if v, ok := rg.TimeValue(attr, id); ok {
			day := graph.Date(v)
			item = &day
		}
		return evaluateInstant(op, item, args.First, args.Second)

	case DateTimeArgs:
		var item *time.Time
		if v, ok := rg.TimeValue(attr, id); ok {
			sec := v.UTC().Truncate(time.Second)
			item = &sec
		}
		return evaluateInstant(op, item, args.First, args.Second)

	case FloatArgs:
		v, ok := rg.FloatValue(attr, id)
		if !ok {
			return op.Negative()
		}
		return evaluateNumber(op, v, args.First, args.Second)

	case IntegerArgs:
		v, ok := rg.IntValue(attr, id)
		if !ok {
			return op.Negative()
		}
		return evaluateNumber(op, v, args.First, args.Second)

	case IconArgs:
		var item *string
		if v, ok := rg.StringValue(attr, id); ok {
			item = &v
		}
		if op == OpIsNot {
			return IconIsNot(item, &args.Value)
		}
		return IconIs(item, &args.Value)

	case StringArgs:
		var item *string
		if v, ok := rg.StringValue(attr, id); ok {
			item = &v
		}
		if op == OpRegex {
			return StringRegex(item, c.pattern)
		}
		for _, term := range c.terms {
			if evaluateString(op, item, term, args.CaseSensitive) {
				return true
			}
		}
		return false

	case TimeArgs:
		v, ok := rg.TimeOfDayValue(attr, id)
		if !ok {
			return op.Negative()
		}
		switch op {
		case OpOccurredOn:
			return TimeOccurredOn(v, args.First)
		case OpNotOccurredOn:
			return TimeNotOccurredOn(v, args.First)
		case OpOccurredBefore:
			return TimeBefore(v, args.First)
		case OpOccurredAfter:
			return TimeAfter(v, args.First)
		case OpOccurredBetween:
			return TimeBetween(v, args.First, args.Second)
		}
	}
	return false
}

func evaluateInstant(op Operator, item *time.Time, first, second time.Time) bool {
	switch op {
	case OpOccurredOn:
		return DateOccurredOn(item, &first)
	case OpNotOccurredOn:
		return DateNotOccurredOn(item, &first)
	case OpOccurredBefore:
		return DateBefore(item, &first)
	case OpOccurredAfter:
		return DateAfter(item, &first)
	case OpOccurredBetween:
		return DateBetween(item, first, second)
	}
	return false
}

func evaluateNumber[T Number](op Operator, v, first, second T) bool {
	switch op {
	case OpIs:
		return NumberIs(v, first)
	case OpIsNot:
		return NumberIsNot(v, first)
	case OpLessThan:
		return NumberLessThan(v, first)
	case OpGreaterThan:
		return NumberGreaterThan(v, first)
	case OpBetween:
		return NumberBetween(v, first, second)
	}
	return false
}

func evaluateString(op Operator, item, term *string, caseSensitive bool) bool {
	switch op {
	case OpIs:
		return StringIs(item, term, caseSensitive)
	case OpIsNot:
		return StringIsNot(item, term, caseSensitive)
	case OpContains:
		return StringContains(item, term, caseSensitive)
	case OpNotContains:
		return StringNotContains(item, term, caseSensitive)
	case OpBeginsWith:
		return StringBeginsWith(item, term, caseSensitive)
	case OpEndsWith:
		return StringEndsWith(item, term, caseSensitive)
	}
	return false
}

// Select applies results to the engine's graph under an exclusive handle
func (e *Engine) Select(ctx context.Context, results []Result, held bool) (SelectionReport, error) {
	if err := ctx.Err(); err != nil {
		return SelectionReport{}, err
	}

	wg := e.graph.WritableGraph()
	defer wg.Commit()

	report, err := SelectOnGraph(wg, results, held)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to apply selection")
		return report, err
	}

	e.observer.ObserveSelection(report.Selected, report.Stale)
	e.log.Debug().
		Int("selected", report.Selected).
		Int("stale", report.Stale).
		Bool("held", held).
		Msg("Selection applied")
	return report, nil
}

// SelectOnGraph sets the selection flag on every result still present in w.
// Without held the previous selection is cleared first. Selecting a link also
// selects its edges and transactions; selecting an edge also selects its
// transactions. Results whose element was removed or recreated are skipped.
func SelectOnGraph(w graph.WriteMethods, results []Result, held bool) (SelectionReport, error) {
	var report SelectionReport

	if err := graph.EnsureSelectionAttributes(w); err != nil {
		return report, err
	}

	selected := make(map[graph.ElementType]int, 4)
	for _, t := range graph.SelectableTypes() {
		attr, _ := w.Attribute(t, graph.SelectedAttribute)
		selected[t] = attr.ID
	}

	if !held {
		for _, t := range graph.SelectableTypes() {
			for pos := 0; pos < w.ElementCount(t); pos++ {
				if err := w.SetBoolValue(selected[t], w.Element(t, pos), false); err != nil {
					return report, err
				}
			}
		}
	}

	mark := func(t graph.ElementType, id int) error {
		return w.SetBoolValue(selected[t], id, true)
	}

	for _, r := range results {
		if !w.ElementExists(r.Type, r.ID) || w.ElementUID(r.Type, r.ID) != r.UID {
			report.Stale++
			continue
		}

		var err error
		switch r.Type {
		case graph.Vertex, graph.Transaction:
			err = mark(r.Type, r.ID)
		case graph.Edge:
			err = mark(graph.Edge, r.ID)
			for _, tx := range w.EdgeTransactions(r.ID) {
				if err == nil {
					err = mark(graph.Transaction, tx)
				}
			}
		case graph.Link:
			err = mark(graph.Link, r.ID)
			for _, edge := range w.LinkEdges(r.ID) {
				if err == nil {
					err = mark(graph.Edge, edge)
				}
			}
			for _, tx := range w.LinkTransactions(r.ID) {
				if err == nil {
					err = mark(graph.Transaction, tx)
				}
			}
		default:
			report.Stale++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("select %s %d: %w", r.Type, r.ID, err)
		}
		report.Selected++
	}

	return report, nil
}

func (e *Engine) finish(mode string, t graph.ElementType, workers int, results []Result, start time.Time, err error) {
	elapsed := time.Since(start)
	e.observer.ObserveQuery(mode, t.String(), workers, len(results), elapsed, err)

	event := e.log.Debug()
	if err != nil {
		event = e.log.Warn().Err(err)
	}
	event.
		Str("mode", mode).
		Str("element_type", t.String()).
		Int("workers", workers).
		Int("results", len(results)).
		Dur("duration_ms", elapsed).
		Msg("Find query completed")
}
