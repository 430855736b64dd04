// ABOUTME: In-memory attributed graph with snapshot handles
// ABOUTME: Vertices and transactions, derived edges and links, typed attribute storage

package graph

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// element is one slot of an element table
type element struct {
	uid   uint64
	alive bool
	pos   int // Index into elementTable.order

	// Transactions
	src, dst int
	directed bool
	edge     int
	link     int

	// Vertices: incident transactions. Edges and links: member transactions.
	members []int

	// Links: member edges
	edges []int
}

// elementTable keeps slot ids stable while exposing live elements densely by position
type elementTable struct {
	slots []element
	order []int
	free  []int
}

func (t *elementTable) add(uid uint64) int {
	var id int
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[id] = element{}
	} else {
		id = len(t.slots)
		t.slots = append(t.slots, element{})
	}

	t.slots[id].uid = uid
	t.slots[id].alive = true
	t.slots[id].pos = len(t.order)
	t.order = append(t.order, id)
	return id
}

func (t *elementTable) remove(id int) {
	pos := t.slots[id].pos
	last := len(t.order) - 1
	moved := t.order[last]
	t.order[pos] = moved
	t.slots[moved].pos = pos
	t.order = t.order[:last]

	t.slots[id].alive = false
	t.free = append(t.free, id)
}

func (t *elementTable) exists(id int) bool {
	return id >= 0 && id < len(t.slots) && t.slots[id].alive
}

type attributeData struct {
	Attribute
	values map[int]any
}

type edgeKey struct {
	src, dst int
	directed bool
}

type linkKey struct {
	low, high int
}

// store holds graph state; its exported methods are the read accessors
type store struct {
	id          string
	tables      [numElementTypes]elementTable
	attrs       []*attributeData
	attrsByType [numElementTypes][]int
	edgeIndex   map[edgeKey]int
	linkIndex   map[linkKey]int
}

// Graph is a concurrently readable attributed graph.
// Readers share a ReadableGraph snapshot; a single WritableGraph excludes them.
type Graph struct {
	mu sync.RWMutex
	s  *store
}

// New creates an empty graph; an empty id is replaced by a random UUID
func New(id string) *Graph {
	if id == "" {
		id = uuid.NewString()
	}

	s := &store{
		id:        id,
		edgeIndex: make(map[edgeKey]int),
		linkIndex: make(map[linkKey]int),
	}
	s.tables[Meta].add(s.newUID())

	return &Graph{s: s}
}

// ID returns the graph identifier
func (g *Graph) ID() string {
	return g.s.id
}

// ReadableGraph acquires a read-only snapshot. Release must be called once done.
func (g *Graph) ReadableGraph() *ReadableGraph {
	g.mu.RLock()
	return &ReadableGraph{store: g.s, unlock: g.mu.RUnlock}
}

// WritableGraph acquires exclusive write access. Commit must be called once done.
func (g *Graph) WritableGraph() *WritableGraph {
	g.mu.Lock()
	return &WritableGraph{store: g.s, unlock: g.mu.Unlock}
}

// View runs fn against a snapshot and releases it afterwards
func (g *Graph) View(fn func(r *ReadableGraph) error) error {
	rg := g.ReadableGraph()
	defer rg.Release()
	return fn(rg)
}

// Update runs fn with write access and commits afterwards
func (g *Graph) Update(fn func(w *WritableGraph) error) error {
	wg := g.WritableGraph()
	defer wg.Commit()
	return fn(wg)
}

// ReadableGraph is a read-only snapshot handle
type ReadableGraph struct {
	*store
	once   sync.Once
	unlock func()
}

// Release gives the snapshot back; repeated calls are no-ops
func (r *ReadableGraph) Release() {
	r.once.Do(r.unlock)
}

// WritableGraph is an exclusive write handle
type WritableGraph struct {
	*store
	once   sync.Once
	unlock func()
}

// Commit ends the write; repeated calls are no-ops
func (w *WritableGraph) Commit() {
	w.once.Do(w.unlock)
}

// ReadMethods is the read surface shared by both handle types
type ReadMethods interface {
	ID() string
	ElementCount(t ElementType) int
	Element(t ElementType, position int) int
	ElementUID(t ElementType, id int) uint64
	ElementExists(t ElementType, id int) bool
	AttributeCount(t ElementType) int
	AttributeAt(t ElementType, position int) Attribute
	Attribute(t ElementType, name string) (Attribute, bool)
	AttributeByID(attr int) (Attribute, bool)
	Value(attr, id int) (any, bool)
	StringValue(attr, id int) (string, bool)
	BoolValue(attr, id int) (bool, bool)
	ColorValue(attr, id int) (Color, bool)
	FloatValue(attr, id int) (float64, bool)
	IntValue(attr, id int) (int, bool)
	TimeValue(attr, id int) (time.Time, bool)
	TimeOfDayValue(attr, id int) (time.Duration, bool)
	TransactionEndpoints(id int) (src, dst int, directed bool)
	LinkEdges(link int) []int
	LinkTransactions(link int) []int
	EdgeTransactions(edge int) []int
}

// WriteMethods extends ReadMethods with mutation
type WriteMethods interface {
	ReadMethods
	AddAttribute(t ElementType, name string, kind AttributeKind, def any) (int, error)
	AddVertex() int
	AddTransaction(src, dst int, directed bool) (int, error)
	RemoveVertex(id int) error
	RemoveTransaction(id int) error
	SetValue(attr, id int, v any) error
	SetStringValue(attr, id int, s string) error
	SetBoolValue(attr, id int, v bool) error
	ClearValue(attr, id int)
}

var (
	_ ReadMethods  = (*ReadableGraph)(nil)
	_ WriteMethods = (*WritableGraph)(nil)
)

// uids is shared by every graph in the process so that a reloaded graph never
// hands out a token a previous instance already used
var uids atomic.Uint64

func (s *store) newUID() uint64 {
	return uids.Add(1)
}

// ID returns the graph identifier
func (s *store) ID() string {
	return s.id
}

// ElementCount returns the number of live elements of type t
func (s *store) ElementCount(t ElementType) int {
	if !t.Valid() {
		return 0
	}
	return len(s.tables[t].order)
}

// Element returns the id of the element at position in [0, ElementCount)
func (s *store) Element(t ElementType, position int) int {
	return s.tables[t].order[position]
}

// ElementUID returns the identity token of a live element, or 0
func (s *store) ElementUID(t ElementType, id int) uint64 {
	if !s.ElementExists(t, id) {
		return 0
	}
	return s.tables[t].slots[id].uid
}

// ElementExists reports whether id is a live element of type t
func (s *store) ElementExists(t ElementType, id int) bool {
	return t.Valid() && s.tables[t].exists(id)
}

// AttributeCount returns the number of attributes defined for t
func (s *store) AttributeCount(t ElementType) int {
	if !t.Valid() {
		return 0
	}
	return len(s.attrsByType[t])
}

// AttributeAt returns the attribute at position in [0, AttributeCount)
func (s *store) AttributeAt(t ElementType, position int) Attribute {
	return s.attrs[s.attrsByType[t][position]].Attribute
}

// Attribute looks up an attribute by element type and name
func (s *store) Attribute(t ElementType, name string) (Attribute, bool) {
	if !t.Valid() {
		return Attribute{}, false
	}
	for _, id := range s.attrsByType[t] {
		if s.attrs[id].Name == name {
			return s.attrs[id].Attribute, true
		}
	}
	return Attribute{}, false
}

// AttributeByID looks up an attribute by id
func (s *store) AttributeByID(attr int) (Attribute, bool) {
	if attr < 0 || attr >= len(s.attrs) {
		return Attribute{}, false
	}
	return s.attrs[attr].Attribute, true
}

// Value returns the canonical value of attr on element id, falling back to the default
func (s *store) Value(attr, id int) (any, bool) {
	if attr < 0 || attr >= len(s.attrs) {
		return nil, false
	}
	a := s.attrs[attr]
	if !s.tables[a.ElementType].exists(id) {
		return nil, false
	}
	if v, ok := a.values[id]; ok {
		return v, true
	}
	if a.Default != nil {
		return a.Default, true
	}
	return nil, false
}

// StringValue returns the value of attr on element id in its string form
func (s *store) StringValue(attr, id int) (string, bool) {
	v, ok := s.Value(attr, id)
	if !ok {
		return "", false
	}
	return FormatValue(s.attrs[attr].Kind, v), true
}

// BoolValue returns a boolean value
func (s *store) BoolValue(attr, id int) (bool, bool) {
	v, ok := s.Value(attr, id)
	b, isBool := v.(bool)
	return b, ok && isBool
}

// ColorValue returns a color value
func (s *store) ColorValue(attr, id int) (Color, bool) {
	v, ok := s.Value(attr, id)
	c, isColor := v.(Color)
	return c, ok && isColor
}

// FloatValue returns a float value
func (s *store) FloatValue(attr, id int) (float64, bool) {
	v, ok := s.Value(attr, id)
	f, isFloat := v.(float64)
	return f, ok && isFloat
}

// IntValue returns an integer value
func (s *store) IntValue(attr, id int) (int, bool) {
	v, ok := s.Value(attr, id)
	i, isInt := v.(int)
	return i, ok && isInt
}

// TimeValue returns a date or datetime value
func (s *store) TimeValue(attr, id int) (time.Time, bool) {
	v, ok := s.Value(attr, id)
	t, isTime := v.(time.Time)
	return t, ok && isTime
}

// TimeOfDayValue returns a time-of-day value
func (s *store) TimeOfDayValue(attr, id int) (time.Duration, bool) {
	v, ok := s.Value(attr, id)
	d, isDur := v.(time.Duration)
	return d, ok && isDur
}

// TransactionEndpoints returns the source and destination vertices of a transaction
func (s *store) TransactionEndpoints(id int) (src, dst int, directed bool) {
	e := &s.tables[Transaction].slots[id]
	return e.src, e.dst, e.directed
}

// LinkEdges returns the edges grouped under a link
func (s *store) LinkEdges(link int) []int {
	if !s.tables[Link].exists(link) {
		return nil
	}
	return append([]int(nil), s.tables[Link].slots[link].edges...)
}

// LinkTransactions returns the transactions grouped under a link
func (s *store) LinkTransactions(link int) []int {
	if !s.tables[Link].exists(link) {
		return nil
	}
	return append([]int(nil), s.tables[Link].slots[link].members...)
}

// EdgeTransactions returns the transactions grouped under an edge
func (s *store) EdgeTransactions(edge int) []int {
	if !s.tables[Edge].exists(edge) {
		return nil
	}
	return append([]int(nil), s.tables[Edge].slots[edge].members...)
}

// AddAttribute defines an attribute, returning the existing id when one with the same
// name and kind is already present
func (w *WritableGraph) AddAttribute(t ElementType, name string, kind AttributeKind, def any) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownElementType, int(t))
	}
	if existing, ok := w.Attribute(t, name); ok {
		if existing.Kind != kind {
			return 0, fmt.Errorf("%w: %s.%s is %s", ErrAttributeExists, t, name, existing.Kind)
		}
		return existing.ID, nil
	}

	if def != nil {
		coerced, err := Coerce(kind, def)
		if err != nil {
			return 0, fmt.Errorf("default for %s.%s: %w", t, name, err)
		}
		def = coerced
	}

	id := len(w.attrs)
	w.attrs = append(w.attrs, &attributeData{
		Attribute: Attribute{
			ID:          id,
			ElementType: t,
			Name:        name,
			Kind:        kind,
			Default:     def,
		},
		values: make(map[int]any),
	})
	w.attrsByType[t] = append(w.attrsByType[t], id)
	return id, nil
}

// AddVertex creates a vertex
func (w *WritableGraph) AddVertex() int {
	return w.tables[Vertex].add(w.newUID())
}

// AddTransaction creates a transaction between two vertices, creating its edge and link
// when needed
func (w *WritableGraph) AddTransaction(src, dst int, directed bool) (int, error) {
	if !w.tables[Vertex].exists(src) {
		return 0, fmt.Errorf("%w: vertex %d", ErrElementNotFound, src)
	}
	if !w.tables[Vertex].exists(dst) {
		return 0, fmt.Errorf("%w: vertex %d", ErrElementNotFound, dst)
	}

	tx := w.tables[Transaction].add(w.newUID())

	lk := linkKey{low: min(src, dst), high: max(src, dst)}
	link, ok := w.linkIndex[lk]
	if !ok {
		link = w.tables[Link].add(w.newUID())
		w.linkIndex[lk] = link
	}

	ek := edgeKey{src: src, dst: dst, directed: directed}
	if !directed {
		ek.src, ek.dst = lk.low, lk.high
	}
	edge, ok := w.edgeIndex[ek]
	if !ok {
		edge = w.tables[Edge].add(w.newUID())
		w.edgeIndex[ek] = edge
		w.tables[Edge].slots[edge].link = link
		w.tables[Link].slots[link].edges = append(w.tables[Link].slots[link].edges, edge)
	}

	t := &w.tables[Transaction].slots[tx]
	t.src, t.dst, t.directed = src, dst, directed
	t.edge, t.link = edge, link

	w.tables[Edge].slots[edge].members = append(w.tables[Edge].slots[edge].members, tx)
	w.tables[Link].slots[link].members = append(w.tables[Link].slots[link].members, tx)
	w.tables[Vertex].slots[src].members = append(w.tables[Vertex].slots[src].members, tx)
	if dst != src {
		w.tables[Vertex].slots[dst].members = append(w.tables[Vertex].slots[dst].members, tx)
	}

	return tx, nil
}

// RemoveTransaction deletes a transaction, dropping its edge and link once empty
func (w *WritableGraph) RemoveTransaction(id int) error {
	if !w.tables[Transaction].exists(id) {
		return fmt.Errorf("%w: transaction %d", ErrElementNotFound, id)
	}

	t := w.tables[Transaction].slots[id]
	edge := &w.tables[Edge].slots[t.edge]
	edge.members = without(edge.members, id)
	link := &w.tables[Link].slots[t.link]
	link.members = without(link.members, id)

	src := &w.tables[Vertex].slots[t.src]
	src.members = without(src.members, id)
	if t.dst != t.src {
		dst := &w.tables[Vertex].slots[t.dst]
		dst.members = without(dst.members, id)
	}

	if len(edge.members) == 0 {
		link.edges = without(link.edges, t.edge)
		for k, v := range w.edgeIndex {
			if v == t.edge {
				delete(w.edgeIndex, k)
				break
			}
		}
		w.removeElement(Edge, t.edge)
	}
	if len(link.members) == 0 {
		delete(w.linkIndex, linkKey{low: min(t.src, t.dst), high: max(t.src, t.dst)})
		w.removeElement(Link, t.link)
	}

	w.removeElement(Transaction, id)
	return nil
}

// RemoveVertex deletes a vertex and every transaction touching it
func (w *WritableGraph) RemoveVertex(id int) error {
	if !w.tables[Vertex].exists(id) {
		return fmt.Errorf("%w: vertex %d", ErrElementNotFound, id)
	}

	incident := append([]int(nil), w.tables[Vertex].slots[id].members...)
	for _, tx := range incident {
		if err := w.RemoveTransaction(tx); err != nil {
			return err
		}
	}

	w.removeElement(Vertex, id)
	return nil
}

func (w *WritableGraph) removeElement(t ElementType, id int) {
	for _, attr := range w.attrsByType[t] {
		delete(w.attrs[attr].values, id)
	}
	w.tables[t].remove(id)
}

// SetValue stores v on element id after coercing it to the attribute kind; nil clears
func (w *WritableGraph) SetValue(attr, id int, v any) error {
	if attr < 0 || attr >= len(w.attrs) {
		return fmt.Errorf("%w: id %d", ErrAttributeNotFound, attr)
	}
	a := w.attrs[attr]
	if !w.tables[a.ElementType].exists(id) {
		return fmt.Errorf("%w: %s %d", ErrElementNotFound, a.ElementType, id)
	}
	if v == nil {
		delete(a.values, id)
		return nil
	}

	coerced, err := Coerce(a.Kind, v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", a.ElementType, a.Name, err)
	}
	a.values[id] = coerced
	return nil
}

// SetStringValue parses s according to the attribute kind and stores it
func (w *WritableGraph) SetStringValue(attr, id int, s string) error {
	a, ok := w.AttributeByID(attr)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrAttributeNotFound, attr)
	}
	v, err := ParseValue(a.Kind, s)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", a.ElementType, a.Name, err)
	}
	return w.SetValue(attr, id, v)
}

// SetBoolValue stores a boolean value
func (w *WritableGraph) SetBoolValue(attr, id int, v bool) error {
	return w.SetValue(attr, id, v)
}

// ClearValue removes the explicit value of attr on element id
func (w *WritableGraph) ClearValue(attr, id int) {
	if attr >= 0 && attr < len(w.attrs) {
		delete(w.attrs[attr].values, id)
	}
}

// EnsureSelectionAttributes defines the selection flag on every selectable element type
func EnsureSelectionAttributes(w WriteMethods) error {
	for _, t := range SelectableTypes() {
		if _, err := w.AddAttribute(t, SelectedAttribute, KindBoolean, false); err != nil {
			return err
		}
	}
	return nil
}

func without(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
