// ABOUTME: Tests for the in-memory graph
// ABOUTME: Verifies element grouping, identity tokens, typed values and snapshots

package graph

import (
	"errors"
	"testing"
	"time"
)

func TestAddTransactionGroupsEdgesAndLinks(t *testing.T) {
	g := New("test")
	w := g.WritableGraph()
	defer w.Commit()

	a, b := w.AddVertex(), w.AddVertex()

	tx1, err := w.AddTransaction(a, b, true)
	if err != nil {
		t.Fatalf("Failed to add transaction: %v", err)
	}
	tx2, _ := w.AddTransaction(a, b, true)
	tx3, _ := w.AddTransaction(b, a, true)
	tx4, _ := w.AddTransaction(b, a, false)

	if got := w.ElementCount(Transaction); got != 4 {
		t.Errorf("Expected 4 transactions, got %d", got)
	}
	// a->b, b->a and the undirected pair
	if got := w.ElementCount(Edge); got != 3 {
		t.Errorf("Expected 3 edges, got %d", got)
	}
	if got := w.ElementCount(Link); got != 1 {
		t.Fatalf("Expected 1 link, got %d", got)
	}

	link := w.Element(Link, 0)
	if got := len(w.LinkTransactions(link)); got != 4 {
		t.Errorf("Expected 4 link transactions, got %d", got)
	}
	if got := len(w.LinkEdges(link)); got != 3 {
		t.Errorf("Expected 3 link edges, got %d", got)
	}

	for _, edge := range w.LinkEdges(link) {
		txs := w.EdgeTransactions(edge)
		if len(txs) == 2 && !(contains(txs, tx1) && contains(txs, tx2)) {
			t.Errorf("Expected tx1 and tx2 to share an edge, got %v", txs)
		}
		if len(txs) == 1 && txs[0] != tx3 && txs[0] != tx4 {
			t.Errorf("Unexpected single-transaction edge %v", txs)
		}
	}
}

func TestRemoveTransactionDropsEmptyEdgeAndLink(t *testing.T) {
	g := New("test")
	w := g.WritableGraph()
	defer w.Commit()

	a, b := w.AddVertex(), w.AddVertex()
	tx, _ := w.AddTransaction(a, b, false)

	if err := w.RemoveTransaction(tx); err != nil {
		t.Fatalf("Failed to remove transaction: %v", err)
	}

	if w.ElementCount(Edge) != 0 || w.ElementCount(Link) != 0 {
		t.Errorf("Expected edge and link to be removed, got %d edges %d links",
			w.ElementCount(Edge), w.ElementCount(Link))
	}

	if err := w.RemoveTransaction(tx); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("Expected ErrElementNotFound, got %v", err)
	}
}

func TestRemoveVertexRemovesIncidentTransactions(t *testing.T) {
	g := New("test")
	w := g.WritableGraph()
	defer w.Commit()

	a, b, c := w.AddVertex(), w.AddVertex(), w.AddVertex()
	w.AddTransaction(a, b, true)
	w.AddTransaction(c, a, true)
	keep, _ := w.AddTransaction(b, c, true)

	if err := w.RemoveVertex(a); err != nil {
		t.Fatalf("Failed to remove vertex: %v", err)
	}

	if got := w.ElementCount(Vertex); got != 2 {
		t.Errorf("Expected 2 vertices, got %d", got)
	}
	if got := w.ElementCount(Transaction); got != 1 {
		t.Fatalf("Expected 1 transaction, got %d", got)
	}
	if w.Element(Transaction, 0) != keep {
		t.Errorf("Expected transaction %d to survive", keep)
	}
}

func TestRecreatedElementGetsNewUID(t *testing.T) {
	g := New("test")
	w := g.WritableGraph()
	defer w.Commit()

	v := w.AddVertex()
	uid := w.ElementUID(Vertex, v)

	w.RemoveVertex(v)
	if w.ElementUID(Vertex, v) != 0 {
		t.Error("Expected zero UID for removed vertex")
	}

	reused := w.AddVertex()
	if reused != v {
		t.Fatalf("Expected slot %d to be reused, got %d", v, reused)
	}
	if w.ElementUID(Vertex, reused) == uid {
		t.Error("Expected recreated vertex to carry a new UID")
	}
}

func TestUIDsDifferAcrossGraphInstances(t *testing.T) {
	first := New("people")
	second := New("people")

	w1 := first.WritableGraph()
	a := w1.AddVertex()
	uidA := w1.ElementUID(Vertex, a)
	w1.Commit()

	w2 := second.WritableGraph()
	b := w2.AddVertex()
	uidB := w2.ElementUID(Vertex, b)
	w2.Commit()

	if a != b {
		t.Fatalf("Expected both graphs to use slot %d, got %d", a, b)
	}
	if uidA == uidB {
		t.Errorf("Expected a fresh graph with the same id to issue a new UID, both got %d", uidA)
	}
}

func TestTypedValues(t *testing.T) {
	g := New("test")
	w := g.WritableGraph()
	defer w.Commit()

	v := w.AddVertex()
	when := time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC)

	tests := []struct {
		name   string
		kind   AttributeKind
		value  any
		string string
	}{
		{"flag", KindBoolean, true, "true"},
		{"color", KindColor, "#FF8000", "#FF8000"},
		{"born", KindDate, when, "2024-03-05"},
		{"seen", KindDateTime, when, "2024-03-05T14:30:15Z"},
		{"weight", KindFloat, 2.5, "2.5"},
		{"age", KindInteger, 42, "42"},
		{"icon", KindIcon, "Person", "Person"},
		{"label", KindString, "Alice", "Alice"},
		{"alarm", KindTime, 7*time.Hour + 30*time.Minute, "07:30:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr, err := w.AddAttribute(Vertex, tt.name, tt.kind, nil)
			if err != nil {
				t.Fatalf("Failed to add attribute: %v", err)
			}

			if _, ok := w.StringValue(attr, v); ok {
				t.Error("Expected absent value before set")
			}

			if err := w.SetValue(attr, v, tt.value); err != nil {
				t.Fatalf("Failed to set value: %v", err)
			}

			got, ok := w.StringValue(attr, v)
			if !ok || got != tt.string {
				t.Errorf("Expected %q, got %q (ok=%v)", tt.string, got, ok)
			}

			// Round trip through the string form
			if err := w.SetStringValue(attr, v, got); err != nil {
				t.Fatalf("Failed to set string value: %v", err)
			}
			again, _ := w.StringValue(attr, v)
			if again != got {
				t.Errorf("Round trip changed %q to %q", got, again)
			}
		})
	}
}

func TestAttributeDefaultsAndKindConflicts(t *testing.T) {
	g := New("test")
	w := g.WritableGraph()
	defer w.Commit()

	v := w.AddVertex()
	attr, err := w.AddAttribute(Vertex, "score", KindInteger, 7)
	if err != nil {
		t.Fatalf("Failed to add attribute: %v", err)
	}

	if got, ok := w.IntValue(attr, v); !ok || got != 7 {
		t.Errorf("Expected default 7, got %d (ok=%v)", got, ok)
	}

	same, err := w.AddAttribute(Vertex, "score", KindInteger, nil)
	if err != nil || same != attr {
		t.Errorf("Expected existing attribute %d, got %d (%v)", attr, same, err)
	}

	if _, err := w.AddAttribute(Vertex, "score", KindString, nil); !errors.Is(err, ErrAttributeExists) {
		t.Errorf("Expected ErrAttributeExists, got %v", err)
	}

	if err := w.SetValue(attr, v, "not a number"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("Expected ErrInvalidValue, got %v", err)
	}
}

func TestReadableGraphReleaseIsIdempotent(t *testing.T) {
	g := New("")
	if g.ID() == "" {
		t.Fatal("Expected generated graph id")
	}

	rg := g.ReadableGraph()
	rg.Release()
	rg.Release()

	// A writer can only proceed once every reader has released
	done := make(chan struct{})
	go func() {
		g.Update(func(w *WritableGraph) error {
			w.AddVertex()
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Writer blocked after snapshot release")
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"#000000", "#000000", false},
		{"#FF000080", "#FF000080", false},
		{"red", "#FF0000", false},
		{"Blue", "#0000FF", false},
		{"#12", "", true},
		{"#GGGGGG", "", true},
	}

	for _, tt := range tests {
		c, err := ParseColor(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseColor(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseColor(%q): %v", tt.in, err)
			continue
		}
		if c.String() != tt.want {
			t.Errorf("ParseColor(%q) = %s, want %s", tt.in, c, tt.want)
		}
	}
}

func TestElementTypeText(t *testing.T) {
	for _, et := range []ElementType{Vertex, Transaction, Edge, Link, Meta} {
		text, err := et.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", et, err)
		}
		var back ElementType
		if err := back.UnmarshalText(text); err != nil || back != et {
			t.Errorf("Round trip %s gave %s (%v)", et, back, err)
		}
	}

	if _, err := ParseElementType("node"); !errors.Is(err, ErrUnknownElementType) {
		t.Errorf("Expected ErrUnknownElementType, got %v", err)
	}
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
