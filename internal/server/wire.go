package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
	"github.com/nainya/constellation/pkg/history"
)

// Request and response documents carried as google.protobuf.Struct payloads.
// State fields hold the find state document produced by find.Marshal.

type QuickQueryRequest struct {
	Graph       string            `json:"graph"`
	ElementType graph.ElementType `json:"element_type"`
	Term        string            `json:"term"`
}

type AdvancedQueryRequest struct {
	Graph string          `json:"graph"`
	State json.RawMessage `json:"state"`
}

type QueryResponse struct {
	Results []ResultDoc `json:"results"`
	Count   int         `json:"count"`
	// Partial is set when the query timed out and Results holds what was found
	Partial bool `json:"partial,omitempty"`
}

type ResultDoc struct {
	ID        int               `json:"id"`
	UID       uint64            `json:"uid,string"`
	Type      graph.ElementType `json:"type"`
	Attribute string            `json:"attribute,omitempty"`
	Value     string            `json:"value"`
	Display   string            `json:"display,omitempty"`
}

type SelectRequest struct {
	Graph   string      `json:"graph"`
	Results []ResultDoc `json:"results"`
	Held    bool        `json:"held"`
}

type SelectResponse struct {
	Selected int `json:"selected"`
	Stale    int `json:"stale"`
}

type SaveStateRequest struct {
	Graph string          `json:"graph"`
	State json.RawMessage `json:"state"`
}

type SaveStateResponse struct {
	Saved bool `json:"saved"`
}

type LoadStateRequest struct {
	Graph string `json:"graph"`
}

type LoadStateResponse struct {
	State   json.RawMessage `json:"state"`
	Dropped []DroppedDoc    `json:"dropped,omitempty"`
}

type DeleteStateRequest struct {
	Graph string `json:"graph"`
}

type DeleteStateResponse struct {
	Deleted bool `json:"deleted"`
}

type SavedStatesRequest struct{}

type SavedStatesResponse struct {
	States []SavedStateDoc `json:"states"`
}

// SavedStateDoc names a graph with a saved state; Loaded is false when the graph
// is not served by this process
type SavedStateDoc struct {
	Graph     string    `json:"graph"`
	Loaded    bool      `json:"loaded"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListGraphsRequest filters the served graphs by annotation; empty lists them all
type ListGraphsRequest struct {
	Annotations map[string]string `json:"annotations,omitempty"`
}

type ListGraphsResponse struct {
	Graphs []string `json:"graphs"`
}

type AnnotateGraphRequest struct {
	Graph       string            `json:"graph"`
	Annotations map[string]string `json:"annotations"`
}

type AnnotationsRequest struct {
	Graph string `json:"graph"`
}

type AnnotationsResponse struct {
	Graph       string            `json:"graph"`
	Annotations map[string]string `json:"annotations"`
}

type DroppedDoc struct {
	Index     int    `json:"index"`
	Attribute string `json:"attribute"`
	Reason    string `json:"reason"`
}

type SaveSearchRequest struct {
	Name        string          `json:"name"`
	Graph       string          `json:"graph,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	State       json.RawMessage `json:"state"`
}

type GetSearchRequest struct {
	Name      string     `json:"name"`
	VersionID string     `json:"version_id,omitempty"`
	Tag       string     `json:"tag,omitempty"`
	AsOf      *time.Time `json:"as_of,omitempty"`
}

type SearchDoc struct {
	Name        string          `json:"name"`
	VersionID   string          `json:"version_id"`
	Graph       string          `json:"graph,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	State       json.RawMessage `json:"state"`
}

type ListSearchesRequest struct{}

type ListSearchesResponse struct {
	Searches []SearchSummaryDoc `json:"searches"`
}

type SearchSummaryDoc struct {
	Name            string    `json:"name"`
	Versions        int       `json:"versions"`
	LatestVersionID string    `json:"latest_version_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ToStruct converts v to a Struct through its JSON form
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromStruct decodes s into v, rejecting unknown fields
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// ResultDocs converts engine results to their wire form
func ResultDocs(results []find.Result) []ResultDoc {
	docs := make([]ResultDoc, len(results))
	for i, r := range results {
		docs[i] = ResultDoc{
			ID:        r.ID,
			UID:       r.UID,
			Type:      r.Type,
			Attribute: r.AttributeName,
			Value:     r.Value,
			Display:   r.String(),
		}
	}
	return docs
}

func fromResultDocs(docs []ResultDoc) []find.Result {
	results := make([]find.Result, len(docs))
	for i, d := range docs {
		results[i] = find.Result{
			ID:            d.ID,
			UID:           d.UID,
			Type:          d.Type,
			AttributeName: d.Attribute,
			Value:         d.Value,
		}
	}
	return results
}

func droppedDocs(dropped []find.DroppedRule) []DroppedDoc {
	var docs []DroppedDoc
	for _, d := range dropped {
		docs = append(docs, DroppedDoc{Index: d.Index, Attribute: d.Attribute, Reason: d.Reason.Error()})
	}
	return docs
}

func searchDoc(s *history.Search) (SearchDoc, error) {
	state, err := find.Marshal(s.State)
	if err != nil {
		return SearchDoc{}, err
	}
	return SearchDoc{
		Name:        s.Name,
		VersionID:   s.VersionID,
		Graph:       s.GraphID,
		CreatedAt:   s.CreatedAt.UTC(),
		CreatedBy:   s.CreatedBy,
		Description: s.Description,
		Tags:        s.Tags,
		State:       state,
	}, nil
}
