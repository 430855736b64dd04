package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// serveJSON sends body (marshalled unless nil) and decodes the reply into out
func serveJSON(t *testing.T, h http.Handler, method, target string, body, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func TestHTTPQueries(t *testing.T) {
	env := setupTestServer(t)
	h := NewHTTPHandler(env.server)

	var graphs struct {
		Graphs []string `json:"graphs"`
	}
	assert.Equal(t, http.StatusOK, serveJSON(t, h, http.MethodGet, "/api/v1/graphs", nil, &graphs))
	assert.Equal(t, []string{"people"}, graphs.Graphs)

	var resp QueryResponse
	code := serveJSON(t, h, http.MethodPost, "/api/v1/graphs/people/quick",
		QuickQueryRequest{ElementType: graph.Vertex, Term: "bob"}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "Bob", resp.Results[0].Value)

	state := find.NewState(graph.Vertex).
		Rule(find.NewRule(graph.Vertex, "age").SetInteger(find.OpLessThan, 30, 0)).
		Build()
	code = serveJSON(t, h, http.MethodPost, "/api/v1/graphs/people/advanced",
		AdvancedQueryRequest{State: stateDoc(t, state)}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "20", resp.Results[0].Value)

	var sel SelectResponse
	code = serveJSON(t, h, http.MethodPost, "/api/v1/graphs/people/select",
		SelectRequest{Results: resp.Results}, &sel)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, sel.Selected)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		env.metrics.HTTPRequestsTotal.WithLabelValues("/api/v1/graphs/:graph/quick", "200")))
}

func TestHTTPErrors(t *testing.T) {
	env := setupTestServer(t)
	h := NewHTTPHandler(env.server)

	var failure struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	code := serveJSON(t, h, http.MethodPost, "/api/v1/graphs/missing/quick", QuickQueryRequest{Term: "a"}, &failure)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codes.NotFound.String(), failure.Code)

	code = serveJSON(t, h, http.MethodPost, "/api/v1/graphs/people/quick",
		map[string]any{"element_type": "node"}, &failure)
	assert.Equal(t, http.StatusBadRequest, code)

	code = serveJSON(t, h, http.MethodPost, "/api/v1/graphs/people/advanced", AdvancedQueryRequest{}, &failure)
	assert.Equal(t, http.StatusBadRequest, code)

	code = serveJSON(t, h, http.MethodGet, "/api/v1/graphs/people/state", nil, &failure)
	assert.Equal(t, http.StatusNotFound, code)

	code = serveJSON(t, h, http.MethodGet, "/api/v1/searches/adults?as_of=yesterday", nil, &failure)
	assert.Equal(t, http.StatusBadRequest, code)

	code = serveJSON(t, h, http.MethodGet, "/api/v1/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTPStateAndSearches(t *testing.T) {
	env := setupTestServer(t)
	h := NewHTTPHandler(env.server)

	state := find.NewState(graph.Vertex).
		Rule(find.NewRule(graph.Vertex, "Label").SetString(find.OpEndsWith, "e", false, false)).
		Build()

	var saved SaveStateResponse
	code := serveJSON(t, h, http.MethodPut, "/api/v1/graphs/people/state", SaveStateRequest{State: stateDoc(t, state)}, &saved)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, saved.Saved)

	var loaded LoadStateResponse
	code = serveJSON(t, h, http.MethodGet, "/api/v1/graphs/people/state", nil, &loaded)
	require.Equal(t, http.StatusOK, code)
	got, _, err := find.Unmarshal(loaded.State, nil)
	require.NoError(t, err)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, find.OpEndsWith, got.Rules[0].Operator)
	assert.Equal(t, find.StringArgs{Content: "e"}, got.Rules[0].Args)

	var doc SearchDoc
	code = serveJSON(t, h, http.MethodPost, "/api/v1/searches", SaveSearchRequest{
		Name:  "e-names",
		Graph: "people",
		Tags:  []string{"draft"},
		State: stateDoc(t, state),
	}, &doc)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, doc.VersionID)

	var byTag SearchDoc
	code = serveJSON(t, h, http.MethodGet, "/api/v1/searches/e-names?tag=draft", nil, &byTag)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, doc.VersionID, byTag.VersionID)

	before := url.QueryEscape(doc.CreatedAt.Add(-time.Second).Format(time.RFC3339Nano))
	code = serveJSON(t, h, http.MethodGet, "/api/v1/searches/e-names?as_of="+before, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	var list ListSearchesResponse
	code = serveJSON(t, h, http.MethodGet, "/api/v1/searches", nil, &list)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list.Searches, 1)
	assert.Equal(t, 1, list.Searches[0].Versions)
}

func TestHTTPStateLifecycleAndAnnotations(t *testing.T) {
	env := setupTestServer(t)
	h := NewHTTPHandler(env.server)
	env.graphs.Add(graph.New("staff"))

	state := find.NewState(graph.Vertex).Build()
	code := serveJSON(t, h, http.MethodPut, "/api/v1/graphs/people/state", SaveStateRequest{State: stateDoc(t, state)}, nil)
	require.Equal(t, http.StatusOK, code)

	var states SavedStatesResponse
	code = serveJSON(t, h, http.MethodGet, "/api/v1/states", nil, &states)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, states.States, 1)
	assert.Equal(t, "people", states.States[0].Graph)
	assert.True(t, states.States[0].Loaded)

	var deleted DeleteStateResponse
	code = serveJSON(t, h, http.MethodDelete, "/api/v1/graphs/people/state", nil, &deleted)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, http.StatusNotFound, serveJSON(t, h, http.MethodGet, "/api/v1/graphs/people/state", nil, nil))
	assert.Equal(t, http.StatusNotFound, serveJSON(t, h, http.MethodDelete, "/api/v1/graphs/people/state", nil, nil))

	code = serveJSON(t, h, http.MethodGet, "/api/v1/states", nil, &states)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, states.States)

	var annotated AnnotationsResponse
	code = serveJSON(t, h, http.MethodPut, "/api/v1/graphs/staff/annotations",
		AnnotateGraphRequest{Annotations: map[string]string{"team": "hr"}}, &annotated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "staff", annotated.Graph)
	assert.Equal(t, map[string]string{"team": "hr"}, annotated.Annotations)

	var got AnnotationsResponse
	code = serveJSON(t, h, http.MethodGet, "/api/v1/graphs/people/annotations", nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, got.Annotations)

	var graphs ListGraphsResponse
	code = serveJSON(t, h, http.MethodGet, "/api/v1/graphs?annotation=team%3Dhr", nil, &graphs)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"staff"}, graphs.Graphs)

	code = serveJSON(t, h, http.MethodGet, "/api/v1/graphs", nil, &graphs)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"people", "staff"}, graphs.Graphs)

	assert.Equal(t, http.StatusBadRequest, serveJSON(t, h, http.MethodGet, "/api/v1/graphs?annotation=team", nil, nil))
	assert.Equal(t, http.StatusBadRequest, serveJSON(t, h, http.MethodPut, "/api/v1/graphs/staff/annotations",
		AnnotateGraphRequest{Annotations: map[string]string{find.StateAttribute: "x"}}, nil))
}
