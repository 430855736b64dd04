// Integration tests for the find gRPC service
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/constellation/internal/config"
	"github.com/nainya/constellation/internal/logger"
	"github.com/nainya/constellation/internal/metrics"
	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
	"github.com/nainya/constellation/pkg/importer"
	"github.com/nainya/constellation/pkg/metadata"
	"github.com/nainya/constellation/pkg/store"
)

const bufSize = 1024 * 1024

const peopleYAML = `
id: people
attributes:
  vertex:
    - {name: Label, kind: string}
    - {name: age, kind: integer}
  transaction:
    - {name: Type, kind: string}
vertices:
  - {key: alice, values: {Label: Alice, age: 34}}
  - {key: bob, values: {Label: Bob, age: 20}}
  - {key: carol, values: {Label: Carol}}
transactions:
  - {source: alice, destination: bob, values: {Type: knows}}
`

type testEnv struct {
	server   *Server
	client   *Client
	conn     *grpc.ClientConn
	graphs   *Registry
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "constellation.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	g, _, err := importer.Load(strings.NewReader(peopleYAML), "")
	if err != nil {
		t.Fatalf("Failed to load graph: %v", err)
	}
	graphs := NewRegistry(g)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	srv := NewServer(db, graphs, Options{
		Find:    config.FindConfig{Workers: 2, MaxThreshold: 1},
		Metrics: m,
		Logger:  logger.NewLogger(logger.Config{Level: "error", Output: io.Discard}),
	})

	lis := bufconn.Listen(bufSize)
	grpcServer, _ := NewGRPCServer(srv)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
		db.Close()
	})

	return &testEnv{server: srv, client: NewClient(conn), conn: conn, graphs: graphs, metrics: m, registry: reg}
}

func stateDoc(t *testing.T, s find.State) []byte {
	t.Helper()
	raw, err := find.Marshal(s)
	require.NoError(t, err)
	return raw
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "error: %v", err)
}

func TestQuickQuery(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	var resp QueryResponse
	err := env.client.Call(ctx, MethodQuickQuery,
		QuickQueryRequest{Graph: "people", ElementType: graph.Vertex, Term: "ali"}, &resp)
	require.NoError(t, err)

	require.Equal(t, 1, resp.Count)
	r := resp.Results[0]
	assert.Equal(t, "Alice", r.Value)
	assert.Equal(t, "Label", r.Attribute)
	assert.Equal(t, "Alice | Label", r.Display)
	assert.False(t, resp.Partial)

	// The recent-search form matches the named attribute only
	err = env.client.Call(ctx, MethodQuickQuery,
		QuickQueryRequest{Graph: "people", ElementType: graph.Vertex, Term: r.Display}, &resp)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)

	err = env.client.Call(ctx, MethodQuickQuery,
		QuickQueryRequest{Graph: "people", ElementType: graph.Transaction, Term: "KNOWS"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)
}

func TestQuickQueryErrors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	err := env.client.Call(ctx, MethodQuickQuery, QuickQueryRequest{Graph: "missing", Term: "a"}, nil)
	requireCode(t, err, codes.NotFound)

	err = env.client.Call(ctx, MethodQuickQuery, QuickQueryRequest{Term: "a"}, nil)
	requireCode(t, err, codes.InvalidArgument)

	err = env.client.Call(ctx, MethodQuickQuery, map[string]any{"graph": "people", "trem": "a"}, nil)
	requireCode(t, err, codes.InvalidArgument)

	err = env.client.Call(ctx, MethodQuickQuery, map[string]any{"graph": "people", "element_type": "node"}, nil)
	requireCode(t, err, codes.InvalidArgument)
}

func TestAdvancedQuery(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	state := find.NewState(graph.Vertex).
		All().
		Rule(find.NewRule(graph.Vertex, "age").SetInteger(find.OpGreaterThan, 30, 0)).
		Rule(find.NewRule(graph.Vertex, "Label").SetString(find.OpBeginsWith, "a", false, false)).
		Build()

	var resp QueryResponse
	err := env.client.Call(ctx, MethodAdvancedQuery,
		AdvancedQueryRequest{Graph: "people", State: stateDoc(t, state)}, &resp)
	require.NoError(t, err)

	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "age", resp.Results[0].Attribute)
	assert.Equal(t, "34", resp.Results[0].Value)
}

func TestAdvancedQueryRejectsBadState(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	missing := find.NewState(graph.Vertex).
		Rule(find.NewRule(graph.Vertex, "height").SetFloat(find.OpLessThan, 2, 0)).
		Build()
	err := env.client.Call(ctx, MethodAdvancedQuery,
		AdvancedQueryRequest{Graph: "people", State: stateDoc(t, missing)}, nil)
	requireCode(t, err, codes.InvalidArgument)

	err = env.client.Call(ctx, MethodAdvancedQuery, AdvancedQueryRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.InvalidArgument)
}

func TestSelectResults(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	var found QueryResponse
	err := env.client.Call(ctx, MethodQuickQuery,
		QuickQueryRequest{Graph: "people", ElementType: graph.Vertex, Term: "o"}, &found)
	require.NoError(t, err)
	require.Equal(t, 2, found.Count) // Bob, Carol

	stale := found.Results[0]
	stale.UID += 1000

	var resp SelectResponse
	err = env.client.Call(ctx, MethodSelectResults,
		SelectRequest{Graph: "people", Results: append(found.Results, stale)}, &resp)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Selected)
	assert.Equal(t, 1, resp.Stale)

	g, _ := env.graphs.Get("people")
	rg := g.ReadableGraph()
	defer rg.Release()

	attr, ok := rg.Attribute(graph.Vertex, graph.SelectedAttribute)
	require.True(t, ok)
	selected := 0
	for pos := 0; pos < rg.ElementCount(graph.Vertex); pos++ {
		if v, _ := rg.BoolValue(attr.ID, rg.Element(graph.Vertex, pos)); v {
			selected++
		}
	}
	assert.Equal(t, 2, selected)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SelectionsTotal))
}

func TestSaveAndLoadState(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	err := env.client.Call(ctx, MethodLoadState, LoadStateRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.NotFound)

	state := find.NewState(graph.Vertex).
		Hold(true).
		Rule(find.NewRule(graph.Vertex, "Label").SetString(find.OpIs, "bob", false, false)).
		Build()

	var saved SaveStateResponse
	err = env.client.Call(ctx, MethodSaveState, SaveStateRequest{Graph: "people", State: stateDoc(t, state)}, &saved)
	require.NoError(t, err)
	assert.True(t, saved.Saved)

	var loaded LoadStateResponse
	err = env.client.Call(ctx, MethodLoadState, LoadStateRequest{Graph: "people"}, &loaded)
	require.NoError(t, err)
	assert.Empty(t, loaded.Dropped)

	got, _, err := find.Unmarshal(loaded.State, nil)
	require.NoError(t, err)
	assert.True(t, got.Held)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, "Label", got.Rules[0].Attribute)

	// The state is also kept on the graph itself
	g, _ := env.graphs.Get("people")
	rg := g.ReadableGraph()
	defer rg.Release()
	onGraph, _, err := find.LoadFromGraph(rg)
	require.NoError(t, err)
	assert.Equal(t, got.Rules[0].Operator, onGraph.Rules[0].Operator)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SavedStatesTotal))
}

func TestSearches(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	first := find.NewState(graph.Vertex).
		Rule(find.NewRule(graph.Vertex, "Label").SetString(find.OpContains, "a", false, false)).
		Build()
	second := find.NewState(graph.Vertex).
		Rule(find.NewRule(graph.Vertex, "age").SetInteger(find.OpBetween, 18, 40)).
		Build()

	var v1, v2 SearchDoc
	require.NoError(t, env.client.Call(ctx, MethodSaveSearch, SaveSearchRequest{
		Name: "adults", Graph: "people", CreatedBy: "analyst", Tags: []string{"stable"}, State: stateDoc(t, first),
	}, &v1))
	require.NoError(t, env.client.Call(ctx, MethodSaveSearch, SaveSearchRequest{
		Name: "adults", State: stateDoc(t, second),
	}, &v2))
	assert.NotEmpty(t, v1.VersionID)
	assert.NotEqual(t, v1.VersionID, v2.VersionID)

	var latest SearchDoc
	require.NoError(t, env.client.Call(ctx, MethodGetSearch, GetSearchRequest{Name: "adults"}, &latest))
	assert.Equal(t, v2.VersionID, latest.VersionID)

	var stable SearchDoc
	require.NoError(t, env.client.Call(ctx, MethodGetSearch, GetSearchRequest{Name: "adults", Tag: "stable"}, &stable))
	assert.Equal(t, v1.VersionID, stable.VersionID)
	assert.Equal(t, "analyst", stable.CreatedBy)

	var byID SearchDoc
	require.NoError(t, env.client.Call(ctx, MethodGetSearch, GetSearchRequest{Name: "adults", VersionID: v1.VersionID}, &byID))
	assert.Equal(t, "people", byID.Graph)

	asOf := v1.CreatedAt.Add(-1)
	err := env.client.Call(ctx, MethodGetSearch, GetSearchRequest{Name: "adults", AsOf: &asOf}, nil)
	requireCode(t, err, codes.NotFound)

	var list ListSearchesResponse
	require.NoError(t, env.client.Call(ctx, MethodListSearches, ListSearchesRequest{}, &list))
	require.Len(t, list.Searches, 1)
	assert.Equal(t, 2, list.Searches[0].Versions)
	assert.Equal(t, v2.VersionID, list.Searches[0].LatestVersionID)

	err = env.client.Call(ctx, MethodSaveSearch, SaveSearchRequest{Name: "", State: stateDoc(t, first)}, nil)
	requireCode(t, err, codes.InvalidArgument)

	err = env.client.Call(ctx, MethodSaveSearch, SaveSearchRequest{Name: "x", Graph: "missing", State: stateDoc(t, first)}, nil)
	requireCode(t, err, codes.NotFound)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp, err := healthpb.NewHealthClient(env.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	require.NoError(t, env.client.Call(ctx, MethodQuickQuery,
		QuickQueryRequest{Graph: "people", Term: "bob"}, &QueryResponse{}))
	err = env.client.Call(ctx, MethodQuickQuery, QuickQueryRequest{Graph: "nope"}, nil)
	require.Error(t, err)

	method := FullMethod(MethodQuickQuery)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GrpcRequestsTotal.WithLabelValues(method, "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GrpcRequestsTotal.WithLabelValues(method, "NotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.QueriesTotal.WithLabelValues("quick", "vertex", "success")))
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewMetrics(reg).RecordSavedState()

	var ready atomic.Bool
	srv := httptest.NewServer(observabilityMux(reg, ready.Load))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"service":"constellation"`)

	code, _ = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	ready.Store(true)
	code, _ = get("/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "constellation_saved_states_total 1")
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("wrap: %w", errGraphNotFound), codes.NotFound},
		{find.ErrNoSavedState, codes.NotFound},
		{&find.RuleError{Index: 0, Attribute: "a", Err: find.ErrUnsupportedOperator}, codes.InvalidArgument},
		{graph.ErrUnknownElementType, codes.InvalidArgument},
		{fmt.Errorf("%w: %q", metadata.ErrReservedKey, "find_state"), codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Unavailable, "down"), codes.Unavailable},
		{errors.New("disk on fire"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}

func TestDeleteState(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	err := env.client.Call(ctx, MethodDeleteState, DeleteStateRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.NotFound)

	state := find.NewState(graph.Vertex).
		Rule(find.NewRule(graph.Vertex, "Label").SetString(find.OpIs, "bob", false, false)).
		Build()
	require.NoError(t, env.client.Call(ctx, MethodSaveState, SaveStateRequest{Graph: "people", State: stateDoc(t, state)}, nil))

	var deleted DeleteStateResponse
	require.NoError(t, env.client.Call(ctx, MethodDeleteState, DeleteStateRequest{Graph: "people"}, &deleted))
	assert.True(t, deleted.Deleted)

	// Neither the store nor the graph keeps the state
	err = env.client.Call(ctx, MethodLoadState, LoadStateRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.NotFound)

	err = env.client.Call(ctx, MethodDeleteState, DeleteStateRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.NotFound)

	err = env.client.Call(ctx, MethodDeleteState, DeleteStateRequest{Graph: "missing"}, nil)
	requireCode(t, err, codes.NotFound)
}

func TestDeleteStateKeptOnlyOnGraph(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	g, _ := env.graphs.Get("people")
	require.NoError(t, g.Update(func(w *graph.WritableGraph) error {
		return find.SaveToGraph(w, find.NewState(graph.Transaction).Build())
	}))

	var deleted DeleteStateResponse
	require.NoError(t, env.client.Call(ctx, MethodDeleteState, DeleteStateRequest{Graph: "people"}, &deleted))
	assert.True(t, deleted.Deleted)

	err := env.client.Call(ctx, MethodLoadState, LoadStateRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.NotFound)
}

func TestSavedStates(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	var empty SavedStatesResponse
	require.NoError(t, env.client.Call(ctx, MethodSavedStates, SavedStatesRequest{}, &empty))
	assert.Empty(t, empty.States)

	state := find.NewState(graph.Vertex).Build()
	require.NoError(t, env.client.Call(ctx, MethodSaveState, SaveStateRequest{Graph: "people", State: stateDoc(t, state)}, nil))
	// A state left behind by a graph this process no longer serves
	require.NoError(t, env.server.meta.SaveState(ctx, "archive", state))

	var list SavedStatesResponse
	require.NoError(t, env.client.Call(ctx, MethodSavedStates, SavedStatesRequest{}, &list))
	require.Len(t, list.States, 2)
	assert.Equal(t, "archive", list.States[0].Graph)
	assert.False(t, list.States[0].Loaded)
	assert.Equal(t, "people", list.States[1].Graph)
	assert.True(t, list.States[1].Loaded)
	assert.False(t, list.States[1].UpdatedAt.IsZero())
}

func TestAnnotationsAndListGraphs(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.graphs.Add(graph.New("staff"))
	env.graphs.Add(graph.New("vendors"))

	var all ListGraphsResponse
	require.NoError(t, env.client.Call(ctx, MethodListGraphs, ListGraphsRequest{}, &all))
	assert.Equal(t, []string{"people", "staff", "vendors"}, all.Graphs)

	var people AnnotationsResponse
	require.NoError(t, env.client.Call(ctx, MethodAnnotateGraph, AnnotateGraphRequest{
		Graph:       "people",
		Annotations: map[string]string{"team": "hr", "region": "eu"},
	}, &people))
	assert.Equal(t, map[string]string{"team": "hr", "region": "eu"}, people.Annotations)
	require.NoError(t, env.client.Call(ctx, MethodAnnotateGraph, AnnotateGraphRequest{
		Graph:       "staff",
		Annotations: map[string]string{"team": "hr", "region": "us"},
	}, nil))
	// Annotations on a graph that is not served are not listed
	require.NoError(t, env.server.meta.Annotate(ctx, "retired", map[string]string{"team": "hr"}))

	// A saved state is not an annotation
	require.NoError(t, env.client.Call(ctx, MethodSaveState, SaveStateRequest{
		Graph: "people",
		State: stateDoc(t, find.NewState(graph.Vertex).Build()),
	}, nil))
	var got AnnotationsResponse
	require.NoError(t, env.client.Call(ctx, MethodAnnotations, AnnotationsRequest{Graph: "people"}, &got))
	assert.Equal(t, "people", got.Graph)
	assert.Equal(t, map[string]string{"team": "hr", "region": "eu"}, got.Annotations)

	var hr ListGraphsResponse
	require.NoError(t, env.client.Call(ctx, MethodListGraphs, ListGraphsRequest{
		Annotations: map[string]string{"team": "hr"},
	}, &hr))
	assert.Equal(t, []string{"people", "staff"}, hr.Graphs)

	var eu ListGraphsResponse
	require.NoError(t, env.client.Call(ctx, MethodListGraphs, ListGraphsRequest{
		Annotations: map[string]string{"team": "hr", "region": "eu"},
	}, &eu))
	assert.Equal(t, []string{"people"}, eu.Graphs)

	var none ListGraphsResponse
	require.NoError(t, env.client.Call(ctx, MethodListGraphs, ListGraphsRequest{
		Annotations: map[string]string{"team": "sales"},
	}, &none))
	assert.Empty(t, none.Graphs)

	err := env.client.Call(ctx, MethodAnnotateGraph, AnnotateGraphRequest{
		Graph:       "people",
		Annotations: map[string]string{find.StateAttribute: "{}"},
	}, nil)
	requireCode(t, err, codes.InvalidArgument)

	err = env.client.Call(ctx, MethodAnnotateGraph, AnnotateGraphRequest{Graph: "people"}, nil)
	requireCode(t, err, codes.InvalidArgument)

	err = env.client.Call(ctx, MethodAnnotations, AnnotationsRequest{Graph: "missing"}, nil)
	requireCode(t, err, codes.NotFound)
}
