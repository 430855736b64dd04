// Package server implements the gRPC find service over the graphs loaded by the process
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/constellation/internal/config"
	"github.com/nainya/constellation/internal/logger"
	"github.com/nainya/constellation/internal/metrics"
	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
	"github.com/nainya/constellation/pkg/history"
	"github.com/nainya/constellation/pkg/metadata"
	"github.com/nainya/constellation/pkg/store"
)

var (
	errBadRequest    = errors.New("bad request")
	errGraphNotFound = errors.New("graph not found")
)

// Options configures a Server
type Options struct {
	Find    config.FindConfig
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// Server implements FindServiceServer
type Server struct {
	graphs   *Registry
	meta     *metadata.MetadataStore
	searches *history.SearchStore

	find    config.FindConfig
	metrics *metrics.Metrics
	log     *logger.Logger
}

var _ FindServiceServer = (*Server)(nil)

// NewServer creates a find server over the graphs in reg, persisting to db
func NewServer(db *store.DB, reg *Registry, opts Options) *Server {
	s := &Server{
		graphs:   reg,
		meta:     metadata.NewMetadataStore(db),
		searches: history.NewSearchStore(db),
		find:     opts.Find,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if s.log == nil {
		s.log = logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})
	}
	return s
}

// NewGRPCServer creates a grpc.Server with the find service, the health service
// and reflection registered, instrumented by the metrics interceptor
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(s.metrics, s.log)),
		grpc.MaxRecvMsgSize(100 * 1024 * 1024), // 100 MB
		grpc.MaxSendMsgSize(100 * 1024 * 1024), // 100 MB
	}, opts...)
	gs := grpc.NewServer(opts...)

	RegisterFindServiceServer(gs, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	reflection.Register(gs)
	return gs, hs
}

func (s *Server) engine(g *graph.Graph, mode string) *find.Engine {
	return find.NewEngine(g,
		find.WithWorkers(s.find.Workers),
		find.WithMaxThreshold(s.find.MaxThreshold),
		find.WithTimeout(s.find.QueryTimeout),
		find.WithLogger(*s.log.QueryLogger(mode).GetZerolog()),
		find.WithObserver(s.metrics),
	)
}

func (s *Server) graph(id string) (*graph.Graph, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: graph is required", errBadRequest)
	}
	g, ok := s.graphs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errGraphNotFound, id)
	}
	return g, nil
}

// storeOp times a persistence call and records it
func (s *Server) storeOp(operation string, count int, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	s.metrics.RecordStoreOperation(operation, duration, err)
	s.log.StoreLogger(operation).LogStoreOperation(operation, duration, count, err)
	return err
}

// decodeState parses a state document and checks its rules
func decodeState(raw []byte) (find.State, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return find.State{}, fmt.Errorf("%w: state is required", errBadRequest)
	}
	state, _, err := find.Unmarshal(raw, nil)
	if err != nil {
		return find.State{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := state.Validate(); err != nil {
		return find.State{}, err
	}
	return state, nil
}

// handle decodes in into Req, runs fn and encodes its result
func handle[Req any](ctx context.Context, in *structpb.Struct, fn func(context.Context, *Req) (any, error)) (*structpb.Struct, error) {
	req := new(Req)
	if err := FromStruct(in, req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := ToStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// queryResponse builds the reply for a finished query. A timeout raised by the
// engine's own bound yields partial results; a caller cancellation is an error.
func queryResponse(ctx context.Context, results []find.Result, err error) (any, error) {
	partial := false
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
		partial = true
	}
	return QueryResponse{Results: ResultDocs(results), Count: len(results), Partial: partial}, nil
}

// QuickQuery finds elements with any attribute containing the term
func (s *Server) QuickQuery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.quickQuery)
}

func (s *Server) quickQuery(ctx context.Context, req *QuickQueryRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}
	results, err := s.engine(g, "quick").QuickQuery(ctx, req.ElementType, req.Term)
	return queryResponse(ctx, results, err)
}

// AdvancedQuery runs a rule-based state against a graph
func (s *Server) AdvancedQuery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.advancedQuery)
}

func (s *Server) advancedQuery(ctx context.Context, req *AdvancedQueryRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(req.State)
	if err != nil {
		return nil, err
	}
	results, err := s.engine(g, "advanced").Run(ctx, state)
	return queryResponse(ctx, results, err)
}

// SelectResults marks previously returned results as selected
func (s *Server) SelectResults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.selectResults)
}

func (s *Server) selectResults(ctx context.Context, req *SelectRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}
	report, err := s.engine(g, "select").Select(ctx, fromResultDocs(req.Results), req.Held)
	if err != nil {
		return nil, err
	}
	return SelectResponse{Selected: report.Selected, Stale: report.Stale}, nil
}

// SaveState stores a state on the graph and in the metadata store
func (s *Server) SaveState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.saveState)
}

func (s *Server) saveState(ctx context.Context, req *SaveStateRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(req.State)
	if err != nil {
		return nil, err
	}

	err = g.Update(func(w *graph.WritableGraph) error {
		return find.SaveToGraph(w, state)
	})
	if err != nil {
		return nil, err
	}

	err = s.storeOp("save_state", len(state.Rules), func() error {
		return s.meta.SaveState(ctx, g.ID(), state)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSavedState()
	return SaveStateResponse{Saved: true}, nil
}

// LoadState returns the saved state of a graph, dropping rules that no longer fit it
func (s *Server) LoadState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.loadState)
}

func (s *Server) loadState(ctx context.Context, req *LoadStateRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}

	rg := g.ReadableGraph()
	defer rg.Release()

	var state find.State
	var dropped []find.DroppedRule
	err = s.storeOp("load_state", 1, func() error {
		state, dropped, err = s.meta.LoadState(ctx, g.ID(), rg)
		return err
	})
	if find.IsNoSavedState(err) {
		state, dropped, err = find.LoadFromGraph(rg)
	}
	if err != nil {
		return nil, err
	}

	raw, err := find.Marshal(state)
	if err != nil {
		return nil, err
	}
	return LoadStateResponse{State: raw, Dropped: droppedDocs(dropped)}, nil
}

// SaveSearch appends a version of a named search
func (s *Server) SaveSearch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.saveSearch)
}

func (s *Server) saveSearch(ctx context.Context, req *SaveSearchRequest) (any, error) {
	state, err := decodeState(req.State)
	if err != nil {
		return nil, err
	}
	if req.Graph != "" {
		if _, err := s.graph(req.Graph); err != nil {
			return nil, err
		}
	}

	search := &history.Search{
		Name:        req.Name,
		GraphID:     req.Graph,
		CreatedBy:   req.CreatedBy,
		Description: req.Description,
		Tags:        req.Tags,
		State:       state,
	}
	err = s.storeOp("save_search", 1, func() error {
		return s.searches.SaveSearch(ctx, search)
	})
	if err != nil {
		return nil, err
	}
	return searchDoc(search)
}

// GetSearch returns one version of a named search: by version id, by tag, as of a
// time, or the latest
func (s *Server) GetSearch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.getSearch)
}

func (s *Server) getSearch(ctx context.Context, req *GetSearchRequest) (any, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", errBadRequest)
	}

	var search *history.Search
	err := s.storeOp("get_search", 1, func() error {
		var err error
		switch {
		case req.VersionID != "":
			search, err = s.searches.GetSearch(ctx, req.Name, req.VersionID)
		case req.Tag != "":
			search, err = s.searches.GetSearchByTag(ctx, req.Name, req.Tag)
		case req.AsOf != nil:
			search, err = s.searches.GetSearchAsOf(ctx, req.Name, *req.AsOf)
		default:
			search, err = s.searches.GetLatestSearch(ctx, req.Name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return searchDoc(search)
}

// ListSearches summarises the saved searches
func (s *Server) ListSearches(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.listSearches)
}

func (s *Server) listSearches(ctx context.Context, _ *ListSearchesRequest) (any, error) {
	var summaries []history.SearchSummary
	err := s.storeOp("list_searches", 0, func() error {
		var err error
		summaries, err = s.searches.ListSearches(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	resp := ListSearchesResponse{Searches: make([]SearchSummaryDoc, len(summaries))}
	for i, sum := range summaries {
		resp.Searches[i] = SearchSummaryDoc{
			Name:            sum.Name,
			Versions:        sum.Versions,
			LatestVersionID: sum.LatestVersionID,
			UpdatedAt:       sum.UpdatedAt.UTC(),
		}
	}
	return resp, nil
}

// DeleteState forgets the state saved for a graph, both in the store and on the graph
func (s *Server) DeleteState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.deleteState)
}

func (s *Server) deleteState(ctx context.Context, req *DeleteStateRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}

	var onGraph bool
	_ = g.Update(func(w *graph.WritableGraph) error {
		onGraph = find.ClearFromGraph(w)
		return nil
	})

	err = s.storeOp("delete_state", 1, func() error {
		return s.meta.DeleteState(ctx, g.ID())
	})
	if find.IsNoSavedState(err) && onGraph {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return DeleteStateResponse{Deleted: true}, nil
}

// SavedStates lists the graphs with a state in the store
func (s *Server) SavedStates(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.savedStates)
}

func (s *Server) savedStates(ctx context.Context, _ *SavedStatesRequest) (any, error) {
	var saved []metadata.SavedState
	err := s.storeOp("saved_states", 0, func() error {
		var err error
		saved, err = s.meta.SavedStates(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	resp := SavedStatesResponse{States: make([]SavedStateDoc, len(saved))}
	for i, st := range saved {
		_, loaded := s.graphs.Get(st.GraphID)
		resp.States[i] = SavedStateDoc{Graph: st.GraphID, Loaded: loaded, UpdatedAt: st.UpdatedAt.UTC()}
	}
	return resp, nil
}

// ListGraphs returns the served graph ids, optionally only those carrying every
// requested annotation
func (s *Server) ListGraphs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.listGraphs)
}

func (s *Server) listGraphs(ctx context.Context, req *ListGraphsRequest) (any, error) {
	if len(req.Annotations) == 0 {
		return ListGraphsResponse{Graphs: s.graphs.IDs()}, nil
	}

	var annotated []string
	err := s.storeOp("annotated_graphs", 0, func() error {
		var err error
		annotated, err = s.meta.AnnotatedGraphs(ctx, req.Annotations)
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, id := range annotated {
		if _, ok := s.graphs.Get(id); ok {
			ids = append(ids, id)
		}
	}
	return ListGraphsResponse{Graphs: ids}, nil
}

// AnnotateGraph sets annotations on a served graph
func (s *Server) AnnotateGraph(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.annotateGraph)
}

func (s *Server) annotateGraph(ctx context.Context, req *AnnotateGraphRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}
	if len(req.Annotations) == 0 {
		return nil, fmt.Errorf("%w: annotations are required", errBadRequest)
	}
	err = s.storeOp("annotate", len(req.Annotations), func() error {
		return s.meta.Annotate(ctx, g.ID(), req.Annotations)
	})
	if err != nil {
		return nil, err
	}
	return s.annotations(ctx, &AnnotationsRequest{Graph: g.ID()})
}

// Annotations returns the annotations of a served graph
func (s *Server) Annotations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(ctx, in, s.annotations)
}

func (s *Server) annotations(ctx context.Context, req *AnnotationsRequest) (any, error) {
	g, err := s.graph(req.Graph)
	if err != nil {
		return nil, err
	}
	var annotations map[string]string
	err = s.storeOp("annotations", 0, func() error {
		var err error
		annotations, err = s.meta.Annotations(ctx, g.ID())
		return err
	})
	if err != nil {
		return nil, err
	}
	return AnnotationsResponse{Graph: g.ID(), Annotations: annotations}, nil
}

// toStatus maps domain errors onto gRPC status codes
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	var ruleErr *find.RuleError
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, errGraphNotFound),
		errors.Is(err, find.ErrNoSavedState),
		errors.Is(err, history.ErrNotFound),
		errors.Is(err, metadata.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &ruleErr),
		errors.Is(err, errBadRequest),
		errors.Is(err, history.ErrInvalidName),
		errors.Is(err, metadata.ErrReservedKey),
		errors.Is(err, graph.ErrUnknownElementType),
		errors.Is(err, find.ErrUnknownOperator),
		errors.Is(err, find.ErrUnknownMode):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Errorf(codes.Internal, "%v", err)
}
