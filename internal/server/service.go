package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "constellation.find.v1.FindService"

// Method names of the find service
const (
	MethodQuickQuery    = "QuickQuery"
	MethodAdvancedQuery = "AdvancedQuery"
	MethodSelectResults = "SelectResults"
	MethodSaveState     = "SaveState"
	MethodLoadState     = "LoadState"
	MethodSaveSearch    = "SaveSearch"
	MethodGetSearch     = "GetSearch"
	MethodListSearches  = "ListSearches"
	MethodDeleteState   = "DeleteState"
	MethodSavedStates   = "SavedStates"
	MethodListGraphs    = "ListGraphs"
	MethodAnnotateGraph = "AnnotateGraph"
	MethodAnnotations   = "Annotations"
)

// FindServiceServer is the server API for the find service. Every method takes and
// returns a JSON document carried in a google.protobuf.Struct.
type FindServiceServer interface {
	QuickQuery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvancedQuery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectResults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveSearch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSearch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSearches(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SavedStates(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGraphs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnnotateGraph(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Annotations(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(FindServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(FindServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(FindServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FindServiceDesc describes the find service for grpc.Server.RegisterService
var FindServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FindServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodQuickQuery, FindServiceServer.QuickQuery),
		unaryHandler(MethodAdvancedQuery, FindServiceServer.AdvancedQuery),
		unaryHandler(MethodSelectResults, FindServiceServer.SelectResults),
		unaryHandler(MethodSaveState, FindServiceServer.SaveState),
		unaryHandler(MethodLoadState, FindServiceServer.LoadState),
		unaryHandler(MethodSaveSearch, FindServiceServer.SaveSearch),
		unaryHandler(MethodGetSearch, FindServiceServer.GetSearch),
		unaryHandler(MethodListSearches, FindServiceServer.ListSearches),
		unaryHandler(MethodDeleteState, FindServiceServer.DeleteState),
		unaryHandler(MethodSavedStates, FindServiceServer.SavedStates),
		unaryHandler(MethodListGraphs, FindServiceServer.ListGraphs),
		unaryHandler(MethodAnnotateGraph, FindServiceServer.AnnotateGraph),
		unaryHandler(MethodAnnotations, FindServiceServer.Annotations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "constellation/find/v1/find.proto",
}

// RegisterFindServiceServer registers srv on s
func RegisterFindServiceServer(s grpc.ServiceRegistrar, srv FindServiceServer) {
	s.RegisterService(&FindServiceDesc, srv)
}

// FullMethod returns the gRPC path of a find service method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Client calls the find service over a connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a find service client
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req encoded as a Struct and decodes the reply into resp
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return FromStruct(out, resp)
}
