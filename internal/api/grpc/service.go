package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names.
const (
	ServiceName      = "sowdb.v1.IngestService"
	IngestFullMethod = "/" + ServiceName + "/Ingest"
	QueryFullMethod  = "/" + ServiceName + "/Query"
)

// IngestServiceServer is the server API for the ingest service.
type IngestServiceServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterIngestServiceServer registers srv on s.
func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

// IngestServiceDesc describes the service. Both methods take and return
// well-known Struct messages, so no generated code is needed.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: ingestHandler},
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sowdb/v1/ingest.proto",
}

func ingestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServiceServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IngestFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServiceServer).Ingest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServiceServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServiceServer).Query(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServiceClient is the client API for the ingest service.
type IngestServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestServiceClient creates a client over cc.
func NewIngestServiceClient(cc grpc.ClientConnInterface) *IngestServiceClient {
	return &IngestServiceClient{cc: cc}
}

// Ingest calls IngestService/Ingest.
func (c *IngestServiceClient) Ingest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, IngestFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Query calls IngestService/Query.
func (c *IngestServiceClient) Query(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, QueryFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
