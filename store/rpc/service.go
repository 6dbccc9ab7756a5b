// Package rpc serves a blob store over gRPC and implements a client for it.
// Peers use it to fetch archive blocks and anchors from one another.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dat.Store"

const (
	getMethod       = "/" + ServiceName + "/Get"
	putMethod       = "/" + ServiceName + "/Put"
	listRefsMethod  = "/" + ServiceName + "/ListRefs"
	getAnchorMethod = "/" + ServiceName + "/GetAnchor"
	putAnchorMethod = "/" + ServiceName + "/PutAnchor"
)

// StoreServer is the server API for the dat.Store service.
//
// Blobs and refs travel as BytesValue messages.
// Calls with more than one argument or result use Struct messages
// with the fields documented on each method.
type StoreServer interface {
	// Get maps a ref to its blob.
	Get(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)

	// Put stores a blob and responds with {ref: hex, added: bool}.
	Put(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)

	// ListRefs streams refs after the given start ref.
	ListRefs(*wrapperspb.BytesValue, grpc.ServerStream) error

	// GetAnchor takes {name: string, at: RFC3339 time} and responds with a ref.
	GetAnchor(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)

	// PutAnchor takes {name: string, ref: hex, at: RFC3339 time}.
	PutAnchor(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// RegisterStoreServer registers srv with s.
func RegisterStoreServer(s *grpc.Server, srv StoreServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "GetAnchor", Handler: getAnchorHandler},
		{MethodName: "PutAnchor", Handler: putAnchorHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ListRefs", Handler: listRefsHandler, ServerStreams: true},
	},
	Metadata: "dat/store.proto",
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).Get(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func putHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).Put(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getAnchorHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).GetAnchor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getAnchorMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).GetAnchor(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func putAnchorHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).PutAnchor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putAnchorMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).PutAnchor(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listRefsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StoreServer).ListRefs(in, stream)
}
