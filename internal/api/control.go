// Package api exposes a session over gRPC as the nebula.v1.Control service.
// Requests and responses are google.protobuf.Struct messages, so the service
// needs no generated code on either side.
package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified service name.
const ServiceName = "nebula.v1.Control"

// Method names.
const (
	MethodGetStatus          = "GetStatus"
	MethodGetProfile         = "GetProfile"
	MethodListContacts       = "ListContacts"
	MethodListMessages       = "ListMessages"
	MethodSelectConversation = "SelectConversation"
	MethodRefresh            = "RefreshConversation"
	MethodSetDraft           = "SetDraft"
	MethodSendText           = "SendText"
	MethodSendFile           = "SendFile"
	MethodAddContact         = "AddContact"
	MethodUpdateProfile      = "UpdateProfile"
	MethodSetContactFlags    = "SetContactFlags"
	MethodStartCall          = "StartCall"
	MethodAnswerCall         = "AnswerCall"
	MethodEndCall            = "EndCall"
	MethodWatchEvents        = "WatchEvents"
)

// ControlServer is the server side of nebula.v1.Control.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListContacts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendFile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetContactFlags(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnswerCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, stream)
}

// ServiceDesc describes nebula.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodGetProfile, ControlServer.GetProfile),
		unary(MethodListContacts, ControlServer.ListContacts),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSelectConversation, ControlServer.SelectConversation),
		unary(MethodRefresh, ControlServer.RefreshConversation),
		unary(MethodSetDraft, ControlServer.SetDraft),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodSendFile, ControlServer.SendFile),
		unary(MethodAddContact, ControlServer.AddContact),
		unary(MethodUpdateProfile, ControlServer.UpdateProfile),
		unary(MethodSetContactFlags, ControlServer.SetContactFlags),
		unary(MethodStartCall, ControlServer.StartCall),
		unary(MethodAnswerCall, ControlServer.AnswerCall),
		unary(MethodEndCall, ControlServer.EndCall),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatchEvents,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "nebula/v1/control.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Client calls nebula.v1.Control with plain maps.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a unary method.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// EventStream receives WatchEvents envelopes.
type EventStream struct {
	stream grpc.ClientStream
}

// Watch subscribes to events whose kind starts with namespace.
func (c *Client) Watch(ctx context.Context, namespace string) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Recv blocks for the next envelope.
func (s *EventStream) Recv() (map[string]any, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
