// Package stream serves analytics records over a gRPC server-streaming
// RPC. Messages are google.protobuf.Struct values holding the record's
// JSON form, so clients need no generated code beyond the well-known types.
package stream

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "telemetry.v1.AnalyticsStream"
	recordsRPC  = "Records"
	// RecordsMethod is the full method name of the records stream.
	RecordsMethod = "/" + ServiceName + "/" + recordsRPC
)

// RecordsServer is the server API for the records stream. The request
// Struct may carry "channels" (list of channel names to include) and
// "events_only" (bool: only records with anomalies, violations or runs).
type RecordsServer interface {
	Records(req *structpb.Struct, stream grpc.ServerStream) error
}

func recordsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RecordsServer).Records(req, stream)
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecordsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    recordsRPC,
		Handler:       recordsHandler,
		ServerStreams: true,
	}},
	Metadata: "telemetry/v1/stream.proto",
}

// RecordStream is the client side of a records subscription.
type RecordStream struct {
	cs grpc.ClientStream
}

// Subscribe opens a records stream on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct) (*RecordStream, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	cs, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], RecordsMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &RecordStream{cs: cs}, nil
}

// Recv blocks for the next record.
func (s *RecordStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.cs.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
