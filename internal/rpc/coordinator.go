// ============================================================================
// flowqueue Coordinator RPC
// ============================================================================
//
// Package: internal/rpc
// File: coordinator.go
// Purpose: wire messages shared by the HTTP API and the gRPC service, and the
//          gRPC service description of flowqueue.v1.Coordinator.
//
// The gRPC payloads are google.protobuf.Struct values holding the same JSON
// documents the HTTP API exchanges:
//
//   NextTask        types.NextTaskRequest  -> NextTaskResponse
//   UpdateProgress  types.ProgressUpdate   -> ChangedResponse
//   Keepalive       KeepaliveRequest       -> ChangedResponse
//   SaveResults     ResultsRequest         -> ResultsResponse
//   Unlock          TaskRef                -> ChangedResponse
//   RemoveTask      TaskRef                -> ChangedResponse
//
// ============================================================================

package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// ============================================================================
// Wire messages
// ============================================================================

// NextTaskResponse carries the claimed task, nil when there is none.
type NextTaskResponse struct {
	Task *types.Task `json:"task"`
}

// ChangedResponse reports whether the call changed anything.
type ChangedResponse struct {
	Changed bool `json:"changed"`
}

// KeepaliveRequest renews the lock of a task.
type KeepaliveRequest struct {
	TaskID types.TaskID        `json:"task_id"`
	Worker types.WorkerDetails `json:"worker_details"`
}

// ResultsRequest uploads the result files of a task.
type ResultsRequest struct {
	TaskID types.TaskID       `json:"task_id"`
	Files  []types.ResultFile `json:"files"`
}

// ResultsResponse lists where each uploaded file was stored.
type ResultsResponse struct {
	Locations []string `json:"locations"`
}

// TaskRef names one task.
type TaskRef struct {
	TaskID types.TaskID `json:"task_id"`
}

// ============================================================================
// Struct conversion
// ============================================================================

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}

// ============================================================================
// Service description
// ============================================================================

const ServiceName = "flowqueue.v1.Coordinator"

const (
	MethodNextTask       = "NextTask"
	MethodUpdateProgress = "UpdateProgress"
	MethodKeepalive      = "Keepalive"
	MethodSaveResults    = "SaveResults"
	MethodUnlock         = "Unlock"
	MethodRemoveTask     = "RemoveTask"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// CoordinatorServer is implemented by the coordinator.
type CoordinatorServer interface {
	NextTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Keepalive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveResults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unlock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(CoordinatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(CoordinatorServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodNextTask, CoordinatorServer.NextTask),
		unary(MethodUpdateProgress, CoordinatorServer.UpdateProgress),
		unary(MethodKeepalive, CoordinatorServer.Keepalive),
		unary(MethodSaveResults, CoordinatorServer.SaveResults),
		unary(MethodUnlock, CoordinatorServer.Unlock),
		unary(MethodRemoveTask, CoordinatorServer.RemoveTask),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowqueue/v1/coordinator.proto",
}

// RegisterCoordinatorServer registers srv on s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

// CoordinatorClient calls the coordinator service.
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient wraps an established connection.
func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

// Call sends req to method and decodes the reply into resp.
func (c *CoordinatorClient) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
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

// ============================================================================
// Basic credentials
// ============================================================================

// BasicAuth attaches HTTP basic credentials to every RPC.
type BasicAuth struct {
	Username string
	Password string
	Secure   bool
}

func (b BasicAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	token := base64.StdEncoding.EncodeToString([]byte(b.Username + ":" + b.Password))
	return map[string]string{"authorization": "Basic " + token}, nil
}

func (b BasicAuth) RequireTransportSecurity() bool {
	return b.Secure
}
