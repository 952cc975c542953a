package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/usage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "consentgate.v1.ConsentGate"

// RPC method names.
const (
	MethodCheckPermission   = "CheckPermission"
	MethodUpdateConsent     = "UpdateConsent"
	MethodRevokeConsent     = "RevokeConsent"
	MethodValidateAuthority = "ValidateAuthority"
	MethodLogUsage          = "LogUsage"
	MethodUsageHistory      = "UsageHistory"
	MethodListEntries       = "ListEntries"
)

// FullMethod returns "/consentgate.v1.ConsentGate/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Messages travel as google.protobuf.Struct; these are their JSON shapes.

// CheckRequest asks whether actor may perform action on Entity.
type CheckRequest struct {
	Entity model.EntityRef    `json:"entity"`
	Action model.PermittedUse `json:"action"`
	Actor  string             `json:"actor,omitempty"`
}

// RevokeRequest revokes the governing entry of Entity.
type RevokeRequest struct {
	Entity    model.EntityRef `json:"entity"`
	RevokedBy string          `json:"revoked_by"`
	Reason    string          `json:"reason,omitempty"`
}

// EntityRequest names one entity.
type EntityRequest struct {
	Entity model.EntityRef `json:"entity"`
}

// HistoryRequest asks for the usage history of Entity.
type HistoryRequest struct {
	Entity model.EntityRef   `json:"entity"`
	Filter model.UsageFilter `json:"filter"`
}

// EntriesResponse carries an entity's ledger history, newest first.
type EntriesResponse struct {
	Entries []model.Entry `json:"entries"`
}

// Ack acknowledges a best-effort request.
type Ack struct {
	Accepted bool `json:"accepted"`
}

// ConsentGateServer is the server API of ConsentGate.
type ConsentGateServer interface {
	CheckPermission(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateConsent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeConsent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateAuthority(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LogUsage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UsageHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEntries(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes ConsentGate for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConsentGateServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCheckPermission, ConsentGateServer.CheckPermission),
		unary(MethodUpdateConsent, ConsentGateServer.UpdateConsent),
		unary(MethodRevokeConsent, ConsentGateServer.RevokeConsent),
		unary(MethodValidateAuthority, ConsentGateServer.ValidateAuthority),
		unary(MethodLogUsage, ConsentGateServer.LogUsage),
		unary(MethodUsageHistory, ConsentGateServer.UsageHistory),
		unary(MethodListEntries, ConsentGateServer.ListEntries),
	},
	Metadata: "consentgate/v1/consentgate.proto",
}

// RegisterConsentGateServer registers srv with s.
func RegisterConsentGateServer(s grpc.ServiceRegistrar, srv ConsentGateServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type rpcFunc func(ConsentGateServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call rpcFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ConsentGateServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConsentGateServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// Decode fills v from the JSON form of s.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// ToStatus maps gate errors to gRPC status errors.
func ToStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidConsent), errors.Is(err, usage.ErrInvalidFilter):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrSuperseded):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus maps gRPC status errors back to the ledger and usage sentinels so
// callers can match them with errors.Is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w (%s)", ledger.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		if strings.Contains(st.Message(), usage.ErrInvalidFilter.Error()) {
			return fmt.Errorf("%w (%s)", usage.ErrInvalidFilter, st.Message())
		}
		return fmt.Errorf("%w (%s)", ledger.ErrInvalidConsent, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w (%s)", ledger.ErrSuperseded, st.Message())
	default:
		return err
	}
}
