// Package server exposes the consent gate over gRPC.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/consentgate/internal/alert"
	"github.com/ppiankov/consentgate/internal/config"
	"github.com/ppiankov/consentgate/internal/gate"
	"github.com/ppiankov/consentgate/internal/model"
)

// Config holds gRPC server configuration.
type Config struct {
	Port       int
	ConfigPath string
}

// Server implements the ConsentGate gRPC service on top of a gate.Service.
type Server struct {
	gate       *gate.Service
	cfg        Config
	logger     *log.Logger
	grpcServer *grpc.Server
}

// New creates a gRPC server for svc.
func New(svc *gate.Service, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		gate:       svc,
		cfg:        cfg,
		logger:     logger,
		grpcServer: grpc.NewServer(),
	}
	RegisterConsentGateServer(s.grpcServer, s)
	return s
}

// Serve starts the gRPC server on the configured port. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeOn starts the gRPC server on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// ReloadConfig re-reads the config file and swaps the alert webhooks and
// config hash. Store and usage settings need a restart.
// Called by the hot-reloader on file change.
func (s *Server) ReloadConfig() error {
	cfg, hash, err := config.LoadWithHash(s.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	s.gate.SetAlerts(alert.NewDispatcher(cfg.Alerts, s.logger), hash)
	return nil
}

// CheckPermission implements the CheckPermission RPC. Denials are returned as
// verdicts, not errors.
func (s *Server) CheckPermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CheckRequest
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return reply(s.gate.CheckPermission(ctx, in.Entity, in.Action, in.Actor))
}

// UpdateConsent implements the UpdateConsent RPC.
func (s *Server) UpdateConsent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in model.ConsentInput
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	entry, err := s.gate.UpdateConsent(ctx, in)
	if err != nil {
		return nil, ToStatus(err)
	}
	return reply(entry)
}

// RevokeConsent implements the RevokeConsent RPC.
func (s *Server) RevokeConsent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in RevokeRequest
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	entry, err := s.gate.RevokeConsent(ctx, in.Entity, in.RevokedBy, in.Reason)
	if err != nil {
		return nil, ToStatus(err)
	}
	return reply(entry)
}

// ValidateAuthority implements the ValidateAuthority RPC.
func (s *Server) ValidateAuthority(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in EntityRequest
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return reply(s.gate.ValidateAuthority(ctx, in.Entity))
}

// LogUsage implements the LogUsage RPC. It always acknowledges.
func (s *Server) LogUsage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in model.UsageEntry
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.gate.LogUsage(ctx, in)
	return reply(Ack{Accepted: true})
}

// UsageHistory implements the UsageHistory RPC.
func (s *Server) UsageHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in HistoryRequest
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h, err := s.gate.UsageHistory(ctx, in.Entity, in.Filter)
	if err != nil {
		return nil, ToStatus(err)
	}
	return reply(h)
}

// ListEntries implements the ListEntries RPC.
func (s *Server) ListEntries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in EntityRequest
	if err := Decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	entries, err := s.gate.ListEntries(ctx, in.Entity)
	if err != nil {
		return nil, ToStatus(err)
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	return reply(EntriesResponse{Entries: entries})
}

func reply(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
