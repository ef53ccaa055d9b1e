package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"DepositEngine/internal/core"
	"DepositEngine/internal/event"
	"DepositEngine/internal/ingestion"
	"DepositEngine/internal/query"
)

// CodecName is the gRPC content-subtype for the intake service. Clients
// select it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// IntakeServiceName is the fully qualified gRPC service name.
const IntakeServiceName = "deposit.v1.ConfirmationIntake"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type RecordConfirmationsRequest struct {
	Updates []ingestion.ConfirmationJSON `json:"updates"`
}

type RecordConfirmationsResponse struct {
	Results []ingestion.UpdateResult `json:"results"`
}

// ConfirmationIntakeServer is the service the watcher and review tooling call.
type ConfirmationIntakeServer interface {
	RecordConfirmations(ctx context.Context, req *RecordConfirmationsRequest) (*RecordConfirmationsResponse, error)
	ResolveReview(ctx context.Context, req *ingestion.ReviewJSON) (*query.DepositResponse, error)
}

func RegisterConfirmationIntakeServer(s grpc.ServiceRegistrar, srv ConfirmationIntakeServer) {
	s.RegisterService(&confirmationIntakeDesc, srv)
}

var confirmationIntakeDesc = grpc.ServiceDesc{
	ServiceName: IntakeServiceName,
	HandlerType: (*ConfirmationIntakeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RecordConfirmations", Handler: recordConfirmationsHandler},
		{MethodName: "ResolveReview", Handler: resolveReviewHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func recordConfirmationsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RecordConfirmationsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfirmationIntakeServer).RecordConfirmations(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + IntakeServiceName + "/RecordConfirmations"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConfirmationIntakeServer).RecordConfirmations(ctx, req.(*RecordConfirmationsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func resolveReviewHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ingestion.ReviewJSON)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfirmationIntakeServer).ResolveReview(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + IntakeServiceName + "/ResolveReview"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConfirmationIntakeServer).ResolveReview(ctx, req.(*ingestion.ReviewJSON))
	}
	return interceptor(ctx, in, info, handler)
}

// intakeService adapts the ingestion pipeline to the gRPC surface.
type intakeService struct {
	intake *ingestion.Intake
	engine *core.Engine
}

func (s *intakeService) RecordConfirmations(ctx context.Context, req *RecordConfirmationsRequest) (*RecordConfirmationsResponse, error) {
	if len(req.Updates) == 0 {
		return nil, status.Error(codes.InvalidArgument, "updates is required")
	}

	results := make([]ingestion.UpdateResult, len(req.Updates))
	valid := make([]*event.ConfirmationUpdate, 0, len(req.Updates))
	index := make([]int, 0, len(req.Updates))
	for i, j := range req.Updates {
		u, err := j.ToUpdate()
		if err != nil {
			results[i] = ingestion.UpdateResult{
				Index:    i,
				UpdateID: j.UpdateID,
				Result:   core.ConfirmationInvalid,
				Code:     "invalid_request",
			}
			continue
		}
		valid = append(valid, u)
		index = append(index, i)
	}

	for k, r := range s.intake.ProcessConfirmations(ctx, valid) {
		r.Index = index[k]
		results[r.Index] = r
	}
	return &RecordConfirmationsResponse{Results: results}, nil
}

func (s *intakeService) ResolveReview(ctx context.Context, req *ingestion.ReviewJSON) (*query.DepositResponse, error) {
	res, err := req.ToResolution()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	d, err := s.engine.ResolveReview(ctx, *res)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := query.NewDepositResponse(d)
	return &resp, nil
}

// GRPCServer hosts the intake service with health and reflection.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	deps         *Deps
	addr         string
	logger       zerolog.Logger
}

func NewGRPCServer(addr string, deps *Deps) *GRPCServer {
	logger := deps.Logger.With().Str("component", "grpc").Logger()
	s := &GRPCServer{
		deps:   deps,
		addr:   addr,
		logger: logger,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observe))

	RegisterConfirmationIntakeServer(s.grpcServer, &intakeService{intake: deps.Intake, engine: deps.Engine})

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.syncHealth()

	reflection.Register(s.grpcServer)
	return s
}

// Server exposes the underlying grpc.Server, e.g. to serve on a custom listener.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// Start listens on addr and serves until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("gRPC server shutting down")
				s.healthServer.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.syncHealth()
			}
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// syncHealth mirrors HTTP readiness into the gRPC health service.
func (s *GRPCServer) syncHealth() {
	st := healthpb.HealthCheckResponse_SERVING
	if s.deps.Health != nil && !s.deps.Health.IsReady() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(IntakeServiceName, st)
}

func (s *GRPCServer) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	if m := s.deps.Metrics; m != nil {
		m.APIRequests.WithLabelValues("grpc", info.FullMethod, code.String()).Inc()
		m.APIDuration.WithLabelValues("grpc", info.FullMethod).Observe(time.Since(start).Seconds())
	}
	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("rpc")
	return resp, err
}
