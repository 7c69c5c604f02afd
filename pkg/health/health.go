package health

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName 存储服务在健康检查中使用的名字, 空串表示整个进程.
const ServiceName = "nexustree.Store"

// Probe 返回 nil 表示可以提供服务.
type Probe func() error

type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	probe  Probe
	logger *zap.Logger
}

func NewHealthServer(probe Probe, logger *zap.Logger) *HealthServer {
	return &HealthServer{probe: probe, logger: logger}
}

func (s *HealthServer) Check(ctx context.Context,
	req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", ServiceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	resp := &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}
	if err := s.probe(); err != nil {
		s.logger.Warn("Health probe failed", zap.Error(err))
		resp.Status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return resp, nil
}
