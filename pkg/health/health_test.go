package health

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestHealthServer_Check(t *testing.T) {
	var down error
	s := NewHealthServer(func() error { return down }, zap.NewNop())

	check := func(service string) (*grpc_health_v1.HealthCheckResponse, error) {
		return s.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	}

	resp, err := check(ServiceName)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("期望 SERVING, 实际 %s", resp.Status)
	}

	down = errors.New("store closed")
	resp, err = check("")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("期望 NOT_SERVING, 实际 %s", resp.Status)
	}

	_, err = check("other")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("未知服务应返回 NotFound, 实际 %v", err)
	}
}

func TestHealthServer_CanceledContext(t *testing.T) {
	s := NewHealthServer(func() error { return nil }, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("期望 Canceled, 实际 %v", err)
	}
}
