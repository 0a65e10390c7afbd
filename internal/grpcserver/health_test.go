package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

type switchPinger struct {
	failing atomic.Bool
}

func (pinger *switchPinger) Ping(context.Context) error {
	if pinger.failing.Load() {
		return errors.New("database unreachable")
	}
	return nil
}

func TestHealthFollowsStorePing(test *testing.T) {
	pinger := &switchPinger{}
	healthServer, err := NewHealthServer(pinger, WithProbeInterval(time.Hour))
	if err != nil {
		test.Fatalf("health server init failed: %v", err)
	}

	listener := bufconn.Listen(bufconnSize)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, listener, healthServer, nil) }()
	defer func() {
		cancel()
		if serveErr := <-done; serveErr != nil {
			test.Errorf("serve returned %v", serveErr)
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("gRPC client init failed: %v", err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	waitForStatus(test, client, grpc_health_v1.HealthCheckResponse_SERVING)

	pinger.failing.Store(true)
	if status := healthServer.Probe(context.Background()); status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING after failed ping, got %v", status)
	}
	waitForStatus(test, client, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	pinger.failing.Store(false)
	healthServer.Probe(context.Background())
	waitForStatus(test, client, grpc_health_v1.HealthCheckResponse_SERVING)
}

func TestNewHealthServerRequiresPinger(test *testing.T) {
	if _, err := NewHealthServer(nil); !errors.Is(err, ErrInvalidHealthConfig) {
		test.Fatalf("expected ErrInvalidHealthConfig, got %v", err)
	}
}

func waitForStatus(test *testing.T, client grpc_health_v1.HealthClient, want grpc_health_v1.HealthCheckResponse_ServingStatus) {
	test.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last grpc_health_v1.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		callCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		response, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		cancel()
		if err == nil {
			last = response.GetStatus()
			if last == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	test.Fatalf("expected status %v, last saw %v", want, last)
}
