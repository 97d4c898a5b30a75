package api

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type stubPinger struct {
	fail atomic.Bool
}

func (p *stubPinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("storage down")
	}
	return nil
}

func startGRPC(t *testing.T, store Pinger) (*GRPCServer, healthpb.HealthClient) {
	t.Helper()
	logger := zerolog.New(io.Discard)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := newGRPCServer(testAPIConfig(), lis, store, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func TestGRPCHealthReflectsStorage(t *testing.T) {
	store := &stubPinger{}
	srv, client := startGRPC(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	store.fail.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.CheckReadiness(ctx))

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestBuildTLSConfigRequiresFiles(t *testing.T) {
	_, err := buildTLSConfig(testAPIConfig().GRPC.TLS)
	assert.Error(t, err)
}
