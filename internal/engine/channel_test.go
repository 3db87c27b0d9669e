package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/tut-ua/flowd/internal/config"
)

func Test_Dial_AllModesReturnLazyConn(t *testing.T) {
	cfg := config.Config{ZeebeAddress: "example.com:26500"}

	conn, err := Dial(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var hits int32
	srv := tokenServer(t, 3600, &hits, "")
	tm := NewTokenManager("worker", "s3cret", srv.URL, "")

	conn, err = Dial(cfg, tm)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	cfg.ZeebeUseTLS = true
	conn, err = Dial(cfg, tm)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func Test_BearerUnaryInterceptor_AppendsToken(t *testing.T) {
	var hits int32
	srv := tokenServer(t, 3600, &hits, "")
	tm := NewTokenManager("worker", "s3cret", srv.URL, "")

	var got []string
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		md, ok := metadata.FromOutgoingContext(ctx)
		require.True(t, ok)
		got = md.Get("authorization")
		return nil
	}
	err := bearerUnaryInterceptor(tm)(context.Background(), "/gateway_protocol.Gateway/Topology", nil, nil, nil, invoker)
	require.NoError(t, err)
	require.Equal(t, []string{"Bearer tok-1"}, got)
}

func Test_BearerStreamInterceptor_AppendsToken(t *testing.T) {
	var hits int32
	srv := tokenServer(t, 3600, &hits, "")
	tm := NewTokenManager("worker", "s3cret", srv.URL, "")

	var got []string
	streamer := func(ctx context.Context, _ *grpc.StreamDesc, _ *grpc.ClientConn, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
		md, ok := metadata.FromOutgoingContext(ctx)
		require.True(t, ok)
		got = md.Get("authorization")
		return nil, nil
	}
	_, err := bearerStreamInterceptor(tm)(context.Background(), &grpc.StreamDesc{}, nil, "/gateway_protocol.Gateway/ActivateJobs", streamer)
	require.NoError(t, err)
	require.Equal(t, []string{"Bearer tok-1"}, got)
}
