package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	grpcoauth "google.golang.org/grpc/credentials/oauth"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/tut-ua/flowd/internal/config"
)

// keepaliveParams keeps the HTTP/2 transport alive through gateways
// and load balancers that kill idle connections. Pings every 60s with
// a 20s ack budget, including while no stream is open.
var keepaliveParams = keepalive.ClientParameters{
	Time:                60 * time.Second,
	Timeout:             20 * time.Second,
	PermitWithoutStream: true,
}

// Dial connects to the gateway with the auth mode the config selects:
// plaintext when tokens is nil, bearer metadata over plaintext for
// self-hosted OAuth2 setups, or TLS with per-RPC OAuth2 credentials.
// The connection is lazy; failures surface on the first RPC.
func Dial(cfg config.Config, tokens *TokenManager) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepaliveParams),
	}
	switch {
	case tokens == nil:
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	case cfg.ZeebeUseTLS:
		opts = append(opts,
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
			grpc.WithPerRPCCredentials(grpcoauth.TokenSource{TokenSource: tokens.TokenSource()}),
		)
	default:
		opts = append(opts,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUnaryInterceptor(bearerUnaryInterceptor(tokens)),
			grpc.WithStreamInterceptor(bearerStreamInterceptor(tokens)),
		)
	}
	conn, err := grpc.NewClient(cfg.ZeebeAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial engine %s: %w", cfg.ZeebeAddress, err)
	}
	return conn, nil
}

func bearerUnaryInterceptor(tokens *TokenManager) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		tok, err := tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func bearerStreamInterceptor(tokens *TokenManager) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		tok, err := tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
		return streamer(ctx, desc, cc, method, opts...)
	}
}
