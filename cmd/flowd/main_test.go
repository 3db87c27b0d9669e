package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/engine"
)

func Test_EngineFactory_RefreshesTokenPerRebuild(t *testing.T) {
	var fetches atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	cfg := config.Config{
		ZeebeAddress:      "127.0.0.1:26500",
		ZeebeClientID:     "worker",
		ZeebeClientSecret: "s3cret",
		ZeebeTokenURL:     tokenSrv.URL,
	}
	tokens := engine.NewTokenManager(cfg.ZeebeClientID, cfg.ZeebeClientSecret, cfg.ZeebeTokenURL, "")
	factory := newEngineFactory(cfg, tokens)

	// Two supervision passes must fetch twice: a token with 3600s of
	// lifetime left would otherwise be served from cache on the rebuild.
	for i := 0; i < 2; i++ {
		eng, closer, err := factory(context.Background())
		require.NoError(t, err)
		require.NotNil(t, eng)
		require.NoError(t, closer())
	}
	require.Equal(t, int64(2), fetches.Load())
}

func Test_EngineFactory_NoTokenManager(t *testing.T) {
	cfg := config.Config{ZeebeAddress: "127.0.0.1:26500"}
	factory := newEngineFactory(cfg, nil)

	eng, closer, err := factory(context.Background())
	require.NoError(t, err)
	require.NotNil(t, eng)
	require.NoError(t, closer())
}
