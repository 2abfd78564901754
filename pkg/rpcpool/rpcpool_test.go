package rpcpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestGetRejectsNetworkWithNoEndpoints(t *testing.T) {
	p := New(Config{})
	_, err := p.Get(context.Background(), types.NetworkDescriptor{Slug: "n", NetworkType: types.NetworkTypeEVM})
	require.Error(t, err)
}

func TestGetRejectsUnsupportedNetworkType(t *testing.T) {
	p := New(Config{})
	_, err := p.Get(context.Background(), types.NetworkDescriptor{
		Slug:         "n",
		NetworkType:  types.NetworkTypeOther,
		RPCEndpoints: []string{"http://localhost:1"},
	})
	require.Error(t, err)
}

func TestStellarClientIsADocumentedStub(t *testing.T) {
	c := newStellarClient(types.NetworkDescriptor{Slug: "xlm-testnet"})
	_, err := c.GetLatestBlockNumber(context.Background())
	require.Error(t, err)
	_, err = c.GetBlocks(context.Background(), 1, 2)
	require.Error(t, err)
}

func TestCheckLivenessReportsUnreachableEndpoint(t *testing.T) {
	p := New(Config{DialTimeout: 0})
	result := p.CheckLiveness(context.Background(), types.NetworkDescriptor{
		Slug:         "n",
		RPCEndpoints: []string{"http://127.0.0.1:1"},
	})
	require.False(t, result.Healthy)
}

func TestCheckLivenessProbesHTTPEndpointOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed) // a bare GET to a JSON-RPC POST endpoint
	}))
	defer srv.Close()

	p := New(Config{})
	result := p.CheckLiveness(context.Background(), types.NetworkDescriptor{
		Slug:         "n",
		RPCEndpoints: []string{srv.URL},
	})
	require.True(t, result.Healthy, "a 4xx response still proves the HTTP server answered")
}

func TestCheckLivenessRejectsNetworkWithNoEndpoints(t *testing.T) {
	p := New(Config{})
	result := p.CheckLiveness(context.Background(), types.NetworkDescriptor{Slug: "n"})
	require.False(t, result.Healthy)
}
