package toml_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarbridge/anchor-engine-go/core/net"
	"github.com/stellarbridge/anchor-engine-go/core/toml"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

const testSigningKey = "GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5"

func newAnchorServer(t *testing.T, body string, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/stellar.toml" {
			http.NotFound(w, r)
			return
		}
		if fetches != nil {
			fetches.Add(1)
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveParsesDescriptor(t *testing.T) {
	body := fmt.Sprintf(`
NETWORK_PASSPHRASE = "Test SDF Network ; September 2015"
SIGNING_KEY = %q
WEB_AUTH_ENDPOINT = "https://anchor.example.com/auth"
TRANSFER_SERVER_SEP0024 = "https://anchor.example.com/sep24"
KYC_SERVER = "https://anchor.example.com/kyc"
`, testSigningKey)
	srv := newAnchorServer(t, body, nil)

	resolver := toml.NewResolver(net.NewClient())
	descriptor, err := resolver.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, "Test SDF Network ; September 2015", descriptor.NetworkPassphrase)
	require.Equal(t, testSigningKey, descriptor.SigningKey)
	require.Equal(t, "https://anchor.example.com/auth", descriptor.WebAuthEndpoint)
	require.Equal(t, "https://anchor.example.com/sep24", descriptor.TransferServerSep24)
	require.Equal(t, "https://anchor.example.com/kyc", descriptor.KYCServer)
	require.Equal(t, "https://anchor.example.com/auth", descriptor.AuthEndpoint())
}

func TestResolveCachesPerDomain(t *testing.T) {
	var fetches atomic.Int64
	srv := newAnchorServer(t, fmt.Sprintf("SIGNING_KEY = %q\n", testSigningKey), &fetches)

	resolver := toml.NewResolver(net.NewClient())
	for i := 0; i < 3; i++ {
		_, err := resolver.Resolve(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), fetches.Load())
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	resolver := toml.NewResolver(net.NewClient())
	_, err := resolver.Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, errors.DESCRIPTOR_UNAVAILABLE, errors.CodeOf(err))
}

func TestResolveRejectsMalformedSigningKey(t *testing.T) {
	srv := newAnchorServer(t, `SIGNING_KEY = "not-a-stellar-key"`+"\n", nil)

	resolver := toml.NewResolver(net.NewClient())
	_, err := resolver.Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, errors.DESCRIPTOR_UNAVAILABLE, errors.CodeOf(err))
}

func TestRequireNamesMissingField(t *testing.T) {
	srv := newAnchorServer(t, `WEB_AUTH_ENDPOINT = "https://anchor.example.com/auth"`+"\n", nil)

	resolver := toml.NewResolver(net.NewClient())
	descriptor, err := resolver.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)

	err = toml.Require(descriptor, toml.FieldSigningKey)
	require.Error(t, err)
	require.Equal(t, errors.DESCRIPTOR_INCOMPLETE, errors.CodeOf(err))

	var ee *errors.EngineError
	require.True(t, errors.As(err, &ee))
	require.Equal(t, toml.FieldSigningKey, ee.Context["missing_field"])

	require.NoError(t, toml.Require(descriptor, toml.FieldWebAuthEndpoint))
}
