package auth_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/require"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/auth"
	"github.com/stellarbridge/anchor-engine-go/core/net"
	"github.com/stellarbridge/anchor-engine-go/core/toml"
	"github.com/stellarbridge/anchor-engine-go/errors"
	"github.com/stellarbridge/anchor-engine-go/signers"
	"github.com/stellarbridge/anchor-engine-go/store/memory"
)

// fakeAnchor is an httptest-backed anchor serving a stellar.toml, a SEP-10
// challenge endpoint, and a token endpoint.
type fakeAnchor struct {
	t        *testing.T
	srv      *httptest.Server
	serverKP *keypair.Full

	// behavior knobs, set before the first request
	omitSigningKey   bool
	challengeAccount string        // overrides the requested account in the challenge
	challengeSigner  *keypair.Full // overrides the challenge signer
	passphrase       string        // overrides the reported network passphrase
	challengeDelay   time.Duration
	tokenBody        func() string // overrides the token response JSON
	tokenStatus      int

	challengeGETs atomic.Int64
	tokenPOSTs    atomic.Int64
}

func newFakeAnchor(t *testing.T) *fakeAnchor {
	t.Helper()

	a := &fakeAnchor{t: t, serverKP: keypair.MustRandom()}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/stellar.toml", a.handleTOML)
	mux.HandleFunc("/auth", a.handleAuth)

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

// domain is the value callers authenticate against; the home domain of every
// challenge this anchor issues.
func (a *fakeAnchor) domain() string { return a.srv.URL }

func (a *fakeAnchor) handleTOML(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "NETWORK_PASSPHRASE = %q\n", network.TestNetworkPassphrase)
	fmt.Fprintf(w, "WEB_AUTH_ENDPOINT = %q\n", a.srv.URL+"/auth")
	if !a.omitSigningKey {
		fmt.Fprintf(w, "SIGNING_KEY = %q\n", a.serverKP.Address())
	}
}

func (a *fakeAnchor) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		a.handleToken(w, r)
		return
	}

	a.challengeGETs.Add(1)
	if a.challengeDelay > 0 {
		time.Sleep(a.challengeDelay)
	}

	account := r.URL.Query().Get("account")
	if a.challengeAccount != "" {
		account = a.challengeAccount
	}
	signer := a.challengeSigner
	if signer == nil {
		signer = a.serverKP
	}
	passphrase := a.passphrase
	if passphrase == "" {
		passphrase = network.TestNetworkPassphrase
	}

	host := ""
	if u, err := url.Parse(a.srv.URL); err == nil {
		host = u.Host
	}

	now := time.Now().UTC()
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: a.serverKP.Address(), Sequence: 0},
		IncrementSequenceNum: false,
		Operations: []txnbuild.Operation{
			&txnbuild.ManageData{
				Name:          a.srv.URL + " auth",
				Value:         []byte("dGVzdC1ub25jZS1mb3ItY2hhbGxlbmdlLXZhbGlkYXRpb24tdGVzdHM"),
				SourceAccount: account,
			},
			&txnbuild.ManageData{
				Name:          "web_auth_domain",
				Value:         []byte(host),
				SourceAccount: a.serverKP.Address(),
			},
		},
		BaseFee: txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(now.Unix(), now.Add(5*time.Minute).Unix()),
		},
	})
	require.NoError(a.t, err)

	tx, err = tx.Sign(network.TestNetworkPassphrase, signer)
	require.NoError(a.t, err)

	xdr, err := tx.Base64()
	require.NoError(a.t, err)

	json.NewEncoder(w).Encode(map[string]string{
		"transaction":        xdr,
		"network_passphrase": passphrase,
	})
}

func (a *fakeAnchor) handleToken(w http.ResponseWriter, r *http.Request) {
	a.tokenPOSTs.Add(1)

	var body struct {
		Transaction string `json:"transaction"`
	}
	require.NoError(a.t, json.NewDecoder(r.Body).Decode(&body))
	require.NotEmpty(a.t, body.Transaction, "signed challenge must be submitted")

	if a.tokenStatus != 0 {
		w.WriteHeader(a.tokenStatus)
		fmt.Fprint(w, `{"error":"challenge verification failed"}`)
		return
	}

	resp := `{"token":` + jsonString(signedJWT(a.t, time.Now().Add(time.Hour))) + `}`
	if a.tokenBody != nil {
		resp = a.tokenBody()
	}
	fmt.Fprint(w, resp)
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "fake-anchor",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("anchor-test-secret"))
	require.NoError(t, err)
	return s
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// countingWallet wraps a real keypair signer and counts sign invocations.
type countingWallet struct {
	anchorengine.WalletSigner
	signs atomic.Int64
}

func newCountingWallet(t *testing.T, kp *keypair.Full) *countingWallet {
	t.Helper()
	inner, err := signers.FromSecret(kp.Seed())
	require.NoError(t, err)

	w := &countingWallet{}
	w.WalletSigner = signers.FromCallback(kp.Address(), func(ctx context.Context, xdr, passphrase string) (string, error) {
		w.signs.Add(1)
		return inner.SignTransaction(ctx, xdr, passphrase)
	})
	return w
}

func newTestAuthenticator(opts ...auth.Option) *auth.Authenticator {
	client := net.NewClient(net.WithMaxRetries(0))
	return auth.NewAuthenticator(client, toml.NewResolver(client), network.TestNetworkPassphrase, memory.NewTokenStore(), opts...)
}

func TestAuthenticateFullCycle(t *testing.T) {
	anchor := newFakeAnchor(t)
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	token, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)
	require.Equal(t, anchor.domain(), token.AnchorDomain)
	require.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 2*time.Minute,
		"expiry comes from the JWT exp claim")

	require.Equal(t, int64(1), anchor.challengeGETs.Load())
	require.Equal(t, int64(1), anchor.tokenPOSTs.Load())
	require.Equal(t, int64(1), wallet.signs.Load())
}

func TestAuthenticateMissingSigningKeyIssuesNoChallenge(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.omitSigningKey = true
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	_, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.Error(t, err)
	require.Equal(t, errors.DESCRIPTOR_INCOMPLETE, errors.CodeOf(err))

	// Without a signing key no challenge can be validated, so none may be
	// requested.
	require.Equal(t, int64(0), anchor.challengeGETs.Load())
	require.Equal(t, int64(0), wallet.signs.Load())
}

func TestAuthenticateReusesCachedToken(t *testing.T) {
	anchor := newFakeAnchor(t)
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	first, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)
	second, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)

	require.Equal(t, first.Token, second.Token)
	require.Equal(t, int64(1), anchor.challengeGETs.Load(), "cached token must be reused without a new challenge")
}

func TestAuthenticateRefreshesExpiredToken(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.tokenBody = func() string {
		return `{"token":` + jsonString(signedJWT(t, time.Now().Add(-time.Minute))) + `}`
	}
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	for i := 0; i < 2; i++ {
		_, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
		require.NoError(t, err)
	}

	require.Equal(t, int64(2), anchor.challengeGETs.Load(), "an expired token must trigger a fresh challenge cycle")
	require.Equal(t, int64(2), wallet.signs.Load())
}

func TestAuthenticateExpiresAtFallback(t *testing.T) {
	anchor := newFakeAnchor(t)
	expiresAt := time.Now().Add(30 * time.Minute).UTC()
	anchor.tokenBody = func() string {
		return fmt.Sprintf(`{"token":"opaque-session-token","expires_at":%q}`, expiresAt.Format(time.RFC3339))
	}
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	token, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)
	require.WithinDuration(t, expiresAt, token.ExpiresAt, time.Second)

	// Still provably unexpired, so the second call reuses it.
	_, err = authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)
	require.Equal(t, int64(1), anchor.challengeGETs.Load())
}

func TestAuthenticateRejectsChallengeForOtherAccount(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.challengeAccount = keypair.MustRandom().Address()
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	_, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.Error(t, err)
	require.Equal(t, errors.CHALLENGE_INVALID, errors.CodeOf(err))
	require.Equal(t, int64(0), wallet.signs.Load(), "an invalid challenge must never reach the wallet")
}

func TestAuthenticateRejectsChallengeFromImpostor(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.challengeSigner = keypair.MustRandom()
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	_, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.Error(t, err)
	require.Equal(t, errors.CHALLENGE_INVALID, errors.CodeOf(err))
	require.Equal(t, int64(0), wallet.signs.Load())
}

func TestAuthenticateRejectsPassphraseMismatch(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.passphrase = network.PublicNetworkPassphrase
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	_, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.Error(t, err)
	require.Equal(t, errors.CHALLENGE_INVALID, errors.CodeOf(err))
	require.Equal(t, int64(0), wallet.signs.Load())
}

func TestAuthenticateSubmissionRejected(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.tokenStatus = http.StatusBadRequest
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	_, err := authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
	require.Error(t, err)
	require.Equal(t, errors.CHALLENGE_SUBMISSION_FAILED, errors.CodeOf(err))
}

func TestAuthenticateRequiresWallet(t *testing.T) {
	anchor := newFakeAnchor(t)
	authn := newTestAuthenticator()

	_, err := authn.Authenticate(context.Background(), "GACCOUNT", anchor.domain(), nil)
	require.Error(t, err)
	require.Equal(t, errors.WALLET_UNAVAILABLE, errors.CodeOf(err))
}

func TestAuthenticateConcurrentCallsShareOneCycle(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.challengeDelay = 50 * time.Millisecond
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	const callers = 5
	tokens := make([]*anchorengine.AuthToken, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = authn.Authenticate(context.Background(), wallet.Address(), anchor.domain(), wallet)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, tokens[0].Token, tokens[i].Token)
	}
	require.Equal(t, int64(1), anchor.challengeGETs.Load(), "concurrent callers must share one challenge cycle")
	require.Equal(t, int64(1), wallet.signs.Load())
}

func TestForgetForcesFreshCycle(t *testing.T) {
	anchor := newFakeAnchor(t)
	wallet := newCountingWallet(t, keypair.MustRandom())
	authn := newTestAuthenticator()

	ctx := context.Background()
	_, err := authn.Authenticate(ctx, wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)

	require.NoError(t, authn.Forget(ctx, anchor.domain()))

	_, err = authn.Authenticate(ctx, wallet.Address(), anchor.domain(), wallet)
	require.NoError(t, err)
	require.Equal(t, int64(2), anchor.challengeGETs.Load())
}
