// Package auth implements the client side of SEP-10 web authentication: it
// fetches a challenge from an anchor, validates it cryptographically, has it
// signed by the user's wallet, submits it, and caches the resulting bearer
// token per anchor domain.
package auth

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/core/net"
	"github.com/stellarbridge/anchor-engine-go/core/toml"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// Authenticator obtains and caches SEP-10 tokens. It owns the token cache:
// one current token per anchor domain, replaced atomically on
// re-authentication. Concurrent authentications for the same (domain,
// account) pair share a single challenge cycle instead of racing.
type Authenticator struct {
	httpClient        *net.Client
	resolver          *toml.Resolver
	networkPassphrase string
	tokens            anchorengine.TokenStore
	log               *logrus.Logger
	now               func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightAuth
}

type inflightAuth struct {
	done  chan struct{}
	token *anchorengine.AuthToken
	err   error
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger for authentication milestones.
func WithLogger(log *logrus.Logger) Option {
	return func(a *Authenticator) {
		a.log = log
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator creates a SEP-10 authenticator. The token store holds the
// per-domain cache and must be safe for concurrent use.
func NewAuthenticator(httpClient *net.Client, resolver *toml.Resolver, networkPassphrase string, tokens anchorengine.TokenStore, opts ...Option) *Authenticator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	a := &Authenticator{
		httpClient:        httpClient,
		resolver:          resolver,
		networkPassphrase: networkPassphrase,
		tokens:            tokens,
		log:               discard,
		now:               time.Now,
		inflight:          make(map[string]*inflightAuth),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns a bearer token for the given anchor domain, reusing a
// cached token while it is provably unexpired. Otherwise it runs the full
// SEP-10 cycle: fetch challenge, validate, sign via the wallet, submit.
//
// A second concurrent call for the same (domain, account) pair awaits the
// in-flight cycle rather than issuing a duplicate challenge.
func (a *Authenticator) Authenticate(ctx context.Context, account, domain string, wallet anchorengine.WalletSigner) (*anchorengine.AuthToken, error) {
	if wallet == nil {
		return nil, errors.NewAuthError(errors.WALLET_UNAVAILABLE, "no wallet signer available", nil)
	}

	if token, ok := a.tokens.Get(ctx, domain); ok && token.Valid(a.now()) {
		a.log.WithField("domain", domain).Debug("reusing cached auth token")
		return token, nil
	}

	key := domain + "|" + account

	a.mu.Lock()
	if flight, ok := a.inflight[key]; ok {
		a.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return nil, errors.NewAuthError(errors.CHALLENGE_REQUEST_FAILED, "authentication cancelled", ctx.Err())
		}
	}
	flight := &inflightAuth{done: make(chan struct{})}
	a.inflight[key] = flight
	a.mu.Unlock()

	token, err := a.login(ctx, account, domain, wallet)
	if err == nil {
		// Atomic replacement: the new token supersedes any prior token for
		// this domain.
		if putErr := a.tokens.Put(ctx, token); putErr != nil {
			err = putErr
			token = nil
		}
	}

	flight.token, flight.err = token, err
	a.mu.Lock()
	delete(a.inflight, key)
	a.mu.Unlock()
	close(flight.done)

	return token, err
}

// Forget drops any cached token for domain, forcing the next Authenticate to
// run a fresh challenge cycle.
func (a *Authenticator) Forget(ctx context.Context, domain string) error {
	return a.tokens.Forget(ctx, domain)
}

func (a *Authenticator) login(ctx context.Context, account, domain string, wallet anchorengine.WalletSigner) (*anchorengine.AuthToken, error) {
	descriptor, err := a.resolver.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}

	// The signing key gates everything: without it no challenge can be
	// validated, so no challenge is requested at all.
	if err := toml.Require(descriptor, toml.FieldSigningKey); err != nil {
		return nil, err
	}
	endpoint := descriptor.AuthEndpoint()
	if endpoint == "" {
		return nil, errors.NewCoreError(errors.DESCRIPTOR_INCOMPLETE,
			fmt.Sprintf("anchor %s publishes neither %s nor %s", domain, toml.FieldWebAuthEndpoint, toml.FieldTransferServer), nil).
			With("domain", domain).
			With("missing_field", toml.FieldWebAuthEndpoint)
	}

	a.log.WithFields(logrus.Fields{"domain": domain, "account": account}).Debug("requesting SEP-10 challenge")

	challengeURL := fmt.Sprintf("%s?account=%s", endpoint, url.QueryEscape(account))
	resp, err := a.httpClient.Get(ctx, challengeURL)
	if err != nil {
		return nil, errors.NewAuthError(errors.CHALLENGE_REQUEST_FAILED,
			fmt.Sprintf("failed to fetch challenge from %s", domain), err)
	}
	if resp.StatusCode != 200 {
		return nil, errors.NewAuthError(errors.CHALLENGE_REQUEST_FAILED,
			fmt.Sprintf("challenge request returned status %d: %s", resp.StatusCode, resp.ErrorBody()), nil).
			With("status", resp.StatusCode)
	}

	var challengeResp struct {
		Transaction       string `json:"transaction"`
		NetworkPassphrase string `json:"network_passphrase"`
	}
	if err := resp.DecodeJSON(&challengeResp); err != nil {
		return nil, errors.NewAuthError(errors.CHALLENGE_INVALID, "failed to decode challenge response", err)
	}

	if challengeResp.NetworkPassphrase != a.networkPassphrase {
		return nil, errors.NewAuthError(errors.CHALLENGE_INVALID,
			fmt.Sprintf("network passphrase mismatch: expected %q, got %q", a.networkPassphrase, challengeResp.NetworkPassphrase), nil)
	}

	if err := validateChallenge(challengeResp.Transaction, challengeParams{
		NetworkPassphrase: a.networkPassphrase,
		ServerSigningKey:  descriptor.SigningKey,
		ClientAccount:     account,
		HomeDomain:        domain,
		WebAuthDomain:     hostOf(endpoint),
	}); err != nil {
		return nil, err
	}

	signedXDR, err := wallet.SignTransaction(ctx, challengeResp.Transaction, a.networkPassphrase)
	if err != nil {
		return nil, errors.NewAuthError(errors.SIGNATURE_REJECTED, "wallet declined to sign the challenge", err)
	}

	submitResp, err := a.httpClient.PostJSON(ctx, endpoint, map[string]string{"transaction": signedXDR}, "")
	if err != nil {
		return nil, errors.NewAuthError(errors.CHALLENGE_SUBMISSION_FAILED, "failed to submit signed challenge", err)
	}
	if submitResp.StatusCode != 200 {
		return nil, errors.NewAuthError(errors.CHALLENGE_SUBMISSION_FAILED,
			fmt.Sprintf("challenge submission returned status %d: %s", submitResp.StatusCode, submitResp.ErrorBody()), nil).
			With("status", submitResp.StatusCode)
	}

	var tokenResp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := submitResp.DecodeJSON(&tokenResp); err != nil {
		return nil, errors.NewAuthError(errors.CHALLENGE_SUBMISSION_FAILED, "failed to decode token response", err)
	}
	if tokenResp.Token == "" {
		return nil, errors.NewAuthError(errors.CHALLENGE_SUBMISSION_FAILED, "anchor returned an empty token", nil)
	}

	a.log.WithField("domain", domain).Debug("SEP-10 authentication complete")

	return &anchorengine.AuthToken{
		Token:        tokenResp.Token,
		AnchorDomain: domain,
		ExpiresAt:    tokenExpiry(tokenResp.Token, tokenResp.ExpiresAt),
	}, nil
}

// tokenExpiry determines when a token stops being provably unexpired. The
// JWT exp claim is authoritative when present (parsed without signature
// verification: the anchor's key is not ours to check against); the
// anchor's expires_at response field is the fallback. A zero time means the
// expiry is unknown and the token is refreshed on next use.
func tokenExpiry(token, expiresAt string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresAt != "" {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			return t
		}
	}
	return time.Time{}
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
