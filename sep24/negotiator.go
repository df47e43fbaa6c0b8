// Package sep24 implements the client side of SEP-24 interactive transfers:
// anchor capability queries, interactive session initiation, popup window
// brokering, and the one-shot completion callback.
//
// SEP-24 delegates KYC and compliance entirely to the anchor's own hosted
// UI. The negotiator's responsibility is securely brokering the handshake
// (bearer token, interactive URL, single callback) and never assuming
// success without an explicit terminal event.
package sep24

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/core/net"
	"github.com/stellarbridge/anchor-engine-go/core/toml"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// AssetCapability describes what the anchor supports for one asset in one
// direction.
type AssetCapability struct {
	Enabled    bool    `json:"enabled"`
	MinAmount  float64 `json:"min_amount"`
	MaxAmount  float64 `json:"max_amount"`
	FeeFixed   float64 `json:"fee_fixed"`
	FeePercent float64 `json:"fee_percent"`
}

// Capabilities is the anchor's /info response: per-asset deposit and
// withdrawal support.
type Capabilities struct {
	Deposit  map[string]AssetCapability `json:"deposit"`
	Withdraw map[string]AssetCapability `json:"withdraw"`
}

// InitiateRequest carries the fields for opening an interactive transfer.
type InitiateRequest struct {
	AssetCode   string
	AssetIssuer string
	Account     string
	Amount      string
	// Destination is the off-chain destination for withdrawals, in whatever
	// format the anchor expects (IBAN, card number, external address).
	Destination string
	Memo        string
	MemoType    string
	Lang        string
}

// Initiation is the anchor's answer to an interactive transfer request.
type Initiation struct {
	TransferID     string
	InteractiveURL string
}

// Negotiator drives SEP-24 interactive transfer negotiation against anchors.
type Negotiator struct {
	httpClient *net.Client
	resolver   *toml.Resolver
	log        *logrus.Logger
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithLogger sets the logger for negotiation milestones.
func WithLogger(log *logrus.Logger) Option {
	return func(n *Negotiator) {
		n.log = log
	}
}

// NewNegotiator creates a SEP-24 negotiator.
func NewNegotiator(httpClient *net.Client, resolver *toml.Resolver, opts ...Option) *Negotiator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	n := &Negotiator{
		httpClient: httpClient,
		resolver:   resolver,
		log:        discard,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// GetCapabilities queries the anchor's /info endpoint.
func (n *Negotiator) GetCapabilities(ctx context.Context, domain string) (*Capabilities, error) {
	endpoint, err := n.transferServer(ctx, domain)
	if err != nil {
		return nil, err
	}

	resp, err := n.httpClient.Get(ctx, endpoint+"/info")
	if err != nil {
		return nil, errors.NewTransferError(errors.CAPABILITIES_UNAVAILABLE,
			fmt.Sprintf("failed to fetch capabilities from %s", domain), err)
	}
	if resp.StatusCode != 200 {
		return nil, errors.NewTransferError(errors.CAPABILITIES_UNAVAILABLE,
			fmt.Sprintf("capabilities request returned status %d", resp.StatusCode), nil).
			With("status", resp.StatusCode)
	}

	var caps Capabilities
	if err := resp.DecodeJSON(&caps); err != nil {
		return nil, errors.NewTransferError(errors.CAPABILITIES_UNAVAILABLE, "failed to decode capabilities response", err)
	}
	return &caps, nil
}

// Initiate opens an interactive transfer session with the anchor. The
// anchor's rejection payload is preserved: amount-limit rejections carry the
// anchor-supplied ceiling in the error context so the UI can surface it as a
// distinguishable condition rather than a generic failure.
func (n *Negotiator) Initiate(ctx context.Context, token *anchorengine.AuthToken, domain string, kind anchorengine.TransferKind, req InitiateRequest) (*Initiation, error) {
	if !kind.Valid() {
		return nil, errors.NewTransferError(errors.TRANSFER_INITIATION_FAILED,
			fmt.Sprintf("unknown transfer kind %q", kind), nil)
	}
	if token == nil || token.Token == "" {
		return nil, errors.NewTransferError(errors.TRANSFER_INITIATION_FAILED, "missing auth token", nil)
	}

	endpoint, err := n.transferServer(ctx, domain)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"asset_code": req.AssetCode,
		"account":    req.Account,
	}
	if req.AssetIssuer != "" {
		payload["asset_issuer"] = req.AssetIssuer
	}
	if req.Amount != "" {
		payload["amount"] = req.Amount
	}
	if req.Destination != "" {
		payload["dest"] = req.Destination
	}
	if req.Memo != "" {
		payload["memo"] = req.Memo
		payload["memo_type"] = req.MemoType
	}
	if req.Lang != "" {
		payload["lang"] = req.Lang
	}

	direction := "deposit"
	if kind == anchorengine.KindWithdrawal {
		direction = "withdraw"
	}

	n.log.WithFields(logrus.Fields{"domain": domain, "kind": kind, "asset": req.AssetCode}).Debug("initiating interactive transfer")

	url := fmt.Sprintf("%s/transactions/%s/interactive", endpoint, direction)
	resp, err := n.httpClient.PostJSON(ctx, url, payload, token.Token)
	if err != nil {
		return nil, errors.NewTransferError(errors.TRANSFER_INITIATION_FAILED,
			fmt.Sprintf("failed to initiate %s with %s", direction, domain), err)
	}
	if resp.StatusCode != 200 {
		return nil, initiationError(resp, direction)
	}

	var initResp struct {
		Type string `json:"type"`
		URL  string `json:"url"`
		ID   string `json:"id"`
	}
	if err := resp.DecodeJSON(&initResp); err != nil {
		return nil, errors.NewTransferError(errors.TRANSFER_INITIATION_FAILED, "failed to decode initiation response", err)
	}
	if initResp.URL == "" {
		return nil, errors.NewTransferError(errors.TRANSFER_INITIATION_FAILED, "anchor returned no interactive URL", nil)
	}

	return &Initiation{
		TransferID:     initResp.ID,
		InteractiveURL: initResp.URL,
	}, nil
}

// initiationError turns a non-200 initiation response into a
// TRANSFER_INITIATION_FAILED error carrying the anchor's payload. A
// max_amount field in the payload is promoted to the max_allowed context key.
func initiationError(resp *net.Response, direction string) error {
	body := resp.ErrorBody()
	ee := errors.NewTransferError(errors.TRANSFER_INITIATION_FAILED,
		fmt.Sprintf("%s request returned status %d: %s", direction, resp.StatusCode, body), nil).
		With("status", resp.StatusCode).
		With("anchor_error", body)

	var rejection struct {
		Error     string  `json:"error"`
		MaxAmount float64 `json:"max_amount"`
	}
	if unmarshalLoose(body, &rejection) {
		if rejection.Error != "" {
			ee.Message = fmt.Sprintf("anchor rejected %s: %s", direction, rejection.Error)
		}
		if rejection.MaxAmount > 0 {
			ee.With("max_allowed", rejection.MaxAmount)
		}
	}
	return ee
}

// PollTransaction fetches the anchor's current view of a transfer.
func (n *Negotiator) PollTransaction(ctx context.Context, token *anchorengine.AuthToken, domain, transferID string) (*anchorengine.CallbackTransaction, error) {
	endpoint, err := n.transferServer(ctx, domain)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/transaction?id=%s", endpoint, transferID)
	resp, err := n.httpClient.GetWithToken(ctx, url, token.Token)
	if err != nil {
		return nil, errors.NewTransferError(errors.CAPABILITIES_UNAVAILABLE,
			fmt.Sprintf("failed to poll transfer %s", transferID), err)
	}
	if resp.StatusCode != 200 {
		return nil, errors.NewTransferError(errors.CAPABILITIES_UNAVAILABLE,
			fmt.Sprintf("transfer poll returned status %d", resp.StatusCode), nil).
			With("status", resp.StatusCode)
	}

	var pollResp struct {
		Transaction anchorengine.CallbackTransaction `json:"transaction"`
	}
	if err := resp.DecodeJSON(&pollResp); err != nil {
		return nil, errors.NewTransferError(errors.CAPABILITIES_UNAVAILABLE, "failed to decode transfer poll response", err)
	}
	return &pollResp.Transaction, nil
}

// WaitForTerminal polls the anchor with adaptive backoff (1s, 2s, 4s, ...,
// capped at 30s) until the transfer reaches a terminal status or ctx is
// cancelled. Used when the popup callback reports a non-terminal status.
func (n *Negotiator) WaitForTerminal(ctx context.Context, token *anchorengine.AuthToken, domain, transferID string) (*anchorengine.CallbackTransaction, error) {
	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		txn, err := n.PollTransaction(ctx, token, domain, transferID)
		if err != nil {
			return nil, err
		}
		if isTerminalStatus(txn.Status) {
			return txn, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.NewTransferError(errors.SESSION_CANCELLED, "transfer polling cancelled", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "refunded", "expired", "error", "no_market", "too_small", "too_large":
		return true
	default:
		return false
	}
}

// unmarshalLoose attempts a JSON decode of body into v, reporting success.
// Anchor error payloads are not guaranteed to be JSON.
func unmarshalLoose(body string, v any) bool {
	return json.Unmarshal([]byte(body), v) == nil
}

func (n *Negotiator) transferServer(ctx context.Context, domain string) (string, error) {
	descriptor, err := n.resolver.Resolve(ctx, domain)
	if err != nil {
		return "", err
	}
	if err := toml.Require(descriptor, toml.FieldTransferServerSep24); err != nil {
		return "", err
	}
	return descriptor.TransferServerSep24, nil
}
