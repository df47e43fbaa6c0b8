// Package pipeline drives the lifecycle of a single Stellar payment
// transaction: build against the account's current sequence number, sign via
// the wallet capability, submit to the ledger.
//
// Stellar transactions are single-use: each consumes one sequence number and
// carries a bounded validity window. The pipeline therefore builds
// immediately before signing and never resubmits a signed envelope; any
// retry starts over with a fresh build.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/txnbuild"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// defaultTxTimeout bounds how long a built transaction stays valid. Short on
// purpose: a stale transaction must fail rather than execute surprisingly
// late.
const defaultTxTimeout = 5 * time.Minute

// maxTextMemoLength is the Stellar protocol limit for text memos.
const maxTextMemoLength = 28

// PaymentRequest describes the payment to build. An empty AssetIssuer means
// native XLM.
type PaymentRequest struct {
	SourceAccount string
	Destination   string
	AssetCode     string
	AssetIssuer   string
	Amount        string
	Memo          string
}

// BuiltPayment is an unsigned envelope plus the sequence number it consumes.
// It is valid only until the account's sequence advances; rebuild instead of
// reusing after any intervening network round-trip.
type BuiltPayment struct {
	UnsignedXDR string
	Sequence    int64
}

// Receipt is the terminal outcome of a successful send.
type Receipt struct {
	Hash     string
	Sequence int64
}

// Pipeline builds, signs, and submits Stellar payment transactions.
type Pipeline struct {
	ledger            anchorengine.Ledger
	networkPassphrase string
	txTimeout         time.Duration
	log               *logrus.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for pipeline milestones.
func WithLogger(log *logrus.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithTxTimeout overrides the transaction validity window.
func WithTxTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.txTimeout = d
	}
}

// NewPipeline creates a transaction pipeline against the given ledger and
// network.
func NewPipeline(ledger anchorengine.Ledger, networkPassphrase string, opts ...Option) *Pipeline {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	p := &Pipeline{
		ledger:            ledger,
		networkPassphrase: networkPassphrase,
		txTimeout:         defaultTxTimeout,
		log:               discard,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BuildPayment constructs an unsigned single-operation payment transaction
// against the account's current sequence number, with a bounded validity
// window and the minimum network fee.
func (p *Pipeline) BuildPayment(ctx context.Context, req PaymentRequest) (*BuiltPayment, error) {
	if len(req.Memo) > maxTextMemoLength {
		return nil, errors.NewPipelineError(errors.TX_BUILD_FAILED,
			fmt.Sprintf("memo %q exceeds the %d byte text memo limit", req.Memo, maxTextMemoLength), nil)
	}

	account, err := p.ledger.LoadAccount(ctx, req.SourceAccount)
	if err != nil {
		return nil, errors.NewPipelineError(errors.ACCOUNT_LOAD_FAILED,
			fmt.Sprintf("failed to load account %s", req.SourceAccount), err)
	}

	var asset txnbuild.Asset
	if req.AssetIssuer == "" {
		asset = txnbuild.NativeAsset{}
	} else {
		asset = txnbuild.CreditAsset{Code: req.AssetCode, Issuer: req.AssetIssuer}
	}

	params := txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: account.AccountID,
			Sequence:  account.Sequence,
		},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: req.Destination,
				Amount:      req.Amount,
				Asset:       asset,
			},
		},
		BaseFee: txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(p.txTimeout.Seconds())),
		},
	}
	if req.Memo != "" {
		params.Memo = txnbuild.MemoText(req.Memo)
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, errors.NewPipelineError(errors.TX_BUILD_FAILED, "failed to build payment transaction", err)
	}

	xdr, err := tx.Base64()
	if err != nil {
		return nil, errors.NewPipelineError(errors.TX_BUILD_FAILED, "failed to encode payment transaction", err)
	}

	p.log.WithFields(logrus.Fields{
		"destination": req.Destination,
		"amount":      req.Amount,
		"sequence":    account.Sequence + 1,
	}).Debug("payment transaction built")

	return &BuiltPayment{
		UnsignedXDR: xdr,
		Sequence:    account.Sequence + 1,
	}, nil
}

// Sign delegates signing to the wallet capability. Fails with
// SIGNATURE_REJECTED if the user declines.
func (p *Pipeline) Sign(ctx context.Context, wallet anchorengine.WalletSigner, built *BuiltPayment) (string, error) {
	if wallet == nil {
		return "", errors.NewPipelineError(errors.WALLET_UNAVAILABLE, "no wallet signer available", nil)
	}

	signedXDR, err := wallet.SignTransaction(ctx, built.UnsignedXDR, p.networkPassphrase)
	if err != nil {
		return "", errors.NewPipelineError(errors.SIGNATURE_REJECTED, "wallet declined to sign the payment", err)
	}
	return signedXDR, nil
}

// Submit submits a signed envelope to the ledger, at most once. On failure
// the ledger's result code is surfaced distinctly: some codes are actionable
// by the user (missing trustline, insufficient balance), others mean the
// attempt is safe to retry by rebuilding from scratch.
func (p *Pipeline) Submit(ctx context.Context, signedXDR string) (string, error) {
	result, err := p.ledger.SubmitTransaction(ctx, signedXDR)
	if err != nil {
		return "", p.submitError(err)
	}

	p.log.WithField("hash", result.Hash).Debug("payment transaction accepted")
	return result.Hash, nil
}

// Send runs one complete build/sign/submit cycle, strictly sequential. The
// built transaction is signed immediately and submitted exactly once; on any
// failure the caller retries by calling Send again, which rebuilds with a
// fresh sequence number.
func (p *Pipeline) Send(ctx context.Context, wallet anchorengine.WalletSigner, req PaymentRequest) (*Receipt, error) {
	built, err := p.BuildPayment(ctx, req)
	if err != nil {
		return nil, err
	}

	signedXDR, err := p.Sign(ctx, wallet, built)
	if err != nil {
		return nil, err
	}

	hash, err := p.Submit(ctx, signedXDR)
	if err != nil {
		return nil, err
	}

	return &Receipt{Hash: hash, Sequence: built.Sequence}, nil
}

// submitError decorates a ledger submission failure with a user-actionable
// message for known result codes and a retryable marker for codes that are
// safe to retry after a rebuild.
func (p *Pipeline) submitError(err error) error {
	var ee *errors.EngineError
	if !errors.As(err, &ee) {
		return errors.NewPipelineError(errors.SUBMISSION_FAILED, "transaction submission failed", err)
	}

	code, _ := ee.Context["result_code"].(string)
	out := errors.NewPipelineError(errors.SUBMISSION_FAILED, "transaction submission failed", err).
		With("result_code", code)
	if opCodes, ok := ee.Context["operation_codes"]; ok {
		out.With("operation_codes", opCodes)
		if code == "tx_failed" {
			if codes, ok := opCodes.([]string); ok && len(codes) > 0 {
				code = codes[0]
			}
		}
	}

	if desc, retryable := describeResultCode(code); desc != "" {
		out.Message = desc
		out.With("retryable", retryable)
	}
	return out
}

// describeResultCode maps ledger result codes to user-facing guidance.
// Retryable means: rebuild with a fresh sequence number and submit again.
func describeResultCode(code string) (string, bool) {
	switch code {
	case "tx_bad_seq":
		return "the account's sequence number advanced; the payment must be rebuilt before retrying", true
	case "tx_too_late":
		return "the transaction's validity window expired; the payment must be rebuilt before retrying", true
	case "tx_insufficient_balance", "op_underfunded":
		return "the account balance is insufficient for this payment", false
	case "op_no_trust":
		return "the destination account has not established a trustline for this asset", false
	case "op_no_destination":
		return "the destination account does not exist on the ledger", false
	case "op_src_no_trust":
		return "the sending account has not established a trustline for this asset", false
	case "tx_insufficient_fee":
		return "the network fee was too low; the payment must be rebuilt before retrying", true
	default:
		return "", false
	}
}
