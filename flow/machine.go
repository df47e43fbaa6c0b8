package flow

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/auth"
	"github.com/stellarbridge/anchor-engine-go/bridge"
	"github.com/stellarbridge/anchor-engine-go/errors"
	"github.com/stellarbridge/anchor-engine-go/pipeline"
	"github.com/stellarbridge/anchor-engine-go/sep24"
)

// Attempt is the state of one user-initiated transfer. A new transfer always
// starts a fresh attempt; prior attempts are superseded entirely, never
// merged.
type Attempt struct {
	ID             string
	Kind           anchorengine.TransferKind
	Step           anchorengine.TransferStep
	PaymentOrderID string
	ResultTxHash   string
	Err            error
}

// attemptState is the machine's live attempt plus its notification
// bookkeeping.
type attemptState struct {
	Attempt
	sink         anchorengine.ProgressSink
	terminalSent bool
}

// TransferRequest describes one deposit or withdrawal.
type TransferRequest struct {
	Kind   anchorengine.TransferKind
	Wallet anchorengine.WalletSigner

	// Amount of the Stellar-side payment, in asset units.
	Amount string

	// AssetCode/AssetIssuer identify the Stellar asset being moved. An
	// empty issuer means native XLM.
	AssetCode   string
	AssetIssuer string

	// Destination describes the receiving side of the bridge order.
	Destination    bridge.Destination
	Display        bridge.OrderDisplay
	PreferredChain string
	PreferredToken string

	// AnchorDomain, when set, routes the transfer through the anchor's
	// SEP-24 interactive flow (authentication + KYC) before settlement.
	// Empty means a direct bridge transfer.
	AnchorDomain string
}

// OrderCreator creates bridge payment orders.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req bridge.OrderRequest) (*anchorengine.BridgePaymentOrder, error)
}

// Authenticator obtains SEP-10 tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, account, domain string, wallet anchorengine.WalletSigner) (*anchorengine.AuthToken, error)
}

// Initiator opens SEP-24 interactive transfers.
type Initiator interface {
	Initiate(ctx context.Context, token *anchorengine.AuthToken, domain string, kind anchorengine.TransferKind, req sep24.InitiateRequest) (*sep24.Initiation, error)
}

// PaymentPipeline builds, signs, and submits Stellar payments.
type PaymentPipeline interface {
	BuildPayment(ctx context.Context, req pipeline.PaymentRequest) (*pipeline.BuiltPayment, error)
	Sign(ctx context.Context, wallet anchorengine.WalletSigner, built *pipeline.BuiltPayment) (string, error)
	Submit(ctx context.Context, signedXDR string) (string, error)
}

var (
	_ OrderCreator    = (*bridge.Client)(nil)
	_ Authenticator   = (*auth.Authenticator)(nil)
	_ Initiator       = (*sep24.Negotiator)(nil)
	_ PaymentPipeline = (*pipeline.Pipeline)(nil)
)

// Deps are the collaborators a Machine orchestrates.
type Deps struct {
	Authenticator Authenticator
	Negotiator    Initiator
	Orders        OrderCreator
	Pipeline      PaymentPipeline
	Browser       anchorengine.InteractiveBrowser
}

// Machine drives transfers through their states, owning the single live
// attempt. One flow at a time: starting a new transfer while a prior attempt
// is in a non-terminal working state fails with ATTEMPT_IN_PROGRESS; the
// caller must Reset first to retry.
type Machine struct {
	deps Deps
	log  *logrus.Logger

	mu      sync.Mutex
	attempt *attemptState
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger for state transitions.
func WithLogger(log *logrus.Logger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

// NewMachine creates a transfer state machine.
func NewMachine(deps Deps, opts ...Option) *Machine {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	m := &Machine{
		deps: deps,
		log:  discard,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns a snapshot of the live attempt, or nil when none exists.
func (m *Machine) Current() *Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt == nil {
		return nil
	}
	snapshot := m.attempt.Attempt
	return &snapshot
}

// Reset discards a finished attempt so a new transfer can start. Fails with
// ATTEMPT_IN_PROGRESS while an attempt is still working.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt != nil && !m.attempt.Step.Terminal() && m.attempt.Step != anchorengine.StepIdle {
		return errors.NewFlowError(errors.ATTEMPT_IN_PROGRESS, "a transfer attempt is still in progress", nil)
	}
	m.attempt = nil
	return nil
}

// Transfer runs one deposit or withdrawal to a terminal state, emitting
// exactly one ordered progress notification per transition and exactly one
// terminal notification to sink. The returned error, if any, is the same
// failure reported through the sink.
func (m *Machine) Transfer(ctx context.Context, req TransferRequest, sink anchorengine.ProgressSink) error {
	if err := m.begin(req.Kind, sink); err != nil {
		return err
	}

	if req.Wallet == nil {
		return m.fail(errors.NewFlowError(errors.WALLET_UNAVAILABLE, "no wallet connected", nil))
	}
	if !req.Kind.Valid() {
		return m.fail(errors.NewFlowError(errors.TRANSITION_INVALID, "transfer kind must be deposit or withdrawal", nil))
	}

	// Step 1: obtain the authoritative receiving address/memo from the
	// bridge. This happens for every flow, anchor-mediated or not.
	if err := m.transition(anchorengine.StepCreatePayment, "creating bridge payment order"); err != nil {
		return m.fail(err)
	}
	order, err := m.deps.Orders.CreateOrder(ctx, bridge.OrderRequest{
		Kind:           req.Kind,
		Destination:    req.Destination,
		Display:        req.Display,
		PreferredChain: req.PreferredChain,
		PreferredToken: req.PreferredToken,
	})
	if err != nil {
		return m.fail(err)
	}
	m.setOrderID(order.ID)

	// Step 2 (anchor-mediated only): authenticate and complete the anchor's
	// interactive KYC before any settlement.
	if req.AnchorDomain != "" {
		done, err := m.anchorLeg(ctx, req)
		if err != nil {
			return m.fail(err)
		}
		if done {
			// Anchor settles on-chain itself; no payment leaves the user's
			// account and there is no user transaction hash.
			return m.succeed("")
		}
	}

	// Step 3: pay the bridge order on-chain. The order's receiving address
	// and memo are authoritative; nothing from UI state or the anchor
	// callback overrides them.
	if err := m.transition(anchorengine.StepSignTransaction, "awaiting wallet signature"); err != nil {
		return m.fail(err)
	}
	built, err := m.deps.Pipeline.BuildPayment(ctx, pipeline.PaymentRequest{
		SourceAccount: req.Wallet.Address(),
		Destination:   order.ReceivingAddress,
		AssetCode:     req.AssetCode,
		AssetIssuer:   req.AssetIssuer,
		Amount:        req.Amount,
		Memo:          order.Memo,
	})
	if err != nil {
		return m.fail(err)
	}
	signedXDR, err := m.deps.Pipeline.Sign(ctx, req.Wallet, built)
	if err != nil {
		return m.fail(err)
	}

	if err := m.transition(anchorengine.StepSubmitTransaction, "submitting transaction to the network"); err != nil {
		return m.fail(err)
	}
	hash, err := m.deps.Pipeline.Submit(ctx, signedXDR)
	if err != nil {
		return m.fail(err)
	}

	return m.succeed(hash)
}

// anchorLeg runs SEP-10 authentication and the SEP-24 interactive session.
// Returns done=true when the anchor settles the transfer itself and no
// on-chain payment from the user follows (deposits).
func (m *Machine) anchorLeg(ctx context.Context, req TransferRequest) (bool, error) {
	if err := m.transition(anchorengine.StepAuthenticate, "authenticating with "+req.AnchorDomain); err != nil {
		return false, err
	}
	token, err := m.deps.Authenticator.Authenticate(ctx, req.Wallet.Address(), req.AnchorDomain, req.Wallet)
	if err != nil {
		return false, err
	}

	if err := m.transition(anchorengine.StepAwaitingKYC, "completing anchor verification"); err != nil {
		return false, err
	}
	init, err := m.deps.Negotiator.Initiate(ctx, token, req.AnchorDomain, req.Kind, sep24.InitiateRequest{
		AssetCode:   req.AssetCode,
		AssetIssuer: req.AssetIssuer,
		Account:     req.Wallet.Address(),
		Amount:      req.Amount,
	})
	if err != nil {
		return false, err
	}

	session, err := sep24.OpenSession(ctx, m.deps.Browser, init)
	if err != nil {
		return false, err
	}
	defer session.Cancel()

	event, err := session.AwaitCallback(ctx)
	if err != nil {
		return false, err
	}

	m.log.WithFields(logrus.Fields{
		"transfer_id": event.Transaction.ID,
		"status":      event.Transaction.Status,
	}).Debug("anchor callback received")

	// Withdrawals continue to the on-chain settlement leg against the
	// bridge order; anchor-settled deposits are complete once the anchor
	// confirms.
	return req.Kind == anchorengine.KindDeposit, nil
}

// begin registers a fresh attempt, enforcing single-flow-at-a-time.
func (m *Machine) begin(kind anchorengine.TransferKind, sink anchorengine.ProgressSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt != nil && !m.attempt.Step.Terminal() && m.attempt.Step != anchorengine.StepIdle {
		return errors.NewFlowError(errors.ATTEMPT_IN_PROGRESS,
			"a transfer attempt is already in progress; reset before retrying", nil)
	}

	m.attempt = &attemptState{
		Attempt: Attempt{
			ID:   uuid.NewString(),
			Kind: kind,
			Step: anchorengine.StepIdle,
		},
		sink: sink,
	}
	return nil
}

// transition advances the attempt one step and emits exactly one ordered
// progress notification.
func (m *Machine) transition(to anchorengine.TransferStep, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateTransition(m.attempt.Step, to); err != nil {
		return err
	}
	m.attempt.Step = to
	m.log.WithFields(logrus.Fields{"attempt": m.attempt.ID, "step": to}).Debug("transfer step")
	if m.attempt.sink != nil {
		m.attempt.sink.Step(to, detail)
	}
	return nil
}

func (m *Machine) setOrderID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt.PaymentOrderID = id
}

// succeed moves the attempt to its success terminal state. The terminal
// notification is emitted exactly once, even if background callbacks arrive
// late.
func (m *Machine) succeed(txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt.terminalSent {
		return nil
	}
	m.attempt.terminalSent = true
	m.attempt.Step = anchorengine.StepSuccess
	m.attempt.ResultTxHash = txHash
	if m.attempt.sink != nil {
		m.attempt.sink.Success(txHash)
	}
	return nil
}

// fail moves the attempt to its error terminal state and reports the failure
// through the sink exactly once, with a machine-readable code and a
// human-readable message. No failure path is silent.
func (m *Machine) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt.terminalSent {
		return err
	}
	m.attempt.terminalSent = true
	m.attempt.Step = anchorengine.StepError
	m.attempt.Err = err

	code := errors.CodeOf(err)
	message := err.Error()
	var ee *errors.EngineError
	if errors.As(err, &ee) {
		message = ee.Message
	}

	m.log.WithFields(logrus.Fields{"attempt": m.attempt.ID, "code": code}).WithError(err).Warn("transfer failed")
	if m.attempt.sink != nil {
		m.attempt.sink.Failure(string(code), message)
	}
	return err
}
