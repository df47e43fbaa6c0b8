// Package anchorengine is the protocol engine behind a cross-chain USDC
// bridge's Stellar leg. It resolves anchor capability descriptors (SEP-1),
// authenticates accounts against anchors (SEP-10), negotiates interactive
// deposit/withdrawal sessions (SEP-24), obtains receiving addresses from the
// bridge's payment-order API, and drives the build/sign/submit lifecycle of
// the resulting Stellar payment transaction.
//
// The engine owns no keys and renders no UI. Wallets, ledger access, popup
// windows, and progress display are consumed as capabilities; the caller
// provides implementations and the engine uses them.
package anchorengine

import (
	"context"
	"time"
)

// WalletSigner is the minimal contract for proving control of a Stellar
// account and authorizing transactions. The engine never sees a secret key;
// it hands unsigned envelopes to the wallet and receives signed ones back.
type WalletSigner interface {
	// Address returns the Stellar address (G...) the wallet signs for.
	Address() string

	// SignTransaction signs a Stellar transaction envelope (base64 XDR).
	// The networkPassphrase is required for computing the correct transaction
	// hash. Returns the signed envelope as base64 XDR.
	SignTransaction(ctx context.Context, xdr string, networkPassphrase string) (string, error)
}

// LedgerAccount is the subset of on-chain account state the engine consumes.
type LedgerAccount struct {
	AccountID string
	Sequence  int64
	Balances  []AccountBalance
}

// AccountBalance describes one balance line of a ledger account.
// Native XLM has an empty Code and Issuer.
type AccountBalance struct {
	Code    string
	Issuer  string
	Balance string
}

// HasTrustline reports whether the account holds a trustline for the given
// issued asset.
func (a *LedgerAccount) HasTrustline(code, issuer string) bool {
	for _, b := range a.Balances {
		if b.Code == code && b.Issuer == issuer {
			return true
		}
	}
	return false
}

// SubmitResult is the outcome of a successful ledger submission.
type SubmitResult struct {
	Hash string
}

// Ledger is the engine's window onto the Stellar network: current account
// state for sequence numbers and trustlines, and transaction submission.
// Implementations typically wrap a Horizon client.
type Ledger interface {
	// LoadAccount fetches the current state of an account. The returned
	// sequence number is only valid until the next transaction from this
	// account is accepted; callers must reload before building.
	LoadAccount(ctx context.Context, accountID string) (*LedgerAccount, error)

	// SubmitTransaction submits a signed envelope (base64 XDR) and returns
	// the transaction hash on acceptance.
	SubmitTransaction(ctx context.Context, signedXDR string) (*SubmitResult, error)
}

// PopupWindow is a handle on an open interactive window. The negotiator
// reads cross-window messages from Messages and treats Closed as the user
// abandoning the session.
type PopupWindow interface {
	// Messages delivers raw message payloads posted by the window, in order.
	Messages() <-chan []byte

	// Closed is closed when the window is no longer open, whether by the
	// user or by Close.
	Closed() <-chan struct{}

	// Close dismisses the window. Safe to call more than once.
	Close()
}

// InteractiveBrowser opens interactive anchor-hosted pages. A browser-backed
// implementation opens a fixed-size popup; a headless one may drive the URL
// programmatically in tests.
type InteractiveBrowser interface {
	// Open points a new window at url. Returns an error if the window could
	// not be opened (popup blocked) or was immediately closed.
	Open(ctx context.Context, url string) (PopupWindow, error)
}

// TransferKind distinguishes deposits from withdrawals.
type TransferKind string

const (
	// KindDeposit moves value from off-chain onto Stellar.
	KindDeposit TransferKind = "deposit"

	// KindWithdrawal moves value from Stellar off-chain.
	KindWithdrawal TransferKind = "withdrawal"
)

// Valid reports whether k is one of the two recognized kinds.
func (k TransferKind) Valid() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// TransferStep identifies a stage in the transfer state machine.
type TransferStep string

const (
	StepIdle              TransferStep = "idle"
	StepCreatePayment     TransferStep = "create-payment"
	StepAuthenticate      TransferStep = "authenticate"
	StepAwaitingKYC       TransferStep = "awaiting-kyc"
	StepSignTransaction   TransferStep = "sign-transaction"
	StepSubmitTransaction TransferStep = "submit-transaction"
	StepSuccess           TransferStep = "success"
	StepError             TransferStep = "error"
)

// Terminal reports whether the step ends an attempt.
func (s TransferStep) Terminal() bool {
	return s == StepSuccess || s == StepError
}

// ProgressSink receives ordered status notifications from the transfer state
// machine. Step is called exactly once per state transition; exactly one of
// Success or Failure is called per attempt, after which no further
// notifications arrive for that attempt.
type ProgressSink interface {
	Step(step TransferStep, detail string)
	Success(txHash string)
	Failure(code string, message string)
}

// AuthToken is a SEP-10 bearer token for one anchor domain. A zero ExpiresAt
// means the anchor did not communicate an expiry; such tokens are never
// treated as provably unexpired and are refreshed on next use.
type AuthToken struct {
	Token        string
	AnchorDomain string
	ExpiresAt    time.Time
}

// Valid reports whether the token is provably unexpired at time now.
func (t *AuthToken) Valid(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return !t.ExpiresAt.IsZero() && now.Before(t.ExpiresAt)
}

// TokenStore caches one AuthToken per anchor domain. Put replaces any prior
// token for the same domain atomically; there is never more than one current
// token per domain. Implementations must be safe for concurrent use.
type TokenStore interface {
	Get(ctx context.Context, domain string) (*AuthToken, bool)
	Put(ctx context.Context, token *AuthToken) error
	Forget(ctx context.Context, domain string) error
}

// CallbackTransaction is the anchor's view of a transfer, delivered through
// the interactive window's completion message.
type CallbackTransaction struct {
	ID                    string       `json:"id"`
	Kind                  TransferKind `json:"kind"`
	Status                string       `json:"status"`
	AmountIn              string       `json:"amount_in,omitempty"`
	AmountOut             string       `json:"amount_out,omitempty"`
	WithdrawAnchorAccount string       `json:"withdraw_anchor_account,omitempty"`
	WithdrawMemo          string       `json:"withdraw_memo,omitempty"`
	MoreInfoURL           string       `json:"more_info_url,omitempty"`
}

// TransferCallbackEvent is the one-shot completion event of an interactive
// session. At most one event is acted upon per session.
type TransferCallbackEvent struct {
	Transaction CallbackTransaction `json:"transaction"`
}

// BridgePaymentOrder is the bridge's answer to a payment-order request: where
// funds for this transfer must be sent on Stellar. The receiving address and
// memo are authoritative; the transaction pipeline must never substitute a
// destination derived from UI state.
type BridgePaymentOrder struct {
	ID                   string
	ReceivingAddress     string
	Memo                 string
	RequestedAmountUnits string
	Destination          string
}
