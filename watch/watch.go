// Package watch confirms bridge settlements on-chain. It streams payment
// operations from Horizon and matches them against payment orders: a payment
// arriving at the order's receiving address with the order's memo is the
// on-ledger proof that the transfer's Stellar leg settled.
package watch

import (
	"context"
)

// PaymentEvent is one payment operation observed on the ledger.
type PaymentEvent struct {
	// ID is the operation ID assigned by Horizon.
	ID string

	// From and To are the sending and receiving accounts.
	From string
	To   string

	// Asset is "native" for XLM, "CODE:ISSUER" for issued assets.
	Asset string

	// Amount in asset units, as reported by Horizon.
	Amount string

	// Memo of the enclosing transaction, empty when absent.
	Memo string

	// Cursor is the paging token, used to resume streaming.
	Cursor string

	// TransactionHash identifies the enclosing transaction.
	TransactionHash string
}

// PaymentHandler processes one observed payment. A handler error is logged
// and streaming continues; handlers must be safe to call sequentially.
type PaymentHandler func(PaymentEvent) error

// PaymentFilter reports whether an event should reach a handler. Filters
// registered together are ANDed.
type PaymentFilter func(PaymentEvent) bool

type handlerEntry struct {
	handler PaymentHandler
	filters []PaymentFilter
}

// Watcher streams ledger payment events to registered handlers.
type Watcher interface {
	// OnPayment registers a handler with optional filters. Handlers run
	// sequentially per event, in registration order.
	OnPayment(handler PaymentHandler, filters ...PaymentFilter)

	// Watch blocks, streaming events until ctx is cancelled or Stop is
	// called. Stream failures reconnect with exponential backoff.
	Watch(ctx context.Context) error

	// Stop ends streaming. Safe to call more than once.
	Stop() error
}

// ToAccount matches payments received by account.
func ToAccount(account string) PaymentFilter {
	return func(evt PaymentEvent) bool {
		return evt.To == account
	}
}

// FromAccount matches payments sent by account.
func FromAccount(account string) PaymentFilter {
	return func(evt PaymentEvent) bool {
		return evt.From == account
	}
}

// OfAsset matches payments of one asset: "native" or "CODE:ISSUER".
func OfAsset(asset string) PaymentFilter {
	return func(evt PaymentEvent) bool {
		return evt.Asset == asset
	}
}

// WithMemo matches payments whose transaction carries exactly this memo.
func WithMemo(memo string) PaymentFilter {
	return func(evt PaymentEvent) bool {
		return evt.Memo == memo
	}
}
