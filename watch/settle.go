package watch

import (
	"fmt"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
)

// Settlement is the on-ledger proof that a payment order's Stellar leg
// settled: a payment at the order's receiving address carrying the order's
// memo.
type Settlement struct {
	OrderID         string
	TransactionHash string
	Amount          string
	Asset           string
	From            string
}

// SettlementHandler is called once a matching payment is observed.
type SettlementHandler func(Settlement) error

// ConfirmOrderSettlement registers a handler on the watcher that fires when a
// payment matching the order arrives: sent to the order's receiving address,
// carrying the order's memo. Payments without the memo are ignored; the memo
// is the only link between a ledger payment and a specific order.
func ConfirmOrderSettlement(w Watcher, order *anchorengine.BridgePaymentOrder, handler SettlementHandler) error {
	if w == nil {
		return fmt.Errorf("watcher is nil")
	}
	if order == nil || order.ReceivingAddress == "" {
		return fmt.Errorf("order has no receiving address")
	}
	if order.Memo == "" {
		return fmt.Errorf("order %s has no memo; settlement cannot be matched", order.ID)
	}

	w.OnPayment(func(evt PaymentEvent) error {
		return handler(Settlement{
			OrderID:         order.ID,
			TransactionHash: evt.TransactionHash,
			Amount:          evt.Amount,
			Asset:           evt.Asset,
			From:            evt.From,
		})
	}, ToAccount(order.ReceivingAddress), WithMemo(order.Memo))

	return nil
}
