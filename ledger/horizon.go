// Package ledger provides the Horizon-backed implementation of the engine's
// ledger capability: account state for sequence numbers and trustlines, and
// transaction submission with result-code extraction.
package ledger

import (
	"context"
	"fmt"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// HorizonLedger implements anchorengine.Ledger against a Horizon server.
type HorizonLedger struct {
	client *horizonclient.Client
}

// NewHorizonLedger creates a ledger capability backed by the given Horizon
// URL.
func NewHorizonLedger(horizonURL string) *HorizonLedger {
	return &HorizonLedger{
		client: &horizonclient.Client{HorizonURL: horizonURL},
	}
}

// LoadAccount fetches the current sequence number and balance lines for an
// account.
func (l *HorizonLedger) LoadAccount(ctx context.Context, accountID string) (*anchorengine.LedgerAccount, error) {
	account, err := l.client.AccountDetail(horizonclient.AccountRequest{
		AccountID: accountID,
	})
	if err != nil {
		return nil, errors.NewPipelineError(errors.ACCOUNT_LOAD_FAILED,
			fmt.Sprintf("failed to fetch account %s from horizon", accountID), err)
	}

	sequence, err := account.GetSequenceNumber()
	if err != nil {
		return nil, errors.NewPipelineError(errors.ACCOUNT_LOAD_FAILED,
			fmt.Sprintf("account %s has an unparsable sequence number", accountID), err)
	}

	balances := make([]anchorengine.AccountBalance, 0, len(account.Balances))
	for _, b := range account.Balances {
		balance := anchorengine.AccountBalance{Balance: b.Balance}
		if b.Type != "native" {
			balance.Code = b.Code
			balance.Issuer = b.Issuer
		}
		balances = append(balances, balance)
	}

	return &anchorengine.LedgerAccount{
		AccountID: account.AccountID,
		Sequence:  sequence,
		Balances:  balances,
	}, nil
}

// SubmitTransaction submits a signed envelope. On rejection the ledger's
// result codes are attached to the error context (result_code,
// operation_codes) for the pipeline to surface distinctly.
func (l *HorizonLedger) SubmitTransaction(ctx context.Context, signedXDR string) (*anchorengine.SubmitResult, error) {
	tx, err := l.client.SubmitTransactionXDR(signedXDR)
	if err != nil {
		return nil, submissionError(err)
	}
	return &anchorengine.SubmitResult{Hash: tx.Hash}, nil
}

func submissionError(err error) error {
	ee := errors.NewPipelineError(errors.SUBMISSION_FAILED, "horizon rejected the transaction", err)

	if herr := horizonclient.GetError(err); herr != nil {
		if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil {
			ee.With("result_code", codes.TransactionCode)
			if len(codes.OperationCodes) > 0 {
				ee.With("operation_codes", codes.OperationCodes)
			}
		}
	}
	return ee
}

var _ anchorengine.Ledger = (*HorizonLedger)(nil)
