package auth

import (
	"fmt"
	"strings"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"github.com/stellarbridge/anchor-engine-go/errors"
)

// challengeParams are the expectations a SEP-10 challenge transaction is
// validated against before it is ever handed to the wallet.
type challengeParams struct {
	// NetworkPassphrase the challenge must hash against.
	NetworkPassphrase string

	// ServerSigningKey is the anchor's published SIGNING_KEY; the challenge
	// must carry a valid signature from it.
	ServerSigningKey string

	// ClientAccount is the account that requested the challenge; the first
	// operation's source account must match it.
	ClientAccount string

	// HomeDomain is the anchor domain embedded in the first manage-data
	// operation's name.
	HomeDomain string

	// WebAuthDomain is the host of the auth endpoint. When the challenge
	// carries a web_auth_domain operation, its value must match.
	WebAuthDomain string
}

// validateChallenge verifies a challenge transaction against params. Any
// mismatch fails with CHALLENGE_INVALID and the transaction must never be
// signed or submitted: this check exists to stop a malicious or
// misconfigured server from obtaining a wallet signature over an unrelated
// transaction.
func validateChallenge(challengeXDR string, params challengeParams) error {
	parsed, err := txnbuild.TransactionFromXDR(challengeXDR)
	if err != nil {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "failed to parse challenge transaction", err)
	}

	tx, ok := parsed.Transaction()
	if !ok {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "challenge transaction must not be fee bump", nil)
	}

	// A challenge is never a live transaction: its sequence number is zero
	// and its source is the server, not the client.
	source := tx.SourceAccount()
	if source.Sequence != 0 {
		return errors.NewAuthError(errors.CHALLENGE_INVALID,
			fmt.Sprintf("challenge transaction has non-zero sequence number %d", source.Sequence), nil)
	}
	if source.AccountID != params.ServerSigningKey {
		return errors.NewAuthError(errors.CHALLENGE_INVALID,
			"challenge transaction source account must be the anchor signing key", nil).
			With("tx_source", source.AccountID).
			With("signing_key", params.ServerSigningKey)
	}

	operations := tx.Operations()
	if len(operations) == 0 {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "challenge transaction has no operations", nil)
	}

	firstOp, ok := operations[0].(*txnbuild.ManageData)
	if !ok {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "first operation must be manage_data", nil)
	}
	if firstOp.SourceAccount != params.ClientAccount {
		return errors.NewAuthError(errors.CHALLENGE_INVALID,
			"challenge was issued for a different account", nil).
			With("challenge_account", firstOp.SourceAccount).
			With("requested_account", params.ClientAccount)
	}
	if firstOp.Name != params.HomeDomain+" auth" {
		return errors.NewAuthError(errors.CHALLENGE_INVALID,
			fmt.Sprintf("challenge operation name %q does not embed home domain %q", firstOp.Name, params.HomeDomain), nil)
	}

	for _, op := range operations[1:] {
		md, ok := op.(*txnbuild.ManageData)
		if !ok {
			return errors.NewAuthError(errors.CHALLENGE_INVALID,
				"challenge transaction contains a non-manage-data operation", nil)
		}
		if md.Name == "web_auth_domain" && params.WebAuthDomain != "" {
			if !strings.EqualFold(string(md.Value), params.WebAuthDomain) {
				return errors.NewAuthError(errors.CHALLENGE_INVALID,
					fmt.Sprintf("web_auth_domain %q does not match auth endpoint host %q", md.Value, params.WebAuthDomain), nil)
			}
		}
	}

	if err := verifyServerSignature(tx, params.NetworkPassphrase, params.ServerSigningKey); err != nil {
		return err
	}

	return nil
}

// verifyServerSignature checks that at least one signature on the challenge
// verifies against the anchor's published signing key, over the transaction
// hash computed for the expected network passphrase.
func verifyServerSignature(tx *txnbuild.Transaction, networkPassphrase, signingKey string) error {
	serverKP, err := keypair.ParseAddress(signingKey)
	if err != nil {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "invalid anchor signing key", err)
	}

	sigs := tx.Signatures()
	if len(sigs) == 0 {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "challenge transaction has no signatures", nil)
	}

	hash, err := tx.Hash(networkPassphrase)
	if err != nil {
		return errors.NewAuthError(errors.CHALLENGE_INVALID, "failed to hash challenge transaction", err)
	}

	for _, sig := range sigs {
		if serverKP.Verify(hash[:], sig.Signature) == nil {
			return nil
		}
	}

	return errors.NewAuthError(errors.CHALLENGE_INVALID,
		"challenge transaction is not signed by the anchor signing key", nil).
		With("signing_key", signingKey)
}
