package signers

import (
	"context"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
)

// callbackSigner wraps a custom signing function for external wallets.
type callbackSigner struct {
	address  string
	signFunc func(ctx context.Context, xdr, networkPassphrase string) (string, error)
}

// FromCallback creates a WalletSigner from an address and an arbitrary
// signing function. Intended for wrapping browser wallet extensions,
// custodial APIs, or any external signing service.
func FromCallback(
	address string,
	signFunc func(ctx context.Context, xdr, networkPassphrase string) (string, error),
) anchorengine.WalletSigner {
	return &callbackSigner{
		address:  address,
		signFunc: signFunc,
	}
}

// Address returns the Stellar address (G...) for this signer.
func (s *callbackSigner) Address() string {
	return s.address
}

// SignTransaction delegates to the callback function.
func (s *callbackSigner) SignTransaction(ctx context.Context, xdr string, networkPassphrase string) (string, error) {
	return s.signFunc(ctx, xdr, networkPassphrase)
}
