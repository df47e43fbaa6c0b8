// Package signers provides convenience constructors for WalletSigner
// implementations.
//
// It offers two patterns:
//   - FromSecret: wraps a Stellar secret key (S...) using stellar/go keypair.
//     Intended for tooling and tests, never for holding user keys in the UI.
//   - FromCallback: wraps an arbitrary signing function, for delegating to a
//     browser wallet extension, HSM, or custodial API.
//
// Both return implementations of the anchorengine.WalletSigner interface.
package signers
