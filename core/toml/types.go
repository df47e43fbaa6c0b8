// Package toml resolves anchor capability descriptors published as
// stellar.toml documents (SEP-1). The Resolver fetches, parses, and caches
// descriptors per domain; callers that need a specific field assert its
// presence with Require before using it.
package toml

// AnchorDescriptor is the parsed capability descriptor of one anchor domain.
// It is immutable once resolved.
type AnchorDescriptor struct {
	// Domain the descriptor was resolved for.
	Domain string `toml:"-"`

	// NetworkPassphrase identifies the Stellar network the anchor operates on.
	NetworkPassphrase string `toml:"NETWORK_PASSPHRASE"`

	// SigningKey is the anchor's public key (G...) used to sign SEP-10
	// challenges.
	SigningKey string `toml:"SIGNING_KEY"`

	// WebAuthEndpoint is the SEP-10 web authentication URL.
	WebAuthEndpoint string `toml:"WEB_AUTH_ENDPOINT"`

	// TransferServer is the SEP-6 transfer server URL, used as the auth
	// endpoint fallback when WebAuthEndpoint is absent.
	TransferServer string `toml:"TRANSFER_SERVER"`

	// TransferServerSep24 is the SEP-24 interactive transfer server URL.
	TransferServerSep24 string `toml:"TRANSFER_SERVER_SEP0024"`

	// KYCServer is the SEP-12 customer registration URL, when published.
	KYCServer string `toml:"KYC_SERVER"`
}

// descriptor field names as used in Require and error context.
const (
	FieldNetworkPassphrase   = "NETWORK_PASSPHRASE"
	FieldSigningKey          = "SIGNING_KEY"
	FieldWebAuthEndpoint     = "WEB_AUTH_ENDPOINT"
	FieldTransferServer      = "TRANSFER_SERVER"
	FieldTransferServerSep24 = "TRANSFER_SERVER_SEP0024"
	FieldKYCServer           = "KYC_SERVER"
)

// AuthEndpoint returns the endpoint to use for SEP-10 authentication:
// WEB_AUTH_ENDPOINT when published, TRANSFER_SERVER otherwise. Returns an
// empty string when neither is present.
func (d *AnchorDescriptor) AuthEndpoint() string {
	if d.WebAuthEndpoint != "" {
		return d.WebAuthEndpoint
	}
	return d.TransferServer
}

func (d *AnchorDescriptor) field(name string) string {
	switch name {
	case FieldNetworkPassphrase:
		return d.NetworkPassphrase
	case FieldSigningKey:
		return d.SigningKey
	case FieldWebAuthEndpoint:
		return d.WebAuthEndpoint
	case FieldTransferServer:
		return d.TransferServer
	case FieldTransferServerSep24:
		return d.TransferServerSep24
	case FieldKYCServer:
		return d.KYCServer
	default:
		return ""
	}
}
