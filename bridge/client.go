// Package bridge is the client for the bridge's own payment-order API. It
// obtains the receiving address and memo a transfer's funds must be sent to,
// independent of any anchor. The returned address/memo pair is authoritative:
// the transaction pipeline must never substitute a destination derived from
// UI state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/core/net"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// Destination describes the receiving side of an order: which chain, which
// token, and how much arrives there.
type Destination struct {
	Address      string
	ChainID      string
	AmountUnits  string
	TokenSymbol  string
	TokenAddress string
}

// OrderDisplay is the human-facing metadata attached to an order.
type OrderDisplay struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// OrderRequest carries everything needed to create a payment order.
type OrderRequest struct {
	Kind           anchorengine.TransferKind
	Destination    Destination
	Display        OrderDisplay
	PreferredChain string
	PreferredToken string
}

// Client calls the bridge's payment-order API.
type Client struct {
	httpClient *net.Client
	baseURL    string
	appID      string
	log        *logrus.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for order milestones.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a payment-order client for the bridge at baseURL,
// identifying itself with appID.
func NewClient(httpClient *net.Client, baseURL, appID string, opts ...Option) *Client {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		appID:      appID,
		log:        discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder asks the bridge for a receiving address/memo pair for the
// given transfer. Network failures surface as ORDER_CREATION_FAILED; a
// definitive rejection from the bridge (amount above the configured ceiling,
// unsupported destination) surfaces as ORDER_REJECTED carrying the bridge's
// reason and, when supplied, the maximum allowed amount.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*anchorengine.BridgePaymentOrder, error) {
	if !req.Kind.Valid() {
		return nil, errors.NewBridgeError(errors.ORDER_CREATION_FAILED,
			fmt.Sprintf("unknown transfer kind %q", req.Kind), nil)
	}

	payload := map[string]any{
		"appId":   c.appID,
		"display": req.Display,
		"destination": map[string]string{
			"destinationAddress": req.Destination.Address,
			"chainId":            req.Destination.ChainID,
			"amountUnits":        req.Destination.AmountUnits,
			"tokenSymbol":        req.Destination.TokenSymbol,
			"tokenAddress":       req.Destination.TokenAddress,
		},
		"metadata": map[string]string{
			"direction": string(req.Kind),
		},
	}
	if req.PreferredChain != "" {
		payload["preferredChain"] = req.PreferredChain
	}
	if req.PreferredToken != "" {
		payload["preferredToken"] = req.PreferredToken
	}

	c.log.WithFields(logrus.Fields{
		"kind":   req.Kind,
		"amount": req.Destination.AmountUnits,
		"chain":  req.Destination.ChainID,
	}).Debug("creating bridge payment order")

	resp, err := c.httpClient.PostJSON(ctx, c.baseURL, payload, "")
	if err != nil {
		return nil, errors.NewBridgeError(errors.ORDER_CREATION_FAILED, "failed to reach the bridge payment API", err)
	}
	if resp.StatusCode != 200 && resp.StatusCode != 201 {
		return nil, rejectionError(resp)
	}

	var orderResp struct {
		ID       string `json:"id"`
		Metadata struct {
			ReceivingAddress string `json:"receivingAddress"`
			Memo             string `json:"memo"`
		} `json:"metadata"`
		Destination struct {
			AmountUnits string `json:"amountUnits"`
		} `json:"destination"`
	}
	if err := resp.DecodeJSON(&orderResp); err != nil {
		return nil, errors.NewBridgeError(errors.ORDER_CREATION_FAILED, "failed to decode payment order response", err)
	}
	if orderResp.Metadata.ReceivingAddress == "" {
		return nil, errors.NewBridgeError(errors.ORDER_CREATION_FAILED, "bridge returned an order with no receiving address", nil)
	}

	return &anchorengine.BridgePaymentOrder{
		ID:                   orderResp.ID,
		ReceivingAddress:     orderResp.Metadata.ReceivingAddress,
		Memo:                 orderResp.Metadata.Memo,
		RequestedAmountUnits: orderResp.Destination.AmountUnits,
		Destination:          req.Destination.Address,
	}, nil
}

// rejectionError turns a definitive non-2xx answer into ORDER_REJECTED,
// promoting a server-supplied ceiling to the max_allowed context key so the
// UI can tell the user the specific limit.
func rejectionError(resp *net.Response) error {
	body := resp.ErrorBody()
	ee := errors.NewBridgeError(errors.ORDER_REJECTED,
		fmt.Sprintf("bridge rejected the payment order (status %d): %s", resp.StatusCode, body), nil).
		With("status", resp.StatusCode).
		With("bridge_error", body)

	var rejection struct {
		Error      string  `json:"error"`
		MaxAllowed float64 `json:"maxAllowed"`
	}
	if json.Unmarshal([]byte(body), &rejection) == nil {
		if rejection.Error != "" {
			ee.Message = "bridge rejected the payment order: " + rejection.Error
		}
		if rejection.MaxAllowed > 0 {
			ee.With("max_allowed", rejection.MaxAllowed)
		}
	}
	return ee
}
