package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/tempo-x402/x402-go"
)

const defaultClientTimeout = 30 * time.Second

// FacilitatorClientConfig configures the remote facilitator client.
type FacilitatorClientConfig struct {
	// URL is the facilitator's base URL.
	URL string

	// AuthSecret signs every request body with an X-Facilitator-Auth
	// HMAC. Must match the facilitator's secret.
	AuthSecret []byte

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Timeout applies when HTTPClient is nil.
	Timeout time.Duration
}

// FacilitatorClient talks to a remote facilitator over HTTP. It
// implements Settler, so a gateway swaps between in-process and remote
// settlement without caring which it got.
type FacilitatorClient struct {
	url        string
	secret     []byte
	httpClient *http.Client
}

var _ Settler = (*FacilitatorClient)(nil)

// NewFacilitatorClient builds the client.
func NewFacilitatorClient(cfg FacilitatorClientConfig) (*FacilitatorClient, error) {
	if cfg.URL == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "facilitator url is required", nil)
	}
	if len(cfg.AuthSecret) == 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeConfigurationFatal, "facilitator auth secret is required", nil)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultClientTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &FacilitatorClient{
		url:        cfg.URL,
		secret:     cfg.AuthSecret,
		httpClient: httpClient,
	}, nil
}

// Verify asks the facilitator to check a payment without settling it.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	if err := c.post(ctx, "/verify", payload, reqs, &resp); err != nil {
		return x402.VerifyResponse{}, err
	}
	return resp, nil
}

// Settle asks the facilitator to verify and settle a payment.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.SettleResponse, error) {
	var resp x402.SettleResponse
	if err := c.post(ctx, "/verify-and-settle", payload, reqs, &resp); err != nil {
		return x402.SettleResponse{}, err
	}
	return resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(settlementRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(x402.HeaderFacilitatorAuth, x402.ComputeHMAC(c.secret, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("failed to read facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, responseBody)
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}
