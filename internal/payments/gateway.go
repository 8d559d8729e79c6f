package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/tracing"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
)

// GatewayClient talks to the payment gateway's transaction API. Both calls
// are idempotent on the gateway side.
type GatewayClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	tracer    tracing.Tracer
}

// NewGatewayClient creates a new gateway client
func NewGatewayClient(cfg config.GatewayConfig, tracer tracing.Tracer) *GatewayClient {
	return &GatewayClient{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: cfg.Timeout},
		tracer:    tracer,
	}
}

// Transaction is the gateway's view of a charge.
type Transaction struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
	Channel     string `json:"channel"`
	PaidAt      string `json:"paid_at"`
}

type gatewayEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize starts a charge and returns the redirect URL for the buyer.
func (g *GatewayClient) Initialize(ctx context.Context, email string, amountCents int64, reference, callbackURL string) (string, error) {
	payload := map[string]interface{}{
		"email":        email,
		"amount":       amountCents,
		"reference":    reference,
		"callback_url": callbackURL,
		"currency":     "ZAR",
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	if err := g.post(ctx, "/transaction/initialize", payload, &data); err != nil {
		return "", errors.Wrap(err, "payment initialization failed")
	}
	return data.AuthorizationURL, nil
}

// Verify fetches the authoritative status of a charge by reference. Used to
// corroborate client-reported successes; neither the redirect nor the
// webhook alone marks an order paid in the initiating flow.
func (g *GatewayClient) Verify(ctx context.Context, reference string) (*Transaction, error) {
	var txn Transaction
	if err := g.get(ctx, "/transaction/verify/"+reference, &txn); err != nil {
		return nil, errors.Wrap(err, "payment verification failed")
	}
	return &txn, nil
}

// RequestRefund initiates a refund for a charged transaction.
func (g *GatewayClient) RequestRefund(ctx context.Context, reference string, amountCents int64) error {
	payload := map[string]interface{}{
		"transaction": reference,
		"amount":      amountCents,
	}
	if err := g.post(ctx, "/refund", payload, nil); err != nil {
		return errors.Wrap(err, "refund request failed")
	}
	return nil
}

func (g *GatewayClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal gateway payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, out)
}

func (g *GatewayClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build gateway request")
	}
	return g.do(req, out)
}

func (g *GatewayClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+g.secretKey)

	txn := newrelic.FromContext(req.Context())
	seg := g.tracer.StartExternalSegment(txn, &newrelic.ExternalSegment{
		URL:       req.URL.String(),
		Procedure: req.Method,
	})
	resp, err := g.client.Do(req)
	seg.End()
	if err != nil {
		return errors.Wrap(err, "gateway unreachable")
	}
	defer resp.Body.Close()

	var envelope gatewayEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrap(err, "failed to decode gateway response")
	}
	if resp.StatusCode >= 400 || !envelope.Status {
		return fmt.Errorf("gateway error: %s (http %d)", envelope.Message, resp.StatusCode)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.Wrap(err, "failed to decode gateway data")
		}
	}
	return nil
}
