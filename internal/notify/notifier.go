package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/metrics"
	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store persists notifications for later retrieval by the principal.
type Store interface {
	Create(ctx context.Context, notification *models.Notification) error
}

// TokenSource resolves a principal's push token, if any.
type TokenSource interface {
	PushToken(ctx context.Context, principalID uuid.UUID) (*string, error)
}

// Notifier persists a notification row and, when the principal has a push
// token, fires a device push. Both halves are best-effort: a failure is
// logged and counted, never surfaced to the caller, because notification
// delivery must not affect order state.
type Notifier struct {
	store   Store
	tokens  TokenSource
	client  *http.Client
	cfg     config.PushConfig
	metrics *metrics.Metrics
}

// NewNotifier creates a notifier backed by the given store and push endpoint
func NewNotifier(store Store, tokens TokenSource, cfg config.PushConfig, collector *metrics.Metrics) *Notifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		store:   store,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
		cfg:     cfg,
		metrics: collector,
	}
}

// Notify records the message and pushes it to the principal's device.
func (n *Notifier) Notify(ctx context.Context, principalID uuid.UUID, orderID *uuid.UUID, msgType, message string) {
	notification := &models.Notification{
		ID:          uuid.New(),
		PrincipalID: principalID,
		OrderID:     orderID,
		Type:        msgType,
		Message:     message,
	}
	if err := n.store.Create(ctx, notification); err != nil {
		n.metrics.IncrementCounter("notify.persist.failed")
		log.Error().Err(err).
			Str("principal_id", principalID.String()).
			Str("type", msgType).
			Msg("Failed to persist notification")
	}

	if n.cfg.Endpoint == "" {
		return
	}

	token, err := n.tokens.PushToken(ctx, principalID)
	if err != nil || token == nil || *token == "" {
		return
	}

	n.push(ctx, *token, msgType, message)
}

type pushPayload struct {
	To           string `json:"to"`
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
}

func (n *Notifier) push(ctx context.Context, token, title, body string) {
	payload := pushPayload{To: token}
	payload.Notification.Title = title
	payload.Notification.Body = body

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+n.cfg.ServerKey)

	resp, err := n.client.Do(req)
	if err != nil {
		n.metrics.IncrementCounter("notify.push.failed")
		log.Warn().Err(err).Msg("Push delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.metrics.IncrementCounter("notify.push.failed")
		log.Warn().Int("status", resp.StatusCode).Msg("Push delivery rejected")
		return
	}
	n.metrics.IncrementCounter("notify.push.sent")
}
