package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/orders"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// ServiceBusClient is an interface for Azure Service Bus operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	queueName  string
	clientType string
}

// NewServiceBusClient creates a new Azure Service Bus client
func NewServiceBusClient(cfg config.AzureConfig, clientType string) (ServiceBusClient, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	// Create the Service Bus client
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	// Create a sender for the queue
	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:     client,
		sender:     sender,
		queueName:  cfg.QueueName,
		clientType: clientType,
	}, nil
}

// SendMessage sends a message to the Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	// Convert the body to JSON
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	// Create the message
	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": s.clientType,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	// Send the message
	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	// Close the sender
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	// Close the client
	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}

// EventPublisher bridges order transition events onto the queue so the
// worker process can react to them out of band.
type EventPublisher struct {
	bus ServiceBusClient
}

// NewEventPublisher wraps a Service Bus client as an order event publisher
func NewEventPublisher(bus ServiceBusClient) *EventPublisher {
	return &EventPublisher{bus: bus}
}

// PublishOrderEvent enqueues the event. Failures are logged and swallowed;
// the state store is the source of truth and the worker sweeps for orders
// whose event was lost.
func (p *EventPublisher) PublishOrderEvent(ctx context.Context, event orders.Event) {
	if err := p.bus.SendMessage(ctx, event); err != nil {
		log.Error().Err(err).
			Str("order_id", event.OrderID.String()).
			Str("status", string(event.Status)).
			Msg("Failed to publish order event")
	}
}

// EventHandler processes one decoded order event
type EventHandler interface {
	HandleOrderEvent(ctx context.Context, event orders.Event) error
}

// Consumer pulls order events off the queue and hands them to a handler
type Consumer struct {
	client    *azservicebus.Client
	queueName string
	handler   EventHandler
}

// NewConsumer creates a queue consumer
func NewConsumer(cfg config.AzureConfig, handler EventHandler) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	return &Consumer{
		client:    client,
		queueName: cfg.QueueName,
		handler:   handler,
	}, nil
}

// ProcessMessages receives in batches until the context is cancelled. A
// message whose handler fails is abandoned back to the queue; handlers are
// idempotent against the state store so redelivery is safe.
func (c *Consumer) ProcessMessages(ctx context.Context) error {
	log.Info().Msgf("Starting consumer for queue %s", c.queueName)

	receiver, err := c.client.NewReceiverForQueue(c.queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus receiver")
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Error receiving messages, retrying")
			time.Sleep(2 * time.Second)
			continue
		}

		for _, message := range messages {
			var event orders.Event
			if err := json.Unmarshal(message.Body, &event); err != nil {
				log.Error().Err(err).Msgf("Dropping undecodable message '%s'", message.MessageID)
				if err := receiver.DeadLetterMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Msgf("(DeadLetterMessage) err: %v", err)
				}
				continue
			}

			if err := c.handler.HandleOrderEvent(ctx, event); err != nil {
				log.Error().Err(err).Msgf("Error processing message '%s'", message.MessageID)
				// Return the message to the queue
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Msgf("(AbandonMessage) err: %v", err)
				}
				continue
			}

			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Msgf("(CompleteMessage) err: %v", err)
			}
		}
	}
}

// Close closes the consumer's client
func (c *Consumer) Close() error {
	return c.client.Close(context.Background())
}
