package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irfnriza/flowin-swm-server/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

// ServiceBusClient publishes committed telemetry batches
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}, sessionID, messageID string) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	source    string
}

// logOnlyClient stands in when no connection string is configured
type logOnlyClient struct {
	source string
	log    *logrus.Logger
}

// NewServiceBusClient creates a new Azure Service Bus client. Without a
// connection string the returned client only logs what it would send.
func NewServiceBusClient(cfg config.ServiceBusConfig, source string, log *logrus.Logger) (ServiceBusClient, error) {
	if cfg.ConnectionString == "" {
		return &logOnlyClient{source: source, log: log}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
		source:    source,
	}, nil
}

// NewMessage builds the Service Bus message for body. The session keeps one
// device's batches in order for session-aware consumers.
func NewMessage(body interface{}, source, sessionID, messageID string) (*azservicebus.Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message body: %w", err)
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"source": source,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	if sessionID != "" {
		msg.SessionID = &sessionID
	}
	if messageID != "" {
		msg.MessageID = &messageID
	}
	return msg, nil
}

// SendMessage sends a message to the Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}, sessionID, messageID string) error {
	msg, err := NewMessage(body, s.source, sessionID, messageID)
	if err != nil {
		return err
	}
	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the sender and then the client
func (s *serviceBusClient) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

// SendMessage logs the message instead of sending it
func (m *logOnlyClient) SendMessage(ctx context.Context, body interface{}, sessionID, messageID string) error {
	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"source":     m.source,
			"session_id": sessionID,
			"message_id": messageID,
		}).Debug("Service Bus disabled, message not sent")
	}
	return nil
}

// Close implementation for the log-only client
func (m *logOnlyClient) Close() error {
	return nil
}
