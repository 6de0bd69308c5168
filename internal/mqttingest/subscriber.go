package mqttingest

import (
	"context"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Subscriber feeds MQTT telemetry messages into the ingestion service.
// Payloads use the same formats as POST /data; for a bare array the device
// id comes from the topic.
type Subscriber struct {
	client         Client
	svc            service.Service
	log            *logrus.Logger
	topic          string
	qos            byte
	requestTimeout time.Duration
}

// SubscriberConfig configures a Subscriber
type SubscriberConfig struct {
	Client         Client
	Service        service.Service
	Logger         *logrus.Logger
	Topic          string
	QOS            byte
	RequestTimeout time.Duration
}

// NewSubscriber creates a subscriber; call Start to begin consuming
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Client == nil {
		return nil, errors.New("mqtt client is required")
	}
	if cfg.Service == nil {
		return nil, errors.New("service is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	return &Subscriber{
		client:         cfg.Client,
		svc:            cfg.Service,
		log:            cfg.Logger,
		topic:          cfg.Topic,
		qos:            cfg.QOS,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

// Start subscribes to the telemetry topic
func (s *Subscriber) Start() error {
	if err := wait(s.client.Subscribe(s.topic, s.qos, s.handle), 10*time.Second); err != nil {
		return errors.Wrapf(err, "failed to subscribe to %s", s.topic)
	}
	s.log.WithField("topic", s.topic).Info("MQTT ingestion subscribed")
	return nil
}

// Stop unsubscribes and disconnects
func (s *Subscriber) Stop() {
	if err := wait(s.client.Unsubscribe(s.topic), 5*time.Second); err != nil {
		s.log.WithError(err).Warn("Failed to unsubscribe from MQTT topic")
	}
	s.client.Disconnect(250)
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	s.process(msg.Topic(), msg.Payload())
}

// process ingests one message and reports whether it was stored
func (s *Subscriber) process(topic string, payload []byte) bool {
	entry := s.log.WithField("topic", topic)

	batch, err := service.ParseBatch(payload, DeviceIDFromTopic(s.topic, topic))
	if err != nil {
		entry.WithError(err).Warn("Dropping malformed MQTT telemetry")
		return false
	}
	batch.Source = metrics.SourceMQTT

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	result, err := s.svc.IngestBatch(ctx, batch)
	if err != nil {
		entry.WithError(err).WithFields(logrus.Fields{
			"device_id": batch.DeviceID,
			"code":      service.KindOf(err),
		}).Warn("MQTT telemetry rejected")
		return false
	}

	entry.WithFields(logrus.Fields{
		"device_id": result.DeviceID,
		"batch_id":  result.BatchID,
		"count":     result.Count,
	}).Debug("MQTT telemetry stored")
	return true
}
