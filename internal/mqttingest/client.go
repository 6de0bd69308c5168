package mqttingest

import (
	"strings"
	"time"

	"github.com/irfnriza/flowin-swm-server/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Client is the subset of the paho client used here
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Connect dials the broker and waits for the first connection
func Connect(cfg config.MQTTConfig, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetCleanSession(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, errors.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MQTT broker %s", cfg.Broker)
	}
	return client, nil
}

// wait blocks on token for at most timeout
func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("timed out waiting for MQTT broker")
	}
	return token.Error()
}

// TopicFor fills the single-level wildcard of pattern with deviceID
func TopicFor(pattern, deviceID string) string {
	return strings.Replace(pattern, "+", deviceID, 1)
}

// DeviceIDFromTopic extracts the level of topic matched by the first '+'
// in pattern. It returns "" when the topic does not fit the pattern.
func DeviceIDFromTopic(pattern, topic string) string {
	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")
	if len(patternLevels) != len(topicLevels) {
		return ""
	}

	id := ""
	for i, level := range patternLevels {
		switch level {
		case "+":
			if id == "" {
				id = topicLevels[i]
			}
		default:
			if level != topicLevels[i] {
				return ""
			}
		}
	}
	return id
}

// Publisher publishes raw payloads and waits for the broker acknowledgement
type Publisher struct {
	client  Client
	qos     byte
	timeout time.Duration
}

// NewPublisher wraps client for synchronous publishing
func NewPublisher(client Client, qos byte, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{client: client, qos: qos, timeout: timeout}
}

// Publish sends payload to topic
func (p *Publisher) Publish(topic string, payload []byte) error {
	return errors.Wrapf(wait(p.client.Publish(topic, p.qos, false, payload), p.timeout), "publish to %s", topic)
}
