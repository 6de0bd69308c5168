package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Publisher sends an encoded batch to a topic
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config configures a Bridge
type Config struct {
	DeviceID  string
	Topic     string
	BatchSize int
	// MaxBuffer caps the samples kept while publishing fails; the oldest are dropped first
	MaxBuffer int
}

// Bridge reads JSON samples line by line from a meter's serial console and
// publishes them as telemetry batches.
type Bridge struct {
	publisher Publisher
	cfg       Config
	log       *logrus.Logger
	buffer    []models.Record
}

type payload struct {
	DeviceID string          `json:"device_id"`
	Data     []models.Record `json:"data"`
}

// New creates a bridge for one device
func New(publisher Publisher, cfg Config, log *logrus.Logger) (*Bridge, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		cfg.MaxBuffer = cfg.BatchSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Bridge{publisher: publisher, cfg: cfg, log: log}, nil
}

// Run consumes r until EOF or ctx is done, then tries one final flush
func (b *Bridge) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			return nil
		case line, ok := <-lines:
			if !ok {
				b.Flush()
				select {
				case err := <-scanErr:
					return errors.Wrap(err, "serial read failed")
				default:
					return nil
				}
			}
			b.HandleLine(line)
		}
	}
}

// HandleLine buffers one JSON sample and publishes once a batch is full.
// Anything that is not a JSON object is console chatter and is ignored.
func (b *Bridge) HandleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return
	}

	rec, err := models.DecodeRecord(line)
	if err != nil {
		b.log.WithError(err).Debug("Skipping malformed serial sample")
		return
	}

	b.buffer = append(b.buffer, rec)
	if over := len(b.buffer) - b.cfg.MaxBuffer; over > 0 {
		b.buffer = b.buffer[over:]
		b.log.WithField("dropped", over).Warn("Serial buffer full, dropping oldest samples")
	}

	if len(b.buffer) >= b.cfg.BatchSize {
		b.Flush()
	}
}

// Flush publishes everything buffered. On failure the samples stay buffered
// for the next attempt.
func (b *Bridge) Flush() bool {
	if len(b.buffer) == 0 {
		return true
	}

	body, err := json.Marshal(payload{DeviceID: b.cfg.DeviceID, Data: b.buffer})
	if err != nil {
		b.log.WithError(err).Error("Failed to encode serial batch")
		return false
	}

	entry := b.log.WithFields(logrus.Fields{
		"device_id": b.cfg.DeviceID,
		"topic":     b.cfg.Topic,
		"count":     len(b.buffer),
	})
	if err := b.publisher.Publish(b.cfg.Topic, body); err != nil {
		entry.WithError(err).Warn("Failed to publish serial batch, keeping samples buffered")
		return false
	}

	entry.Info("Published serial batch")
	b.buffer = b.buffer[:0]
	return true
}

// Buffered reports how many samples are waiting to be published
func (b *Bridge) Buffered() int {
	return len(b.buffer)
}
