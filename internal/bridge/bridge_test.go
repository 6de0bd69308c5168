package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	topic   string
	payload map[string]interface{}
}

type fakePublisher struct {
	err  error
	sent []sent
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return err
	}
	p.sent = append(p.sent, sent{topic: topic, payload: decoded})
	return nil
}

func newBridge(t *testing.T, pub Publisher, batchSize, maxBuffer int) *Bridge {
	t.Helper()
	log, _ := test.NewNullLogger()
	b, err := New(pub, Config{
		DeviceID:  "ESP32_WATER_001",
		Topic:     "flowin/ESP32_WATER_001/data",
		BatchSize: batchSize,
		MaxBuffer: maxBuffer,
	}, log)
	require.NoError(t, err)
	return b
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, Config{DeviceID: "D1", Topic: "t"}, nil)
	assert.Error(t, err)

	_, err = New(&fakePublisher{}, Config{Topic: "t"}, nil)
	assert.Error(t, err)

	b, err := New(&fakePublisher{}, Config{DeviceID: "D1", Topic: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, b.cfg.BatchSize)
	assert.Equal(t, 10, b.cfg.MaxBuffer)
}

func TestRunBatchesSamplesAndSkipsChatter(t *testing.T) {
	pub := &fakePublisher{}
	b := newBridge(t, pub, 2, 50)

	input := strings.Join([]string{
		"WiFi connecting...",
		`{"flow_rate": 1.5, "volume": 10}`,
		"",
		`{"flow_rate": 2.5, "volume": 12}`,
		`{"flow_rate": broken`,
		`{"flow_rate": 3.5, "volume": 15}`,
	}, "\n")

	require.NoError(t, b.Run(context.Background(), strings.NewReader(input)))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "flowin/ESP32_WATER_001/data", pub.sent[0].topic)
	assert.Equal(t, "ESP32_WATER_001", pub.sent[0].payload["device_id"])
	assert.Len(t, pub.sent[0].payload["data"], 2)

	// the trailing sample is flushed at EOF
	last := pub.sent[1].payload["data"].([]interface{})
	require.Len(t, last, 1)
	assert.Equal(t, 3.5, last[0].(map[string]interface{})["flow_rate"])
	assert.Equal(t, 0, b.Buffered())
}

func TestFailedPublishKeepsSamples(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	b := newBridge(t, pub, 2, 50)

	b.HandleLine([]byte(`{"flow_rate": 1}`))
	b.HandleLine([]byte(`{"flow_rate": 2}`))
	assert.Equal(t, 2, b.Buffered())

	pub.err = nil
	b.HandleLine([]byte(`{"flow_rate": 3}`))

	require.Len(t, pub.sent, 1)
	assert.Len(t, pub.sent[0].payload["data"], 3)
	assert.Equal(t, 0, b.Buffered())
}

func TestBufferDropsOldestWhenFull(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	b := newBridge(t, pub, 2, 3)

	for _, line := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`} {
		b.HandleLine([]byte(line))
	}
	assert.Equal(t, 3, b.Buffered())

	pub.err = nil
	require.True(t, b.Flush())

	data := pub.sent[0].payload["data"].([]interface{})
	require.Len(t, data, 3)
	assert.Equal(t, 2.0, data[0].(map[string]interface{})["n"])
	assert.Equal(t, 4.0, data[2].(map[string]interface{})["n"])
}

func TestRunFlushesOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	b := newBridge(t, pub, 10, 50)
	b.HandleLine([]byte(`{"flow_rate": 1}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a reader that never returns data
	r, w := io.Pipe()
	defer w.Close()

	require.NoError(t, b.Run(ctx, r))
	require.Len(t, pub.sent, 1)
}
