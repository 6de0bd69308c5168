package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/cache"
	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/models"
	"github.com/irfnriza/flowin-swm-server/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockServiceBusClient struct {
	mock.Mock
}

func (m *MockServiceBusClient) SendMessage(ctx context.Context, body interface{}, sessionID, messageID string) error {
	args := m.Called(ctx, body, sessionID, messageID)
	return args.Error(0)
}

func (m *MockServiceBusClient) Close() error {
	return m.Called().Error(0)
}

type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) IndexRecords(ctx context.Context, batchID string, records []models.Record) error {
	args := m.Called(ctx, batchID, records)
	return args.Error(0)
}

// memoryRedis is an in-memory RedisClient that counts reads
type memoryRedis struct {
	mu     sync.Mutex
	values map[string]string
	hits   int
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{values: make(map[string]string)}
}

func (m *memoryRedis) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	m.hits++
	return v, nil
}

func (m *memoryRedis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryRedis) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryRedis) Close() error { return nil }

// failingRepo fails every append and leaves the rest to the wrapped repository
type failingRepo struct {
	repository.Repository
}

func (f failingRepo) AppendRecords(ctx context.Context, batchID string, records []models.Record) error {
	return errors.New("disk full")
}

var fixedNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     Service
	repo    repository.Repository
	metrics *metrics.Collector
	redis   *memoryRedis
	logs    *test.Hook
}

func newFixture(t *testing.T, opts ...func(*ServiceConfig)) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := repository.NewFileRepository(repository.FileOptions{
		DataFile:    filepath.Join(dir, "data.json"),
		DevicesFile: filepath.Join(dir, "devices.json"),
	})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	collector := metrics.NewCollector()
	redis := newMemoryRedis()

	cfg := ServiceConfig{
		Repository: repo,
		Cache:      redis,
		Metrics:    collector,
		Logger:     logger,
		Clock:      func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	svc, err := NewService(cfg)
	require.NoError(t, err)

	return &fixture{svc: svc, repo: cfg.Repository, metrics: collector, redis: redis, logs: hook}
}

func (f *fixture) register(t *testing.T, id, name string) {
	t.Helper()
	_, err := f.svc.RegisterDevice(context.Background(), &RegisterDeviceRequest{DeviceID: id, Name: name, Location: "Lab"})
	require.NoError(t, err)
}

func TestNewServiceRequiresRepository(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)
}

func TestIngestBatchStampsEveryRecord(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter One")
	ctx := context.Background()

	result, err := f.svc.IngestBatch(ctx, &Batch{
		DeviceID: "D1",
		Records: []models.Record{
			{"flow_rate": 1.0, "device_id": "SPOOFED"},
			{"flow_rate": 2.0},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "D1", result.DeviceID)
	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, fixedNow, result.ReceivedAt)

	records, err := f.svc.RecentRecords(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "D1", rec[models.FieldDeviceID])
		assert.Equal(t, "Meter One", rec[models.FieldDeviceName])
		assert.Equal(t, fixedNow.Format(time.RFC3339Nano), rec[models.FieldReceivedAt])
	}

	assert.Equal(t, int64(1), f.metrics.Counter(metrics.CounterBatchesAccepted))
	assert.Equal(t, int64(2), f.metrics.Counter(metrics.CounterRecordsIngested))
}

func TestIngestBatchReceivedAtNotBeforeRequestStart(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) { cfg.Clock = time.Now })
	f.register(t, "D1", "Meter")

	before := time.Now().UTC()
	result, err := f.svc.IngestBatch(context.Background(), &Batch{DeviceID: "D1", Records: []models.Record{{}}})
	require.NoError(t, err)

	assert.False(t, result.ReceivedAt.Before(before))
}

func TestIngestBatchUnknownDeviceStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.IngestBatch(ctx, &Batch{DeviceID: "GHOST", Records: []models.Record{{"flow_rate": 1.0}}})
	requireKind(t, err, KindNotFound, MsgDeviceNotRegistered)

	count, err := f.repo.CountRecords(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.CounterBatchesRejected))
}

func TestIngestBatchRequiresDeviceID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IngestBatch(context.Background(), &Batch{Records: []models.Record{{}}})
	requireKind(t, err, KindValidation, MsgDeviceIDRequired)

	_, err = f.svc.IngestBatch(context.Background(), nil)
	requireKind(t, err, KindValidation, MsgDeviceIDRequired)
}

func TestIngestBatchEmptyIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")

	result, err := f.svc.IngestBatch(context.Background(), &Batch{DeviceID: "D1"})
	require.NoError(t, err)
	assert.Zero(t, result.Count)
}

func TestIngestBatchStorageFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()
	_, err := f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{"flow_rate": 1.0}}})
	require.NoError(t, err)

	broken, err := NewService(ServiceConfig{
		Repository: failingRepo{Repository: f.repo},
		Logger:     logrus.New(),
	})
	require.NoError(t, err)

	_, err = broken.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{"flow_rate": 2.0}, {"flow_rate": 3.0}}})
	requireKind(t, err, KindStorage, MsgStorageFailed)

	count, err := f.repo.CountRecords(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLatestRecordUsesInsertionOrder(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	// the second record carries an older device timestamp but was inserted last
	_, err := f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{
		{"timestamp": 2000, "flow_rate": 1.0},
		{"timestamp": 1000, "flow_rate": 2.0},
	}})
	require.NoError(t, err)

	latest, err := f.svc.LatestRecord(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2.0, latest["flow_rate"])
	assert.Equal(t, 1000, latest["timestamp"])
}

func TestLatestRecordNotFound(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	f.register(t, "D2", "Other")
	ctx := context.Background()

	_, err := f.svc.LatestRecord(ctx, "")
	requireKind(t, err, KindNotFound, MsgNoDataAvailable)

	_, err = f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{"flow_rate": 1.0}}})
	require.NoError(t, err)

	_, err = f.svc.LatestRecord(ctx, "D2")
	requireKind(t, err, KindNotFound, MsgNoDataFound)

	latest, err := f.svc.LatestRecord(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "D1", latest.DeviceID())
}

func TestLookupDeviceUsesCache(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	_, err := f.svc.LookupDevice(ctx, "D1")
	require.NoError(t, err)
	assert.Contains(t, f.redis.values, cache.DeviceKey("D1"))

	device, err := f.svc.LookupDevice(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "Meter", device.Name)
	assert.Equal(t, 1, f.redis.hits)

	// re-registering drops the cached copy
	f.register(t, "D1", "Renamed")
	assert.NotContains(t, f.redis.values, cache.DeviceKey("D1"))

	device, err = f.svc.LookupDevice(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", device.Name)
}

func TestRemoveDeviceFromSecondServiceEvictsSharedCache(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	// the server has D1 cached
	_, err := f.svc.LookupDevice(ctx, "D1")
	require.NoError(t, err)
	require.Contains(t, f.redis.values, cache.DeviceKey("D1"))

	admin, err := NewService(ServiceConfig{Repository: f.repo, Cache: f.redis})
	require.NoError(t, err)
	require.NoError(t, admin.RemoveDevice(ctx, "D1"))
	assert.NotContains(t, f.redis.values, cache.DeviceKey("D1"))

	_, err = f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{"flow_rate": 1.0}}})
	requireKind(t, err, KindNotFound, MsgDeviceNotRegistered)

	_, err = f.svc.LookupDevice(ctx, "D1")
	requireKind(t, err, KindNotFound, MsgDeviceNotRegistered)
}

func TestRegisterDeviceFromSecondServiceEvictsSharedCache(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	_, err := f.svc.LookupDevice(ctx, "D1")
	require.NoError(t, err)

	admin, err := NewService(ServiceConfig{Repository: f.repo, Cache: f.redis})
	require.NoError(t, err)
	_, err = admin.RegisterDevice(ctx, &RegisterDeviceRequest{DeviceID: "D1", Name: "Renamed"})
	require.NoError(t, err)

	device, err := f.svc.LookupDevice(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", device.Name)
}

func TestLookupDeviceErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.LookupDevice(context.Background(), "")
	requireKind(t, err, KindValidation, MsgDeviceIDParamRequired)

	_, err = f.svc.LookupDevice(context.Background(), "NOPE")
	requireKind(t, err, KindNotFound, MsgDeviceNotRegistered)
}

func TestRegisterDeviceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterDevice(ctx, &RegisterDeviceRequest{DeviceID: "D1"})
	requireKind(t, err, KindValidation, "name is required")

	_, err = f.svc.RegisterDevice(ctx, &RegisterDeviceRequest{Name: "Meter"})
	requireKind(t, err, KindValidation, "device_id is required")

	_, err = f.svc.RegisterDevice(ctx, &RegisterDeviceRequest{DeviceID: "a/b", Name: "Meter"})
	requireKind(t, err, KindValidation, "")
	assert.Contains(t, MessageOf(err), "device_id must not contain")
}

func TestRegisterDeviceUpsertRefreshesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RegisterDevice(ctx, &RegisterDeviceRequest{DeviceID: "D1", Name: "Old", Location: "A"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, first.RegisteredAt.Time)

	_, err = f.svc.RegisterDevice(ctx, &RegisterDeviceRequest{DeviceID: "D1", Name: "New", Location: "B"})
	require.NoError(t, err)

	devices, err := f.svc.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "New", devices[0].Name)
	assert.Equal(t, "B", devices[0].Location)
}

func TestRemoveDeviceKeepsRecordSnapshot(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	_, err := f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{"flow_rate": 4.0}}})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveDevice(ctx, "D1"))
	requireKind(t, f.svc.RemoveDevice(ctx, "D1"), KindNotFound, MsgDeviceNotRegistered)

	_, err = f.svc.LookupDevice(ctx, "D1")
	requireKind(t, err, KindNotFound, MsgDeviceNotRegistered)

	latest, err := f.svc.LatestRecord(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "Meter", latest[models.FieldDeviceName])

	_, err = f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{}}})
	requireKind(t, err, KindNotFound, MsgDeviceNotRegistered)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	f.register(t, "D2", "Other")
	f.register(t, "D3", "Idle")
	ctx := context.Background()

	_, err := f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{"flow_rate": 1.5}, {"flow_rate": 2.5}}})
	require.NoError(t, err)
	_, err = f.svc.IngestBatch(ctx, &Batch{DeviceID: "D2", Records: []models.Record{{"flow_rate": 9.0}}})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.ActiveDevices)
	assert.Equal(t, 3, stats.RegisteredDevices)
	require.NotNil(t, stats.LatestFlowRate)
	assert.Equal(t, 9.0, *stats.LatestFlowRate)

	stats, err = f.svc.Stats(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 2.5, *stats.LatestFlowRate)

	stats, err = f.svc.Stats(ctx, "D3")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
	assert.Nil(t, stats.LatestFlowRate)
}

func TestRecentRecordsDefaultLimit(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	batch := &Batch{DeviceID: "D1"}
	for i := 0; i < 25; i++ {
		batch.Records = append(batch.Records, models.Record{"n": i})
	}
	_, err := f.svc.IngestBatch(ctx, batch)
	require.NoError(t, err)

	records, err := f.svc.RecentRecords(ctx, "D1", 0)
	require.NoError(t, err)
	require.Len(t, records, DefaultRecentLimit)
	assert.Equal(t, 24, records[len(records)-1]["n"])
}

func TestClearRecords(t *testing.T) {
	f := newFixture(t)
	f.register(t, "D1", "Meter")
	ctx := context.Background()

	_, err := f.svc.IngestBatch(ctx, &Batch{DeviceID: "D1", Records: []models.Record{{}}})
	require.NoError(t, err)
	require.NoError(t, f.svc.ClearRecords(ctx))

	_, err = f.svc.LatestRecord(ctx, "")
	requireKind(t, err, KindNotFound, MsgNoDataAvailable)
}

func TestPublishFailureDoesNotFailBatch(t *testing.T) {
	bus := new(MockServiceBusClient)
	indexer := new(MockIndexer)
	f := newFixture(t, func(cfg *ServiceConfig) {
		cfg.MessagingClient = bus
		cfg.Indexer = indexer
	})
	f.register(t, "D1", "Meter")

	bus.On("SendMessage", mock.Anything, mock.AnythingOfType("*models.BatchEvent"), "D1", mock.AnythingOfType("string")).
		Return(errors.New("bus unavailable"))
	indexer.On("IndexRecords", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(records []models.Record) bool {
		return len(records) == 2
	})).Return(nil)

	result, err := f.svc.IngestBatch(context.Background(), &Batch{DeviceID: "D1", Records: []models.Record{{}, {}}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count)

	bus.AssertExpectations(t)
	indexer.AssertExpectations(t)
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.CounterPublishError))
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.CounterPublishSuccess))

	var warned bool
	for _, entry := range f.logs.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Failed to publish batch to Service Bus" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestPublishCarriesBatchIDAndSession(t *testing.T) {
	bus := new(MockServiceBusClient)
	f := newFixture(t, func(cfg *ServiceConfig) { cfg.MessagingClient = bus })
	f.register(t, "D1", "Meter")

	var sent *models.BatchEvent
	bus.On("SendMessage", mock.Anything, mock.Anything, "D1", mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*models.BatchEvent) }).
		Return(nil)

	result, err := f.svc.IngestBatch(context.Background(), &Batch{DeviceID: "D1", Source: metrics.SourceMQTT, Records: []models.Record{{}}})
	require.NoError(t, err)

	require.NotNil(t, sent)
	assert.Equal(t, result.BatchID, sent.BatchID)
	assert.Equal(t, metrics.SourceMQTT, sent.Source)
	assert.Equal(t, "Meter", sent.DeviceName)
	bus.AssertCalled(t, "SendMessage", mock.Anything, mock.Anything, "D1", result.BatchID)
}

func TestEmptyBatchIsNotPublished(t *testing.T) {
	bus := new(MockServiceBusClient)
	f := newFixture(t, func(cfg *ServiceConfig) { cfg.MessagingClient = bus })
	f.register(t, "D1", "Meter")

	_, err := f.svc.IngestBatch(context.Background(), &Batch{DeviceID: "D1"})
	require.NoError(t, err)
	bus.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
