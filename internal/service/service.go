package service

import (
	"context"
	"errors"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/cache"
	"github.com/irfnriza/flowin-swm-server/internal/messaging"
	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/models"
	"github.com/irfnriza/flowin-swm-server/internal/repository"
	"github.com/irfnriza/flowin-swm-server/internal/search"

	"github.com/sirupsen/logrus"
)

// Query limits for RecentRecords
const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 1000
)

// defaultPublishTimeout bounds the post-commit fan-out of one batch
const defaultPublishTimeout = 5 * time.Second

// Service defines the business logic operations
type Service interface {
	// Device registry
	LookupDevice(ctx context.Context, id string) (*models.Device, error)
	RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*models.Device, error)
	RemoveDevice(ctx context.Context, id string) error
	ListDevices(ctx context.Context) ([]*models.Device, error)

	// Telemetry ingestion
	IngestBatch(ctx context.Context, batch *Batch) (*IngestResult, error)

	// Telemetry queries
	LatestRecord(ctx context.Context, deviceID string) (models.Record, error)
	RecentRecords(ctx context.Context, deviceID string, limit int) ([]models.Record, error)
	Stats(ctx context.Context, deviceID string) (*models.Stats, error)
	ClearRecords(ctx context.Context) error
}

// service is an implementation of the Service interface
type service struct {
	repo            repository.Repository
	devices         *cache.DeviceCache
	messagingClient messaging.ServiceBusClient
	indexer         search.Indexer
	metrics         *metrics.Collector
	log             *logrus.Logger
	now             func() time.Time
	publishTimeout  time.Duration
}

// ServiceConfig holds the configuration for the service
type ServiceConfig struct {
	Repository      repository.Repository
	Cache           cache.RedisClient
	CacheTTL        time.Duration
	MessagingClient messaging.ServiceBusClient
	Indexer         search.Indexer
	Metrics         *metrics.Collector
	Logger          *logrus.Logger
	Clock           func() time.Time
	PublishTimeout  time.Duration
}

// NewService creates a new service instance
func NewService(config ServiceConfig) (Service, error) {
	if config.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if config.Cache == nil {
		config.Cache = cache.NewDisabledClient()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewCollector()
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}

	return &service{
		repo:            config.Repository,
		devices:         cache.NewDeviceCache(config.Cache, config.CacheTTL),
		messagingClient: config.MessagingClient,
		indexer:         config.Indexer,
		metrics:         config.Metrics,
		log:             config.Logger,
		now:             config.Clock,
		publishTimeout:  config.PublishTimeout,
	}, nil
}

// Device registry

// LookupDevice returns the registered device, consulting the cache first
func (s *service) LookupDevice(ctx context.Context, id string) (*models.Device, error) {
	if id == "" {
		return nil, NewValidationError(MsgDeviceIDParamRequired)
	}

	if device, err := s.devices.Get(ctx, id); err == nil {
		return device, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.log.WithError(err).WithField("device_id", id).Debug("Device cache read failed")
	}

	device, err := s.repo.FindDevice(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewNotFoundError(MsgDeviceNotRegistered)
		}
		return nil, NewStorageError("failed to read device registry", err)
	}

	if err := s.devices.Set(ctx, device); err != nil {
		s.log.WithError(err).WithField("device_id", id).Debug("Device cache write failed")
	}
	return device, nil
}

// RegisterDevice creates or replaces a registry entry; registered_at is refreshed on every call
func (s *service) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*models.Device, error) {
	if req == nil {
		return nil, NewValidationError("device_id is required")
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	device := &models.Device{
		ID:           req.DeviceID,
		Name:         req.Name,
		Location:     req.Location,
		RegisteredAt: models.NewTimestamp(s.now()),
	}

	if err := s.repo.UpsertDevice(ctx, device); err != nil {
		return nil, NewStorageError(MsgRegistryFailed, err)
	}
	s.invalidateDevice(ctx, device.ID)

	s.log.WithFields(logrus.Fields{
		"device_id": device.ID,
		"name":      device.Name,
	}).Info("Device registered")
	return device, nil
}

// RemoveDevice deletes a registry entry. Stored records keep their device snapshot.
func (s *service) RemoveDevice(ctx context.Context, id string) error {
	if id == "" {
		return NewValidationError(MsgDeviceIDParamRequired)
	}

	if err := s.repo.DeleteDevice(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return NewNotFoundError(MsgDeviceNotRegistered)
		}
		return NewStorageError(MsgRegistryFailed, err)
	}
	s.invalidateDevice(ctx, id)

	s.log.WithField("device_id", id).Info("Device removed")
	return nil
}

// ListDevices returns every registered device
func (s *service) ListDevices(ctx context.Context) ([]*models.Device, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, NewStorageError("failed to read device registry", err)
	}
	return devices, nil
}

func (s *service) invalidateDevice(ctx context.Context, id string) {
	if err := s.devices.Invalidate(ctx, id); err != nil {
		s.log.WithError(err).WithField("device_id", id).Warn("Failed to invalidate cached device")
	}
}

// Telemetry queries

// LatestRecord returns the last record by insertion order, optionally for one device
func (s *service) LatestRecord(ctx context.Context, deviceID string) (models.Record, error) {
	rec, err := s.repo.LatestRecord(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if deviceID != "" {
				return nil, NewNotFoundError(MsgNoDataFound)
			}
			return nil, NewNotFoundError(MsgNoDataAvailable)
		}
		return nil, NewStorageError("failed to read telemetry", err)
	}
	return rec, nil
}

// RecentRecords returns the newest records in insertion order
func (s *service) RecentRecords(ctx context.Context, deviceID string, limit int) ([]models.Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	records, err := s.repo.RecentRecords(ctx, deviceID, limit)
	if err != nil {
		return nil, NewStorageError("failed to read telemetry", err)
	}
	return records, nil
}

// Stats summarizes the store; deviceID narrows the record count and the latest flow rate
func (s *service) Stats(ctx context.Context, deviceID string) (*models.Stats, error) {
	total, err := s.repo.CountRecords(ctx, deviceID)
	if err != nil {
		return nil, NewStorageError("failed to count records", err)
	}
	active, err := s.repo.CountActiveDevices(ctx)
	if err != nil {
		return nil, NewStorageError("failed to count active devices", err)
	}
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, NewStorageError("failed to read device registry", err)
	}

	stats := &models.Stats{
		TotalRecords:      total,
		ActiveDevices:     active,
		RegisteredDevices: len(devices),
	}

	latest, err := s.repo.LatestRecord(ctx, deviceID)
	switch {
	case err == nil:
		if flow, ok := latest.FlowRate(); ok {
			stats.LatestFlowRate = &flow
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, NewStorageError("failed to read telemetry", err)
	}

	return stats, nil
}

// ClearRecords removes every stored record
func (s *service) ClearRecords(ctx context.Context) error {
	if err := s.repo.ClearRecords(ctx); err != nil {
		return NewStorageError("failed to clear telemetry", err)
	}
	s.log.Warn("Telemetry store cleared")
	return nil
}
