package repository

import (
	"context"

	"github.com/irfnriza/flowin-swm-server/internal/models"
)

// Repository provides data access for the device registry and the telemetry store
type Repository interface {
	// Device registry
	FindDevice(ctx context.Context, id string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	UpsertDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id string) error

	// Telemetry store
	AppendRecords(ctx context.Context, batchID string, records []models.Record) error
	LatestRecord(ctx context.Context, deviceID string) (models.Record, error)
	RecentRecords(ctx context.Context, deviceID string, limit int) ([]models.Record, error)
	CountRecords(ctx context.Context, deviceID string) (int, error)
	CountActiveDevices(ctx context.Context) (int, error)
	ClearRecords(ctx context.Context) error

	Close() error
}
