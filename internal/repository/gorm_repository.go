package repository

import (
	"context"
	stderrors "errors"

	"github.com/irfnriza/flowin-swm-server/internal/database"
	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// insertBatchSize bounds the rows sent per INSERT statement
const insertBatchSize = 100

// gormRepo is the postgres-backed Repository. Record order is the seq column.
type gormRepo struct {
	db database.DB
}

// NewGormRepository creates a repository over an open database
func NewGormRepository(db database.DB) Repository {
	return &gormRepo{db: db}
}

func (r *gormRepo) conn(ctx context.Context) (*gorm.DB, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}
	return gormDB.WithContext(ctx), nil
}

// FindDevice returns the device registered under id
func (r *gormRepo) FindDevice(ctx context.Context, id string) (*models.Device, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var row models.DeviceRow
	if err := gormDB.Where("device_id = ?", id).First(&row).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to find device %s", id)
	}
	return row.ToDevice(), nil
}

// ListDevices returns every registered device ordered by id
func (r *gormRepo) ListDevices(ctx context.Context) ([]*models.Device, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []models.DeviceRow
	if err := gormDB.Order("device_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}

	devices := make([]*models.Device, 0, len(rows))
	for i := range rows {
		devices = append(devices, rows[i].ToDevice())
	}
	return devices, nil
}

// UpsertDevice inserts the device or overwrites every column of an existing one
func (r *gormRepo) UpsertDevice(ctx context.Context, device *models.Device) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	row := models.NewDeviceRow(device)
	err = gormDB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(row).Error
	return errors.Wrapf(err, "failed to upsert device %s", device.ID)
}

// DeleteDevice removes a registered device
func (r *gormRepo) DeleteDevice(ctx context.Context, id string) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	result := gormDB.Where("device_id = ?", id).Delete(&models.DeviceRow{})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to delete device %s", id)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendRecords stores the batch in a single transaction
func (r *gormRepo) AppendRecords(ctx context.Context, batchID string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]*models.RecordRow, 0, len(records))
	for _, rec := range records {
		row, err := models.NewRecordRow(batchID, rec)
		if err != nil {
			return errors.Wrapf(err, "failed to encode record for batch %s", batchID)
		}
		rows = append(rows, row)
	}

	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	err = gormDB.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	return errors.Wrapf(err, "failed to store batch %s", batchID)
}

func (r *gormRepo) recordQuery(gormDB *gorm.DB, deviceID string) *gorm.DB {
	q := gormDB.Model(&models.RecordRow{})
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	return q
}

// LatestRecord returns the record with the highest sequence number
func (r *gormRepo) LatestRecord(ctx context.Context, deviceID string) (models.Record, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var row models.RecordRow
	if err := r.recordQuery(gormDB, deviceID).Order("seq DESC").First(&row).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load latest record")
	}

	rec, err := row.ToRecord()
	return rec, errors.Wrapf(err, "failed to decode record %d", row.Seq)
}

// RecentRecords returns up to limit of the newest records in insertion order
func (r *gormRepo) RecentRecords(ctx context.Context, deviceID string, limit int) ([]models.Record, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	q := r.recordQuery(gormDB, deviceID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.RecordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load recent records")
	}

	records := make([]models.Record, len(rows))
	for i := range rows {
		rec, err := rows[i].ToRecord()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode record %d", rows[i].Seq)
		}
		records[len(rows)-1-i] = rec
	}
	return records, nil
}

// CountRecords counts stored records, optionally for one device
func (r *gormRepo) CountRecords(ctx context.Context, deviceID string) (int, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := r.recordQuery(gormDB, deviceID).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count records")
	}
	return int(count), nil
}

// CountActiveDevices counts distinct device ids present in the store
func (r *gormRepo) CountActiveDevices(ctx context.Context) (int, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := gormDB.Model(&models.RecordRow{}).Distinct("device_id").Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count active devices")
	}
	return int(count), nil
}

// ClearRecords deletes every telemetry record
func (r *gormRepo) ClearRecords(ctx context.Context) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	err = gormDB.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.RecordRow{}).Error
	return errors.Wrap(err, "failed to clear records")
}

// Close closes the underlying database
func (r *gormRepo) Close() error {
	return r.db.Close()
}
