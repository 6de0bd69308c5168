package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/pkg/errors"
)

// FileOptions configures the JSON file repository
type FileOptions struct {
	DataFile    string
	DevicesFile string
	// SeedDevice is written into a freshly created registry; nil leaves it empty
	SeedDevice *models.Device
}

// fileRepo keeps the registry and the telemetry store in memory and mirrors
// every mutation by rewriting the whole backing document. The in-memory
// state is swapped only after the write succeeded, so a failed write leaves
// readers on the last persisted state.
//
// The registry may also be rewritten by another process (the devices CLI),
// so it is reloaded whenever the file on disk is no longer the one last
// read or written here.
type fileRepo struct {
	mu          sync.RWMutex
	dataFile    string
	devicesFile string
	devices     map[string]*models.Device
	devicesInfo os.FileInfo
	records     []models.Record
}

// NewFileRepository loads (or creates) both documents and returns a repository over them
func NewFileRepository(opts FileOptions) (Repository, error) {
	if opts.DataFile == "" || opts.DevicesFile == "" {
		return nil, errors.New("data file and devices file are required")
	}

	r := &fileRepo{
		dataFile:    opts.DataFile,
		devicesFile: opts.DevicesFile,
		devices:     make(map[string]*models.Device),
	}

	if err := r.loadDevices(opts.SeedDevice); err != nil {
		return nil, err
	}
	if err := r.loadRecords(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *fileRepo) loadDevices(seed *models.Device) error {
	if _, err := os.Stat(r.devicesFile); os.IsNotExist(err) {
		if seed != nil {
			d := seed.Clone()
			if d.RegisteredAt.IsZero() {
				d.RegisteredAt = models.NewTimestamp(time.Now())
			}
			r.devices[d.ID] = d
		}
		if err := writeJSONFile(r.devicesFile, r.devices); err != nil {
			return errors.Wrap(err, "failed to create devices file")
		}
		r.devicesInfo = statOrNil(r.devicesFile)
		return nil
	}
	return r.reloadDevicesLocked()
}

// reloadDevicesLocked rereads the registry if the file was replaced since
// it was last seen. A missing file keeps the in-memory registry, which the
// next write restores. The caller holds mu for writing.
func (r *fileRepo) reloadDevicesLocked() error {
	info, err := os.Stat(r.devicesFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to stat devices file %s", r.devicesFile)
	}
	if sameFile(r.devicesInfo, info) {
		return nil
	}

	data, err := os.ReadFile(r.devicesFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read devices file %s", r.devicesFile)
	}

	var doc map[string]*models.Device
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(ErrInvalidDocument, "devices file %s: %v", r.devicesFile, err)
	}

	devices := make(map[string]*models.Device, len(doc))
	for id, d := range doc {
		if d == nil {
			continue
		}
		d.ID = id
		devices[id] = d
	}
	r.devices = devices
	r.devicesInfo = info
	return nil
}

// syncDevices reloads the registry when another writer replaced the file
func (r *fileRepo) syncDevices() error {
	info, err := os.Stat(r.devicesFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to stat devices file %s", r.devicesFile)
	}

	r.mu.RLock()
	fresh := sameFile(r.devicesInfo, info)
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadDevicesLocked()
}

// sameFile reports whether cur is the file last seen as prev. Every write
// renames a new file into place, so any rewrite changes the identity.
func sameFile(prev, cur os.FileInfo) bool {
	if prev == nil || cur == nil {
		return false
	}
	return os.SameFile(prev, cur) && prev.ModTime().Equal(cur.ModTime()) && prev.Size() == cur.Size()
}

func statOrNil(path string) os.FileInfo {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return info
}

func (r *fileRepo) loadRecords() error {
	data, err := os.ReadFile(r.dataFile)
	if os.IsNotExist(err) {
		r.records = []models.Record{}
		return errors.Wrap(writeJSONFile(r.dataFile, r.records), "failed to create data file")
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read data file %s", r.dataFile)
	}

	records, err := models.DecodeRecords(data)
	if err != nil {
		return errors.Wrapf(ErrInvalidDocument, "data file %s: %v", r.dataFile, err)
	}
	if records == nil {
		records = []models.Record{}
	}
	r.records = records
	return nil
}

// FindDevice returns the device registered under id
func (r *fileRepo) FindDevice(ctx context.Context, id string) (*models.Device, error) {
	if err := r.syncDevices(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// ListDevices returns every registered device ordered by id
func (r *fileRepo) ListDevices(ctx context.Context) ([]*models.Device, error) {
	if err := r.syncDevices(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d.Clone())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// UpsertDevice creates or replaces the device entry and rewrites the registry
func (r *fileRepo) UpsertDevice(ctx context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reloadDevicesLocked(); err != nil {
		return err
	}

	next := make(map[string]*models.Device, len(r.devices)+1)
	for id, d := range r.devices {
		next[id] = d
	}
	next[device.ID] = device.Clone()

	if err := writeJSONFile(r.devicesFile, next); err != nil {
		return errors.Wrap(err, "failed to write devices file")
	}
	r.devices = next
	r.devicesInfo = statOrNil(r.devicesFile)
	return nil
}

// DeleteDevice removes the device entry and rewrites the registry
func (r *fileRepo) DeleteDevice(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reloadDevicesLocked(); err != nil {
		return err
	}

	if _, ok := r.devices[id]; !ok {
		return ErrNotFound
	}

	next := make(map[string]*models.Device, len(r.devices))
	for k, d := range r.devices {
		if k != id {
			next[k] = d
		}
	}

	if err := writeJSONFile(r.devicesFile, next); err != nil {
		return errors.Wrap(err, "failed to write devices file")
	}
	r.devices = next
	r.devicesInfo = statOrNil(r.devicesFile)
	return nil
}

// AppendRecords appends the batch and rewrites the whole data document
func (r *fileRepo) AppendRecords(ctx context.Context, batchID string, records []models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// the deadline may have passed while waiting for the lock
	if err := ctx.Err(); err != nil {
		return err
	}

	// the full slice expression forces append to copy, leaving r.records intact
	n := len(r.records)
	next := append(r.records[:n:n], records...)

	if err := writeJSONFile(r.dataFile, next); err != nil {
		return errors.Wrapf(err, "failed to write data file for batch %s", batchID)
	}
	r.records = next
	return nil
}

// LatestRecord returns the most recently appended record, optionally for one device
func (r *fileRepo) LatestRecord(ctx context.Context, deviceID string) (models.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.records) - 1; i >= 0; i-- {
		if deviceID == "" || r.records[i].DeviceID() == deviceID {
			return r.records[i].Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// RecentRecords returns up to limit of the newest records in insertion order
func (r *fileRepo) RecentRecords(ctx context.Context, deviceID string, limit int) ([]models.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Record
	for i := len(r.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if deviceID == "" || r.records[i].DeviceID() == deviceID {
			out = append(out, r.records[i].Clone())
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []models.Record{}
	}
	return out, nil
}

// CountRecords counts stored records, optionally for one device
func (r *fileRepo) CountRecords(ctx context.Context, deviceID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if deviceID == "" {
		return len(r.records), nil
	}
	count := 0
	for _, rec := range r.records {
		if rec.DeviceID() == deviceID {
			count++
		}
	}
	return count, nil
}

// CountActiveDevices counts distinct device ids present in the store.
// Records without a device id are not counted.
func (r *fileRepo) CountActiveDevices(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range r.records {
		if id := rec.DeviceID(); id != "" {
			seen[id] = struct{}{}
		}
	}
	return len(seen), nil
}

// ClearRecords empties the telemetry store
func (r *fileRepo) ClearRecords(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	empty := []models.Record{}
	if err := writeJSONFile(r.dataFile, empty); err != nil {
		return errors.Wrap(err, "failed to clear data file")
	}
	r.records = empty
	return nil
}

// Close is a no-op; every mutation is already persisted
func (r *fileRepo) Close() error {
	return nil
}

// writeJSONFile encodes data into a temp file next to path and renames it over path
func writeJSONFile(path string, data interface{}) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
