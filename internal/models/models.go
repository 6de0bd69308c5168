package models

import (
	"bytes"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Record field names stamped or read by the server
const (
	FieldDeviceID   = "device_id"
	FieldDeviceName = "device_name"
	FieldReceivedAt = "received_at"
	FieldFlowRate   = "flow_rate"
)

// legacyTimestampLayout is the naive ISO layout written by older registry files
const legacyTimestampLayout = "2006-01-02T15:04:05.999999"

// Timestamp is a time that also accepts naive ISO-8601 values on decode
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t in UTC
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// MarshalJSON writes the time as RFC 3339 with nanoseconds
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC 3339 and naive ISO timestamps (read as UTC)
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		parsed, err = time.ParseInLocation(legacyTimestampLayout, s, time.UTC)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Device is a registered meter. The registry document is keyed by ID, so the
// ID itself is not part of the stored value.
type Device struct {
	ID           string    `json:"-"`
	Name         string    `json:"name"`
	Location     string    `json:"location"`
	RegisteredAt Timestamp `json:"registered_at"`
}

// Clone returns a copy of the device
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Record is a single telemetry sample. Arbitrary device fields are kept as-is;
// the server adds device_id, device_name and received_at on ingest.
type Record map[string]interface{}

// DeviceID returns the stamped device id of the record
func (r Record) DeviceID() string {
	id, _ := r[FieldDeviceID].(string)
	return id
}

// FlowRate returns the numeric flow_rate field, if any
func (r Record) FlowRate() (float64, bool) {
	switch v := r[FieldFlowRate].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	c := make(Record, len(r)+3)
	for k, v := range r {
		c[k] = v
	}
	return c
}

// DecodeRecords decodes a JSON array of records keeping numbers exact
func DecodeRecords(data []byte) ([]Record, error) {
	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// DecodeRecord decodes a single JSON object record keeping numbers exact
func DecodeRecord(data []byte) (Record, error) {
	var record Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return record, nil
}

// Stats summarizes the telemetry store
type Stats struct {
	TotalRecords      int      `json:"total_records"`
	ActiveDevices     int      `json:"active_devices"`
	RegisteredDevices int      `json:"registered_devices"`
	LatestFlowRate    *float64 `json:"latest_flow_rate"`
}

// BatchEvent is published after a batch has been committed
type BatchEvent struct {
	BatchID    string    `json:"batch_id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
	Count      int       `json:"count"`
	Records    []Record  `json:"records"`
}

// DeviceRow is the relational form of a registered device
type DeviceRow struct {
	DeviceID     string    `gorm:"primaryKey;Column:device_id"`
	Name         string    `gorm:"Column:name"`
	Location     string    `gorm:"Column:location"`
	RegisteredAt time.Time `gorm:"Column:registered_at"`
	UpdatedAt    time.Time `gorm:"Column:updated_at"`
}

// TableName overrides the table name
func (DeviceRow) TableName() string {
	return "devices"
}

// ToDevice converts the row into a Device
func (r *DeviceRow) ToDevice() *Device {
	return &Device{
		ID:           r.DeviceID,
		Name:         r.Name,
		Location:     r.Location,
		RegisteredAt: NewTimestamp(r.RegisteredAt),
	}
}

// NewDeviceRow converts a Device into its relational form
func NewDeviceRow(d *Device) *DeviceRow {
	return &DeviceRow{
		DeviceID:     d.ID,
		Name:         d.Name,
		Location:     d.Location,
		RegisteredAt: d.RegisteredAt.UTC(),
	}
}

// RecordRow is the relational form of a telemetry record. Seq preserves
// insertion order, which is the order "latest" is defined by.
type RecordRow struct {
	Seq        uint64         `gorm:"primaryKey;autoIncrement;Column:seq"`
	BatchID    string         `gorm:"index;Column:batch_id"`
	DeviceID   string         `gorm:"index;Column:device_id"`
	ReceivedAt time.Time      `gorm:"Column:received_at"`
	Payload    datatypes.JSON `gorm:"type:jsonb;Column:payload"`
}

// TableName overrides the table name
func (RecordRow) TableName() string {
	return "telemetry_records"
}

// NewRecordRow converts a stamped record into its relational form
func NewRecordRow(batchID string, r Record) (*RecordRow, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	row := &RecordRow{
		BatchID:  batchID,
		DeviceID: r.DeviceID(),
		Payload:  datatypes.JSON(payload),
	}
	if s, ok := r[FieldReceivedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			row.ReceivedAt = t
		}
	}
	return row, nil
}

// ToRecord decodes the stored payload
func (r *RecordRow) ToRecord() (Record, error) {
	return DecodeRecord(r.Payload)
}
