package service

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/irfnriza/flowin-swm-server/internal/models"
)

// Batch is one ingestion request: records for a single device
type Batch struct {
	DeviceID string
	Records  []models.Record
	Source   string
}

// ParseBatch decodes an ingestion body. The canonical form is
//
//	{"device_id": "D1", "data": [{...}, {...}]}
//
// A bare array of records is also accepted, with the id taken from
// fallbackDeviceID (the query string or the MQTT topic). A non-empty
// device_id in the body takes precedence over the fallback.
func ParseBatch(body []byte, fallbackDeviceID string) (*Batch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, NewValidationError(MsgInvalidPayload)
	}

	var (
		rawRecords []json.RawMessage
		deviceID   = fallbackDeviceID
	)

	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &rawRecords); err != nil {
			return nil, NewValidationError("invalid JSON body")
		}
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, NewValidationError("invalid JSON body")
		}

		data, ok := envelope["data"]
		if !ok || len(bytes.TrimSpace(data)) == 0 || bytes.TrimSpace(data)[0] != '[' {
			return nil, NewValidationError(MsgInvalidPayload)
		}
		if err := json.Unmarshal(data, &rawRecords); err != nil {
			return nil, NewValidationError(MsgInvalidPayload)
		}

		if rawID, ok := envelope["device_id"]; ok && string(rawID) != "null" {
			var bodyID string
			if err := json.Unmarshal(rawID, &bodyID); err != nil {
				return nil, NewValidationError("device_id must be a string")
			}
			if bodyID != "" {
				deviceID = bodyID
			}
		}
	default:
		return nil, NewValidationError(MsgInvalidPayload)
	}

	records := make([]models.Record, 0, len(rawRecords))
	for i, raw := range rawRecords {
		rec, err := models.DecodeRecord(raw)
		if err != nil || rec == nil {
			return nil, NewValidationError(fmt.Sprintf("data[%d] must be a JSON object", i))
		}
		records = append(records, rec)
	}

	if deviceID == "" {
		return nil, NewValidationError(MsgDeviceIDRequired)
	}

	return &Batch{DeviceID: deviceID, Records: records}, nil
}
