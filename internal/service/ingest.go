package service

import (
	"context"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// IngestResult describes a committed batch
type IngestResult struct {
	BatchID    string    `json:"batch_id"`
	DeviceID   string    `json:"device_id"`
	Count      int       `json:"count"`
	ReceivedAt time.Time `json:"received_at"`
}

// IngestBatch validates, stamps and appends a batch. Either every record is
// stored or none is. Downstream publishing happens only after the commit
// and never fails the batch.
func (s *service) IngestBatch(ctx context.Context, batch *Batch) (*IngestResult, error) {
	start := time.Now()
	source := metrics.SourceHTTP
	if batch != nil && batch.Source != "" {
		source = batch.Source
	}

	result, event, err := s.commitBatch(ctx, batch, source)
	if err != nil {
		s.metrics.RecordRejection(rejectionType(err))
		return nil, err
	}
	s.metrics.RecordIngest(source, result.Count, time.Since(start))

	s.log.WithFields(logrus.Fields{
		"batch_id":  result.BatchID,
		"device_id": result.DeviceID,
		"count":     result.Count,
		"source":    source,
	}).Info("Telemetry batch stored")

	s.publish(ctx, event)
	return result, nil
}

func (s *service) commitBatch(ctx context.Context, batch *Batch, source string) (*IngestResult, *models.BatchEvent, error) {
	if batch == nil || batch.DeviceID == "" {
		return nil, nil, NewValidationError(MsgDeviceIDRequired)
	}

	device, err := s.LookupDevice(ctx, batch.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	receivedAt := s.now().UTC()
	stamp := receivedAt.Format(time.RFC3339Nano)
	records := make([]models.Record, len(batch.Records))
	for i, rec := range batch.Records {
		stamped := rec.Clone()
		stamped[models.FieldDeviceID] = device.ID
		stamped[models.FieldDeviceName] = device.Name
		stamped[models.FieldReceivedAt] = stamp
		records[i] = stamped
	}

	batchID := uuid.NewString()

	segment := newrelic.FromContext(ctx).StartSegment("telemetry/append")
	err = s.repo.AppendRecords(ctx, batchID, records)
	segment.End()
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"batch_id":  batchID,
			"device_id": device.ID,
		}).Error("Failed to persist telemetry batch")
		return nil, nil, NewStorageError(MsgStorageFailed, err)
	}

	result := &IngestResult{
		BatchID:    batchID,
		DeviceID:   device.ID,
		Count:      len(records),
		ReceivedAt: receivedAt,
	}
	event := &models.BatchEvent{
		BatchID:    batchID,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Source:     source,
		ReceivedAt: receivedAt,
		Count:      len(records),
		Records:    records,
	}
	return result, event, nil
}

// publish fans a committed batch out to Service Bus and the search index
func (s *service) publish(ctx context.Context, event *models.BatchEvent) {
	if event.Count == 0 || (s.messagingClient == nil && s.indexer == nil) {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	// one target failing must not cancel the other
	var g errgroup.Group
	entry := s.log.WithFields(logrus.Fields{
		"batch_id":  event.BatchID,
		"device_id": event.DeviceID,
	})

	if s.messagingClient != nil {
		g.Go(func() error {
			start := time.Now()
			err := s.messagingClient.SendMessage(pubCtx, event, event.DeviceID, event.BatchID)
			s.metrics.RecordPublish(metrics.TargetServiceBus, err == nil, time.Since(start))
			if err != nil {
				entry.WithError(err).Warn("Failed to publish batch to Service Bus")
			}
			return err
		})
	}

	if s.indexer != nil {
		g.Go(func() error {
			start := time.Now()
			err := s.indexer.IndexRecords(pubCtx, event.BatchID, event.Records)
			s.metrics.RecordPublish(metrics.TargetSearch, err == nil, time.Since(start))
			if err != nil {
				entry.WithError(err).Warn("Failed to index batch")
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		entry.Debug("Post-commit publishing incomplete")
	}
}

func rejectionType(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return metrics.ErrorTypeValidation
	case KindNotFound:
		return metrics.ErrorTypeNotFound
	default:
		return metrics.ErrorTypeStorage
	}
}
