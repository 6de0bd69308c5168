package jobs

import (
	"context"
	"runtime"
	"time"

	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Scheduler runs periodic maintenance jobs
type Scheduler struct {
	scheduler gocron.Scheduler
	svc       service.Service
	collector *metrics.Collector
	log       *logrus.Logger
}

// NewScheduler registers the stats refresh job to run every interval
func NewScheduler(svc service.Service, collector *metrics.Collector, log *logrus.Logger, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduler")
	}

	s := &Scheduler{scheduler: scheduler, svc: svc, collector: collector, log: log}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := s.RefreshStats(ctx); err != nil {
				log.WithError(err).Error("Failed to refresh telemetry stats")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to schedule stats job")
	}

	return s, nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// RefreshStats publishes store totals and process memory as gauges
func (s *Scheduler) RefreshStats(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.collector.SetGauge(metrics.GaugeSystemMemory, float64(mem.Alloc))

	stats, err := s.svc.Stats(ctx, "")
	if err != nil {
		s.collector.RecordError(metrics.ErrorTypeStorage)
		return err
	}

	s.collector.SetGauge(metrics.GaugeStoredRecords, float64(stats.TotalRecords))
	s.collector.SetGauge(metrics.GaugeActiveDevices, float64(stats.ActiveDevices))
	s.collector.SetGauge(metrics.GaugeRegisteredDevices, float64(stats.RegisteredDevices))
	if stats.LatestFlowRate != nil {
		s.collector.SetGauge(metrics.GaugeLatestFlowRate, *stats.LatestFlowRate)
	}

	s.log.WithFields(logrus.Fields{
		"total_records":      stats.TotalRecords,
		"active_devices":     stats.ActiveDevices,
		"registered_devices": stats.RegisteredDevices,
	}).Debug("Telemetry stats refreshed")
	return nil
}
