package metrics

import (
	"sync"
	"time"
)

// Counter metrics
const (
	CounterHTTPRequests        = "http_requests_total"
	CounterHTTPRequestsSuccess = "http_requests_success_total"
	CounterHTTPRequestsError   = "http_requests_error_total"
	CounterHTTPServerErrors    = "http_server_errors_total"
	CounterBatchesAccepted     = "batches_accepted_total"
	CounterBatchesRejected     = "batches_rejected_total"
	CounterRecordsIngested     = "records_ingested_total"
	CounterPublishSuccess      = "publish_success_total"
	CounterPublishError        = "publish_error_total"
	CounterErrorsTotal         = "errors_total"
)

// Gauge metrics
const (
	GaugeStoredRecords     = "stored_records"
	GaugeActiveDevices     = "active_devices"
	GaugeRegisteredDevices = "registered_devices"
	GaugeLatestFlowRate    = "latest_flow_rate"
	GaugeSystemMemory      = "system_memory_bytes"
)

// Ingestion sources
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Post-commit publish targets
const (
	TargetServiceBus = "servicebus"
	TargetSearch     = "search"
)

// Error types
const (
	ErrorTypeValidation = "validation"
	ErrorTypeNotFound   = "not_found"
	ErrorTypeStorage    = "storage"
	ErrorTypePublish    = "publish"
)

// errorRateThreshold is the 5xx ratio above which the server reports unhealthy
const errorRateThreshold = 0.05

// Collector gathers in-process counters, gauges and latency windows.
// One instance is created at startup and handed to every component.
type Collector struct {
	mutex               sync.RWMutex
	counters            map[string]int64
	gauges              map[string]float64
	requestCounts       map[string]int64
	requestLatencies    map[string][]time.Duration
	ingestCounts        map[string]int64
	ingestLatencies     map[string][]time.Duration
	publishLatencies    map[string][]time.Duration
	errorCounts         map[string]int64
	startTime           time.Time
	maxHistogramSamples int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		counters:            make(map[string]int64),
		gauges:              make(map[string]float64),
		requestCounts:       make(map[string]int64),
		requestLatencies:    make(map[string][]time.Duration),
		ingestCounts:        make(map[string]int64),
		ingestLatencies:     make(map[string][]time.Duration),
		publishLatencies:    make(map[string][]time.Duration),
		errorCounts:         make(map[string]int64),
		startTime:           time.Now(),
		maxHistogramSamples: 1000,
	}
}

// observe appends to a bounded latency window. Callers hold the write lock.
func (m *Collector) observe(window map[string][]time.Duration, key string, latency time.Duration) {
	latencies := window[key]
	if len(latencies) >= m.maxHistogramSamples {
		latencies = latencies[1:]
	}
	window[key] = append(latencies, latency)
}

// IncrementCounter increments a counter by the given value
func (m *Collector) IncrementCounter(name string, value int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.counters[name] += value
}

// SetGauge sets a gauge to the given value
func (m *Collector) SetGauge(name string, value float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauges[name] = value
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Collector) RecordHTTPRequest(route string, statusCode int, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters[CounterHTTPRequests]++
	m.requestCounts[route]++
	m.observe(m.requestLatencies, route, latency)

	switch {
	case statusCode >= 200 && statusCode < 400:
		m.counters[CounterHTTPRequestsSuccess]++
	case statusCode >= 500:
		m.counters[CounterHTTPRequestsError]++
		m.counters[CounterHTTPServerErrors]++
	default:
		m.counters[CounterHTTPRequestsError]++
	}
}

// RecordIngest records an accepted batch from source
func (m *Collector) RecordIngest(source string, records int, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters[CounterBatchesAccepted]++
	m.counters[CounterRecordsIngested] += int64(records)
	m.ingestCounts[source]++
	m.observe(m.ingestLatencies, source, latency)
}

// RecordRejection records a batch that was refused with the given error type
func (m *Collector) RecordRejection(errorType string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters[CounterBatchesRejected]++
	m.counters[CounterErrorsTotal]++
	m.errorCounts[errorType]++
}

// RecordPublish records a post-commit publish to target
func (m *Collector) RecordPublish(target string, success bool, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if success {
		m.counters[CounterPublishSuccess]++
	} else {
		m.counters[CounterPublishError]++
		m.counters[CounterErrorsTotal]++
		m.errorCounts[ErrorTypePublish]++
	}
	m.observe(m.publishLatencies, target, latency)
}

// RecordError records an error of the given type
func (m *Collector) RecordError(errorType string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.errorCounts[errorType]++
	m.counters[CounterErrorsTotal]++
}

// Counter returns the current value of a counter
func (m *Collector) Counter(name string) int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.counters[name]
}

// Gauge returns the current value of a gauge
func (m *Collector) Gauge(name string) float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.gauges[name]
}

func averageMillis(window map[string][]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(window))
	for key, latencies := range window {
		if len(latencies) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		out[key] = float64(sum.Microseconds()) / 1000 / float64(len(latencies))
	}
	return out
}

func copyInt(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloat(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// GetMetrics returns a snapshot of all collected metrics
func (m *Collector) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"uptime_seconds":       time.Since(m.startTime).Seconds(),
		"counters":             copyInt(m.counters),
		"gauges":               copyFloat(m.gauges),
		"request_counts":       copyInt(m.requestCounts),
		"request_latencies_ms": averageMillis(m.requestLatencies),
		"ingest_counts":        copyInt(m.ingestCounts),
		"ingest_latencies_ms":  averageMillis(m.ingestLatencies),
		"publish_latencies_ms": averageMillis(m.publishLatencies),
		"error_counts":         copyInt(m.errorCounts),
	}
}

// GetHealthStatus reports unhealthy when the 5xx ratio exceeds the threshold
func (m *Collector) GetHealthStatus() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	errorRate := 0.0
	totalRequests := m.counters[CounterHTTPRequests]
	if totalRequests > 0 {
		errorRate = float64(m.counters[CounterHTTPServerErrors]) / float64(totalRequests)
	}

	return map[string]interface{}{
		"status": map[string]interface{}{
			"healthy":        errorRate <= errorRateThreshold,
			"uptime_seconds": time.Since(m.startTime).Seconds(),
		},
		"metrics": map[string]interface{}{
			"total_requests":   totalRequests,
			"error_rate":       errorRate,
			"batches_accepted": m.counters[CounterBatchesAccepted],
			"batches_rejected": m.counters[CounterBatchesRejected],
			"records_ingested": m.counters[CounterRecordsIngested],
			"publish_errors":   m.counters[CounterPublishError],
		},
	}
}

// Healthy reports the boolean part of GetHealthStatus
func (m *Collector) Healthy() bool {
	status, _ := m.GetHealthStatus()["status"].(map[string]interface{})
	healthy, _ := status["healthy"].(bool)
	return healthy
}
