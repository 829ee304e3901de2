package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the conversion service
type Metrics struct {
	// Frame metrics
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	BytesReceived  prometheus.Counter
	BytesSent      prometheus.Counter

	// Conversion metrics
	ActiveConversions   prometheus.Gauge
	ConversionsStarted  prometheus.Counter
	ConversionsFinished prometheus.Counter
	ConversionsFailed   *prometheus.CounterVec
	ConversionsRejected prometheus.Counter
	ConversionDuration  prometheus.Histogram
	InputSize           prometheus.Histogram

	// Transcoder metrics
	TranscoderErrors prometheus.Counter
	WAVErrors        prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_frames_received_total",
			Help: "Total number of WAV frames received from clients",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_frames_sent_total",
			Help: "Total number of transcoded frames sent to clients",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_bytes_received_total",
			Help: "Total number of WAV bytes received from clients",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_bytes_sent_total",
			Help: "Total number of transcoded bytes sent to clients",
		}),

		ActiveConversions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsc_active_conversions",
			Help: "Current number of running conversions",
		}),
		ConversionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_conversions_started_total",
			Help: "Total number of conversions started",
		}),
		ConversionsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_conversions_finished_total",
			Help: "Total number of conversions that closed cleanly",
		}),
		ConversionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsc_conversions_failed_total",
			Help: "Total number of failed conversions by close code",
		}, []string{"close_code"}),
		ConversionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_conversions_rejected_total",
			Help: "Total number of connections refused at the concurrency limit",
		}),
		ConversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsc_conversion_duration_seconds",
			Help:    "Wall time of conversions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		InputSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsc_conversion_input_bytes",
			Help:    "WAV bytes received per conversion",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to ~128MB
		}),

		TranscoderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_transcoder_errors_total",
			Help: "Total number of transcoder process failures",
		}),
		WAVErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsc_wav_validation_errors_total",
			Help: "Total number of inputs rejected by WAV header validation",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsc_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wsc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsc_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameReceived counts one inbound frame
func (m *Metrics) RecordFrameReceived(size int) {
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

// RecordFrameSent counts one outbound frame
func (m *Metrics) RecordFrameSent(size int) {
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(size))
}

// RecordConversionStarted increments the started counter and the active gauge
func (m *Metrics) RecordConversionStarted() {
	m.ConversionsStarted.Inc()
	m.ActiveConversions.Inc()
}

// RecordConversionFinished records a clean close
func (m *Metrics) RecordConversionFinished(durationSeconds float64, inputBytes int64) {
	m.ActiveConversions.Dec()
	m.ConversionsFinished.Inc()
	m.ConversionDuration.Observe(durationSeconds)
	m.InputSize.Observe(float64(inputBytes))
}

// RecordConversionFailed records a conversion that ended with closeCode
func (m *Metrics) RecordConversionFailed(closeCode string, durationSeconds float64) {
	m.ActiveConversions.Dec()
	m.ConversionsFailed.WithLabelValues(closeCode).Inc()
	m.ConversionDuration.Observe(durationSeconds)
}

// RecordConversionRejected counts a connection refused at capacity
func (m *Metrics) RecordConversionRejected() {
	m.ConversionsRejected.Inc()
}

// RecordTranscoderError increments the transcoder errors counter
func (m *Metrics) RecordTranscoderError() {
	m.TranscoderErrors.Inc()
}

// RecordWAVError increments the WAV validation errors counter
func (m *Metrics) RecordWAVError() {
	m.WAVErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
