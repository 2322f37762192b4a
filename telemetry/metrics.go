package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/offline-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	remoteFetchDuration   metric.Float64Histogram
	remoteFetchTotal      metric.Int64Counter
	remoteFetchBytesTotal metric.Int64Counter

	breakerTransitionsTotal metric.Int64Counter
	breakerRejectionsTotal  metric.Int64Counter

	syncTablesTotal  metric.Int64Counter
	syncDuration     metric.Float64Histogram
	syncRecordsTotal metric.Int64Counter

	entriesByStatus metric.Int64Gauge

	teardownRunsTotal metric.Int64Counter
	teardownDuration  metric.Float64Histogram

	sweepDeletedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.requestsTotal, err = meter.Int64Counter(
		"offline_cache_http_requests_total",
		metric.WithDescription("Total number of diagnostic HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"offline_cache_http_request_duration_seconds",
		metric.WithDescription("Diagnostic HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"offline_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"offline_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"offline_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchDuration, err = meter.Float64Histogram(
		"offline_cache_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of remote data source requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchTotal, err = meter.Int64Counter(
		"offline_cache_remote_fetch_total",
		metric.WithDescription("Total number of remote data source requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchBytesTotal, err = meter.Int64Counter(
		"offline_cache_remote_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the remote data source"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.breakerTransitionsTotal, err = meter.Int64Counter(
		"offline_cache_breaker_transitions_total",
		metric.WithDescription("Total circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.breakerRejectionsTotal, err = meter.Int64Counter(
		"offline_cache_breaker_rejections_total",
		metric.WithDescription("Total calls rejected by an open circuit"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.syncTablesTotal, err = meter.Int64Counter(
		"offline_cache_sync_tables_total",
		metric.WithDescription("Total table synchronisations by outcome"),
		metric.WithUnit("{table}"),
	); err != nil {
		return nil, err
	}

	if m.syncDuration, err = meter.Float64Histogram(
		"offline_cache_sync_duration_seconds",
		metric.WithDescription("Duration of table synchronisations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.syncRecordsTotal, err = meter.Int64Counter(
		"offline_cache_sync_records_total",
		metric.WithDescription("Total records written by table synchronisation"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.entriesByStatus, err = meter.Int64Gauge(
		"offline_cache_entries",
		metric.WithDescription("Cache entries by validation status at the last sweep"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.teardownRunsTotal, err = meter.Int64Counter(
		"offline_cache_teardown_runs_total",
		metric.WithDescription("Total full teardown runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.teardownDuration, err = meter.Float64Histogram(
		"offline_cache_teardown_duration_seconds",
		metric.WithDescription("Duration of full teardown runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.sweepDeletedTotal, err = meter.Int64Counter(
		"offline_cache_sweep_deleted_total",
		metric.WithDescription("Total entries deleted by the expiry sweeper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"offline_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of expiry sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records diagnostic HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	if tags := GetTags(r); tags != nil && tags.Endpoint != "" {
		endpoint = tags.Endpoint
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBackendOp records backend operation metrics.
// The operation label is read from ctx (see WithOperation).
func RecordBackendOp(ctx context.Context, backend, kind, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("kind", kind),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
		attribute.String("operation", OperationFromContext(ctx)),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordRemoteFetch records a request for table to the remote data source.
// table is empty when the request is not for a single table.
func RecordRemoteFetch(ctx context.Context, source, table string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.remoteFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.remoteFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordBreakerTransition records a circuit breaker changing state.
func RecordBreakerTransition(ctx context.Context, key, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.breakerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("key", key),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBreakerRejection records a call short-circuited by an open breaker.
func RecordBreakerRejection(ctx context.Context, key string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.breakerRejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

// RecordTableSync records the outcome of synchronising one table.
func RecordTableSync(ctx context.Context, table, outcome string, records int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	)
	globalMetrics.syncTablesTotal.Add(ctx, 1, attrs)
	globalMetrics.syncDuration.Record(ctx, duration.Seconds(), attrs)
	if records > 0 {
		globalMetrics.syncRecordsTotal.Add(ctx, int64(records), metric.WithAttributes(attribute.String("table", table)))
	}
}

// UpdateEntryHealth records the entry counts observed by a sweep.
func UpdateEntryHealth(ctx context.Context, valid, expired, corrupt, outdated int) {
	if globalMetrics == nil {
		return
	}
	for status, n := range map[string]int{
		"valid":    valid,
		"expired":  expired,
		"corrupt":  corrupt,
		"outdated": outdated,
	} {
		globalMetrics.entriesByStatus.Record(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordTeardown records one full teardown run.
func RecordTeardown(ctx context.Context, failures int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	outcome := "clean"
	if failures > 0 {
		outcome = "partial"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.teardownRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.teardownDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSweepCycle records one expiry sweep cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordSweepCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
