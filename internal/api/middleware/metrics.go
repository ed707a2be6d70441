// metrics.go: Prometheus метрики dropserver.
// HTTP метрики собирает MetricsMiddleware, бизнес-метрики загрузки и
// очистки обновляются из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ds_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ds_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (обновляются из сервисного слоя)
var (
	// UploadsTotal: загрузки по результату (ok или код ошибки).
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ds_uploads_total",
			Help: "Общее количество загрузок по результату",
		},
		[]string{"result"},
	)

	// UploadBytesTotal: объём успешно принятых файлов.
	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_upload_bytes_total",
			Help: "Объём успешно загруженных файлов в байтах",
		},
	)

	// SweepRunsTotal: количество проходов очистки.
	SweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_sweep_runs_total",
			Help: "Общее количество проходов очистки устаревших файлов",
		},
	)

	// SweepFilesDeletedTotal: файлы, удалённые по истечении срока.
	SweepFilesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_sweep_files_deleted_total",
			Help: "Количество файлов, удалённых по истечении срока хранения",
		},
	)

	// SweepErrorsTotal: ошибки обработки записей при очистке.
	SweepErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_sweep_errors_total",
			Help: "Количество ошибок при обработке записей очистки",
		},
	)

	// SweepDuration: длительность прохода очистки.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ds_sweep_duration_seconds",
			Help:    "Длительность прохода очистки в секундах",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StagingFilesRemovedTotal: брошенные временные файлы, удалённые из staging.
	StagingFilesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_staging_files_removed_total",
			Help: "Количество брошенных временных файлов, удалённых из staging",
		},
	)

	// LedgerRecords: количество записей в Retention Ledger после прохода очистки.
	LedgerRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ds_ledger_records",
			Help: "Количество записей о сроках хранения",
		},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath ограничивает кардинальность лейбла path известными маршрутами.
func normalizePath(path string) string {
	switch path {
	case "/", "/upload", "/health/live", "/health/ready", "/metrics":
		return path
	}
	return "other"
}
