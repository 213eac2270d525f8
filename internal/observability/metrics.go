package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cricket",
		Name:      "analyses_total",
		Help:      "Total number of analyze requests by outcome",
	}, []string{"outcome"})

	DetectionsReturned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cricket",
		Name:      "detections_returned_total",
		Help:      "Total number of detections returned by the classifier",
	})

	ClassifierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cricket",
		Name:      "classifier_duration_seconds",
		Help:      "Duration of classifier invocations",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"backend"})

	AuthEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cricket",
		Name:      "auth_events_total",
		Help:      "Account operations by event and outcome",
	}, []string{"event", "outcome"})

	UploadsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cricket",
		Name:      "uploads_swept_total",
		Help:      "Number of stored uploads removed by retention",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cricket",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cricket",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
