package probe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modelprobe/internal/classify"
	"modelprobe/internal/factory"
	"modelprobe/pkg/types"
)

const (
	resultOK             = "ok"
	resultUnrecognized   = "unrecognized"
	resultClassification = "classification"
	resultInvalid        = "invalid"
	resultError          = "error"
)

var (
	probeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelprobe",
			Name:      "probe_total",
			Help:      "Total number of probes by detected format and result",
		},
		[]string{"format", "result"},
	)

	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "modelprobe",
			Name:      "probe_duration_seconds",
			Help:      "Duration of classification, hashing and record construction",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(probeTotal, probeDuration)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case IsUnrecognizedFormatError(err):
		return resultUnrecognized
	case classify.IsClassificationError(err):
		return resultClassification
	case factory.IsInvalidModelConfigError(err):
		return resultInvalid
	}
	return resultError
}

func observe(f types.ModelFormat, result string, d time.Duration) {
	format := string(f)
	if format == "" {
		format = "unknown"
	}
	probeTotal.WithLabelValues(format, result).Inc()
	if d > 0 {
		probeDuration.Observe(d.Seconds())
	}
}
