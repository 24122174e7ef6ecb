// Package metrics exports mining and upload metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pippellia-btc/tubestr/pow"
	"github.com/pippellia-btc/tubestr/upload"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "tubestr"

// Observer implements [pow.Observer] and [upload.Observer].
// A nil *Observer is valid and records nothing.
type Observer struct {
	miningDuration *prometheus.HistogramVec
	miningFailures *prometheus.CounterVec
	uploadAttempts *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	uploadDuration *prometheus.HistogramVec
	uploadedBytes  prometheus.Counter
}

// NewObserver registers the metrics on the registerer, or the default one if nil.
// Metrics already registered (e.g. by a previous observer) are reused.
func NewObserver(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &Observer{}

	o.miningDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mining_duration_seconds",
		Help:      "Duration of proof-of-work mining tasks, by difficulty.",
		Buckets:   []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120},
	}, []string{"difficulty"}))
	if err != nil {
		return nil, err
	}

	o.miningFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mining_failures_total",
		Help:      "Count of failed mining tasks, by reason.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}

	o.uploadAttempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_attempts_total",
		Help:      "Count of upload attempts, by server and outcome.",
	}, []string{"server", "outcome"}))
	if err != nil {
		return nil, err
	}

	o.attemptLatency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_attempt_duration_seconds",
		Help:      "Duration of single upload attempts, by server.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server"}))
	if err != nil {
		return nil, err
	}

	o.uploadDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Duration of uploads to all servers, by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}

	o.uploadedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploaded_bytes_total",
		Help:      "Cumulative size of the files successfully uploaded.",
	}))
	if err != nil {
		return nil, err
	}
	return o, nil
}

// register the collector, or return the existing one of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("failed to register collector: %w", err)
}

func (o *Observer) ObserveMining(difficulty int, took time.Duration, err error) {
	if o == nil {
		return
	}

	o.miningDuration.WithLabelValues(fmt.Sprint(difficulty)).Observe(took.Seconds())
	if err != nil {
		o.miningFailures.WithLabelValues(miningReason(err)).Inc()
	}
}

func (o *Observer) ObserveAttempt(server string, took time.Duration, err error) {
	if o == nil {
		return
	}
	o.uploadAttempts.WithLabelValues(server, outcome(err)).Inc()
	o.attemptLatency.WithLabelValues(server).Observe(took.Seconds())
}

func (o *Observer) ObserveUpload(size int64, took time.Duration, err error) {
	if o == nil {
		return
	}

	o.uploadDuration.WithLabelValues(outcome(err)).Observe(took.Seconds())
	if err == nil {
		o.uploadedBytes.Add(float64(size))
	}
}

func miningReason(err error) string {
	var werr *pow.WorkerError
	switch {
	case errors.Is(err, pow.ErrTimeout):
		return "timeout"
	case errors.Is(err, pow.ErrClosed):
		return "closed"
	case errors.Is(err, pow.ErrInvalidWork):
		return "invalid_work"
	case errors.As(err, &werr):
		return "worker"
	default:
		return "other"
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failure"
	}
}

var (
	_ pow.Observer    = (*Observer)(nil)
	_ upload.Observer = (*Observer)(nil)
)
