// Package otel exports the core's in-process counters as OpenTelemetry
// observable instruments. The exporter pulls a MetricsSnapshot in the
// collection callback, so instrumentation adds nothing to the request
// path.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/sigilium/tokencore"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() tokencore.MetricsSnapshot
	EventsDropped() uint64
}

type counterDef struct {
	id   tokencore.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{tokencore.MetricIssueSuccess, "tokencore_issue_success_total", "Successfully issued access tokens."},
	{tokencore.MetricIssueFailure, "tokencore_issue_failure_total", "Access token issuance failures."},
	{tokencore.MetricRefreshSuccess, "tokencore_refresh_success_total", "Successful refresh rotations."},
	{tokencore.MetricRefreshInvalid, "tokencore_refresh_invalid_total", "Rejected refresh attempts."},
	{tokencore.MetricRefreshReuseDetected, "tokencore_refresh_reuse_detected_total", "Detected refresh token reuses."},
	{tokencore.MetricValidateSuccess, "tokencore_validate_success_total", "Successful access token validations."},
	{tokencore.MetricValidateFailure, "tokencore_validate_failure_total", "Failed access token validations."},
	{tokencore.MetricBlacklistHit, "tokencore_blacklist_hit_total", "Validations rejected by the blacklist."},
	{tokencore.MetricSessionEvicted, "tokencore_session_evicted_total", "Sessions evicted by the concurrency cap."},
	{tokencore.MetricDeviceMismatch, "tokencore_device_mismatch_total", "User-agent binding mismatches."},
	{tokencore.MetricIPAnomaly, "tokencore_ip_anomaly_total", "Non-fatal client IP anomalies."},
	{tokencore.MetricRevokeAll, "tokencore_revoke_all_total", "Principal-wide revocations."},
	{tokencore.MetricBlacklistSwept, "tokencore_blacklist_swept_total", "Blacklist entries pruned by the sweeper."},
}

type observedCounter struct {
	id         tokencore.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter is a registered OTel callback over the counter snapshot.
type Exporter struct {
	source        metricsSource
	registration  metric.Registration
	counters      []observedCounter
	eventsDropped metric.Int64ObservableCounter
}

// NewExporter registers observable counters on meter backed by the
// Authority's snapshot.
func NewExporter(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+1)
	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	eventsDropped, err := meter.Int64ObservableCounter(
		"tokencore_events_dropped_total",
		metric.WithDescription("Security events dropped under dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create events dropped counter: %w", err)
	}
	exporter.eventsDropped = eventsDropped
	observables = append(observables, eventsDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exporter.eventsDropped, int64(exporter.source.EventsDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
