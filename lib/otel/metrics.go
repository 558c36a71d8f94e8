package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BuildMetrics holds metrics for the image build pipeline.
type BuildMetrics struct {
	BuildsTotal   metric.Int64Counter
	BuildDuration metric.Float64Histogram
}

// NewBuildMetrics creates metrics for the image manager.
func NewBuildMetrics(meter metric.Meter) (*BuildMetrics, error) {
	buildsTotal, err := meter.Int64Counter(
		"bootman_images_builds_total",
		metric.WithDescription("Total number of image builds by outcome"),
	)
	if err != nil {
		return nil, err
	}

	buildDuration, err := meter.Float64Histogram(
		"bootman_images_build_duration_seconds",
		metric.WithDescription("Time to build a deployable image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BuildMetrics{
		BuildsTotal:   buildsTotal,
		BuildDuration: buildDuration,
	}, nil
}

// Record registers one finished build.
func (m *BuildMetrics) Record(ctx context.Context, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.BuildsTotal.Add(ctx, 1, attrs)
	m.BuildDuration.Record(ctx, d.Seconds(), attrs)
}

// LaunchMetrics holds metrics for the instance launcher.
type LaunchMetrics struct {
	StartsTotal   metric.Int64Counter
	StartDuration metric.Float64Histogram
	ExitsTotal    metric.Int64Counter
}

// NewLaunchMetrics creates metrics for the instance manager.
func NewLaunchMetrics(meter metric.Meter) (*LaunchMetrics, error) {
	startsTotal, err := meter.Int64Counter(
		"bootman_instances_starts_total",
		metric.WithDescription("Total number of instance starts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	startDuration, err := meter.Float64Histogram(
		"bootman_instances_start_duration_seconds",
		metric.WithDescription("Time from start request to a bound listener"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	exitsTotal, err := meter.Int64Counter(
		"bootman_instances_exits_total",
		metric.WithDescription("Total number of instance exits by kind"),
	)
	if err != nil {
		return nil, err
	}

	return &LaunchMetrics{
		StartsTotal:   startsTotal,
		StartDuration: startDuration,
		ExitsTotal:    exitsTotal,
	}, nil
}

// RecordStart registers one start attempt.
func (m *LaunchMetrics) RecordStart(ctx context.Context, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.StartsTotal.Add(ctx, 1, attrs)
	m.StartDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordExit registers one instance exit.
func (m *LaunchMetrics) RecordExit(ctx context.Context, clean bool) {
	kind := "clean"
	if !clean {
		kind = "failed"
	}
	m.ExitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
