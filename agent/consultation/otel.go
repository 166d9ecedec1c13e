package consultation

import (
	"context"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelMetrics 通过全局 MeterProvider 导出的会话指标。未初始化 SDK 时为 noop。
type otelMetrics struct {
	sessionTotal    metric.Int64Counter
	roundTotal      metric.Int64Counter
	activeSessions  metric.Int64UpDownCounter
	consensusScore  metric.Float64Histogram
	sessionDuration metric.Float64Histogram
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter(telemetry.InstrumentationName)
	m := &otelMetrics{}

	var err error

	m.sessionTotal, err = meter.Int64Counter("consultation.session.total",
		metric.WithDescription("Total number of finished consultations"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	m.roundTotal, err = meter.Int64Counter("consultation.round.total",
		metric.WithDescription("Total number of closed rounds"),
		metric.WithUnit("{round}"))
	if err != nil {
		return nil, err
	}

	m.activeSessions, err = meter.Int64UpDownCounter("consultation.session.active",
		metric.WithDescription("Number of running consultations"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	m.consensusScore, err = meter.Float64Histogram("consultation.consensus.score",
		metric.WithDescription("Per-round consensus score"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1))
	if err != nil {
		return nil, err
	}

	m.sessionDuration, err = meter.Float64Histogram("consultation.session.duration",
		metric.WithDescription("Consultation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *otelMetrics) sessionStarted(ctx context.Context, mode Mode) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
}

func (m *otelMetrics) sessionFinished(ctx context.Context, mode Mode, status Status, d time.Duration) {
	if m == nil {
		return
	}
	modeAttr := attribute.String("mode", string(mode))
	m.activeSessions.Add(ctx, -1, metric.WithAttributes(modeAttr))
	m.sessionTotal.Add(ctx, 1, metric.WithAttributes(modeAttr, attribute.String("status", string(status))))
	m.sessionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(modeAttr))
}

func (m *otelMetrics) roundClosed(ctx context.Context, mode Mode, result ConsensusResult) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("method", result.Method),
	)
	m.roundTotal.Add(ctx, 1, attrs)
	m.consensusScore.Record(ctx, result.Score, attrs)
}
