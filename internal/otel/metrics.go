package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the session bus instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsAppended      metric.Int64Counter
	ReplayDuration      metric.Float64Histogram
	ReplayFailures      metric.Int64Counter
	ReplayGaps          metric.Int64Counter
	ActiveSubscribers   metric.Int64UpDownCounter
	TurnDuration        metric.Float64Histogram
	PermissionConflicts metric.Int64Counter
	JournalDrops        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter("optad.events.appended",
		metric.WithDescription("Session events appended"),
	)
	if err != nil {
		return nil, err
	}
	m.ReplayDuration, err = meter.Float64Histogram("optad.replay.duration",
		metric.WithDescription("Time from subscribe to first live-forwarded state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.ReplayFailures, err = meter.Int64Counter("optad.replay.failures",
		metric.WithDescription("History lookups that failed or timed out"),
	)
	if err != nil {
		return nil, err
	}
	m.ReplayGaps, err = meter.Int64Counter("optad.replay.gaps",
		metric.WithDescription("replay.gap frames sent to clients"),
	)
	if err != nil {
		return nil, err
	}
	m.ActiveSubscribers, err = meter.Int64UpDownCounter("optad.subscribers.active",
		metric.WithDescription("Live WebSocket subscribers"),
	)
	if err != nil {
		return nil, err
	}
	m.TurnDuration, err = meter.Float64Histogram("optad.turn.duration",
		metric.WithDescription("Turn run time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.PermissionConflicts, err = meter.Int64Counter("optad.permission.conflicts",
		metric.WithDescription("Resolutions rejected because the request was already resolved"),
	)
	if err != nil {
		return nil, err
	}
	m.JournalDrops, err = meter.Int64Counter("optad.journal.drops",
		metric.WithDescription("Envelopes not journaled because the queue was full"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) EventAppended(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(AttrEventKind.String(kind)))
}

// ReplayFinished records one replay. outcome is ok, failed or timeout.
func (m *Metrics) ReplayFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ReplayDuration.Record(ctx, d.Seconds(), attrs)
	if outcome != "ok" {
		m.ReplayFailures.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) ReplayGap(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ReplayGaps.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) SubscriberDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSubscribers.Add(ctx, delta)
}

func (m *Metrics) TurnFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) PermissionConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.PermissionConflicts.Add(ctx, 1)
}

func (m *Metrics) JournalDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.JournalDrops.Add(ctx, 1)
}
