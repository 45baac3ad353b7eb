package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTELRecorder implements Recorder on OpenTelemetry instruments.
type OTELRecorder struct {
	issuanceCount    metric.Int64Counter
	issuanceDuration metric.Float64Histogram
	issuanceErrors   metric.Int64Counter
	quotaRejections  metric.Int64Counter
	rateLimited      metric.Int64Counter

	verifications metric.Int64Counter

	batchCommitted metric.Int64Counter
	batchLeaves    metric.Int64Histogram
	batchDuration  metric.Float64Histogram
	batchErrors    metric.Int64Counter
	batchBacklog   metric.Int64Gauge
}

// NewOTELRecorder builds every instrument up front so recording never fails.
func NewOTELRecorder(meter metric.Meter) (*OTELRecorder, error) {
	m := &OTELRecorder{}

	var err error
	m.issuanceCount, err = meter.Int64Counter("attestd.issuance.count",
		metric.WithDescription("Attestations issued"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.issuanceDuration, err = meter.Float64Histogram("attestd.issuance.duration",
		metric.WithDescription("End-to-end issuance latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.issuanceErrors, err = meter.Int64Counter("attestd.issuance.errors",
		metric.WithDescription("Issuance failures by taxonomy code"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.quotaRejections, err = meter.Int64Counter("attestd.quota.rejections",
		metric.WithDescription("Issuances rejected at the monthly quota wall"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.rateLimited, err = meter.Int64Counter("attestd.rate.limited",
		metric.WithDescription("Requests rejected by a token bucket"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.verifications, err = meter.Int64Counter("attestd.verify.count",
		metric.WithDescription("Public verification lookups"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.batchCommitted, err = meter.Int64Counter("attestd.batch.committed",
		metric.WithDescription("Batches committed to the ledger"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.batchLeaves, err = meter.Int64Histogram("attestd.batch.leaves",
		metric.WithDescription("Leaves per committed batch"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.batchDuration, err = meter.Float64Histogram("attestd.batch.duration",
		metric.WithDescription("Batch cycle duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.batchErrors, err = meter.Int64Counter("attestd.batch.errors",
		metric.WithDescription("Batch cycle failures"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.batchBacklog, err = meter.Int64Gauge("attestd.batch.backlog",
		metric.WithDescription("Unbatched attestations observed at cycle start"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *OTELRecorder) RecordIssuance(ctx context.Context, tier string, met bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("met", met),
	)
	m.issuanceCount.Add(ctx, 1, attrs)
	m.issuanceDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *OTELRecorder) RecordIssuanceError(ctx context.Context, code string) {
	m.issuanceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *OTELRecorder) RecordQuotaRejected(ctx context.Context, tier string) {
	m.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *OTELRecorder) RecordRateLimited(ctx context.Context, scope string) {
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

func (m *OTELRecorder) RecordVerification(ctx context.Context, found bool) {
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("found", found)))
}

func (m *OTELRecorder) RecordBatchCommitted(ctx context.Context, leafCount int, duration time.Duration) {
	m.batchCommitted.Add(ctx, 1)
	m.batchLeaves.Record(ctx, int64(leafCount))
	m.batchDuration.Record(ctx, duration.Seconds())
}

func (m *OTELRecorder) RecordBatchError(ctx context.Context, errType string) {
	m.batchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errType)))
}

func (m *OTELRecorder) RecordBacklog(ctx context.Context, count int) {
	m.batchBacklog.Record(ctx, int64(count))
}
