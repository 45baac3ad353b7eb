// Package metrics provides observability for the attestation service.
// It uses a plugin pattern so the issuance path pays nothing when
// OpenTelemetry is not wired into the process.
package metrics

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/types"
)

// Recorder is the metrics surface of the service. Implementations are either
// real OTEL instruments or no-ops.
type Recorder interface {
	// Issuance path
	RecordIssuance(ctx context.Context, tier string, met bool, duration time.Duration)
	RecordIssuanceError(ctx context.Context, code string)
	RecordQuotaRejected(ctx context.Context, tier string)
	RecordRateLimited(ctx context.Context, scope string)

	// Read path
	RecordVerification(ctx context.Context, found bool)

	// Batcher
	RecordBatchCommitted(ctx context.Context, leafCount int, duration time.Duration)
	RecordBatchError(ctx context.Context, errType string)
	RecordBacklog(ctx context.Context, count int)
}

// NewRecorder creates a metrics recorder. It detects whether a global
// OpenTelemetry meter provider is installed and falls back to a no-op
// implementation when it is not.
func NewRecorder(logger *zap.Logger) Recorder {
	meter := otel.GetMeterProvider().Meter("github.com/trufnetwork/attestd")

	if _, err := meter.Int64Counter("attestd.probe"); err != nil {
		logger.Debug("opentelemetry not available, metrics disabled")
		return NewNoOpRecorder()
	}

	rec, err := NewOTELRecorder(meter)
	if err != nil {
		logger.Warn("failed to initialize otel metrics, falling back to no-op", zap.Error(err))
		return NewNoOpRecorder()
	}
	return rec
}

// ClassifyError buckets an error for metric labels. The service taxonomy
// keeps cardinality bounded; context errors get their own buckets because
// they say more about the deployment than about the request.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	switch {
	case strings.Contains(err.Error(), context.DeadlineExceeded.Error()):
		return "timeout"
	case strings.Contains(err.Error(), context.Canceled.Error()):
		return "cancelled"
	}
	return strings.ToLower(string(types.CodeOf(err)))
}
