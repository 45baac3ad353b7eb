package metrics

import (
	"context"
	"time"
)

// NoOpRecorder does nothing. Every method body is empty so calls inline away.
type NoOpRecorder struct{}

func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{}
}

func (n *NoOpRecorder) RecordIssuance(ctx context.Context, tier string, met bool, duration time.Duration) {
}

func (n *NoOpRecorder) RecordIssuanceError(ctx context.Context, code string) {}

func (n *NoOpRecorder) RecordQuotaRejected(ctx context.Context, tier string) {}

func (n *NoOpRecorder) RecordRateLimited(ctx context.Context, scope string) {}

func (n *NoOpRecorder) RecordVerification(ctx context.Context, found bool) {}

func (n *NoOpRecorder) RecordBatchCommitted(ctx context.Context, leafCount int, duration time.Duration) {
}

func (n *NoOpRecorder) RecordBatchError(ctx context.Context, errType string) {}

func (n *NoOpRecorder) RecordBacklog(ctx context.Context, count int) {}
