// Package ledger anchors batch roots on an external append-only ledger and
// answers digest membership queries against it. The EVM client is the real
// implementation; Nop serves deployments that run without a chain.
package ledger

import "context"

// Ledger is the external anchor surface the batcher drives.
type Ledger interface {
	// AnchorBatch records (root, count, leaves) externally and returns the
	// transaction reference. The call blocks until the anchor is final or
	// ctx expires.
	AnchorBatch(ctx context.Context, root string, leafCount int, leaves []string) (string, error)

	// Lookup reports whether the digest was anchored as a batch leaf.
	Lookup(ctx context.Context, digest string) (bool, error)
}

// Nop is the ledger of an unanchored deployment. Batches still commit
// locally, with an empty transaction reference, and no digest ever reports
// as anchored.
type Nop struct{}

func (Nop) AnchorBatch(ctx context.Context, root string, leafCount int, leaves []string) (string, error) {
	return "", nil
}

func (Nop) Lookup(ctx context.Context, digest string) (bool, error) {
	return false, nil
}
