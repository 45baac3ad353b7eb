// Package types defines the domain entities shared by the attestation
// pipeline, storage layer, and HTTP API: principals, agents, rules,
// proofs, and batches, plus the service-wide error taxonomy.
package types

import (
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// Tier is a principal's billing tier. It fixes the monthly issuance limit
// and the unit cost debited per attestation.
type Tier string

const (
	TierFree    Tier = "free"
	TierBuilder Tier = "builder"
	TierPro     Tier = "pro"
)

// PrincipalState tracks the lifecycle of a principal account.
type PrincipalState string

const (
	PrincipalActive    PrincipalState = "active"
	PrincipalSuspended PrincipalState = "suspended"
)

// Principal is the human or organization on whose behalf agents act.
// A principal exclusively owns its agents.
type Principal struct {
	ID        uuid.UUID
	Name      string
	Tier      Tier
	State     PrincipalState
	CreatedAt time.Time
}

// AgentState tracks the lifecycle of an agent identity.
type AgentState string

const (
	AgentActive    AgentState = "active"
	AgentSuspended AgentState = "suspended"
	AgentDeleted   AgentState = "deleted" // tombstone, never reused
)

// Agent is a credentialed issuer of attestations. Nonce is the agent's
// monotonic sequence counter: advanced by exactly one inside each successful
// issuance transaction, never decremented, never reused. It is stored as
// int64 so it continues safely past 2^31-1.
type Agent struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	Name        string
	State       AgentState
	Nonce       int64
	CreatedAt   time.Time
}

// Operator is a condition comparison operator. The wire forms are ASCII.
type Operator string

const (
	OpEq          Operator = "="
	OpNeq         Operator = "!="
	OpLt          Operator = "<"
	OpLte         Operator = "<="
	OpGt          Operator = ">"
	OpGte         Operator = ">="
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT IN"
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT CONTAINS"
)

// KnownOperators enumerates every operator accepted at rule registration.
var KnownOperators = []Operator{
	OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte,
	OpIn, OpNotIn, OpContains, OpNotContains,
}

// Condition is one (field, operator, value) triple. Value typing is
// operator-dependent and checked at registration where the spec requires it;
// everything else is resolved at evaluation time.
type Condition struct {
	Field    string   `json:"field" mapstructure:"field"`
	Operator Operator `json:"operator" mapstructure:"operator"`
	Value    any      `json:"value" mapstructure:"value"`
}

// RuleState tracks the lifecycle of a rule. Rules are archived, never hard
// deleted, because proofs keep referencing them.
type RuleState string

const (
	RuleActive   RuleState = "active"
	RuleArchived RuleState = "archived"
)

// Rule is an immutable-per-version conjunction of conditions owned by
// exactly one agent. Edits produce a new version and a RuleVersion snapshot
// of the previous one.
type Rule struct {
	ID         uuid.UUID
	AgentID    uuid.UUID
	Name       string
	Conditions []Condition
	Version    int32
	State      RuleState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RuleVersion is an append-only snapshot of one prior rule version,
// keyed by (rule, version).
type RuleVersion struct {
	RuleID     uuid.UUID
	Version    int32
	Name       string
	Conditions []Condition
	ReplacedAt time.Time
}

// ActionRecord is the caller-supplied key/value record a rule is evaluated
// against. Values are scalars (number, string, bool) or homogeneous lists.
type ActionRecord map[string]any

// ConditionResult is the outcome of evaluating a single condition.
// Actual is nil when the field was absent from the action record.
type ConditionResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Expected any      `json:"expected"`
	Actual   any      `json:"actual"`
	Pass     bool     `json:"pass"`
}

// Evaluation aggregates the per-condition results of one rule run.
// Met holds iff every result passed.
type Evaluation struct {
	Results []ConditionResult
	Met     bool
	Summary string
}

// Proof is one issued attestation: the record that a named rule was
// evaluated over a named action record at a specific sequence number,
// with the canonical digest signed by the service key.
type Proof struct {
	ID          uuid.UUID
	AgentID     uuid.UUID
	RuleID      uuid.UUID
	RuleVersion int32
	Action      ActionRecord
	Results     []ConditionResult
	Met         bool
	Summary     string

	// Digest is keccak256 of the canonical payload, "0x" + 64 lowercase hex.
	// Unique across all proofs.
	Digest string

	// SignatureEnvelope is the AES-256-GCM encrypted compact signature in
	// the hex(iv):hex(tag):hex(body) layout. Never exposed publicly.
	SignatureEnvelope string

	// Nonce is the agent sequence number consumed by this proof.
	Nonce int64

	// LedgerTxRef and BatchID are set once, when the proof is included in a
	// committed batch.
	LedgerTxRef *string
	BatchID     *uuid.UUID

	UnitCost *apd.Decimal
	IssuedAt time.Time
}

// OnChain reports whether the proof has been anchored through a batch.
func (p *Proof) OnChain() bool {
	return p.LedgerTxRef != nil && *p.LedgerTxRef != ""
}

// Batch is a set of proofs aggregated under one Merkle root and committed
// to the external ledger in a single anchor transaction.
type Batch struct {
	ID          uuid.UUID
	Root        string // "0x" + 64 lowercase hex
	LeafCount   int32
	LedgerTxRef string
	CommittedAt time.Time
}

// Limits shared by validation and storage.
const (
	MaxConditions      = 20
	MaxActionEntries   = 50
	MaxFieldNameLength = 100
	MaxBatchLeaves     = 500
)
