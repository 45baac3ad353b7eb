// Package coordinator runs the issuance pipeline: precondition checks in a
// fixed order, then one atomic storage section that reserves the nonce,
// evaluates the rule, canonicalizes, signs, encrypts, persists, and debits
// the quota. Nothing survives a failure inside the section.
package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/billing"
	"github.com/trufnetwork/attestd/internal/canonical"
	"github.com/trufnetwork/attestd/internal/envelope"
	"github.com/trufnetwork/attestd/internal/metrics"
	"github.com/trufnetwork/attestd/internal/rules"
	"github.com/trufnetwork/attestd/internal/signer"
	"github.com/trufnetwork/attestd/internal/store"
	"github.com/trufnetwork/attestd/internal/types"
)

// Storage is the persistence surface issuance drives. *store.Store satisfies
// it; tests substitute an in-memory implementation with the same contract.
type Storage interface {
	GetRule(ctx context.Context, id uuid.UUID) (*types.Rule, error)
	CurrentUsage(ctx context.Context, principalID uuid.UUID, period civil.Date) (int64, error)
	IssueProof(ctx context.Context, params store.IssueParams, build store.BuildProof) (*types.Proof, error)
}

// Coordinator issues attestations. A nil signer or cipher puts it in
// degraded mode: every issuance fails as internal while reads elsewhere
// keep working.
type Coordinator struct {
	storage   Storage
	signer    *signer.Signer
	cipher    *envelope.Cipher
	verifyURL string
	recorder  metrics.Recorder
	logger    *zap.Logger
}

func New(storage Storage, sgn *signer.Signer, ciph *envelope.Cipher, verifyBaseURL string, rec metrics.Recorder, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		storage:   storage,
		signer:    sgn,
		cipher:    ciph,
		verifyURL: strings.TrimSuffix(verifyBaseURL, "/"),
		recorder:  rec,
		logger:    logger,
	}
}

// Degraded reports whether issuance is disabled for lack of keys.
func (c *Coordinator) Degraded() bool {
	return c.signer == nil || c.cipher == nil
}

// IssueRequest is one issuance call after authentication: the acting agent
// and its principal come from the credential, the rule and action from the
// request body.
type IssueRequest struct {
	Agent     *types.Agent
	Principal *types.Principal
	RuleID    uuid.UUID
	Action    types.ActionRecord
}

// IssueResult is the successful outcome surfaced to the API.
type IssueResult struct {
	Proof     *types.Proof
	VerifyURL string
}

// Issue runs one issuance end to end.
func (c *Coordinator) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	started := time.Now()
	res, err := c.issue(ctx, req)
	if err != nil {
		if types.CodeOf(err) == types.CodeQuotaExceeded {
			c.recorder.RecordQuotaRejected(ctx, string(req.Principal.Tier))
		} else {
			c.recorder.RecordIssuanceError(ctx, metrics.ClassifyError(err))
		}
		return nil, err
	}
	c.recorder.RecordIssuance(ctx, string(req.Principal.Tier), res.Proof.Met, time.Since(started))
	c.logger.Info("attestation issued",
		zap.String("proof_id", res.Proof.ID.String()),
		zap.String("agent_id", req.Agent.ID.String()),
		zap.String("rule_id", req.RuleID.String()),
		zap.Bool("met", res.Proof.Met),
		zap.Int64("nonce", res.Proof.Nonce),
		zap.String("digest", res.Proof.Digest))
	return res, nil
}

func (c *Coordinator) issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if c.Degraded() {
		return nil, types.NewError(types.CodeInternal, "issuance is disabled: signing keys are not configured")
	}
	if req.Principal.State != types.PrincipalActive {
		return nil, types.NewError(types.CodeState, "principal is suspended")
	}
	if req.Agent.State != types.AgentActive {
		return nil, types.NewError(types.CodeState, "agent is not active")
	}
	if err := rules.ValidateAction(req.Action); err != nil {
		return nil, err
	}

	plan, err := billing.PlanFor(req.Principal.Tier)
	if err != nil {
		return nil, err
	}
	period := billing.PeriodStart(time.Now())

	// Precondition order is fixed: quota, rule exists, ownership, rule
	// active, conditions valid. The quota read here is advisory; the
	// race-free debit happens inside the transaction.
	used, err := c.storage.CurrentUsage(ctx, req.Principal.ID, period)
	if err != nil {
		return nil, err
	}
	if plan.Remaining(used) == 0 {
		return nil, types.NewError(types.CodeQuotaExceeded,
			"monthly quota of %d attestations is exhausted", plan.MonthlyQuota)
	}

	rule, err := c.storage.GetRule(ctx, req.RuleID)
	if err != nil {
		return nil, err
	}
	if rule.AgentID != req.Agent.ID {
		return nil, types.NewError(types.CodeOwnership, "rule belongs to another agent")
	}
	if rule.State != types.RuleActive {
		return nil, types.NewError(types.CodeState, "rule is archived")
	}
	if err := rules.Validate(rule.Conditions); err != nil {
		// Stored conditions failing re-validation means the row is corrupt,
		// not that the caller erred.
		return nil, types.WrapError(types.CodeInternal, err, "rule is corrupt")
	}

	proof, err := c.storage.IssueProof(ctx, store.IssueParams{
		AgentID:     req.Agent.ID,
		PrincipalID: req.Principal.ID,
		Period:      period,
		Quota:       plan.MonthlyQuota,
	}, c.buildProof(req, rule, plan))
	if err != nil {
		return nil, err
	}

	return &IssueResult{Proof: proof, VerifyURL: c.VerifyURL(proof.ID)}, nil
}

// buildProof returns the pure in-transaction assembly step. It may run more
// than once if the transaction retries; everything it does is derived from
// its arguments plus fresh envelope randomness.
func (c *Coordinator) buildProof(req IssueRequest, rule *types.Rule, plan billing.Plan) store.BuildProof {
	return func(nonce int64, issuedAt time.Time) (*types.Proof, error) {
		eval := rules.Evaluate(rule.Conditions, req.Action)

		payload := canonical.NewPayload(
			req.Agent.ID, rule.ID, rule.Conditions, req.Action,
			eval.Results, eval.Met, nonce, issuedAt)
		digest, err := payload.Digest()
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "canonicalization failed")
		}
		sig, err := c.signer.SignDigest(digest[:])
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "signing failed")
		}
		sealed, err := c.cipher.Encrypt(sig)
		if err != nil {
			return nil, types.WrapError(types.CodeInternal, err, "envelope encryption failed")
		}

		return &types.Proof{
			ID:                uuid.New(),
			AgentID:           req.Agent.ID,
			RuleID:            rule.ID,
			RuleVersion:       rule.Version,
			Action:            req.Action,
			Results:           eval.Results,
			Met:               eval.Met,
			Summary:           eval.Summary,
			Digest:            canonical.DigestHex(digest),
			SignatureEnvelope: sealed,
			Nonce:             nonce,
			UnitCost:          plan.UnitCost,
			IssuedAt:          issuedAt,
		}, nil
	}
}

// VerifyURL renders the public verification link for a proof.
func (c *Coordinator) VerifyURL(id uuid.UUID) string {
	return c.verifyURL + "/verify/" + id.String()
}
