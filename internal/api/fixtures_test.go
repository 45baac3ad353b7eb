package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/trufnetwork/attestd/internal/canonical"
	"github.com/trufnetwork/attestd/internal/coordinator"
	"github.com/trufnetwork/attestd/internal/types"
)

func mustDecimal(s string) *apd.Decimal {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeStore mirrors the classified-error contract of the Postgres store in
// memory so handler behavior is tested against the same semantics.
type fakeStore struct {
	mu sync.Mutex

	healthErr error

	principals    map[uuid.UUID]*types.Principal
	principalKeys map[string]uuid.UUID
	agents        map[uuid.UUID]*types.Agent
	agentKeys     map[string]uuid.UUID
	rules         map[uuid.UUID]*types.Rule
	ruleVersions  map[uuid.UUID][]*types.RuleVersion
	proofs        map[uuid.UUID]*types.Proof
	proofOrder    []uuid.UUID
	batches       map[uuid.UUID]*types.Batch
	batchOrder    []uuid.UUID
	usage         map[string]int64

	digestSeq int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		principals:    map[uuid.UUID]*types.Principal{},
		principalKeys: map[string]uuid.UUID{},
		agents:        map[uuid.UUID]*types.Agent{},
		agentKeys:     map[string]uuid.UUID{},
		rules:         map[uuid.UUID]*types.Rule{},
		ruleVersions:  map[uuid.UUID][]*types.RuleVersion{},
		proofs:        map[uuid.UUID]*types.Proof{},
		batches:       map[uuid.UUID]*types.Batch{},
		usage:         map[string]int64{},
	}
}

func (f *fakeStore) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

// --- seeding helpers ---

func (f *fakeStore) seedPrincipal(t *testing.T, tier types.Tier) (*types.Principal, string) {
	t.Helper()
	key, err := NewPrincipalKey()
	require.NoError(t, err)
	p := &types.Principal{
		ID:        uuid.New(),
		Name:      "acme",
		Tier:      tier,
		State:     types.PrincipalActive,
		CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.principals[p.ID] = p
	f.principalKeys[HashKey(key)] = p.ID
	f.mu.Unlock()
	return p, key
}

func (f *fakeStore) seedAgent(t *testing.T, principalID uuid.UUID) (*types.Agent, string) {
	t.Helper()
	key, err := NewAgentKey()
	require.NoError(t, err)
	a := &types.Agent{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Name:        "refund-bot",
		State:       types.AgentActive,
		CreatedAt:   time.Now().UTC(),
	}
	f.mu.Lock()
	f.agents[a.ID] = a
	f.agentKeys[HashKey(key)] = a.ID
	f.mu.Unlock()
	return a, key
}

func (f *fakeStore) seedRule(agentID uuid.UUID, conds []types.Condition) *types.Rule {
	now := time.Now().UTC()
	r := &types.Rule{
		ID:         uuid.New(),
		AgentID:    agentID,
		Name:       "refund-cap",
		Conditions: conds,
		Version:    1,
		State:      types.RuleActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.mu.Lock()
	f.rules[r.ID] = r
	f.mu.Unlock()
	return r
}

func (f *fakeStore) nextDigest() string {
	f.digestSeq++
	sum := ethcrypto.Keccak256([]byte(fmt.Sprintf("leaf-%d", f.digestSeq)))
	var d [canonical.DigestLength]byte
	copy(d[:], sum)
	return canonical.DigestHex(d)
}

func (f *fakeStore) seedProof(agent *types.Agent, rule *types.Rule) *types.Proof {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent.Nonce++
	p := &types.Proof{
		ID:                uuid.New(),
		AgentID:           agent.ID,
		RuleID:            rule.ID,
		RuleVersion:       rule.Version,
		Action:            types.ActionRecord{"amount": float64(50)},
		Results:           []types.ConditionResult{{Field: "amount", Operator: types.OpLte, Expected: float64(100), Actual: float64(50), Pass: true}},
		Met:               true,
		Summary:           "all 1 conditions passed",
		Digest:            f.nextDigest(),
		SignatureEnvelope: "deadbeef:deadbeef:deadbeef",
		Nonce:             agent.Nonce,
		UnitCost:          mustDecimal("0.05"),
		IssuedAt:          time.Now().UTC(),
	}
	f.proofs[p.ID] = p
	f.proofOrder = append(f.proofOrder, p.ID)
	return p
}

// seedBatch stamps the given proofs with a fresh committed batch.
func (f *fakeStore) seedBatch(t *testing.T, root string, proofs ...*types.Proof) *types.Batch {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &types.Batch{
		ID:          uuid.New(),
		Root:        root,
		LeafCount:   int32(len(proofs)),
		LedgerTxRef: "0xtxabc",
		CommittedAt: time.Now().UTC(),
	}
	f.batches[b.ID] = b
	f.batchOrder = append(f.batchOrder, b.ID)
	for _, p := range proofs {
		ref := b.LedgerTxRef
		p.BatchID = &b.ID
		p.LedgerTxRef = &ref
	}
	return b
}

// --- Store interface ---

func (f *fakeStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*types.Agent, *types.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.agentKeys[keyHash]
	if !ok {
		return nil, nil, types.NewError(types.CodeNotFound, "unknown credential")
	}
	a := f.agents[id]
	return a, f.principals[a.PrincipalID], nil
}

func (f *fakeStore) GetPrincipalByKeyHash(ctx context.Context, keyHash string) (*types.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.principalKeys[keyHash]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "unknown credential")
	}
	return f.principals[id], nil
}

func (f *fakeStore) CreateAgent(ctx context.Context, a *types.Agent, apiKeyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.agentKeys[apiKeyHash]; dup {
		return types.NewError(types.CodeConflict, "credential already registered")
	}
	cp := *a
	f.agents[a.ID] = &cp
	f.agentKeys[apiKeyHash] = a.ID
	return nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "agent not found")
	}
	return a, nil
}

func (f *fakeStore) ListAgents(ctx context.Context, principalID uuid.UUID) ([]*types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Agent
	for _, a := range f.agents {
		if a.PrincipalID == principalID && a.State != types.AgentDeleted {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) SetAgentState(ctx context.Context, id, principalID uuid.UUID, state types.AgentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return types.NewError(types.CodeNotFound, "agent not found")
	}
	if a.PrincipalID != principalID {
		return types.NewError(types.CodeOwnership, "agent belongs to another principal")
	}
	if a.State == types.AgentDeleted {
		return types.NewError(types.CodeState, "agent is deleted")
	}
	a.State = state
	return nil
}

func (f *fakeStore) CreateRule(ctx context.Context, r *types.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.rules[r.ID] = &cp
	return nil
}

func (f *fakeStore) GetRule(ctx context.Context, id uuid.UUID) (*types.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "rule not found")
	}
	return r, nil
}

func (f *fakeStore) ListRules(ctx context.Context, principalID uuid.UUID, agentID *uuid.UUID) ([]*types.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Rule
	for _, r := range f.rules {
		a, ok := f.agents[r.AgentID]
		if !ok || a.PrincipalID != principalID {
			continue
		}
		if agentID != nil && r.AgentID != *agentID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) UpdateRule(ctx context.Context, id, principalID uuid.UUID, name string, conditions []types.Condition, now time.Time) (*types.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "rule not found")
	}
	a := f.agents[r.AgentID]
	if a == nil || a.PrincipalID != principalID {
		return nil, types.NewError(types.CodeOwnership, "rule belongs to another principal")
	}
	if r.State != types.RuleActive {
		return nil, types.NewError(types.CodeState, "rule is archived")
	}
	f.ruleVersions[id] = append(f.ruleVersions[id], &types.RuleVersion{
		RuleID:     id,
		Version:    r.Version,
		Name:       r.Name,
		Conditions: r.Conditions,
		ReplacedAt: now,
	})
	r.Name = name
	r.Conditions = conditions
	r.Version++
	r.UpdatedAt = now
	return r, nil
}

func (f *fakeStore) ArchiveRule(ctx context.Context, id, principalID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return types.NewError(types.CodeNotFound, "rule not found")
	}
	a := f.agents[r.AgentID]
	if a == nil || a.PrincipalID != principalID {
		return types.NewError(types.CodeOwnership, "rule belongs to another principal")
	}
	if r.State != types.RuleActive {
		return types.NewError(types.CodeState, "rule is already archived")
	}
	r.State = types.RuleArchived
	r.UpdatedAt = now
	return nil
}

func (f *fakeStore) ListRuleVersions(ctx context.Context, ruleID uuid.UUID) ([]*types.RuleVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ruleVersions[ruleID], nil
}

func (f *fakeStore) GetProof(ctx context.Context, id uuid.UUID) (*types.Proof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proofs[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "proof not found")
	}
	return p, nil
}

func (f *fakeStore) ListProofs(ctx context.Context, principalID uuid.UUID, agentID *uuid.UUID, limit, offset int) ([]*types.Proof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var owned []*types.Proof
	// proofOrder is insertion order; the real store lists newest first.
	for i := len(f.proofOrder) - 1; i >= 0; i-- {
		p := f.proofs[f.proofOrder[i]]
		a, ok := f.agents[p.AgentID]
		if !ok || a.PrincipalID != principalID {
			continue
		}
		if agentID != nil && p.AgentID != *agentID {
			continue
		}
		owned = append(owned, p)
	}
	if offset >= len(owned) {
		return nil, nil
	}
	owned = owned[offset:]
	if limit < len(owned) {
		owned = owned[:limit]
	}
	return owned, nil
}

func (f *fakeStore) GetBatch(ctx context.Context, id uuid.UUID) (*types.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "batch not found")
	}
	return b, nil
}

func (f *fakeStore) ListBatches(ctx context.Context, limit, offset int) ([]*types.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Batch
	for i := len(f.batchOrder) - 1; i >= 0; i-- {
		out = append(out, f.batches[f.batchOrder[i]])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) BatchLeaves(ctx context.Context, batchID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.proofOrder {
		p := f.proofs[id]
		if p.BatchID != nil && *p.BatchID == batchID {
			out = append(out, p.Digest)
		}
	}
	if len(out) == 0 {
		return nil, types.NewError(types.CodeNotFound, "batch not found")
	}
	return out, nil
}

func (f *fakeStore) CurrentUsage(ctx context.Context, principalID uuid.UUID, period civil.Date) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[principalID.String()+"|"+period.String()], nil
}

func (f *fakeStore) setUsage(principalID uuid.UUID, period civil.Date, used int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[principalID.String()+"|"+period.String()] = used
}

// fakeIssuer records the request it received and returns a canned result.
type fakeIssuer struct {
	mu     sync.Mutex
	gotReq coordinator.IssueRequest
	res    *coordinator.IssueResult
	err    error
}

func (f *fakeIssuer) Issue(ctx context.Context, req coordinator.IssueRequest) (*coordinator.IssueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}
