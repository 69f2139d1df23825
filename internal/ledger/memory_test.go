package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/denver/internal/readstore"
	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const platform = "platform::1220"

type recordingProjector struct {
	mu       sync.Mutex
	upserts  []string
	archives []string
}

func (p *recordingProjector) Upsert(_ context.Context, rec readstore.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts = append(p.upserts, rec.ContractID)
	return nil
}

func (p *recordingProjector) Archive(_ context.Context, contractID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archives = append(p.archives, contractID)
	return nil
}

func order(side models.Side, owner string, amount, rate string, days int) models.OrderPayload {
	return models.OrderPayload{
		Owner:         owner,
		Platform:      platform,
		Side:          side,
		Amount:        decimal.RequireFromString(amount),
		RateLimit:     decimal.RequireFromString(rate),
		DurationLimit: days,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestMemoryLedger_CreateAssignsCanonicalIDs(t *testing.T) {
	l := NewMemoryLedger(zap.NewNop())
	id, err := l.Create(context.Background(), models.TemplateSupplyOrder, order(models.SideSupply, "alice", "100", "0.03", 20), "cmd-1", "alice")
	require.NoError(t, err)

	prefix, suffix, found := strings.Cut(id, "::")
	require.True(t, found)
	assert.Equal(t, "1", prefix)
	assert.Len(t, suffix, 64)
	assert.True(t, readstore.IsHex(suffix))
	assert.True(t, l.IsActive(id))
}

func TestMemoryLedger_IdempotentPerCommandID(t *testing.T) {
	proj := &recordingProjector{}
	l := NewMemoryLedger(zap.NewNop(), WithProjector(proj))
	ctx := context.Background()
	payload := order(models.SideDemand, "bob", "100", "0.05", 30)

	first, err := l.Create(ctx, models.TemplateDemandOrder, payload, "cmd-dup", "bob")
	require.NoError(t, err)
	second, err := l.Create(ctx, models.TemplateDemandOrder, payload, "cmd-dup", "bob")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, l.Active(models.TemplateDemandOrder), 1)
	assert.Equal(t, []string{first}, proj.upserts)
}

func TestMemoryLedger_ConsumeTwiceConflicts(t *testing.T) {
	l := NewMemoryLedger(zap.NewNop())
	ctx := context.Background()
	id, err := l.Create(ctx, models.TemplateSupplyOrder, order(models.SideSupply, "alice", "100", "0.03", 20), "c1", "alice")
	require.NoError(t, err)

	_, err = l.Exercise(ctx, id, models.TemplateSupplyOrder, models.ChoiceMatchConsume, nil, "c2", platform)
	require.NoError(t, err)

	_, err = l.Exercise(ctx, id, models.TemplateSupplyOrder, models.ChoiceMatchConsume, nil, "c3", platform)
	require.Error(t, err)
	assert.Equal(t, ReasonAlreadyConsumed, ReasonOf(err))
	assert.True(t, errors.IsConflict(err))

	_, err = l.Exercise(ctx, "1::ffff", models.TemplateSupplyOrder, models.ChoiceMatchConsume, nil, "c4", platform)
	assert.Equal(t, ReasonNotFound, ReasonOf(err))
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryLedger_MatchOrdersSettlesAtomically(t *testing.T) {
	proj := &recordingProjector{}
	l := NewMemoryLedger(zap.NewNop(), WithProjector(proj))
	ctx := context.Background()

	engineID, err := l.Create(ctx, models.TemplateMatchingEngine, models.MatchingEnginePayload{Platform: platform}, "boot", platform)
	require.NoError(t, err)
	supplyID, err := l.Create(ctx, models.TemplateSupplyOrder, order(models.SideSupply, "alice", "100", "0.03", 20), "s", "alice")
	require.NoError(t, err)
	demandID, err := l.Create(ctx, models.TemplateDemandOrder, order(models.SideDemand, "bob", "100", "0.05", 30), "d", "bob")
	require.NoError(t, err)

	args := models.MatchOrdersArgs{
		SupplyOrderID: supplyID,
		DemandOrderID: demandID,
		Principal:     decimal.NewFromInt(100),
		ClearingRate:  decimal.RequireFromString("0.04"),
		DurationDays:  20,
	}
	res, err := l.Exercise(ctx, engineID, models.TemplateMatchingEngine, models.ChoiceMatchOrders, args, "m1", platform)
	require.NoError(t, err)

	var proposalID string
	require.NoError(t, json.Unmarshal(res, &proposalID))
	assert.False(t, l.IsActive(supplyID))
	assert.False(t, l.IsActive(demandID))
	assert.True(t, l.IsActive(engineID), "authority is not consumed by MatchOrders")

	proposals := l.Active(models.TemplateMatchedProposal)
	require.Len(t, proposals, 1)
	var p models.ProposalPayload
	require.NoError(t, proposals[0].Decode(&p))
	assert.Equal(t, "bob", p.Borrower)
	assert.Equal(t, "alice", p.Lender)
	assert.True(t, p.ClearingRate.Equal(decimal.RequireFromString("0.04")))
	assert.Equal(t, models.ProposalProposed, p.Status)
	assert.ElementsMatch(t, []string{supplyID, demandID}, proj.archives)
}

func TestMemoryLedger_MatchOrdersRejectsRateOutsideLimits(t *testing.T) {
	l := NewMemoryLedger(zap.NewNop())
	ctx := context.Background()
	engineID, _ := l.Create(ctx, models.TemplateMatchingEngine, models.MatchingEnginePayload{Platform: platform}, "boot", platform)
	supplyID, _ := l.Create(ctx, models.TemplateSupplyOrder, order(models.SideSupply, "alice", "100", "0.03", 20), "s", "alice")
	demandID, _ := l.Create(ctx, models.TemplateDemandOrder, order(models.SideDemand, "bob", "100", "0.05", 30), "d", "bob")

	_, err := l.Exercise(ctx, engineID, models.TemplateMatchingEngine, models.ChoiceMatchOrders, models.MatchOrdersArgs{
		SupplyOrderID: supplyID,
		DemandOrderID: demandID,
		Principal:     decimal.NewFromInt(100),
		ClearingRate:  decimal.RequireFromString("0.06"),
		DurationDays:  20,
	}, "m1", platform)

	assert.Equal(t, ReasonRejected, ReasonOf(err))
	assert.True(t, l.IsActive(supplyID))
	assert.True(t, l.IsActive(demandID))
}

func TestMemoryLedger_SubmitRollsBackOnFailure(t *testing.T) {
	proj := &recordingProjector{}
	l := NewMemoryLedger(zap.NewNop(), WithProjector(proj))
	ctx := context.Background()
	demandID, _ := l.Create(ctx, models.TemplateDemandOrder, order(models.SideDemand, "bob", "100", "0.05", 30), "d", "bob")
	upsertsBefore := len(proj.upserts)

	_, err := l.Submit(ctx, []Command{
		ExerciseCommand(demandID, models.TemplateDemandOrder, models.ChoiceMatchConsume, nil),
		ExerciseCommand("1::dead", models.TemplateSupplyOrder, models.ChoiceMatchConsume, nil),
		CreateCommand(models.TemplateMatchedProposal, models.ProposalPayload{Borrower: "bob"}),
	}, "batch-1", platform)

	require.Error(t, err)
	assert.Equal(t, ReasonNotFound, ReasonOf(err))
	assert.True(t, l.IsActive(demandID))
	assert.Empty(t, l.Active(models.TemplateMatchedProposal))
	assert.Len(t, proj.upserts, upsertsBefore)
	assert.Empty(t, proj.archives)

	// a failed command id is not remembered, so a retry applies
	_, err = l.Exercise(ctx, demandID, models.TemplateDemandOrder, models.ChoiceCancel, nil, "batch-1", "bob")
	require.NoError(t, err)
	assert.False(t, l.IsActive(demandID))
}

func TestMemoryLedger_FaultHook(t *testing.T) {
	l := NewMemoryLedger(zap.NewNop())
	l.SetFault(func(cmd Command) error {
		if cmd.Kind == CommandCreate {
			return &Error{Reason: ReasonTransient, Op: "create", Message: "injected"}
		}
		return nil
	})

	_, err := l.Create(context.Background(), models.TemplateSupplyOrder, order(models.SideSupply, "a", "1", "0.01", 1), "c", "a")
	assert.True(t, errors.IsUnavailable(err))
}

func TestMemoryLedger_ProjectionLag(t *testing.T) {
	proj := &recordingProjector{}
	l := NewMemoryLedger(zap.NewNop(), WithProjector(proj), WithProjectionLag(20*time.Millisecond))

	_, err := l.Create(context.Background(), models.TemplateSupplyOrder, order(models.SideSupply, "a", "1", "0.01", 1), "c", "a")
	require.NoError(t, err)

	proj.mu.Lock()
	assert.Empty(t, proj.upserts)
	proj.mu.Unlock()

	l.WaitProjected()
	proj.mu.Lock()
	assert.Len(t, proj.upserts, 1)
	proj.mu.Unlock()
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.True(t, errors.IsConflict(Classify(&Error{Reason: ReasonAlreadyConsumed})))
	assert.True(t, errors.IsNotFound(Classify(&Error{Reason: ReasonNotFound})))
	assert.True(t, errors.IsInvalid(Classify(&Error{Reason: ReasonRejected})))
	assert.True(t, errors.IsUnavailable(Classify(context.DeadlineExceeded)))

	wrapped := Classify(&Error{Reason: ReasonNotFound, CommandID: "x"})
	assert.Equal(t, ReasonNotFound, ReasonOf(wrapped))
}
