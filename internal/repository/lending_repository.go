// Package repository reads lending contracts from the read store and resolves
// client-supplied contract identifiers.
package repository

import (
	"context"

	"github.com/Aidin1998/denver/internal/readstore"
	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/Aidin1998/denver/pkg/models"
	"go.uber.org/zap"
)

// Authority is the platform's matching engine contract.
type Authority struct {
	ContractID string
	Platform   string
}

// LendingRepository is the read side of orders, proposals and the matching
// authority.
type LendingRepository struct {
	store    readstore.Store
	resolver *Resolver
	logger   *zap.Logger
}

// NewLendingRepository creates a repository over store.
func NewLendingRepository(store readstore.Store, resolver *Resolver, logger *zap.Logger) *LendingRepository {
	return &LendingRepository{store: store, resolver: resolver, logger: logger.Named("lending-repository")}
}

// Resolver exposes the identifier resolver the repository uses.
func (r *LendingRepository) Resolver() *Resolver { return r.resolver }

// FindActiveOrders returns the active orders of one side, oldest first.
func (r *LendingRepository) FindActiveOrders(ctx context.Context, side models.Side) ([]models.Order, error) {
	return r.queryOrders(ctx, side)
}

// FindOrdersByOwner returns the active orders of one side owned by party.
func (r *LendingRepository) FindOrdersByOwner(ctx context.Context, side models.Side, owner string) ([]models.Order, error) {
	return r.queryOrders(ctx, side, readstore.Eq("owner", owner))
}

func (r *LendingRepository) queryOrders(ctx context.Context, side models.Side, preds ...readstore.Predicate) ([]models.Order, error) {
	template := models.OrderTemplate(side)
	recs, err := r.queryActive(ctx, template, preds...)
	if err != nil {
		return nil, err
	}
	return decodeAll(r.logger, recs, func(p models.OrderPayload, id string) models.Order {
		o := p.ToOrder(id)
		o.Side = side
		return o
	}), nil
}

// FindOrder resolves candidate to an active order of the given side.
func (r *LendingRepository) FindOrder(ctx context.Context, side models.Side, candidate string) (models.Order, error) {
	rec, err := r.resolver.Resolve(ctx, models.OrderTemplate(side), candidate)
	if err != nil {
		return models.Order{}, err
	}
	order, err := decode(*rec, models.OrderPayload.ToOrder)
	if err != nil {
		return models.Order{}, err
	}
	order.Side = side
	return order, nil
}

// FindMatchingEngine returns the platform's matching authority, or nil when
// none has been projected yet.
func (r *LendingRepository) FindMatchingEngine(ctx context.Context, platform string) (*Authority, error) {
	recs, err := r.queryActive(ctx, models.TemplateMatchingEngine, readstore.Eq("platformOperator", platform))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &Authority{ContractID: recs[0].ContractID, Platform: platform}, nil
}

// FindProposals returns the active matched proposals where party is the
// borrower or the lender.
func (r *LendingRepository) FindProposals(ctx context.Context, party string) ([]models.MatchedProposal, error) {
	var out []models.MatchedProposal
	seen := make(map[string]struct{})
	for _, field := range []string{"borrower", "lender"} {
		recs, err := r.queryActive(ctx, models.TemplateMatchedProposal, readstore.Eq(field, party))
		if err != nil {
			return nil, err
		}
		for _, p := range decodeAll(r.logger, recs, models.ProposalPayload.ToProposal) {
			if _, dup := seen[p.ContractID]; dup {
				continue
			}
			seen[p.ContractID] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

// FindProposal resolves candidate to an active matched proposal.
func (r *LendingRepository) FindProposal(ctx context.Context, candidate string) (models.MatchedProposal, error) {
	rec, err := r.resolver.Resolve(ctx, models.TemplateMatchedProposal, candidate)
	if err != nil {
		return models.MatchedProposal{}, err
	}
	return decode(*rec, models.ProposalPayload.ToProposal)
}

// queryActive treats a template the read store does not know yet as empty.
func (r *LendingRepository) queryActive(ctx context.Context, template string, preds ...readstore.Predicate) ([]readstore.Record, error) {
	recs, err := r.store.QueryActive(ctx, template, preds...)
	if errors.Is(err, readstore.ErrNotProjected) {
		r.logger.Warn("template not yet projected, returning no contracts", zap.String("template", template))
		return nil, nil
	}
	return recs, err
}

func decode[P, T any](rec readstore.Record, convert func(P, string) T) (T, error) {
	var payload P
	if err := rec.Decode(&payload); err != nil {
		var zero T
		return zero, errors.Unavailable.Explain("malformed payload for %s", rec.ContractID).Because(err)
	}
	return convert(payload, rec.ContractID), nil
}

// decodeAll logs and skips records whose payload does not decode.
func decodeAll[P, T any](logger *zap.Logger, recs []readstore.Record, convert func(P, string) T) []T {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := decode(rec, convert)
		if err != nil {
			logger.Warn("skipping undecodable contract", zap.String("contract_id", rec.ContractID), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}
