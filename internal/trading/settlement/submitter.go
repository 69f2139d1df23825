// Package settlement records matched pairs on the ledger.
package settlement

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/denver/internal/ledger"
	"github.com/Aidin1998/denver/internal/repository"
	"github.com/Aidin1998/denver/internal/trading/matching"
	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/Aidin1998/denver/pkg/metrics"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Settlement forms.
const (
	// FormAuthority settles a pair with one MatchOrders exercise on the
	// platform's matching authority.
	FormAuthority = "authority"
	// FormDirect consumes both orders and creates the proposal in one
	// batch. Clients without batch support fall back to FormAuthority.
	FormDirect = "direct"
)

// IDResolver re-resolves an order id the ledger no longer recognises.
type IDResolver interface {
	ResolveID(ctx context.Context, templateID, candidate string) (string, error)
}

// AuthorityFinder looks up the platform's matching authority in the read store.
type AuthorityFinder interface {
	FindMatchingEngine(ctx context.Context, platform string) (*repository.Authority, error)
}

// Publisher is told about every committed pair.
type Publisher interface {
	PublishMatch(ctx context.Context, event models.MatchEvent) error
}

// Options configures a Submitter.
type Options struct {
	Form         string
	Mode         matching.Mode
	Platform     string
	WriteTimeout time.Duration
	Concurrency  int
}

// Outcome summarises one Settle call.
type Outcome struct {
	Settled int
	Failed  int
}

// Submitter turns matched pairs into idempotent ledger writes. Every write
// carries a fresh command id; a failed pair is logged and its orders stay
// active for the next cycle.
type Submitter struct {
	ledger      ledger.Client
	resolver    IDResolver
	authorities AuthorityFinder
	publisher   Publisher
	opts        Options
	logger      *zap.Logger
	now         func() time.Time

	bootMu      sync.Mutex
	authorityMu sync.RWMutex
	authorityID string
}

// NewSubmitter creates a submitter. publisher may be nil.
func NewSubmitter(client ledger.Client, resolver IDResolver, authorities AuthorityFinder, publisher Publisher, opts Options, logger *zap.Logger) *Submitter {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Form == "" {
		opts.Form = FormDirect
	}
	logger = logger.Named("settlement")
	if _, ok := client.(ledger.BatchSubmitter); !ok && opts.Form == FormDirect {
		// direct settlement needs all three writes in one transaction
		logger.Warn("ledger client cannot submit batches, settling through the matching authority")
		opts.Form = FormAuthority
	}
	return &Submitter{
		ledger:      client,
		resolver:    resolver,
		authorities: authorities,
		publisher:   publisher,
		opts:        opts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Form reports the settlement form in use.
func (s *Submitter) Form() string { return s.opts.Form }

// Settle submits every pair, at most opts.Concurrency at a time, and returns
// how many were committed. It never fails as a whole.
func (s *Submitter) Settle(ctx context.Context, pairs []matching.Pair) Outcome {
	var settled, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, p := range pairs {
		p := p
		g.Go(func() error {
			if _, err := s.SettlePair(ctx, p); err != nil {
				failed.Add(1)
				metrics.SettlementFailures.WithLabelValues(errors.KindOf(err)).Inc()
				s.logger.Warn("match failed",
					zap.String("demand", p.Demand.ContractID),
					zap.String("supply", p.Supply.ContractID),
					zap.Error(err))
				return nil
			}
			settled.Add(1)
			metrics.MatchesCreated.WithLabelValues(string(s.opts.Mode)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	return Outcome{Settled: int(settled.Load()), Failed: int(failed.Load())}
}

// SettlePair records one pair. A not_found reply triggers one retry after
// re-resolving the identifiers involved, if any of them changed.
func (s *Submitter) SettlePair(ctx context.Context, p matching.Pair) (models.MatchEvent, error) {
	proposalID, err := s.submit(ctx, p)
	if err != nil && ledger.ReasonOf(err) == ledger.ReasonNotFound {
		if refreshed, changed := s.refresh(ctx, p, err); changed {
			s.logger.Info("retrying pair with re-resolved identifiers",
				zap.String("demand", refreshed.Demand.ContractID),
				zap.String("supply", refreshed.Supply.ContractID))
			p = refreshed
			proposalID, err = s.submit(ctx, p)
		}
	}
	if err != nil {
		return models.MatchEvent{}, ledger.Classify(err)
	}

	event := models.MatchEvent{
		ProposalID:    proposalID,
		DemandOrderID: p.Demand.ContractID,
		SupplyOrderID: p.Supply.ContractID,
		Borrower:      p.Demand.Owner,
		Lender:        p.Supply.Owner,
		Principal:     p.Principal,
		ClearingRate:  p.ClearingRate,
		DurationDays:  p.DurationDays,
		Mode:          string(s.opts.Mode),
		Settlement:    s.opts.Form,
		MatchedAt:     s.now(),
	}
	s.logger.Info("matched",
		zap.String("demand", p.Demand.ContractID),
		zap.String("supply", p.Supply.ContractID),
		zap.String("rate", p.ClearingRate.String()),
		zap.String("principal", p.Principal.String()),
		zap.Int("duration_days", p.DurationDays),
		zap.String("proposal", proposalID))
	s.publish(ctx, event)
	return event, nil
}

func (s *Submitter) submit(ctx context.Context, p matching.Pair) (string, error) {
	if s.opts.Form == FormAuthority {
		return s.viaAuthority(ctx, p)
	}
	return s.atomic(ctx, s.ledger.(ledger.BatchSubmitter), p)
}

func (s *Submitter) viaAuthority(ctx context.Context, p matching.Pair) (string, error) {
	authorityID, err := s.EnsureAuthority(ctx)
	if err != nil {
		return "", err
	}

	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	res, err := s.ledger.Exercise(wctx, authorityID, models.TemplateMatchingEngine, models.ChoiceMatchOrders, models.MatchOrdersArgs{
		SupplyOrderID: p.Supply.ContractID,
		DemandOrderID: p.Demand.ContractID,
		Principal:     p.Principal,
		ClearingRate:  p.ClearingRate,
		DurationDays:  p.DurationDays,
	}, uuid.NewString(), s.opts.Platform)
	if err != nil {
		return "", err
	}
	return contractIDOf(res), nil
}

func (s *Submitter) atomic(ctx context.Context, batch ledger.BatchSubmitter, p matching.Pair) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	results, err := batch.Submit(wctx, []ledger.Command{
		ledger.ExerciseCommand(p.Demand.ContractID, models.TemplateDemandOrder, models.ChoiceMatchConsume, nil),
		ledger.ExerciseCommand(p.Supply.ContractID, models.TemplateSupplyOrder, models.ChoiceMatchConsume, nil),
		ledger.CreateCommand(models.TemplateMatchedProposal, s.proposal(p)),
	}, uuid.NewString(), s.opts.Platform)
	if err != nil {
		return "", err
	}
	if len(results) == 3 {
		return contractIDOf(results[2]), nil
	}
	return "", nil
}

func (s *Submitter) proposal(p matching.Pair) models.ProposalPayload {
	return models.ProposalPayload{
		Borrower:        p.Demand.Owner,
		Lender:          p.Supply.Owner,
		Platform:        s.opts.Platform,
		Principal:       p.Principal,
		ClearingRate:    p.ClearingRate,
		DurationDays:    p.DurationDays,
		DemandOrderID:   p.Demand.ContractID,
		SupplyOrderID:   p.Supply.ContractID,
		CreditProfileID: p.Demand.CreditProfileID,
		MatchedAt:       s.now(),
		Status:          models.ProposalProposed,
	}
}

// refresh re-resolves the pair's order ids, and the authority id when cause
// names the cached authority. changed is false when nothing moved.
func (s *Submitter) refresh(ctx context.Context, p matching.Pair, cause error) (matching.Pair, bool) {
	changed := false
	if s.resolver != nil {
		if id, err := s.resolver.ResolveID(ctx, models.TemplateDemandOrder, p.Demand.ContractID); err == nil && id != p.Demand.ContractID {
			p.Demand.ContractID = id
			changed = true
		}
		if id, err := s.resolver.ResolveID(ctx, models.TemplateSupplyOrder, p.Supply.ContractID); err == nil && id != p.Supply.ContractID {
			p.Supply.ContractID = id
			changed = true
		}
	}
	if old := s.cachedAuthority(); s.opts.Form == FormAuthority && old != "" && strings.Contains(cause.Error(), old) {
		s.forgetAuthority(old)
		if id, err := s.EnsureAuthority(ctx); err == nil && id != old {
			changed = true
		}
	}
	return p, changed
}

// EnsureAuthority returns the platform's matching authority id, creating the
// authority on the ledger when the read store has none.
func (s *Submitter) EnsureAuthority(ctx context.Context) (string, error) {
	if id := s.cachedAuthority(); id != "" {
		return id, nil
	}

	s.bootMu.Lock()
	defer s.bootMu.Unlock()
	if id := s.cachedAuthority(); id != "" {
		return id, nil
	}

	found, err := s.authorities.FindMatchingEngine(ctx, s.opts.Platform)
	if err != nil {
		return "", err
	}
	if found != nil {
		s.setAuthority(found.ContractID)
		return found.ContractID, nil
	}

	s.logger.Info("no matching engine contract found, bootstrapping", zap.String("platform", s.opts.Platform))
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	id, err := s.ledger.Create(wctx, models.TemplateMatchingEngine,
		models.MatchingEnginePayload{Platform: s.opts.Platform},
		"bootstrap-matching-engine-"+uuid.NewString(), s.opts.Platform)
	if err != nil {
		return "", ledger.Classify(err)
	}
	s.logger.Info("matching engine contract created", zap.String("contract_id", id))
	s.setAuthority(id)
	return id, nil
}

func (s *Submitter) cachedAuthority() string {
	s.authorityMu.RLock()
	defer s.authorityMu.RUnlock()
	return s.authorityID
}

func (s *Submitter) setAuthority(id string) {
	s.authorityMu.Lock()
	s.authorityID = id
	s.authorityMu.Unlock()
}

func (s *Submitter) forgetAuthority(id string) {
	s.authorityMu.Lock()
	if s.authorityID == id {
		s.authorityID = ""
	}
	s.authorityMu.Unlock()
}

func (s *Submitter) publish(ctx context.Context, event models.MatchEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishMatch(ctx, event); err != nil {
		s.logger.Warn("failed to publish match event",
			zap.String("demand", event.DemandOrderID),
			zap.String("supply", event.SupplyOrderID),
			zap.Error(err))
	}
}

func contractIDOf(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}
