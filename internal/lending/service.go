// Package lending is the market surface: placing and cancelling orders and
// reading matched proposals on behalf of an authenticated party.
package lending

import (
	"context"
	"time"

	"github.com/Aidin1998/denver/internal/consistency"
	"github.com/Aidin1998/denver/internal/ledger"
	"github.com/Aidin1998/denver/internal/repository"
	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/Aidin1998/denver/pkg/validation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PlaceOrderRequest is a new standing order. CommandID makes client retries
// idempotent; one is generated when empty.
type PlaceOrderRequest struct {
	Side            models.Side     `json:"side" validate:"required,oneof=supply demand"`
	Amount          decimal.Decimal `json:"amount" validate:"positive_decimal"`
	RateLimit       decimal.Decimal `json:"rate_limit" validate:"rate"`
	DurationLimit   int             `json:"duration_limit" validate:"required,min=1,max=3650"`
	CreditProfileID string          `json:"credit_profile_id,omitempty" validate:"omitempty,max=128,secure_string"`
	CommandID       string          `json:"command_id,omitempty" validate:"omitempty,max=128,contract_id"`
}

// Config holds the service's tuning.
type Config struct {
	Platform     string
	WriteTimeout time.Duration
	Retry        consistency.Policy
}

// Service implements the market operations.
type Service struct {
	ledger    ledger.Client
	repo      *repository.LendingRepository
	validator *validation.Validator
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new lending service
func NewService(client ledger.Client, repo *repository.LendingRepository, validator *validation.Validator, cfg Config, logger *zap.Logger) *Service {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}
	return &Service{
		ledger:    client,
		repo:      repo,
		validator: validator,
		cfg:       cfg,
		logger:    logger.Named("lending"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListOrders returns the active orders of one side. An empty owner lists
// every party's orders.
func (s *Service) ListOrders(ctx context.Context, side models.Side, owner string) ([]models.Order, error) {
	if !side.Valid() {
		return nil, errors.Invalid.Explain("unknown side %q", side)
	}
	if owner == "" {
		return s.repo.FindActiveOrders(ctx, side)
	}
	return s.repo.FindOrdersByOwner(ctx, side, owner)
}

// PlaceOrder creates the order on the ledger and waits, within the retry
// policy, for it to show up in the read store.
func (s *Service) PlaceOrder(ctx context.Context, owner string, req PlaceOrderRequest) (models.Order, error) {
	if !validation.IsParty(owner) {
		return models.Order{}, errors.Invalid.Explain("invalid party")
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		return models.Order{}, invalid(err)
	}

	commandID := req.CommandID
	if commandID == "" {
		commandID = uuid.NewString()
	}
	payload := models.OrderPayload{
		Owner:           owner,
		Platform:        s.cfg.Platform,
		Side:            req.Side,
		Amount:          req.Amount,
		RateLimit:       req.RateLimit,
		DurationLimit:   req.DurationLimit,
		CreditProfileID: req.CreditProfileID,
		CreatedAt:       s.now(),
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	contractID, err := s.ledger.Create(wctx, models.OrderTemplate(req.Side), payload, commandID, owner)
	cancel()
	if err != nil {
		return models.Order{}, ledger.Classify(err)
	}
	s.logger.Info("order placed",
		zap.String("contract_id", contractID),
		zap.String("side", string(req.Side)),
		zap.String("owner", owner))

	found, err := consistency.RetryFind(ctx, s.cfg.Retry, func(ctx context.Context) (*models.Order, error) {
		o, err := s.repo.FindOrder(ctx, req.Side, contractID)
		if errors.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &o, nil
	})
	if err != nil {
		return models.Order{}, err
	}
	if found == nil {
		s.logger.Warn("order not yet visible in read store", zap.String("contract_id", contractID))
		return payload.ToOrder(contractID), nil
	}
	return *found, nil
}

// CancelOrder cancels one of owner's active orders. candidate may be any
// identifier form the resolver understands.
func (s *Service) CancelOrder(ctx context.Context, owner string, side models.Side, candidate string) error {
	if !side.Valid() {
		return errors.Invalid.Explain("unknown side %q", side)
	}
	if !validation.IsContractID(candidate) {
		return errors.Invalid.Explain("malformed order identifier")
	}

	order, err := s.repo.FindOrder(ctx, side, candidate)
	if err != nil {
		return err
	}
	if order.Owner != owner {
		return errors.NotFound.Explain("order %s not found", candidate)
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if _, err := s.ledger.Exercise(wctx, order.ContractID, models.OrderTemplate(side), models.ChoiceCancel, struct{}{}, uuid.NewString(), owner); err != nil {
		return ledger.Classify(err)
	}
	s.logger.Info("order cancelled", zap.String("contract_id", order.ContractID), zap.String("owner", owner))
	return nil
}

// ListProposals returns the proposals party takes part in.
func (s *Service) ListProposals(ctx context.Context, party string) ([]models.MatchedProposal, error) {
	return s.repo.FindProposals(ctx, party)
}

// GetProposal returns one proposal visible to party. admin sees every proposal.
func (s *Service) GetProposal(ctx context.Context, party, candidate string, admin bool) (models.MatchedProposal, error) {
	if !validation.IsContractID(candidate) {
		return models.MatchedProposal{}, errors.Invalid.Explain("malformed proposal identifier")
	}
	p, err := s.repo.FindProposal(ctx, candidate)
	if err != nil {
		return models.MatchedProposal{}, err
	}
	if !admin && p.Borrower != party && p.Lender != party {
		return models.MatchedProposal{}, errors.NotFound.Explain("proposal %s not found", candidate)
	}
	return p, nil
}

func invalid(err error) error {
	var verrs validation.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Invalid.Explain("invalid request").Because(err)
	}
	e := errors.Invalid.Explain("%s", verrs.Error())
	for _, v := range verrs {
		e = e.WithField(v.Tag, v.Field, v.Message)
	}
	return e
}
