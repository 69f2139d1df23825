package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/denver/internal/trading/matching"
	"github.com/Aidin1998/denver/internal/trading/settlement"
	"github.com/Aidin1998/denver/pkg/metrics"
	"github.com/Aidin1998/denver/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Aidin1998/denver/internal/trading/engine")

// OrderFetcher reads both sides of the active book.
type OrderFetcher interface {
	FetchBoth(ctx context.Context) (supply, demand []models.Order, err error)
}

// Settler records matched pairs on the ledger.
type Settler interface {
	Form() string
	EnsureAuthority(ctx context.Context) (string, error)
	Settle(ctx context.Context, pairs []matching.Pair) settlement.Outcome
}

// Engine runs one matching cycle: aggregate, match, settle.
type Engine struct {
	fetcher OrderFetcher
	settler Settler
	rules   matching.Rules
	logger  *zap.Logger
}

// NewEngine creates a new matching engine
func NewEngine(fetcher OrderFetcher, settler Settler, rules matching.Rules, logger *zap.Logger) *Engine {
	if rules.RatePrecision <= 0 {
		rules.RatePrecision = matching.DefaultRatePrecision
	}
	return &Engine{
		fetcher: fetcher,
		settler: settler,
		rules:   rules,
		logger:  logger.Named("matching"),
	}
}

// Rules returns the matching rules in use.
func (e *Engine) Rules() matching.Rules { return e.rules }

// RunCycle reads the active orders fresh, pairs them and settles every pair.
// It returns the number of pairs committed to the ledger. Per-pair failures
// are absorbed by the settler; only a failed read fails the cycle.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "matching.cycle",
		trace.WithAttributes(attribute.String("mode", string(e.rules.Mode))))
	defer func() {
		span.End()
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	fail := func(err error) (int, error) {
		metrics.MatchingCycles.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if e.settler.Form() == settlement.FormAuthority {
		if _, err := e.settler.EnsureAuthority(ctx); err != nil {
			return fail(fmt.Errorf("ensure matching authority: %w", err))
		}
	}

	supply, demand, err := e.fetcher.FetchBoth(ctx)
	if err != nil {
		return fail(fmt.Errorf("fetch active orders: %w", err))
	}

	result := matching.Match(demand, supply, e.rules)
	e.logger.Debug("matching pass",
		zap.Int("supply", len(supply)),
		zap.Int("demand", len(demand)),
		zap.Int("pairs", len(result.Pairs)))

	settled := 0
	if len(result.Pairs) > 0 {
		out := e.settler.Settle(ctx, result.Pairs)
		settled = out.Settled
		if out.Failed > 0 {
			e.logger.Warn("some pairs were not settled", zap.Int("failed", out.Failed))
		}
	}
	if settled > 0 {
		e.logger.Info(fmt.Sprintf("completed %d match(es)", settled), zap.String("mode", string(e.rules.Mode)))
	}

	span.SetAttributes(attribute.Int("pairs", len(result.Pairs)), attribute.Int("matches", settled))
	metrics.MatchingCycles.WithLabelValues("ok").Inc()
	return settled, nil
}
