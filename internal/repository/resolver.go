package repository

import (
	"context"
	"strings"

	"github.com/Aidin1998/denver/internal/readstore"
	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/Aidin1998/denver/pkg/metrics"
	"go.uber.org/zap"
)

const prefixSeparator = "::"

// Resolver recovers the canonical contract id behind a client-supplied
// identifier, which may be the full id, its bare hex suffix, or the suffix
// under a different prefix. It only reads.
type Resolver struct {
	store         readstore.Store
	defaultPrefix string
	suffixLength  int
	logger        *zap.Logger
}

// NewResolver creates a resolver. suffixLength is the platform's fixed
// contract id suffix length used by the last-resort short suffix lookup.
func NewResolver(store readstore.Store, defaultPrefix string, suffixLength int, logger *zap.Logger) *Resolver {
	if defaultPrefix == "" {
		defaultPrefix = "1"
	}
	if suffixLength < 1 {
		suffixLength = 64
	}
	return &Resolver{
		store:         store,
		defaultPrefix: defaultPrefix,
		suffixLength:  suffixLength,
		logger:        logger.Named("resolver"),
	}
}

// Resolve returns the active record of templateID identified by candidate.
// A miss on every step, or a suffix outside the hex alphabet, yields
// errors.NotFound. Read store failures are returned as they are.
func (r *Resolver) Resolve(ctx context.Context, templateID, candidate string) (*readstore.Record, error) {
	rec, err := r.resolve(ctx, templateID, candidate)
	if errors.Is(err, readstore.ErrNotProjected) {
		r.logger.Warn("template not yet projected, treating identifier as unknown", zap.String("template", templateID))
		return nil, errors.NotFound.Explain("no %s with id %s", templateID, candidate)
	}
	return rec, err
}

func (r *Resolver) resolve(ctx context.Context, templateID, candidate string) (*readstore.Record, error) {
	if candidate == "" {
		metrics.ResolverHits.WithLabelValues("rejected").Inc()
		return nil, errors.NotFound.Explain("empty identifier")
	}

	rec, err := r.store.QueryByID(ctx, templateID, candidate)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return r.hit("exact", rec), nil
	}

	hasPrefix := strings.Contains(candidate, prefixSeparator)
	if !hasPrefix && readstore.IsHex(candidate) {
		alt := r.defaultPrefix + prefixSeparator + candidate
		rec, err := r.store.QueryByID(ctx, templateID, alt)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return r.hit("default_prefix", rec), nil
		}
	}

	suffix := candidate
	if hasPrefix {
		suffix = candidate[strings.LastIndex(candidate, prefixSeparator)+len(prefixSeparator):]
	}
	if !readstore.IsHex(suffix) {
		metrics.ResolverHits.WithLabelValues("rejected").Inc()
		r.logger.Debug("identifier outside suffix alphabet", zap.Int("length", len(candidate)))
		return nil, errors.NotFound.Explain("no %s with id %s", templateID, candidate)
	}

	rec, err = r.bySuffix(ctx, templateID, suffix)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return r.hit("suffix", rec), nil
	}

	if len(suffix) > r.suffixLength {
		short := suffix[len(suffix)-r.suffixLength:]
		rec, err = r.bySuffix(ctx, templateID, short)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return r.hit("short_suffix", rec), nil
		}
	}

	metrics.ResolverHits.WithLabelValues("miss").Inc()
	return nil, errors.NotFound.Explain("no %s with id %s", templateID, candidate)
}

// ResolveID is Resolve returning only the canonical identifier.
func (r *Resolver) ResolveID(ctx context.Context, templateID, candidate string) (string, error) {
	rec, err := r.Resolve(ctx, templateID, candidate)
	if err != nil {
		return "", err
	}
	return rec.ContractID, nil
}

func (r *Resolver) bySuffix(ctx context.Context, templateID, suffix string) (*readstore.Record, error) {
	recs, err := r.store.QueryBySuffix(ctx, templateID, suffix)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	if len(recs) > 1 {
		r.logger.Warn("ambiguous identifier suffix, using oldest contract",
			zap.String("template", templateID),
			zap.Int("suffix_len", len(suffix)),
			zap.Int("candidates", len(recs)))
	}
	return &recs[0], nil
}

func (r *Resolver) hit(step string, rec *readstore.Record) *readstore.Record {
	metrics.ResolverHits.WithLabelValues(step).Inc()
	r.logger.Debug("identifier resolved", zap.String("step", step), zap.String("contract_id", rec.ContractID))
	return rec
}
