package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/denver/internal/readstore"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryLedger is an in-process ledger for local runs and tests. It enforces
// per-command idempotency and single consumption of contracts, and feeds
// every committed transaction to a read store projector, optionally after a
// delay to mimic projection lag.
type MemoryLedger struct {
	mu        sync.Mutex
	contracts map[string]*contract
	commands  map[string][]json.RawMessage
	prefix    string

	projector readstore.Projector
	lag       time.Duration
	fault     func(cmd Command) error
	now       func() time.Time
	logger    *zap.Logger
	pending   sync.WaitGroup
}

type contract struct {
	id         string
	templateID string
	payload    json.RawMessage
	createdAt  time.Time
	active     bool
}

var (
	_ Client         = (*MemoryLedger)(nil)
	_ BatchSubmitter = (*MemoryLedger)(nil)
)

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithProjector streams committed changes into p.
func WithProjector(p readstore.Projector) MemoryOption {
	return func(l *MemoryLedger) { l.projector = p }
}

// WithProjectionLag delays projection of each transaction by d.
func WithProjectionLag(d time.Duration) MemoryOption {
	return func(l *MemoryLedger) { l.lag = d }
}

// WithIDPrefix sets the domain prefix of generated contract ids.
func WithIDPrefix(prefix string) MemoryOption {
	return func(l *MemoryLedger) { l.prefix = prefix }
}

// WithClock overrides the ledger time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(logger *zap.Logger, opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		contracts: make(map[string]*contract),
		commands:  make(map[string][]json.RawMessage),
		prefix:    "1",
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("memory-ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetFault installs a hook consulted before every command; a non-nil return
// rejects the whole transaction with that error.
func (l *MemoryLedger) SetFault(fn func(cmd Command) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = fn
}

// IsActive reports whether contractID exists and has not been consumed.
func (l *MemoryLedger) IsActive(contractID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[contractID]
	return ok && c.active
}

// Active lists the active contracts of a template in creation order.
func (l *MemoryLedger) Active(templateID string) []readstore.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []readstore.Record
	for _, c := range l.contracts {
		if c.active && c.templateID == templateID {
			out = append(out, c.record())
		}
	}
	sortRecords(out)
	return out
}

// WaitProjected blocks until every delayed projection has been applied.
func (l *MemoryLedger) WaitProjected() {
	l.pending.Wait()
}

// Create implements Client.
func (l *MemoryLedger) Create(ctx context.Context, templateID string, payload any, commandID, actAs string) (string, error) {
	results, err := l.commit(ctx, "create", commandID, []Command{CreateCommand(templateID, payload)})
	if err != nil {
		return "", err
	}
	var id string
	_ = json.Unmarshal(results[0], &id)
	return id, nil
}

// Exercise implements Client.
func (l *MemoryLedger) Exercise(ctx context.Context, contractID, templateID, choice string, args any, commandID, actAs string) (json.RawMessage, error) {
	results, err := l.commit(ctx, "exercise "+choice, commandID, []Command{ExerciseCommand(contractID, templateID, choice, args)})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Submit implements BatchSubmitter.
func (l *MemoryLedger) Submit(ctx context.Context, cmds []Command, commandID, actAs string) ([]json.RawMessage, error) {
	if len(cmds) == 0 {
		return nil, &Error{Reason: ReasonRejected, Op: "submit", CommandID: commandID, Message: "empty batch"}
	}
	return l.commit(ctx, "submit", commandID, cmds)
}

type change struct {
	archive string
	upsert  *readstore.Record
}

type txn struct {
	l        *MemoryLedger
	op       string
	cmdID    string
	archived []*contract
	created  []*contract
	changes  []change
}

func (l *MemoryLedger) commit(ctx context.Context, op, commandID string, cmds []Command) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Reason: ReasonTransient, Op: op, CommandID: commandID, Err: err}
	}

	l.mu.Lock()
	if prev, ok := l.commands[commandID]; ok {
		l.mu.Unlock()
		l.logger.Debug("duplicate command ignored", zap.String("command_id", commandID))
		return prev, nil
	}

	tx := &txn{l: l, op: op, cmdID: commandID}
	results := make([]json.RawMessage, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := tx.apply(cmd)
		if err != nil {
			tx.rollback()
			l.mu.Unlock()
			return nil, err
		}
		results = append(results, res)
	}
	l.commands[commandID] = results
	changes := tx.changes
	l.mu.Unlock()

	l.project(changes)
	return results, nil
}

func (tx *txn) fail(reason Reason, format string, args ...any) error {
	return &Error{Reason: reason, Op: tx.op, CommandID: tx.cmdID, Message: fmt.Sprintf(format, args...)}
}

func (tx *txn) apply(cmd Command) (json.RawMessage, error) {
	if tx.l.fault != nil {
		if err := tx.l.fault(cmd); err != nil {
			return nil, err
		}
	}
	switch cmd.Kind {
	case CommandCreate:
		id, err := tx.create(cmd.TemplateID, cmd.Argument)
		if err != nil {
			return nil, err
		}
		return json.Marshal(id)
	case CommandExercise:
		return tx.exercise(cmd)
	default:
		return nil, tx.fail(ReasonRejected, "unknown command kind %q", cmd.Kind)
	}
}

func (tx *txn) create(templateID string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", tx.fail(ReasonRejected, "payload: %v", err)
	}
	c := &contract{
		id:         tx.l.newID(),
		templateID: templateID,
		payload:    raw,
		createdAt:  tx.l.now(),
		active:     true,
	}
	tx.l.contracts[c.id] = c
	tx.created = append(tx.created, c)
	rec := c.record()
	tx.changes = append(tx.changes, change{upsert: &rec})
	return c.id, nil
}

func (tx *txn) fetch(contractID, templateID string) (*contract, error) {
	c, ok := tx.l.contracts[contractID]
	if !ok || (templateID != "" && c.templateID != templateID) {
		return nil, tx.fail(ReasonNotFound, "contract %s not found", contractID)
	}
	if !c.active {
		return nil, tx.fail(ReasonAlreadyConsumed, "contract %s already consumed", contractID)
	}
	return c, nil
}

func (tx *txn) archive(c *contract) {
	c.active = false
	tx.archived = append(tx.archived, c)
	tx.changes = append(tx.changes, change{archive: c.id})
}

func (tx *txn) exercise(cmd Command) (json.RawMessage, error) {
	target, err := tx.fetch(cmd.ContractID, cmd.TemplateID)
	if err != nil {
		return nil, err
	}

	switch cmd.Choice {
	case models.ChoiceMatchConsume, models.ChoiceCancel:
		tx.archive(target)
		return json.RawMessage("{}"), nil
	case models.ChoiceMatchOrders:
		return tx.matchOrders(target, cmd.Argument)
	default:
		return nil, tx.fail(ReasonRejected, "unknown choice %s on %s", cmd.Choice, target.templateID)
	}
}

func (tx *txn) matchOrders(authority *contract, argument any) (json.RawMessage, error) {
	var args models.MatchOrdersArgs
	if err := remarshal(argument, &args); err != nil {
		return nil, tx.fail(ReasonRejected, "MatchOrders arguments: %v", err)
	}
	var engine models.MatchingEnginePayload
	if err := json.Unmarshal(authority.payload, &engine); err != nil {
		return nil, tx.fail(ReasonRejected, "matching engine payload: %v", err)
	}

	supplyC, err := tx.fetch(args.SupplyOrderID, models.TemplateSupplyOrder)
	if err != nil {
		return nil, err
	}
	demandC, err := tx.fetch(args.DemandOrderID, models.TemplateDemandOrder)
	if err != nil {
		return nil, err
	}
	var supply, demand models.OrderPayload
	if err := json.Unmarshal(supplyC.payload, &supply); err != nil {
		return nil, tx.fail(ReasonRejected, "supply order payload: %v", err)
	}
	if err := json.Unmarshal(demandC.payload, &demand); err != nil {
		return nil, tx.fail(ReasonRejected, "demand order payload: %v", err)
	}
	if args.ClearingRate.LessThan(supply.RateLimit) || args.ClearingRate.GreaterThan(demand.RateLimit) {
		return nil, tx.fail(ReasonRejected, "clearing rate %s outside [%s, %s]", args.ClearingRate, supply.RateLimit, demand.RateLimit)
	}

	tx.archive(supplyC)
	tx.archive(demandC)
	id, err := tx.create(models.TemplateMatchedProposal, models.ProposalPayload{
		Borrower:        demand.Owner,
		Lender:          supply.Owner,
		Platform:        engine.Platform,
		Principal:       args.Principal,
		ClearingRate:    args.ClearingRate,
		DurationDays:    args.DurationDays,
		DemandOrderID:   demandC.id,
		SupplyOrderID:   supplyC.id,
		CreditProfileID: demand.CreditProfileID,
		MatchedAt:       tx.l.now(),
		Status:          models.ProposalProposed,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(id)
}

func (tx *txn) rollback() {
	for _, c := range tx.archived {
		c.active = true
	}
	for _, c := range tx.created {
		delete(tx.l.contracts, c.id)
	}
}

func (l *MemoryLedger) project(changes []change) {
	if l.projector == nil || len(changes) == 0 {
		return
	}
	apply := func() {
		ctx := context.Background()
		for _, ch := range changes {
			var err error
			if ch.upsert != nil {
				err = l.projector.Upsert(ctx, *ch.upsert)
			} else {
				err = l.projector.Archive(ctx, ch.archive)
			}
			if err != nil {
				l.logger.Warn("projection failed", zap.Error(err))
			}
		}
	}
	if l.lag <= 0 {
		apply()
		return
	}
	l.pending.Add(1)
	time.AfterFunc(l.lag, func() {
		defer l.pending.Done()
		apply()
	})
}

func (l *MemoryLedger) newID() string {
	a, b := uuid.New(), uuid.New()
	return l.prefix + "::" + strings.ReplaceAll(a.String()+b.String(), "-", "")
}

func (c *contract) record() readstore.Record {
	return readstore.Record{
		ContractID: c.id,
		TemplateID: c.templateID,
		Payload:    c.payload,
		CreatedAt:  c.createdAt,
	}
}

func remarshal(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func sortRecords(recs []readstore.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ContractID < recs[j].ContractID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
