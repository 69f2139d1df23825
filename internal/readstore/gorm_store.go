package readstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var payloadField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ActiveContract is the table row of the projection.
type ActiveContract struct {
	ID         uint      `gorm:"primaryKey"`
	ContractID string    `gorm:"uniqueIndex;size:512;not null"`
	TemplateID string    `gorm:"index;size:255;not null"`
	Payload    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name regardless of naming strategy.
func (ActiveContract) TableName() string { return "active_contracts" }

func (c ActiveContract) record() Record {
	return Record{
		ContractID: c.ContractID,
		TemplateID: c.TemplateID,
		Payload:    []byte(c.Payload),
		CreatedAt:  c.CreatedAt,
	}
}

// GormStore implements Store and Projector on top of GORM (Postgres in
// production, SQLite in tests and local runs).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var (
	_ Store     = (*GormStore)(nil)
	_ Projector = (*GormStore)(nil)
)

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger.Named("readstore")}
}

// Migrate creates the projection table.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&ActiveContract{})
}

func (s *GormStore) payloadExpr() string {
	if s.db.Dialector.Name() == "postgres" {
		return "(payload::jsonb ->> ?)"
	}
	return "json_extract(payload, ?)"
}

func (s *GormStore) payloadArg(field string) string {
	if s.db.Dialector.Name() == "postgres" {
		return field
	}
	return "$." + field
}

// QueryActive lists active contracts of a template matching all predicates.
func (s *GormStore) QueryActive(ctx context.Context, templateID string, preds ...Predicate) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&ActiveContract{}).Where("template_id = ?", templateID)
	for _, p := range preds {
		if !payloadField.MatchString(p.Field) {
			return nil, errors.Invalid.Explain("invalid payload field %q", p.Field)
		}
		q = q.Where(s.payloadExpr()+" = ?", s.payloadArg(p.Field), p.Value)
	}

	var rows []ActiveContract
	if err := q.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, s.classify(err, "active", templateID)
	}
	return toRecords(rows), nil
}

// QueryByID looks up one active contract by its full identifier.
func (s *GormStore) QueryByID(ctx context.Context, templateID, contractID string) (*Record, error) {
	var rows []ActiveContract
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND contract_id = ?", templateID, contractID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, s.classify(err, "by_id", templateID)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := rows[0].record()
	return &rec, nil
}

// QueryBySuffix matches ids equal to suffix or ending with it, ignoring hex case.
func (s *GormStore) QueryBySuffix(ctx context.Context, templateID, suffix string) ([]Record, error) {
	if !IsHex(suffix) {
		return nil, nil
	}

	var rows []ActiveContract
	err := s.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Where("contract_id = ? OR LOWER(contract_id) LIKE ?", suffix, "%"+strings.ToLower(suffix)).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, s.classify(err, "by_suffix", templateID)
	}

	if len(rows) > 0 {
		s.logger.Debug("suffix lookup hit",
			zap.String("template", templateID),
			zap.Int("suffix_len", len(suffix)),
			zap.String("contract_id", rows[0].ContractID))
	} else {
		s.logger.Debug("suffix lookup miss",
			zap.String("template", templateID),
			zap.Int("suffix_len", len(suffix)))
	}
	return toRecords(rows), nil
}

// Upsert inserts or replaces a contract row.
func (s *GormStore) Upsert(ctx context.Context, rec Record) error {
	row := ActiveContract{
		ContractID: rec.ContractID,
		TemplateID: rec.TemplateID,
		Payload:    string(rec.Payload),
		CreatedAt:  rec.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"template_id", "payload"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Unavailable.Explain("projecting %s", rec.ContractID).Because(err)
	}
	return nil
}

// Archive removes a contract from the active set.
func (s *GormStore) Archive(ctx context.Context, contractID string) error {
	if err := s.db.WithContext(ctx).Where("contract_id = ?", contractID).Delete(&ActiveContract{}).Error; err != nil {
		return errors.Unavailable.Explain("archiving %s", contractID).Because(err)
	}
	return nil
}

// classify separates "table not there yet" from genuine read failures.
func (s *GormStore) classify(err error, op, templateID string) error {
	if isMissingRelation(err) {
		return fmt.Errorf("%s %s: %w", op, templateID, ErrNotProjected)
	}
	return errors.Unavailable.Explain("read store %s query for %s failed", op, templateID).Because(err)
}

func isMissingRelation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01" // undefined_table
	}
	return strings.Contains(err.Error(), "no such table")
}

func toRecords(rows []ActiveContract) []Record {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}
