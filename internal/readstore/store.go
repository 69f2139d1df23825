// Package readstore is the indexed, eventually consistent projection of
// active ledger contracts. Reads never see a write before the projector has
// applied it.
package readstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// ErrNotProjected means the store has no table or index for the requested
// template yet, typically right after a new template was deployed.
var ErrNotProjected = errors.New("template not yet projected")

var hexSuffix = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// IsHex reports whether s is non-empty and made of hex digits only.
func IsHex(s string) bool { return hexSuffix.MatchString(s) }

// Record is one active contract as seen by the read store.
type Record struct {
	ContractID string
	TemplateID string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Predicate is an equality filter on a top-level string field of the payload.
type Predicate struct {
	Field string
	Value string
}

// Eq builds a payload equality predicate.
func Eq(field, value string) Predicate {
	return Predicate{Field: field, Value: value}
}

// Store is the query side of the projection. All list queries return records
// ordered by creation time, oldest first.
type Store interface {
	QueryActive(ctx context.Context, templateID string, preds ...Predicate) ([]Record, error)
	// QueryByID returns (nil, nil) when no active contract has that id.
	QueryByID(ctx context.Context, templateID, contractID string) (*Record, error)
	// QueryBySuffix matches contract ids ending with suffix, case-insensitively.
	// Non-hex suffixes return nothing without touching the database.
	QueryBySuffix(ctx context.Context, templateID, suffix string) ([]Record, error)
}

// Projector is the write side, fed by the ledger's transaction stream.
type Projector interface {
	Upsert(ctx context.Context, rec Record) error
	Archive(ctx context.Context, contractID string) error
}
