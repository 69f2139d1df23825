// Package testutil wires the in-memory ledger to a SQLite-backed read store
// for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/denver/internal/ledger"
	"github.com/Aidin1998/denver/internal/readstore"
	"github.com/Aidin1998/denver/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const Platform = "platform::1220"

// NewStore returns a migrated read store over a private in-memory database.
func NewStore(t testing.TB) *readstore.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := readstore.NewGormStore(db, zap.NewNop())
	require.NoError(t, store.Migrate())
	return store
}

// NewLedger returns an in-memory ledger projecting synchronously into a
// fresh read store.
func NewLedger(t testing.TB, opts ...ledger.MemoryOption) (*ledger.MemoryLedger, *readstore.GormStore) {
	t.Helper()
	store := NewStore(t)
	opts = append([]ledger.MemoryOption{ledger.WithProjector(store)}, opts...)
	return ledger.NewMemoryLedger(zap.NewNop(), opts...), store
}

// Order builds an order payload; created is the offset from a fixed epoch so
// fetch order is predictable.
func Order(side models.Side, owner, amount, rate string, days int, created time.Duration) models.OrderPayload {
	return models.OrderPayload{
		Owner:         owner,
		Platform:      Platform,
		Side:          side,
		Amount:        decimal.RequireFromString(amount),
		RateLimit:     decimal.RequireFromString(rate),
		DurationLimit: days,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(created),
	}
}

// PlaceOrder creates an order on the ledger and returns its contract id.
func PlaceOrder(t testing.TB, l ledger.Client, p models.OrderPayload) string {
	t.Helper()
	id, err := l.Create(context.Background(), models.OrderTemplate(p.Side), p, "place-"+uuid.NewString(), p.Owner)
	require.NoError(t, err)
	return id
}
