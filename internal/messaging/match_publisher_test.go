package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Aidin1998/denver/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed++
	return nil
}

func event() models.MatchEvent {
	return models.MatchEvent{
		ProposalID:    "1::aa",
		DemandOrderID: "1::dd",
		SupplyOrderID: "1::ss",
		Borrower:      "bob",
		Lender:        "alice",
		Principal:     decimal.NewFromInt(100),
		ClearingRate:  decimal.RequireFromString("0.03"),
		DurationDays:  20,
		Mode:          "flexible",
		Settlement:    "direct",
		MatchedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublishMatch(t *testing.T) {
	w := &fakeWriter{}
	p := NewMatchPublisher(w, "loan.matches", zap.NewNop())

	require.NoError(t, p.PublishMatch(context.Background(), event()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "1::dd", string(msg.Key))
	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "0.03", got["clearing_rate"])
	assert.Equal(t, "1::aa", got["proposal_id"])
	assert.Contains(t, msg.Headers, kafka.Header{Key: "event_type", Value: []byte("loan.matched")})
}

func TestPublishMatch_WriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	err := NewMatchPublisher(w, "loan.matches", zap.NewNop()).PublishMatch(context.Background(), event())
	assert.ErrorContains(t, err, "loan.matches")
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	p := NewMatchPublisher(w, "t", zap.NewNop())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, w.closed)
	assert.Error(t, p.PublishMatch(context.Background(), event()))
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter(PublisherConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "zstd"})
	assert.Equal(t, "t", w.Topic)
	assert.Equal(t, kafka.Zstd, w.Compression)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
