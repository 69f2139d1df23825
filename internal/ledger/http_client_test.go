package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPClient_Create(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/create", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Loan.Market:SupplyOrder", req.TemplateID)
		assert.Equal(t, "cmd-1", req.Meta.CommandID)
		assert.Equal(t, []string{"alice"}, req.Meta.ActAs)

		_, _ = w.Write([]byte(`{"status":200,"result":{"contractId":"1::abc"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", "denver", time.Second, zap.NewNop())
	id, err := c.Create(context.Background(), "Loan.Market:SupplyOrder", map[string]string{"owner": "alice"}, "cmd-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "1::abc", id)
}

func TestHTTPClient_ExerciseResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/exercise", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":200,"result":{"exerciseResult":"1::def","events":[]}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "denver", time.Second, zap.NewNop())
	res, err := c.Exercise(context.Background(), "1::abc", "Loan.Market:MatchingEngine", "MatchOrders", nil, "cmd-2", "platform")
	require.NoError(t, err)
	assert.JSONEq(t, `"1::def"`, string(res))
}

func TestHTTPClient_ErrorReasons(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason Reason
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, `{"status":404,"errors":["CONTRACT_NOT_FOUND"]}`, ReasonNotFound, errors.IsNotFound},
		{"consumed", http.StatusConflict, `{"status":409,"errors":["CONTRACT_NOT_ACTIVE: contract archived"]}`, ReasonAlreadyConsumed, errors.IsConflict},
		{"duplicate", http.StatusConflict, `{"status":409,"errors":["DUPLICATE_COMMAND"]}`, ReasonDuplicateCommand, errors.IsConflict},
		{"unavailable", http.StatusServiceUnavailable, `{"status":503,"errors":["overloaded"]}`, ReasonTransient, errors.IsUnavailable},
		{"bad request", http.StatusBadRequest, `{"status":400,"errors":["bad payload"]}`, ReasonRejected, errors.IsInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", "denver", time.Second, zap.NewNop())
			_, err := c.Exercise(context.Background(), "1::abc", "T", "Order_Cancel", nil, "cmd", "alice")
			require.Error(t, err)
			assert.Equal(t, tc.reason, ReasonOf(err))
			assert.True(t, tc.check(err))
		})
	}
}

func TestHTTPClient_WriteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "denver", 30*time.Millisecond, zap.NewNop())
	_, err := c.Create(context.Background(), "T", struct{}{}, "cmd", "alice")
	require.Error(t, err)
	assert.Equal(t, ReasonTransient, ReasonOf(err))
}

func TestHTTPClient_SubmitBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/commands/submit-and-wait-for-transaction", r.URL.Path)

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cmd-3", req.Commands.CommandID)
		assert.Equal(t, []string{"platform"}, req.Commands.ActAs)
		assert.Equal(t, "denver", req.Commands.UserID)
		require.Len(t, req.Commands.Commands, 3)
		assert.Contains(t, req.Commands.Commands[0], "ExerciseCommand")
		assert.Contains(t, req.Commands.Commands[2], "CreateCommand")

		_, _ = w.Write([]byte(`{"transaction":{"updateId":"u1","events":[
			{"ArchivedEvent":{"contractId":"1::d"}},
			{"ArchivedEvent":{"contractId":"1::s"}},
			{"CreatedEvent":{"contractId":"1::p","templateId":"abc123:Loan.Market:MatchedLoanProposal"}}
		]}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "denver", time.Second, zap.NewNop())
	res, err := c.Submit(context.Background(), []Command{
		ExerciseCommand("1::d", "Loan.Market:DemandOrder", "Order_MatchConsume", nil),
		ExerciseCommand("1::s", "Loan.Market:SupplyOrder", "Order_MatchConsume", nil),
		CreateCommand("Loan.Market:MatchedLoanProposal", map[string]string{"borrower": "bob"}),
	}, "cmd-3", "platform")

	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.JSONEq(t, `null`, string(res[0]))
	assert.JSONEq(t, `"1::p"`, string(res[2]))
}

func TestHTTPClient_SubmitConsumedContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"CONTRACT_NOT_ACTIVE","cause":"contract 1::s is archived"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "denver", time.Second, zap.NewNop())
	_, err := c.Submit(context.Background(), []Command{
		ExerciseCommand("1::s", "Loan.Market:SupplyOrder", "Order_MatchConsume", nil),
	}, "cmd-4", "platform")

	assert.Equal(t, ReasonAlreadyConsumed, ReasonOf(err))
	assert.True(t, errors.IsConflict(err))
}
