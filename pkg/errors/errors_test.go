package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusAndKind(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{Invalid.Explain("bad amount"), http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("lookup: %w", NotFound.Explain("order %s", "1::ab")), http.StatusNotFound, "not_found"},
		{Conflict.Because(stderrors.New("consumed")), http.StatusConflict, "conflict"},
		{Unavailable, http.StatusServiceUnavailable, "unavailable"},
		{stderrors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, StatusOf(tc.err), tc.err.Error())
		assert.Equal(t, tc.kind, KindOf(tc.err), tc.err.Error())
	}
	assert.Equal(t, "none", KindOf(nil))
}

func TestExplainDoesNotMutateSentinel(t *testing.T) {
	_ = NotFound.Explain("order missing").WithField("not_found", "id", "unknown")
	assert.Empty(t, NotFound.Message)
	assert.Empty(t, NotFound.Fields)
}

func TestToProblemDetails(t *testing.T) {
	err := Invalid.Explain("invalid order").WithField("positive_decimal", "amount", "must be positive")
	p := ToProblemDetails(err, "/api/v1/market/orders")

	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, TypeValidationError, p.Type)
	assert.Equal(t, "invalid order", p.Detail)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "amount", p.Errors[0].Field)

	raw, mErr := json.Marshal(p)
	require.NoError(t, mErr)
	assert.Contains(t, string(raw), `"instance":"/api/v1/market/orders"`)
}

func TestToProblemDetails_HidesInternalErrors(t *testing.T) {
	p := ToProblemDetails(stderrors.New("dsn=secret"), "/x")
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.Equal(t, "internal error", p.Detail)
}

func TestToProblemDetails_PassesThroughProblem(t *testing.T) {
	in := NewForbiddenError("admin role required", "/admin")
	assert.Same(t, in, ToProblemDetails(in, "/other"))
}
