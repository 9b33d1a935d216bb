package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

func operatorToken(t *testing.T, v *TokenValidator, scopes []string, expiry time.Time) string {
	t.Helper()
	tok, err := v.Sign(OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Scopes: scopes,
	})
	require.NoError(t, err)
	return tok
}

func (f *fixture) get(t *testing.T, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestTransactionLookup(t *testing.T) {
	ops := NewTokenValidator("operator-secret")
	f := newFixture(t, func(c *Config) { c.Operators = ops })

	_, err := f.rec.Record(context.Background(), store.TransactionRecord{
		PaymentIntentID: "pi_42",
		Amount:          5000,
		Status:          payment.TerminalSucceeded,
		ShippingInfo: shipping.Info{
			Email: "a@b.co", Name: "Test User", Address: "1 Main St",
			City: "Austin", State: "TX", PostalCode: "78701", Country: "US",
		},
		Timestamp: "2024-05-01T12:00:00.000Z",
	})
	require.NoError(t, err)

	valid := operatorToken(t, ops, []string{ScopeReadTransactions}, time.Now().Add(time.Hour))

	t.Run("found", func(t *testing.T) {
		resp := f.get(t, PathTransactions+"/pi_42", valid)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rec := decode[store.TransactionRecord](t, resp)
		assert.EqualValues(t, 5000, rec.Amount)
	})

	t.Run("not found", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.get(t, PathTransactions+"/pi_missing", valid).StatusCode)
	})

	t.Run("no token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, f.get(t, PathTransactions+"/pi_42", "").StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := operatorToken(t, ops, []string{ScopeReadTransactions}, time.Now().Add(-time.Minute))
		assert.Equal(t, http.StatusUnauthorized, f.get(t, PathTransactions+"/pi_42", expired).StatusCode)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := operatorToken(t, NewTokenValidator("other"), []string{ScopeReadTransactions}, time.Now().Add(time.Hour))
		assert.Equal(t, http.StatusUnauthorized, f.get(t, PathTransactions+"/pi_42", other).StatusCode)
	})

	t.Run("missing scope", func(t *testing.T) {
		noScope := operatorToken(t, ops, []string{"refunds:write"}, time.Now().Add(time.Hour))
		assert.Equal(t, http.StatusForbidden, f.get(t, PathTransactions+"/pi_42", noScope).StatusCode)
	})
}

func TestTransactionLookupUnmountedWithoutSecret(t *testing.T) {
	assert.Nil(t, NewTokenValidator(""))
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.get(t, PathTransactions+"/pi_42", "x").StatusCode)
}

func TestTokenValidatorRejectsOtherAlgorithms(t *testing.T) {
	v := NewTokenValidator("operator-secret")
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Scopes:           []string{ScopeReadTransactions},
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Validate(s)
	assert.Error(t, err)
}
