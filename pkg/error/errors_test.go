package error

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, ClassifyStatus("meta", http.StatusOK, ""))
	assert.True(t, IsTransient(ClassifyStatus("meta", http.StatusBadGateway, "bad gateway")))
	assert.True(t, IsTransient(ClassifyStatus("meta", http.StatusTooManyRequests, "slow down")))
	assert.True(t, IsPermanent(ClassifyStatus("meta", http.StatusBadRequest, "invalid number")))

	revoked := ClassifyStatus("telegram", http.StatusUnauthorized, "unauthorized")
	assert.True(t, IsPermanent(revoked))
	assert.True(t, IsCredentialRevoked(revoked))
	assert.False(t, IsCredentialRevoked(ClassifyStatus("telegram", http.StatusNotFound, "chat not found")))
}

func TestProviderErrors_SurviveWrapping(t *testing.T) {
	err := fmt.Errorf("send to 123: %w", NewTransient("gateway", 0, errors.New("timeout")))
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))

	ge, ok := AsGeneric(err)
	require.True(t, ok)
	assert.Equal(t, "PROVIDER_TRANSIENT", ge.ErrCode())
	assert.Equal(t, http.StatusBadGateway, ge.StatusCode())
}

func TestSentinels(t *testing.T) {
	wrapped := fmt.Errorf("session s1: %w", ErrSignatureVerificationFailed)
	assert.ErrorIs(t, wrapped, ErrSignatureVerificationFailed)
	assert.NotErrorIs(t, wrapped, ErrDuplicateEvent)

	ge, ok := AsGeneric(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, ge.StatusCode())
}

func TestRuleCompilationError(t *testing.T) {
	err := &RuleCompilationError{RuleID: "r1", Pattern: "(", Err: errors.New("missing )")}
	assert.Contains(t, err.Error(), "r1")
	var rce *RuleCompilationError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &rce))
}
