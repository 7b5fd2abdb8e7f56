package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeMapping(t *testing.T) {
	cases := map[Code]int{
		CodeBadRequest:   http.StatusBadRequest,
		CodeUnauthorized: http.StatusUnauthorized,
		CodeForbidden:    http.StatusForbidden,
		CodeNotFound:     http.StatusNotFound,
		CodeRateLimited:  http.StatusTooManyRequests,
		CodeUpstream:     http.StatusInternalServerError,
		CodeInternal:     http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, ToHTTPStatus(code), "code %s", code)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(cause, CodeUpstream, "record store unreachable")

	require.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, CodeUpstream))
	assert.Equal(t, CodeUpstream, CodeOf(fmt.Errorf("outer: %w", err)))
	assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))
}

func TestErrorsIsComparesCodeAndMessage(t *testing.T) {
	err := New(CodeUnauthorized, "invalid token")
	require.ErrorIs(t, err, New(CodeUnauthorized, "invalid token"))
	assert.NotErrorIs(t, err, New(CodeUnauthorized, "token has expired"))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
