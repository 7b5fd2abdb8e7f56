package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/token"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/requestcontext"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

func newAuthority(t *testing.T) *token.Authority {
	t.Helper()
	a, err := token.NewAuthority(testSecret,
		token.WithTTL(time.Hour),
		token.WithProvisionalTTL(5*time.Minute),
	)
	require.NoError(t, err)
	return a
}

func roomCtx(room string, now time.Time) context.Context {
	return requestcontext.WithTime(requestcontext.WithRoom(context.Background(), room), now)
}

func TestSignAndParse(t *testing.T) {
	a := newAuthority(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := roomCtx("household", now)

	issued, err := a.Sign(ctx, domain.Principal{SubjectID: "p1", DisplayName: "Sam", Role: domain.RoleParent})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), issued.ExpiresAt)

	p, err := a.Parse(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.SubjectID)
	assert.Equal(t, "Sam", p.DisplayName)
	assert.Equal(t, domain.RoleParent, p.Role)
	assert.Equal(t, "household", p.Room)
	assert.Equal(t, now, p.IssuedAt)
}

func TestProvisionalTokensAreShortLived(t *testing.T) {
	a := newAuthority(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	issued, err := a.Sign(roomCtx("household", now), domain.Principal{Role: domain.RoleKid})
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), issued.ExpiresAt)

	p, err := a.Parse(roomCtx("household", now.Add(time.Minute)), issued.Token)
	require.NoError(t, err)
	assert.True(t, p.IsProvisional())

	_, err = a.Parse(roomCtx("household", now.Add(6*time.Minute)), issued.Token)
	require.ErrorIs(t, err, dErrors.New(dErrors.CodeUnauthorized, "token has expired"))
}

func TestParseRejects(t *testing.T) {
	a := newAuthority(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := roomCtx("household", now)
	issued, err := a.Sign(ctx, domain.Principal{SubjectID: "p1", Role: domain.RoleAdmin})
	require.NoError(t, err)

	other, err := token.NewAuthority("another-secret-that-is-long-enough-0000")
	require.NoError(t, err)
	forged, err := other.Sign(ctx, domain.Principal{SubjectID: "p1", Role: domain.RoleAdmin})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "p1", "role": "admin", "room": "household"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		ctx   context.Context
		token string
	}{
		{"garbage", ctx, "invalid-token-string"},
		{"tampered", ctx, issued.Token[:len(issued.Token)-2] + "xx"},
		{"wrong secret", ctx, forged.Token},
		{"alg none", ctx, unsigned},
		{"other room", roomCtx("cabin", now), issued.Token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Parse(tt.ctx, tt.token)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		})
	}
}

func TestNewAuthorityRequiresLongSecret(t *testing.T) {
	_, err := token.NewAuthority("short")
	require.Error(t, err)
}
