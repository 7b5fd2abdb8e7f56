package passkey

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/profile"
	dErrors "hearth/pkg/domain-errors"
)

var testRP = RelyingParty{ID: "home.example.com", Origin: "https://home.example.com", DisplayName: "Hearth"}

func TestWebAuthnBeginRegistration(t *testing.T) {
	p := NewWebAuthnProvider()
	user := User{
		ProfileID:   "p1",
		Name:        "p1",
		DisplayName: "Max",
		Credentials: []profile.Credential{{ID: encodeID([]byte("existing")), PublicKey: []byte{1}}},
	}

	opts, state, err := p.BeginRegistration(context.Background(), testRP, user)
	require.NoError(t, err)

	var creation struct {
		PublicKey struct {
			RP struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"rp"`
			Challenge              string `json:"challenge"`
			AuthenticatorSelection struct {
				ResidentKey string `json:"residentKey"`
			} `json:"authenticatorSelection"`
			ExcludeCredentials []struct {
				ID string `json:"id"`
			} `json:"excludeCredentials"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(opts, &creation))
	assert.Equal(t, "home.example.com", creation.PublicKey.RP.ID)
	assert.Equal(t, "Hearth", creation.PublicKey.RP.Name)
	assert.Equal(t, "required", creation.PublicKey.AuthenticatorSelection.ResidentKey)
	require.Len(t, creation.PublicKey.ExcludeCredentials, 1)
	assert.Equal(t, encodeID([]byte("existing")), creation.PublicKey.ExcludeCredentials[0].ID)

	var session webauthn.SessionData
	require.NoError(t, json.Unmarshal(state, &session))
	assert.Equal(t, creation.PublicKey.Challenge, session.Challenge)
	assert.Equal(t, []byte("p1"), session.UserID)
}

func TestWebAuthnBeginAuthentication(t *testing.T) {
	p := NewWebAuthnProvider()
	allowed := []profile.Credential{
		{ID: encodeID([]byte("a")), OwnerProfileID: "p0"},
		{ID: encodeID([]byte("b")), OwnerProfileID: "p1"},
	}

	opts, state, err := p.BeginAuthentication(context.Background(), testRP, allowed)
	require.NoError(t, err)

	var assertion struct {
		PublicKey struct {
			RPID             string `json:"rpId"`
			AllowCredentials []struct {
				ID string `json:"id"`
			} `json:"allowCredentials"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(opts, &assertion))
	assert.Equal(t, "home.example.com", assertion.PublicKey.RPID)
	require.Len(t, assertion.PublicKey.AllowCredentials, 2)
	assert.Equal(t, allowed[0].ID, assertion.PublicKey.AllowCredentials[0].ID)

	var session webauthn.SessionData
	require.NoError(t, json.Unmarshal(state, &session))
	assert.NotEmpty(t, session.Challenge)
	assert.Len(t, session.AllowedCredentialIDs, 2)
}

func TestWebAuthnRejectsMalformedResponses(t *testing.T) {
	p := NewWebAuthnProvider()
	_, state, err := p.BeginAuthentication(context.Background(), testRP, nil)
	require.NoError(t, err)

	_, err = p.FinishAuthentication(context.Background(), testRP, state, []byte(`{"id":`), nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))

	_, err = p.FinishRegistration(context.Background(), testRP, User{ProfileID: "p1"}, []byte("not json"), []byte(`{}`))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestCredentialConversion(t *testing.T) {
	c := profile.Credential{
		ID:             encodeID([]byte{0xde, 0xad, 0xbe, 0xef}),
		PublicKey:      []byte{9},
		SignCount:      7,
		Transports:     []string{"internal", "hybrid"},
		BackupEligible: true,
	}
	wc, err := toWebAuthnCredential(c)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, wc.ID)
	assert.Equal(t, uint32(7), wc.Authenticator.SignCount)
	assert.True(t, wc.Flags.BackupEligible)
	assert.Len(t, wc.Transport, 2)

	_, err = toWebAuthnCredential(profile.Credential{ID: "not base64!"})
	assert.Error(t, err)

	u := webauthnUser{User{ProfileID: "p1", Credentials: []profile.Credential{c, {ID: "%%%"}}}}
	assert.Equal(t, []byte("p1"), u.WebAuthnID())
	assert.Len(t, u.WebAuthnCredentials(), 1)
}
