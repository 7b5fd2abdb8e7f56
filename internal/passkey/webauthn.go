package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"hearth/internal/profile"
	dErrors "hearth/pkg/domain-errors"
)

// WebAuthnProvider implements Provider with go-webauthn. A relying party
// is built per ceremony because the RP ID follows the request origin.
type WebAuthnProvider struct{}

func NewWebAuthnProvider() *WebAuthnProvider {
	return &WebAuthnProvider{}
}

func (p *WebAuthnProvider) relyingParty(rp RelyingParty) (*webauthn.WebAuthn, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPID:          rp.ID,
		RPDisplayName: rp.DisplayName,
		RPOrigins:     []string{rp.Origin},
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to configure relying party")
	}
	return w, nil
}

func (p *WebAuthnProvider) BeginRegistration(_ context.Context, rp RelyingParty, user User) (json.RawMessage, []byte, error) {
	w, err := p.relyingParty(rp)
	if err != nil {
		return nil, nil, err
	}
	wu := webauthnUser{user}
	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.Credentials))
	for _, c := range wu.WebAuthnCredentials() {
		exclusions = append(exclusions, c.Descriptor())
	}

	creation, session, err := w.BeginRegistration(wu,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to begin registration")
	}
	return marshalCeremony(creation, session)
}

func (p *WebAuthnProvider) FinishRegistration(_ context.Context, rp RelyingParty, user User, state []byte, response []byte) (profile.Credential, error) {
	w, err := p.relyingParty(rp)
	if err != nil {
		return profile.Credential{}, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return profile.Credential{}, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt ceremony state")
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return profile.Credential{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed registration response")
	}

	cred, err := w.CreateCredential(webauthnUser{user}, session, parsed)
	if err != nil {
		return profile.Credential{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "registration verification failed")
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return profile.Credential{
		ID:              encodeID(cred.ID),
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		OwnerProfileID:  user.ProfileID,
		AttestationType: cred.AttestationType,
		Transports:      transports,
		AAGUID:          cred.Authenticator.AAGUID,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

func (p *WebAuthnProvider) BeginAuthentication(_ context.Context, rp RelyingParty, allowed []profile.Credential) (json.RawMessage, []byte, error) {
	w, err := p.relyingParty(rp)
	if err != nil {
		return nil, nil, err
	}
	descriptors := make([]protocol.CredentialDescriptor, 0, len(allowed))
	for _, c := range allowed {
		wc, err := toWebAuthnCredential(c)
		if err != nil {
			return nil, nil, err
		}
		descriptors = append(descriptors, wc.Descriptor())
	}

	assertion, session, err := w.BeginDiscoverableLogin(webauthn.WithAllowedCredentials(descriptors))
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to begin authentication")
	}
	return marshalCeremony(assertion, session)
}

func (p *WebAuthnProvider) FinishAuthentication(_ context.Context, rp RelyingParty, state []byte, response []byte, lookup UserLookup) (Assertion, error) {
	w, err := p.relyingParty(rp)
	if err != nil {
		return Assertion{}, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return Assertion{}, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt ceremony state")
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return Assertion{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed authentication response")
	}

	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		u, err := lookup(encodeID(rawID), userHandle)
		if err != nil {
			return nil, err
		}
		return webauthnUser{u}, nil
	}
	cred, err := w.ValidateDiscoverableLogin(handler, session, parsed)
	if err != nil {
		return Assertion{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "authentication verification failed")
	}

	// The library only flags clone warnings; the counter rule is enforced
	// by the caller against the raw value the authenticator reported.
	authData := parsed.Response.AuthenticatorData
	return Assertion{
		CredentialID: encodeID(cred.ID),
		SignCount:    authData.Counter,
		BackupState:  authData.Flags.HasBackupState(),
	}, nil
}

func marshalCeremony(options any, session *webauthn.SessionData) (json.RawMessage, []byte, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode ceremony options")
	}
	state, err := json.Marshal(session)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode ceremony state")
	}
	return opts, state, nil
}

// webauthnUser adapts User to webauthn.User. The user handle is the profile
// id, which lets a discoverable login name its owner.
type webauthnUser struct {
	User
}

func (u webauthnUser) WebAuthnID() []byte          { return []byte(u.ProfileID) }
func (u webauthnUser) WebAuthnName() string        { return u.Name }
func (u webauthnUser) WebAuthnDisplayName() string { return u.DisplayName }

func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		wc, err := toWebAuthnCredential(c)
		if err != nil {
			continue
		}
		out = append(out, wc)
	}
	return out
}

func toWebAuthnCredential(c profile.Credential) (webauthn.Credential, error) {
	id, err := decodeID(c.ID)
	if err != nil {
		return webauthn.Credential{}, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("stored credential %q has a malformed id", c.ID))
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              id,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}, nil
}

func encodeID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeID(id string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(id)
}
