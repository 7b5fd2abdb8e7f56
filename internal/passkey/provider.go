package passkey

import (
	"context"
	"encoding/json"

	"hearth/internal/profile"
)

// RelyingParty identifies the site a ceremony runs for. ID is the origin's
// host, Origin the full origin the browser reports.
type RelyingParty struct {
	ID          string
	Origin      string
	DisplayName string
}

// User is the profile a registration is bound to, or the owner a login
// resolves to.
type User struct {
	ProfileID   string
	Name        string
	DisplayName string
	Credentials []profile.Credential
}

// Assertion is the verified result of an authentication ceremony.
type Assertion struct {
	CredentialID string
	SignCount    uint32
	BackupState  bool
}

// UserLookup resolves the owner of a presented credential. userHandle is
// what the authenticator reported and may be empty.
type UserLookup func(credentialID string, userHandle []byte) (User, error)

// Provider runs the cryptographic half of the ceremonies. State returned by
// a Begin call is opaque and handed back to the matching Finish call.
type Provider interface {
	BeginRegistration(ctx context.Context, rp RelyingParty, user User) (options json.RawMessage, state []byte, err error)
	FinishRegistration(ctx context.Context, rp RelyingParty, user User, state []byte, response []byte) (profile.Credential, error)
	BeginAuthentication(ctx context.Context, rp RelyingParty, allowed []profile.Credential) (options json.RawMessage, state []byte, err error)
	FinishAuthentication(ctx context.Context, rp RelyingParty, state []byte, response []byte, lookup UserLookup) (Assertion, error)
}
