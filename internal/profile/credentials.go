package profile

import (
	"context"
	"slices"
	"time"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/audit"
)

// Credentials returns every credential across all profiles.
func (d *Directory) Credentials(ctx context.Context) ([]Credential, error) {
	profiles, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	var creds []Credential
	for _, p := range profiles {
		creds = append(creds, p.Credentials...)
	}
	return creds, nil
}

// HasCredentials reports whether any profile has a passkey enrolled.
func (d *Directory) HasCredentials(ctx context.Context) (bool, error) {
	profiles, err := d.load(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(profiles, func(p Profile) bool { return len(p.Credentials) > 0 }), nil
}

// FindCredential locates a credential by id across profiles and returns it
// with its owner.
func (d *Directory) FindCredential(ctx context.Context, credentialID string) (Credential, Profile, error) {
	profiles, err := d.load(ctx)
	if err != nil {
		return Credential{}, Profile{}, err
	}
	for _, p := range profiles {
		for _, c := range p.Credentials {
			if c.ID == credentialID {
				return c, p, nil
			}
		}
	}
	return Credential{}, Profile{}, ErrCredentialNotFound
}

// AddCredential enrolls cred on profile id. Credential ids are unique across
// the household.
func (d *Directory) AddCredential(ctx context.Context, id string, cred Credential) (Profile, error) {
	var saved Profile
	err := d.mutate(ctx, func(profiles *[]Profile) error {
		i := indexOf(*profiles, id)
		if i < 0 {
			return ErrNotFound
		}
		for _, p := range *profiles {
			if slices.ContainsFunc(p.Credentials, func(c Credential) bool { return c.ID == cred.ID }) {
				return dErrors.New(dErrors.CodeConflict, "credential already registered")
			}
		}
		cred.OwnerProfileID = id
		(*profiles)[i].Credentials = append((*profiles)[i].Credentials, cred)
		saved = (*profiles)[i]
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	audit.LogAudit(ctx, d.logger, d.emitter, audit.EventPasskeyRegistered,
		"profile_id", id,
		"device", cred.DeviceLabel,
	)
	return saved, nil
}

// AdvanceSignCount records a successful authentication. The new count must
// be strictly greater than the stored one; the check and the write happen in
// one compare-and-swap so two replays of the same assertion cannot both
// pass.
func (d *Directory) AdvanceSignCount(ctx context.Context, credentialID string, signCount uint32, backupState bool, usedAt time.Time) (Profile, error) {
	var owner Profile
	err := d.mutate(ctx, func(profiles *[]Profile) error {
		for pi := range *profiles {
			creds := (*profiles)[pi].Credentials
			ci := slices.IndexFunc(creds, func(c Credential) bool { return c.ID == credentialID })
			if ci < 0 {
				continue
			}
			if signCount <= creds[ci].SignCount {
				return ErrCounterRegression
			}
			creds[ci].SignCount = signCount
			creds[ci].BackupState = backupState
			creds[ci].LastUsedAt = usedAt
			owner = (*profiles)[pi]
			return nil
		}
		return ErrCredentialNotFound
	})
	if err != nil {
		return Profile{}, err
	}
	return owner, nil
}

// RemoveCredential deletes a credential. Owners may remove their own;
// elevated callers may remove any.
func (d *Directory) RemoveCredential(ctx context.Context, credentialID string, caller domain.Principal) error {
	var ownerID string
	err := d.mutate(ctx, func(profiles *[]Profile) error {
		for pi := range *profiles {
			p := &(*profiles)[pi]
			ci := slices.IndexFunc(p.Credentials, func(c Credential) bool { return c.ID == credentialID })
			if ci < 0 {
				continue
			}
			if p.ID != caller.SubjectID && !caller.CanManage() {
				return dErrors.New(dErrors.CodeForbidden, "cannot remove another profile's credential")
			}
			ownerID = p.ID
			p.Credentials = slices.Delete(p.Credentials, ci, ci+1)
			return nil
		}
		return ErrCredentialNotFound
	})
	if err != nil {
		return err
	}
	audit.LogAudit(ctx, d.logger, d.emitter, audit.EventPasskeyRemoved,
		"profile_id", ownerID,
		"credential_id", credentialID,
		"actor_id", caller.SubjectID,
	)
	return nil
}
