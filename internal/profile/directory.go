// Package profile is the household's profile directory.
//
// All profiles of a room live in one JSON list under a single storage key;
// the household is small, so lookups scan it. Every mutation goes through a
// compare-and-swap update so concurrent requests cannot lose each other's
// writes.
package profile

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"hearth/internal/room/store"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/audit"
	"hearth/pkg/requestcontext"
)

const profilesKey = "profiles"

var (
	ErrNotFound           = dErrors.New(dErrors.CodeNotFound, "profile not found")
	ErrCredentialNotFound = dErrors.New(dErrors.CodeNotFound, "credential not found")
	ErrSelfDelete         = dErrors.New(dErrors.CodeBadRequest, "a profile cannot delete itself")
	ErrCounterRegression  = dErrors.New(dErrors.CodeBadRequest, "credential sign count did not increase")
)

type Directory struct {
	store   store.Store
	logger  *slog.Logger
	emitter audit.Emitter
}

type Option func(*Directory)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

func WithAuditEmitter(emitter audit.Emitter) Option {
	return func(d *Directory) {
		d.emitter = emitter
	}
}

func New(st store.Store, opts ...Option) *Directory {
	d := &Directory{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) load(ctx context.Context) ([]Profile, error) {
	profiles, _, err := store.GetJSON[[]Profile](ctx, d.store, profilesKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load profiles")
	}
	return profiles, nil
}

// mutate runs fn under compare-and-swap. Domain errors returned by fn pass
// through untouched; storage failures become internal errors.
func (d *Directory) mutate(ctx context.Context, fn func(profiles *[]Profile) error) error {
	var fnErr error
	_, err := store.UpdateJSON(ctx, d.store, profilesKey, func(profiles *[]Profile, _ bool) error {
		fnErr = fn(profiles)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save profiles")
	}
	return nil
}

func indexOf(profiles []Profile, id string) int {
	return slices.IndexFunc(profiles, func(p Profile) bool { return p.ID == id })
}

// List returns every profile in creation order.
func (d *Directory) List(ctx context.Context) ([]Profile, error) {
	profiles, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []Profile{}
	}
	return profiles, nil
}

func (d *Directory) Get(ctx context.Context, id string) (Profile, error) {
	profiles, err := d.load(ctx)
	if err != nil {
		return Profile{}, err
	}
	i := indexOf(profiles, id)
	if i < 0 {
		return Profile{}, ErrNotFound
	}
	return profiles[i], nil
}

// Upsert creates the profile or replaces its editable fields, keeping its
// credentials. Rules:
//   - the first profile of an empty household becomes admin;
//   - a provisional caller may only create a new profile;
//   - a non-elevated caller may only replace their own profile and may not
//     grant an elevated role.
func (d *Directory) Upsert(ctx context.Context, in UpsertInput, caller domain.Principal) (Profile, bool, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return Profile{}, false, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := requestcontext.Now(ctx)

	var saved Profile
	var created bool
	err := d.mutate(ctx, func(profiles *[]Profile) error {
		created = false
		i := indexOf(*profiles, in.ID)
		role := domain.Role(in.Role)

		switch {
		case len(*profiles) == 0:
			role = domain.RoleAdmin
		case i >= 0 && caller.IsProvisional():
			return dErrors.New(dErrors.CodeForbidden, "profile already exists")
		case i >= 0 && !caller.CanManage() && caller.SubjectID != in.ID:
			return dErrors.New(dErrors.CodeForbidden, "cannot modify another profile")
		}
		if role == "" {
			role = domain.RoleKid
			if i >= 0 {
				role = (*profiles)[i].Role
			}
		}
		if len(*profiles) > 0 && !caller.CanManage() {
			current := domain.Role("")
			if i >= 0 {
				current = (*profiles)[i].Role
			}
			if role.IsElevated() && role != current {
				return dErrors.New(dErrors.CodeForbidden, "admin or parent role required to grant an elevated role")
			}
		}

		if i < 0 {
			created = true
			saved = Profile{ID: in.ID, CreatedAt: now}
		} else {
			saved = (*profiles)[i]
		}
		saved.DisplayName = in.DisplayName
		saved.Role = role
		saved.Avatar = in.Avatar
		saved.Color = in.Color
		saved.UpdatedAt = now

		if created {
			*profiles = append(*profiles, saved)
		} else {
			(*profiles)[i] = saved
		}
		return nil
	})
	if err != nil {
		return Profile{}, false, err
	}

	event := audit.EventProfileUpdated
	if created {
		event = audit.EventProfileCreated
	}
	audit.LogAudit(ctx, d.logger, d.emitter, event,
		"profile_id", saved.ID,
		"actor_id", caller.SubjectID,
		"role", saved.Role.String(),
	)
	return saved, created, nil
}

// Patch merges fields into profile id. Callers may always patch their own
// cosmetic fields; patching another profile, or changing any role including
// one's own, needs an elevated role.
func (d *Directory) Patch(ctx context.Context, id string, patch Patch, caller domain.Principal) (Profile, error) {
	if err := patch.Validate(); err != nil {
		return Profile{}, err
	}
	if id != caller.SubjectID && !caller.CanManage() {
		return Profile{}, dErrors.New(dErrors.CodeForbidden, "cannot modify another profile")
	}
	if patch.Role != nil && !caller.CanManage() {
		return Profile{}, dErrors.New(dErrors.CodeForbidden, "admin or parent role required to change roles")
	}

	var saved Profile
	err := d.mutate(ctx, func(profiles *[]Profile) error {
		i := indexOf(*profiles, id)
		if i < 0 {
			return ErrNotFound
		}
		patch.apply(&(*profiles)[i])
		(*profiles)[i].UpdatedAt = requestcontext.Now(ctx)
		saved = (*profiles)[i]
		return nil
	})
	if err != nil {
		return Profile{}, err
	}

	audit.LogAudit(ctx, d.logger, d.emitter, audit.EventProfileUpdated,
		"profile_id", id,
		"actor_id", caller.SubjectID,
	)
	return saved, nil
}

// Delete removes profile id and its credentials. Only elevated callers may
// delete, and never themselves.
func (d *Directory) Delete(ctx context.Context, id string, caller domain.Principal) error {
	if !caller.CanManage() {
		return dErrors.New(dErrors.CodeForbidden, "admin or parent role required")
	}
	if id == caller.SubjectID {
		return ErrSelfDelete
	}

	err := d.mutate(ctx, func(profiles *[]Profile) error {
		i := indexOf(*profiles, id)
		if i < 0 {
			return ErrNotFound
		}
		*profiles = slices.Delete(*profiles, i, i+1)
		return nil
	})
	if err != nil {
		return err
	}

	audit.LogAudit(ctx, d.logger, d.emitter, audit.EventProfileDeleted,
		"profile_id", id,
		"actor_id", caller.SubjectID,
	)
	return nil
}
