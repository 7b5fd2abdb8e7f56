package profile

import (
	"regexp"
	"strings"
	"time"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
)

const (
	maxDisplayNameLength = 64
	maxAvatarLength      = 256
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Profile is one household member.
type Profile struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
	Role        domain.Role  `json:"role"`
	Avatar      string       `json:"avatar,omitempty"`
	Color       string       `json:"color,omitempty"`
	Credentials []Credential `json:"credentials,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Credential is a passkey enrolled on a profile. SignCount must strictly
// increase on every authentication.
type Credential struct {
	ID              string    `json:"credentialId"`
	PublicKey       []byte    `json:"publicKey"`
	SignCount       uint32    `json:"signCount"`
	DeviceLabel     string    `json:"deviceLabel"`
	OwnerProfileID  string    `json:"ownerProfileId"`
	AttestationType string    `json:"attestationType,omitempty"`
	Transports      []string  `json:"transports,omitempty"`
	AAGUID          []byte    `json:"aaguid,omitempty"`
	BackupEligible  bool      `json:"backupEligible"`
	BackupState     bool      `json:"backupState"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUsedAt      time.Time `json:"lastUsedAt,omitzero"`
}

// UpsertInput is the client-supplied part of a profile.
type UpsertInput struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Avatar      string `json:"avatar"`
	Color       string `json:"color"`
}

func (in *UpsertInput) Normalize() {
	in.ID = strings.TrimSpace(in.ID)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Role = strings.TrimSpace(in.Role)
	in.Avatar = strings.TrimSpace(in.Avatar)
	in.Color = strings.TrimSpace(in.Color)
}

func (in *UpsertInput) Validate() error {
	if err := validateDisplayName(in.DisplayName); err != nil {
		return err
	}
	if in.Role != "" {
		if _, err := domain.ParseRole(in.Role); err != nil {
			return err
		}
	}
	if len(in.ID) > 64 {
		return dErrors.New(dErrors.CodeBadRequest, "id is too long")
	}
	// The provisional subject must never name a real member.
	if in.ID == domain.PendingSubject {
		return dErrors.New(dErrors.CodeBadRequest, "id is reserved")
	}
	return validateCosmetics(in.Avatar, in.Color)
}

// Patch is a merge-patch: nil fields are left alone.
type Patch struct {
	DisplayName *string `json:"displayName,omitempty"`
	Role        *string `json:"role,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	Color       *string `json:"color,omitempty"`
}

func (p *Patch) IsEmpty() bool {
	return p.DisplayName == nil && p.Role == nil && p.Avatar == nil && p.Color == nil
}

func (p *Patch) Validate() error {
	if p.IsEmpty() {
		return dErrors.New(dErrors.CodeBadRequest, "patch has no fields")
	}
	if p.DisplayName != nil {
		if err := validateDisplayName(strings.TrimSpace(*p.DisplayName)); err != nil {
			return err
		}
	}
	if p.Role != nil {
		if _, err := domain.ParseRole(*p.Role); err != nil {
			return err
		}
	}
	var avatar, color string
	if p.Avatar != nil {
		avatar = *p.Avatar
	}
	if p.Color != nil {
		color = *p.Color
	}
	return validateCosmetics(avatar, color)
}

// apply merges p into target. Validate first.
func (p *Patch) apply(target *Profile) {
	if p.DisplayName != nil {
		target.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.Role != nil {
		target.Role = domain.Role(*p.Role)
	}
	if p.Avatar != nil {
		target.Avatar = strings.TrimSpace(*p.Avatar)
	}
	if p.Color != nil {
		target.Color = strings.TrimSpace(*p.Color)
	}
}

func validateDisplayName(name string) error {
	if name == "" {
		return dErrors.New(dErrors.CodeBadRequest, "displayName is required")
	}
	if len([]rune(name)) > maxDisplayNameLength {
		return dErrors.New(dErrors.CodeBadRequest, "displayName is too long")
	}
	return nil
}

func validateCosmetics(avatar, color string) error {
	if len(avatar) > maxAvatarLength {
		return dErrors.New(dErrors.CodeBadRequest, "avatar is too long")
	}
	if color != "" && !colorPattern.MatchString(strings.TrimSpace(color)) {
		return dErrors.New(dErrors.CodeBadRequest, "color must be #rrggbb")
	}
	return nil
}
