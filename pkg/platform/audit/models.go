package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose so sinks
// can route or retain them differently.
type EventCategory string

const (
	// CategorySecurity covers authentication failures, lockouts and
	// recovery-path use.
	CategorySecurity EventCategory = "security"
	// CategoryHousehold covers changes to the household itself: profiles,
	// invites and registered passkeys.
	CategoryHousehold EventCategory = "household"
	// CategoryOperations covers routine activity such as token issuance.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	Room      string        `json:"room,omitempty"`
	// Subject is the entity acted on: a profile id, a client key or an
	// invite code prefix.
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	IP        string `json:"ip,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// ActorID is the profile that performed the action when different
	// from Subject.
	ActorID string `json:"actor_id,omitempty"`
}

type AuditEvent string

const (
	// Auth events
	EventAuthFailed           AuditEvent = "auth_failed"
	EventAuthLockoutTriggered AuditEvent = "auth_lockout_triggered"
	EventAuthLockoutCleared   AuditEvent = "auth_lockout_cleared"
	EventTokenIssued          AuditEvent = "token_issued"
	EventPasswordResetRequest AuditEvent = "password_reset_requested"

	// Invite events
	EventInviteMinted     AuditEvent = "invite_minted"
	EventInviteRedeemed   AuditEvent = "invite_redeemed"
	EventRecoveryUsed     AuditEvent = "recovery_invite_minted"

	// Profile events
	EventProfileCreated AuditEvent = "profile_created"
	EventProfileUpdated AuditEvent = "profile_updated"
	EventProfileDeleted AuditEvent = "profile_deleted"

	// Passkey events
	EventPasskeyRegistered    AuditEvent = "passkey_registered"
	EventPasskeyAuthenticated AuditEvent = "passkey_authenticated"
	EventPasskeyRemoved       AuditEvent = "passkey_removed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventAuthFailed:           CategorySecurity,
	EventAuthLockoutTriggered: CategorySecurity,
	EventAuthLockoutCleared:   CategorySecurity,
	EventRecoveryUsed:         CategorySecurity,
	EventPasswordResetRequest: CategorySecurity,

	EventInviteMinted:      CategoryHousehold,
	EventInviteRedeemed:    CategoryHousehold,
	EventProfileCreated:    CategoryHousehold,
	EventProfileUpdated:    CategoryHousehold,
	EventProfileDeleted:    CategoryHousehold,
	EventPasskeyRegistered: CategoryHousehold,
	EventPasskeyRemoved:    CategoryHousehold,

	EventTokenIssued:          CategoryOperations,
	EventPasskeyAuthenticated: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists or forwards events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Emitter is what domain services depend on.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}
