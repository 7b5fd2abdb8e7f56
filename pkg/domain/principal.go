package domain

import "time"

// PendingSubject is the placeholder subject carried by provisional
// credentials issued before a profile is selected.
const PendingSubject = "pending"

// Principal is the authenticated caller as seen by services. It is built from
// verified session claims and never mutated afterwards.
type Principal struct {
	SubjectID   string
	DisplayName string
	Role        Role
	Room        string
	IssuedAt    time.Time
}

// IsProvisional reports whether the principal has not selected a profile yet.
func (p Principal) IsProvisional() bool {
	return p.SubjectID == "" || p.SubjectID == PendingSubject
}

// CanManage reports whether the principal may act on another profile.
func (p Principal) CanManage() bool {
	return p.Role.IsElevated()
}
