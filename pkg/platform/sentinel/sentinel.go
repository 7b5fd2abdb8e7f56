package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Room stores return these
// (optionally wrapped) so services can translate them into domain errors.
//
// - ErrNotFound: key does not exist
// - ErrConflict: compare-and-swap lost against a concurrent writer
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
