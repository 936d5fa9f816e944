// Package apperr holds the error taxonomy shared by the lifecycle packages.
// Package-level sentinels elsewhere wrap one of these kinds with %w so callers
// can classify any failure with errors.Is.
package apperr

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrAlreadySettled marks an idempotent no-op. Callers log it and move on.
	ErrAlreadySettled   = errors.New("already settled")
	ErrConflictingClaim = errors.New("conflicting claim")
)

// Kind names an error class for logs and transport mapping.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidInput      Kind = "invalid_input"
	KindAlreadySettled    Kind = "already_settled"
	KindConflictingClaim  Kind = "conflicting_claim"
	KindInternal          Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrInvalidInput, KindInvalidInput},
	{ErrAlreadySettled, KindAlreadySettled},
	{ErrConflictingClaim, KindConflictingClaim},
}

// KindOf classifies err. Anything outside the taxonomy is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsDomain reports whether err is a local, state-preserving domain failure.
func IsDomain(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindInternal
}
