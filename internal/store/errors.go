package store

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")

	// ErrClaimConflict means a concurrent poller won the claim first. Callers
	// treat it as "no task for me", not as a failure.
	ErrClaimConflict = errors.New("task already claimed")

	ErrDuplicateSecretKey = errors.New("secret key already in use")
	ErrDuplicatePublicID  = errors.New("public id already in use")
)
