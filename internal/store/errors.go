package store

import "errors"

// ErrNotFound is returned by FindByID/FindFirst-style lookups when no
// matching row exists.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write would violate a uniqueness
// invariant: (subdomain, domainId), bucket publicUrl, or per-owner
// bucket display name.
var ErrConflict = errors.New("store: conflict")
