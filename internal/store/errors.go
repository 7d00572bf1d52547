package store

import "errors"

var (
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrCatalog        = errors.New("catalog corrupt")
)
