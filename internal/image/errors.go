package image

import "errors"

var (
	ErrInvalidReference     = errors.New("invalid image reference")
	ErrAuthFailed           = errors.New("registry authentication failed")
	ErrManifestNotFound     = errors.New("manifest not found")
	ErrPlatformNotSupported = errors.New("no manifest for the local platform")
	ErrBlobNotFound         = errors.New("blob not found")
	ErrDigestMismatch       = errors.New("manifest digest mismatch")
	ErrRegistry             = errors.New("registry request failed")
)
