package extract

import "errors"

var (
	ErrExtract          = errors.New("extraction failed")
	ErrUnsupportedEntry = errors.New("unsupported archive entry")
)
