package directory

import "errors"

var (
	ErrFetchFailed = errors.New("thread fetch failed")
	ErrNotBound    = errors.New("directory has no message channel")
	ErrReset       = errors.New("directory was reset during the fetch")
)
