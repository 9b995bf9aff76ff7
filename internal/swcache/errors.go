package swcache

import "github.com/pkg/errors"

var (
	// ErrManifestFetch fails an install or cache update; the whole
	// population has to be retried.
	ErrManifestFetch = errors.New("manifest fetch failed")
	// ErrNetworkUnavailable wraps transport failures. Strategies recover
	// from it and never return it.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrGenerationDelete is logged during activation and skipped.
	ErrGenerationDelete = errors.New("generation delete failed")
	// ErrInvalidState is returned for a lifecycle transition that is not
	// allowed from the current state.
	ErrInvalidState = errors.New("invalid lifecycle state")
)
