// Package errs defines the closed error-kind taxonomy that every ScoutFS
// server boundary returns (spec §7). Handlers compare against these
// sentinels with errors.Is rather than inspecting error strings.
package errs

import "errors"

// Transient — caller may retry with a bounded attempt count.
var (
	Stale  = errors.New("scoutfs: stale block reference")
	Again  = errors.New("scoutfs: try again")
	NoMem  = errors.New("scoutfs: out of memory")
)

// Validation — returned to the originating request; no server state changed.
var (
	Inval       = errors.New("scoutfs: invalid argument")
	NameTooLong = errors.New("scoutfs: name too long")
	NoSpc       = errors.New("scoutfs: no space left")
	NotEmpty    = errors.New("scoutfs: not empty")
	NoEnt       = errors.New("scoutfs: no such entry")
	Exist       = errors.New("scoutfs: already exists")
)

// Fatal — surfaces as commit-batch failure or server abort.
var (
	IO = errors.New("scoutfs: i/o error")
)

// IsRetryable reports whether a caller should retry the operation that
// produced err, bounded by its own attempt cap.
func IsRetryable(err error) bool {
	return errors.Is(err, Stale) || errors.Is(err, Again) || errors.Is(err, NoMem)
}
