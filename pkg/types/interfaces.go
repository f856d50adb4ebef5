package types

import (
	"context"
	"time"
)

// AttributeSource captures local OS file attributes (mode, owner, xattrs)
// for a path. Attribute capture itself is explicitly out of scope (spec
// §1). No package in this module calls through this interface; only its
// test implements it.
type AttributeSource interface {
	// Attributes returns an opaque, already-serialized attribute blob
	// for path, suitable for encryption and storage verbatim.
	Attributes(ctx context.Context, path string) ([]byte, error)

	// AttributesHash returns a stable hash of the attribute blob, used
	// to detect attribute-only changes without re-reading file content.
	AttributesHash(ctx context.Context, path string) (uint64, error)
}

// Clock abstracts time so tests can control modification-time comparisons
// deterministically; production code uses the real wall clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// KeepAlive is a callback for long-running operations so a caller can
// enforce wall-clock budgets or report liveness; returning false asks the
// operation to abort early (spec §4.E: "user-supplied maximum
// wall-clock"). No package in this module takes a KeepAlive:
// filecodec.DiffEncode declares its own KeepAliveFunc of the same shape.
type KeepAlive func() (shouldContinue bool)
