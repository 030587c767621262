package coordinator

import "errors"

// Error taxonomy (§7). The HTTP layer maps each sentinel to a status code;
// callers should use errors.Is against these, never string matching.
var (
	// ErrUnauthorized covers missing scope and scope mismatch on an
	// existing thread. Surfaced as 401.
	ErrUnauthorized = errors.New("coordinator: unauthorized")

	// ErrNotFound covers an absent thread/agent or a scope-filtered miss.
	// Surfaced as 404; never 403, to avoid existence enumeration (§9).
	ErrNotFound = errors.New("coordinator: not found")

	// ErrThreadAlreadyRunning is returned by run() when admission loses the
	// single-writer compare-and-set. Surfaced as 409.
	ErrThreadAlreadyRunning = errors.New("coordinator: thread already running")

	// ErrInvalidInput covers a malformed run()/connect() request. Surfaced
	// as 400.
	ErrInvalidInput = errors.New("coordinator: invalid input")

	// ErrStorage wraps any ThreadStore failure. Surfaced as 500 and logged;
	// the coordinator treats it as fatal for the current operation only.
	ErrStorage = errors.New("coordinator: storage error")

	// ErrInvalidScope is returned when a new thread is requested with a nil
	// or empty scope — admins cannot create threads without an explicit
	// owner (§4.2 admission rule 2).
	ErrInvalidScope = errors.New("coordinator: invalid scope")
)
