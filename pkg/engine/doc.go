// Package engine defines the error taxonomy shared by every guestinit
// package and the mapping from errors to process exit codes.
//
// # Error Classes
//
// Every failure the agent reports is an *Error carrying one of:
//
//   - no_provisioner: every backend for a resource failed
//   - subprocess: an external command could not run or exited non-zero
//   - validation: the request was rejected before touching the host
//   - missing_resource: a host object that should exist does not
//   - protocol: metadata, goal state or the configuration medium failed
//   - internal: misuse of the agent's own API
//
// Sentinels such as ErrNoUserProvisioner match with errors.Is on class and
// code, so they are found through fmt wrapping and errors.Join aggregates:
//
//	if errors.Is(err, engine.ErrUserMissing) {
//	    // the account was not created
//	}
//
// # Exit Codes
//
// ExitCode returns 0 for success, 78 (EX_CONFIG) when ErrUserMissing or
// ErrNonEmptyPassword appears anywhere in the chain, and 1 otherwise.
//
// The package has no dependencies inside the module so that any package
// can import it.
package engine
