// Package provision applies a provisioning request to the local host.
//
// Each resource (user, password, hostname) has an ordered set of backends.
// Backends are tried in order and the first success wins; a failing backend
// is logged and the next one is tried. Only when every backend for a
// resource fails does the request fail, with an error that joins each
// attempt's cause.
//
// Requests are applied in a fixed order:
//
//	user -> password -> SSH keys (when present) -> hostname
//
// The real backends shell out to useradd, passwd and hostnamectl through a
// CommandRunner, so tests can substitute a recorder.
package provision
