package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a provisioning failure.
type ErrorClass string

const (
	// ErrorClassNoProvisioner indicates every backend for a resource failed.
	ErrorClassNoProvisioner ErrorClass = "no_provisioner"

	// ErrorClassSubprocess indicates an external command could not be spawned
	// or exited with a non-zero status.
	ErrorClassSubprocess ErrorClass = "subprocess"

	// ErrorClassValidation indicates a request that is rejected before any
	// host mutation, such as a non-empty password.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassMissingResource indicates a host object that should exist
	// could not be resolved, such as a freshly created account.
	ErrorClassMissingResource ErrorClass = "missing_resource"

	// ErrorClassProtocol indicates a metadata, goal state or medium read failed
	// at the transport or parse layer.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassInternal indicates misuse of the agent's own API.
	ErrorClassInternal ErrorClass = "internal"
)

// Error codes used to identify specific failures inside a class.
const (
	ErrCodeNoUserProvisioner     = "NO_USER_PROVISIONER"
	ErrCodeNoPasswordProvisioner = "NO_PASSWORD_PROVISIONER"
	ErrCodeNoHostnameProvisioner = "NO_HOSTNAME_PROVISIONER"
	ErrCodeSubprocessFailed      = "SUBPROCESS_FAILED"
	ErrCodeNonEmptyPassword      = "NON_EMPTY_PASSWORD"
	ErrCodeUserMissing           = "USER_MISSING"
	ErrCodeNoViableMedium        = "NO_VIABLE_MEDIUM"
	ErrCodeTransport             = "TRANSPORT"
	ErrCodeMalformed             = "MALFORMED"
	ErrCodeAlreadyProvisioned    = "ALREADY_PROVISIONED"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	// ExitConfig matches EX_CONFIG from sysexits.h.
	ExitConfig = 78
)

// Error represents a classified provisioning error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the provisioned resource (user, password, hostname, ssh).
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is. Matching compares class and code only, so the
// values returned by the constructors below match regardless of context.
var (
	ErrNoUserProvisioner = &Error{Class: ErrorClassNoProvisioner, Code: ErrCodeNoUserProvisioner,
		Resource: "user", Message: "no user provisioner succeeded"}
	ErrNoPasswordProvisioner = &Error{Class: ErrorClassNoProvisioner, Code: ErrCodeNoPasswordProvisioner,
		Resource: "password", Message: "no password provisioner succeeded"}
	ErrNoHostnameProvisioner = &Error{Class: ErrorClassNoProvisioner, Code: ErrCodeNoHostnameProvisioner,
		Resource: "hostname", Message: "no hostname provisioner succeeded"}
	ErrSubprocessFailed = &Error{Class: ErrorClassSubprocess, Code: ErrCodeSubprocessFailed,
		Message: "subprocess failed"}
	ErrNonEmptyPassword = &Error{Class: ErrorClassValidation, Code: ErrCodeNonEmptyPassword,
		Resource: "password", Message: "password must be empty, creating a user with a preset password is not allowed"}
	ErrUserMissing = &Error{Class: ErrorClassMissingResource, Code: ErrCodeUserMissing,
		Resource: "user", Message: "target user not found"}
	ErrNoViableMedium = &Error{Class: ErrorClassProtocol, Code: ErrCodeNoViableMedium,
		Resource: "media", Message: "no viable configuration medium found"}
	ErrTransport = &Error{Class: ErrorClassProtocol, Code: ErrCodeTransport,
		Message: "transport failure"}
	ErrMalformed = &Error{Class: ErrorClassProtocol, Code: ErrCodeMalformed,
		Message: "malformed response"}
	ErrAlreadyProvisioned = &Error{Class: ErrorClassInternal, Code: ErrCodeAlreadyProvisioned,
		Message: "provision request has already been consumed"}
)

// NewNoProvisionerError returns the exhaustion error for resource, wrapping
// the failures of every attempted backend.
func NewNoProvisionerError(resource string, attempts error) *Error {
	e := &Error{
		Class:    ErrorClassNoProvisioner,
		Resource: resource,
		Message:  fmt.Sprintf("no %s provisioner succeeded", resource),
		Err:      attempts,
	}
	switch resource {
	case "user":
		e.Code = ErrCodeNoUserProvisioner
	case "password":
		e.Code = ErrCodeNoPasswordProvisioner
	case "hostname":
		e.Code = ErrCodeNoHostnameProvisioner
	}
	return e
}

// NewSubprocessError reports a command that could not be spawned (err set,
// status -1) or exited with a non-zero status.
func NewSubprocessError(command string, status int, err error) *Error {
	msg := fmt.Sprintf("command %s exited with status %d", command, status)
	if status < 0 {
		msg = fmt.Sprintf("command %s could not be run", command)
	}
	return (&Error{
		Class:   ErrorClassSubprocess,
		Code:    ErrCodeSubprocessFailed,
		Message: msg,
		Err:     err,
	}).WithDetail("command", command).WithDetail("status", status)
}

// NewNonEmptyPasswordError reports a password request on the disable-only path.
func NewNonEmptyPasswordError(user string) *Error {
	return (&Error{
		Class:    ErrorClassValidation,
		Code:     ErrCodeNonEmptyPassword,
		Resource: "password",
		Message:  ErrNonEmptyPassword.Message,
	}).WithDetail("user", user)
}

// NewUserMissingError reports an account that cannot be resolved on the host.
func NewUserMissingError(user string, err error) *Error {
	return &Error{
		Class:    ErrorClassMissingResource,
		Code:     ErrCodeUserMissing,
		Resource: "user",
		Message:  fmt.Sprintf("target user %q not found", user),
		Err:      err,
	}
}

// NewNoViableMediumError reports exhaustion of configuration medium candidates.
func NewNoViableMediumError(attempts error) *Error {
	return &Error{
		Class:    ErrorClassProtocol,
		Code:     ErrCodeNoViableMedium,
		Resource: "media",
		Message:  ErrNoViableMedium.Message,
		Err:      attempts,
	}
}

// NewTransportError reports a network failure talking to the hypervisor.
func NewTransportError(operation string, err error) *Error {
	return (&Error{
		Class:   ErrorClassProtocol,
		Code:    ErrCodeTransport,
		Message: "transport failure",
		Err:     err,
	}).WithOperation(operation)
}

// NewMalformedError reports a response or document that could not be parsed.
func NewMalformedError(resource, message string, err error) *Error {
	return &Error{
		Class:    ErrorClassProtocol,
		Code:     ErrCodeMalformed,
		Resource: resource,
		Message:  message,
		Err:      err,
	}
}

// NewAlreadyProvisionedError reports a second use of a one-shot request.
func NewAlreadyProvisionedError() *Error {
	return &Error{
		Class:   ErrorClassInternal,
		Code:    ErrCodeAlreadyProvisioned,
		Message: ErrAlreadyProvisioned.Message,
	}
}

// ClassOf returns the class of the outermost classified error in err's chain.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// ExitCode maps a run result to the process exit status. Configuration
// errors anywhere in the chain, including inside aggregated backend
// failures, map to ExitConfig.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrUserMissing), errors.Is(err, ErrNonEmptyPassword):
		return ExitConfig
	default:
		return ExitFailure
	}
}
