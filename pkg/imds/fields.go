package imds

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/guestinit/pkg/engine"
)

var (
	// ErrFieldMissing reports a field absent from the metadata document.
	ErrFieldMissing = errors.New("field missing")

	// ErrFieldMalformed reports a field with an unexpected type or value.
	ErrFieldMalformed = errors.New("field malformed")
)

// Field paths inside the metadata document.
var (
	FieldDisablePasswordAuthentication = []string{"compute", "osProfile", "disablePasswordAuthentication"}
	FieldAdminUsername                 = []string{"compute", "osProfile", "adminUsername"}
	FieldComputerName                  = []string{"compute", "osProfile", "computerName"}
	FieldPublicKeys                    = []string{"compute", "publicKeys"}
)

// PublicKey is an SSH public key as surfaced by the metadata service.
type PublicKey struct {
	KeyData string `json:"keyData"`
	Path    string `json:"path"`
}

// FieldError identifies which metadata field could not be extracted.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// PasswordAuthDisabled reports whether password authentication is disabled.
// The service encodes the flag as a JSON string; a JSON boolean is accepted
// as well.
func PasswordAuthDisabled(body Body) (bool, error) {
	raw, err := lookup(body, FieldDisablePasswordAuthentication)
	if err != nil {
		return false, err
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, fieldError(FieldDisablePasswordAuthentication, ErrFieldMalformed)
	}
	b, err = strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fieldError(FieldDisablePasswordAuthentication, errors.Join(ErrFieldMalformed, err))
	}
	return b, nil
}

// Username returns the administrator account name.
func Username(body Body) (string, error) {
	return stringField(body, FieldAdminUsername)
}

// Hostname returns the configured computer name.
func Hostname(body Body) (string, error) {
	return stringField(body, FieldComputerName)
}

// SSHKeys returns the public keys in document order. An empty list is valid.
func SSHKeys(body Body) ([]PublicKey, error) {
	raw, err := lookup(body, FieldPublicKeys)
	if err != nil {
		return nil, err
	}
	var keys []PublicKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fieldError(FieldPublicKeys, errors.Join(ErrFieldMalformed, err))
	}
	for i, k := range keys {
		if strings.TrimSpace(k.KeyData) == "" {
			return nil, fieldError(FieldPublicKeys, fmt.Errorf("%w: key %d has no keyData", ErrFieldMalformed, i))
		}
		if strings.ContainsAny(strings.TrimSpace(k.KeyData), "\r\n") {
			return nil, fieldError(FieldPublicKeys, fmt.Errorf("%w: key %d spans several lines", ErrFieldMalformed, i))
		}
	}
	return keys, nil
}

func stringField(body Body, path []string) (string, error) {
	raw, err := lookup(body, path)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fieldError(path, ErrFieldMalformed)
	}
	if strings.TrimSpace(s) == "" {
		return "", fieldError(path, ErrFieldMissing)
	}
	return s, nil
}

// lookup walks path through nested JSON objects. Every extractor parses the
// body independently so one bad field never hides another.
func lookup(body Body, path []string) (json.RawMessage, error) {
	cur := json.RawMessage(body)
	for i, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, fieldError(path, errors.Join(ErrFieldMalformed, err))
		}
		next, ok := obj[key]
		if !ok || string(next) == "null" {
			return nil, fieldError(path[:i+1], ErrFieldMissing)
		}
		cur = next
	}
	return cur, nil
}

func fieldError(path []string, err error) error {
	field := strings.Join(path, ".")
	msg := "metadata field " + field
	switch {
	case errors.Is(err, ErrFieldMissing):
		msg += " is missing"
	default:
		msg += " is malformed"
	}
	return engine.NewMalformedError("imds", msg, &FieldError{Field: field, Err: err})
}
