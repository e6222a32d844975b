package routing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoUpstreamAvailable is returned by Selector.Select when no tenant matched and no
	// fallback backend could be chosen. The engine answers such requests with 502.
	ErrNoUpstreamAvailable = errors.New("no upstream available")

	// ErrEmptyPool is returned by BackendPool.Next when the pool holds no backends
	ErrEmptyPool = errors.New("backend pool is empty")

	errMissingField = errors.New("required field is missing")
)

// ConfigParseError reports a malformed tenant, rule or schema entry. A single
// ConfigParseError fails the whole registry build.
type ConfigParseError struct {
	Tenant string // tenant key, empty for schema level errors
	Field  string // dotted path of the offending field, if known
	Err    error
}

func (e *ConfigParseError) Error() string {
	var b strings.Builder
	b.WriteString("config parse error")
	if e.Tenant != "" {
		fmt.Fprintf(&b, " in tenant %q", e.Tenant)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// RegexCompileError reports a pattern that failed to compile
type RegexCompileError struct {
	Pattern string
	Err     error
}

func (e *RegexCompileError) Error() string {
	return fmt.Sprintf("invalid regex %q: %v", e.Pattern, e.Err)
}

func (e *RegexCompileError) Unwrap() error {
	return e.Err
}

// HeaderDecodeError marks a header value that is not a valid field value.
// Header conditions treat such a header as non-matching.
type HeaderDecodeError struct {
	Name string
}

func (e *HeaderDecodeError) Error() string {
	return fmt.Sprintf("header %q carries a non-decodable value", e.Name)
}

// MissingField builds the ConfigParseError used for absent required fields
func MissingField(tenant, field string) *ConfigParseError {
	return &ConfigParseError{Tenant: tenant, Field: field, Err: errMissingField}
}
