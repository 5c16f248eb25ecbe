package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ValidationError represents a DNSSEC validation error with EDE information.
type ValidationError struct {
	Code    uint16
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EDECode returns the EDE code for this error.
func (e *ValidationError) EDECode() uint16 {
	return e.Code
}

// WithContext returns a copy with additional context in the message.
func (e *ValidationError) WithContext(format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:    e.Code,
		Message: fmt.Sprintf(e.Message+" - "+format, args...),
		Err:     e.Err,
	}
}

var (
	errNoDNSKEY = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "No DNSKEY records found in response",
	}
	errNoSEPSignature = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "DNSKEY set is not signed by a secure entry point",
	}
	errNoSignatures = &ValidationError{
		Code:    dns.ExtendedErrorCodeRRSIGsMissing,
		Message: "Response is missing required RRSIG records",
	}
	errMissingDNSKEY = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "No DNSKEY found to validate RRSIG",
	}
	errInvalidSignaturePeriod = &ValidationError{
		Code:    dns.ExtendedErrorCodeSignatureExpired,
		Message: "RRSIG validity period check failed",
	}
	errMissingSigned = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "RRsets covered by RRSIG are missing",
	}
	errBadSignature = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "RRSIG does not verify",
	}
	errUnsupportedKey = &ValidationError{
		Code:    dns.ExtendedErrorCodeUnsupportedDNSKEYAlgorithm,
		Message: "DNSKEY uses an unsupported RSA exponent",
	}
)

// Kind classifies a failed attempt.
type Kind uint8

// Attempt failure kinds.
const (
	KindTransport Kind = iota
	KindTimeout
	KindRcode
	KindDNSSEC
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRcode:
		return "rcode"
	case KindDNSSEC:
		return "dnssec"
	default:
		return "transport"
	}
}

// AttemptError is the failure of one resolver.
type AttemptError struct {
	Resolver string
	Kind     Kind
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Resolver, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// ErrExhausted is matched by every ExhaustedError.
var ErrExhausted = errors.New("all resolvers failed")

// ExhaustedError is returned when every resolver of a group failed.
type ExhaustedError struct {
	Group    string
	Attempts []*AttemptError
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("group %s: no resolvers", e.Group)
	}

	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("group %s: %s: %s", e.Group, ErrExhausted, strings.Join(parts, "; "))
}

// Is reports ErrExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Unwrap exposes the attempt errors.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// EDECode reports a validation code when the last resolver failed
// validation, a network error otherwise.
func (e *ExhaustedError) EDECode() uint16 {
	if n := len(e.Attempts); n > 0 {
		var ve *ValidationError
		if errors.As(e.Attempts[n-1], &ve) {
			return ve.Code
		}
	}
	return dns.ExtendedErrorCodeNoReachableAuthority
}

var errRcode = errors.New("upstream answered with failure rcode")
