package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Transient errors indicate temporary conditions. Callers log them and try again on the
// next event, tick or request; they are never fatal on their own.

// ErrTransientConnection indicates a transient connection error (timeouts, connection refused,
// DNS resolution failures, unreachable networks).
var ErrTransientConnection = errors.New("transient connection error")

// ErrTransientRemoteOverloaded indicates that a remote service answered 429/5xx or that the
// local circuit breaker for that service is open.
var ErrTransientRemoteOverloaded = errors.New("transient remote overloaded error")

// ErrPermanentConfig indicates a configuration error that requires operator intervention,
// such as a missing CRD or an invalid flag value.
var ErrPermanentConfig = errors.New("permanent configuration error")

// ErrNotFound indicates that the addressed object does not exist in the system of record.
// For role lookups and deletions this is a normal outcome, not a failure.
var ErrNotFound = errors.New("not found")

// ErrTokenExpired indicates that the currently held access token is already expired.
var ErrTokenExpired = errors.New("access token expired")

// ErrCredentialExhausted indicates that credential renewal failed often enough that no
// further attempt is made.
var ErrCredentialExhausted = errors.New("credential refresh exhausted")

var transientConnectionPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"context deadline exceeded",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"temporary failure",
	"dial tcp",
	"connection closed",
	"broken pipe",
	"timeout",
}

// IsTransientConnection checks if an error is a transient connection error.
func IsTransientConnection(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransientConnection) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientConnectionPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsTransientRemoteOverloaded checks if an error reports an overloaded remote service.
func IsTransientRemoteOverloaded(err error) bool {
	return err != nil && errors.Is(err, ErrTransientRemoteOverloaded)
}

// WrapTransientConnection wraps an error as a transient connection error.
// If the error is already a transient connection error, it is returned as-is.
func WrapTransientConnection(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientConnection, err)
}

// WrapTransientRemoteOverloaded wraps an error as a transient remote overloaded error.
func WrapTransientRemoteOverloaded(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientRemoteOverloaded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientRemoteOverloaded, err)
}

// WrapPermanentConfig wraps an error as a permanent configuration error.
func WrapPermanentConfig(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentConfig, err)
}

// WrapNotFound wraps an error as a not-found error.
func WrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotFound, err)
}

// IsTransient checks if an error is transient.
func IsTransient(err error) bool {
	return IsTransientConnection(err) || IsTransientRemoteOverloaded(err)
}

// IsPermanent checks if an error is permanent (requires operator intervention).
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanentConfig)
}

// IsNotFound checks if an error reports an absent object.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

// IsCRDMissingError checks if an error indicates that a CRD is not installed.
func IsCRDMissingError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no matches for kind") ||
		strings.Contains(errStr, "no kind is registered for the type") ||
		strings.Contains(errStr, "could not find the requested resource")
}

// WrapCRDMissing wraps an error as a permanent config error for missing CRDs.
// Other errors are returned unchanged.
func WrapCRDMissing(err error) error {
	if err == nil {
		return nil
	}
	if IsCRDMissingError(err) {
		return WrapPermanentConfig(fmt.Errorf("CRD not installed: %w", err))
	}
	return err
}
