package xero

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenNotFound signals that no token record exists for the tenant.
	ErrTokenNotFound = errors.New("xero: token not found")
	// ErrDecryption indicates the stored token blob cannot be read with the current key.
	ErrDecryption = errors.New("xero: token decryption failed")
	// ErrAuthExpired indicates the refresh grant was rejected and consent must be restarted.
	ErrAuthExpired = errors.New("xero: authorization expired")
	// ErrPersistence indicates the token store rejected a read or write.
	ErrPersistence = errors.New("xero: persistence failure")
	// ErrInvalidState indicates the OAuth state is unknown, expired or already used.
	ErrInvalidState = errors.New("xero: invalid state")
	// ErrNoTenant signals that the consent produced no accessible tenant.
	ErrNoTenant = errors.New("xero: no tenant connection")
	// ErrConsentDenied indicates the provider redirected back with an error.
	ErrConsentDenied = errors.New("xero: consent denied")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("xero: invalid request")
)

// UpstreamError reports a non-2xx response from the provider.
type UpstreamError struct {
	Status   int
	Body     string
	Endpoint string
}

func (e *UpstreamError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("xero: upstream %s returned status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("xero: upstream returned status %d", e.Status)
}

// UpstreamStatus extracts the provider status from err, if any.
func UpstreamStatus(err error) (int, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status, true
	}
	return 0, false
}
