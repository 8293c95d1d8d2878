package model

import "errors"

// Engine error taxonomy. Components wrap these sentinels with context via
// fmt.Errorf("...: %w", Err...) so callers can classify with errors.Is.
var (
	// ErrConnectionFailed covers dial, TLS handshake, and timeout
	// failures. Retried with capped backoff.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrAuthenticationFailed is a rejected password login. Never
	// retried automatically; requires user action.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrReauthorizationRequired means the OAuth2 refresh token was
	// revoked and the user must re-consent.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrVaultLocked means the vault master key is unavailable.
	ErrVaultLocked = errors.New("vault locked")

	// ErrDecryptionFailed means ciphertext and key do not match
	// (tampering or corruption). No partial secret is ever returned.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUIDValidityReset means the server reset a folder's UID
	// namespace; the local folder cache must be invalidated.
	ErrUIDValidityReset = errors.New("uid validity reset")

	// ErrRetryableFailure is a transient protocol failure (4xx SMTP,
	// connection reset) eligible for backoff retry.
	ErrRetryableFailure = errors.New("retryable failure")

	// ErrPermanentFailure is a non-recoverable protocol rejection
	// (5xx SMTP, malformed recipient).
	ErrPermanentFailure = errors.New("permanent failure")

	// ErrQuotaExceeded is a provider-reported quota condition.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// ErrorKind maps an engine error to its taxonomy name for status display.
// Unknown errors report as "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrReauthorizationRequired):
		return "reauthorization_required"
	case errors.Is(err, ErrVaultLocked):
		return "vault_locked"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrUIDValidityReset):
		return "uid_validity_reset"
	case errors.Is(err, ErrRetryableFailure):
		return "retryable_failure"
	case errors.Is(err, ErrPermanentFailure):
		return "permanent_failure"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	default:
		return "internal"
	}
}

// IsSecurityError reports whether err is a vault-level failure, which the
// UI surfaces distinctly from ordinary connectivity errors.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrVaultLocked) || errors.Is(err, ErrDecryptionFailed)
}
