package model

import "time"

// Provider identifies a preset mail provider or a custom server pair.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderWebDE   Provider = "webde"
	ProviderGMX     Provider = "gmx"
	ProviderYahoo   Provider = "yahoo"
	ProviderCustom  Provider = "custom"
)

// AuthMode selects how an account authenticates against its servers.
type AuthMode string

const (
	AuthModePassword AuthMode = "password"
	AuthModeOAuth2   AuthMode = "oauth2"
)

// TLSMode selects how the transport connection is secured.
type TLSMode string

const (
	// TLSModeImplicit dials a TLS connection directly (IMAPS/SMTPS ports).
	TLSModeImplicit TLSMode = "implicit"

	// TLSModeStartTLS dials plaintext and upgrades via STARTTLS.
	TLSModeStartTLS TLSMode = "starttls"
)

// AccountState is the user-visible status of an account's sync lifecycle.
type AccountState string

const (
	AccountStateIdle           AccountState = "idle"
	AccountStateSyncing        AccountState = "syncing"
	AccountStatePausedError    AccountState = "paused_error"
	AccountStateReauthRequired AccountState = "reauth_required"
)

// Account is one configured mail account. Records are immutable per version:
// edits replace the whole record and bump UpdatedAt.
type Account struct {
	// ID is the internal unique identifier for this account.
	ID string `json:"id" db:"id"`

	// Name is the user-defined label for this account.
	Name string `json:"name" db:"name"`

	// Address is the mailbox address, also used as the login username.
	Address string `json:"address" db:"address"`

	// Provider selects the preset defaults (or ProviderCustom).
	Provider Provider `json:"provider" db:"provider"`

	// AuthMode is password or oauth2.
	AuthMode AuthMode `json:"auth_mode" db:"auth_mode"`

	// IMAPHost and IMAPPort locate the IMAP endpoint.
	IMAPHost string `json:"imap_host" db:"imap_host"`
	IMAPPort int    `json:"imap_port" db:"imap_port"`

	// SMTPHost and SMTPPort locate the SMTP endpoint.
	SMTPHost string `json:"smtp_host" db:"smtp_host"`
	SMTPPort int    `json:"smtp_port" db:"smtp_port"`

	// IMAPTLSMode and SMTPTLSMode select transport security per endpoint.
	IMAPTLSMode TLSMode `json:"imap_tls_mode" db:"imap_tls_mode"`
	SMTPTLSMode TLSMode `json:"smtp_tls_mode" db:"smtp_tls_mode"`

	// CredentialRef points at the vault entry holding this account's
	// secret material. Empty until credentials are stored.
	CredentialRef string `json:"credential_ref" db:"credential_ref"`

	// TokenEndpoint is the OAuth2 token URL (oauth2 mode only).
	TokenEndpoint string `json:"token_endpoint" db:"token_endpoint"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AccountStatus is the observable sync status snapshot for one account.
// The UI layer reads these; the engine is the only writer.
type AccountStatus struct {
	AccountID string       `json:"account_id"`
	State     AccountState `json:"state"`

	// ErrorKind names the error that paused the account, when
	// State is AccountStatePausedError.
	ErrorKind string `json:"error_kind,omitempty"`

	// LastSyncAt is when the last successful sync cycle finished.
	LastSyncAt time.Time `json:"last_sync_at"`
}

// ConnectionParams is everything needed to open one authenticated session.
// Secret fields are transient: assembled on demand, never persisted.
type ConnectionParams struct {
	Address     string
	IMAPHost    string
	IMAPPort    int
	SMTPHost    string
	SMTPPort    int
	IMAPTLSMode TLSMode
	SMTPTLSMode TLSMode
	AuthMode    AuthMode

	// Password is set in password mode only.
	Password string

	// AccessToken is a fresh bearer token, oauth2 mode only.
	AccessToken string
}
