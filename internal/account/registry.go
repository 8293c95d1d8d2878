package account

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/vault"
)

// SecretVault is the credential storage the registry depends on.
// Satisfied by *vault.Vault.
type SecretVault interface {
	Store(accountID string, material vault.Material) (string, error)
	Resolve(ref string) (vault.Material, error)
	Revoke(ref string) error
}

// TokenSource mints access tokens for oauth2 accounts. Satisfied by
// *oauth.Manager.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, acct model.Account) (string, error)
	Reauthorize(accountID string)
	Forget(accountID string)
}

// Registry holds validated account records and assembles connection
// parameters on demand. Plaintext secret material is never cached beyond
// a single ResolveConnection call.
type Registry struct {
	store  store.Store
	vault  SecretVault
	tokens TokenSource
}

// NewRegistry creates a registry backed by the given store and vault.
func NewRegistry(s store.Store, v SecretVault, tokens TokenSource) *Registry {
	return &Registry{store: s, vault: v, tokens: tokens}
}

// Create validates and persists a new account. Preset providers fill
// endpoint defaults; custom providers are validated for explicit,
// plausible values. The secret material is handed straight to the vault.
func (r *Registry) Create(ctx context.Context, acct model.Account, material vault.Material) (model.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}

	if err := applyPreset(&acct); err != nil {
		return model.Account{}, fmt.Errorf("creating account: %w", err)
	}
	if err := validate(&acct); err != nil {
		return model.Account{}, fmt.Errorf("creating account: %w", err)
	}

	ref, err := r.vault.Store(acct.ID, material)
	if err != nil {
		return model.Account{}, fmt.Errorf("storing credentials: %w", err)
	}
	acct.CredentialRef = ref

	if err := r.store.UpsertAccount(ctx, acct); err != nil {
		// Do not leave an orphaned credential behind.
		_ = r.vault.Revoke(ref)
		return model.Account{}, err
	}

	return acct, nil
}

// Update replaces an account's configuration. The credential reference
// is carried over; use UpdateCredential to change secrets.
func (r *Registry) Update(ctx context.Context, acct model.Account) error {
	existing, err := r.store.GetAccountByID(ctx, acct.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("updating account: %s not found", acct.ID)
	}

	acct.CredentialRef = existing.CredentialRef
	acct.CreatedAt = existing.CreatedAt

	if err := applyPreset(&acct); err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	if err := validate(&acct); err != nil {
		return fmt.Errorf("updating account: %w", err)
	}

	return r.store.UpsertAccount(ctx, acct)
}

// UpdateCredential replaces an account's secret material, revoking the
// old vault entry. For oauth2 accounts the token manager is reset so the
// next sync uses the new refresh token.
func (r *Registry) UpdateCredential(ctx context.Context, accountID string, material vault.Material) error {
	acct, err := r.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("updating credential: account %s not found", accountID)
	}

	ref, err := r.vault.Store(accountID, material)
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	oldRef := acct.CredentialRef
	acct.CredentialRef = ref
	if err := r.store.UpsertAccount(ctx, *acct); err != nil {
		_ = r.vault.Revoke(ref)
		return err
	}

	if oldRef != "" {
		_ = r.vault.Revoke(oldRef)
	}
	if acct.AuthMode == model.AuthModeOAuth2 && r.tokens != nil {
		r.tokens.Reauthorize(accountID)
	}

	return nil
}

// Remove deletes an account, cascading to its folders, messages, and
// queued items, and irreversibly revokes its vault entry.
func (r *Registry) Remove(ctx context.Context, accountID string) error {
	acct, err := r.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return nil
	}

	if err := r.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}

	if acct.CredentialRef != "" {
		if err := r.vault.Revoke(acct.CredentialRef); err != nil {
			return fmt.Errorf("revoking credentials for %s: %w", accountID, err)
		}
	}
	if r.tokens != nil {
		r.tokens.Forget(accountID)
	}

	return nil
}

// Get retrieves one account record.
func (r *Registry) Get(ctx context.Context, accountID string) (*model.Account, error) {
	return r.store.GetAccountByID(ctx, accountID)
}

// List retrieves all account records.
func (r *Registry) List(ctx context.Context) ([]model.Account, error) {
	return r.store.GetAccounts(ctx)
}

// ResolveConnection assembles endpoint parameters plus a live credential:
// the decrypted password in password mode, or a fresh access token in
// oauth2 mode. The result is transient; nothing is cached or persisted.
func (r *Registry) ResolveConnection(ctx context.Context, accountID string) (model.ConnectionParams, error) {
	acct, err := r.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return model.ConnectionParams{}, err
	}
	if acct == nil {
		return model.ConnectionParams{}, fmt.Errorf("resolving connection: account %s not found", accountID)
	}

	params := model.ConnectionParams{
		Address:     acct.Address,
		IMAPHost:    acct.IMAPHost,
		IMAPPort:    acct.IMAPPort,
		SMTPHost:    acct.SMTPHost,
		SMTPPort:    acct.SMTPPort,
		IMAPTLSMode: acct.IMAPTLSMode,
		SMTPTLSMode: acct.SMTPTLSMode,
		AuthMode:    acct.AuthMode,
	}

	switch acct.AuthMode {
	case model.AuthModePassword:
		material, err := r.vault.Resolve(acct.CredentialRef)
		if err != nil {
			return model.ConnectionParams{}, err
		}
		params.Password = material.Password

	case model.AuthModeOAuth2:
		token, err := r.tokens.EnsureValidToken(ctx, *acct)
		if err != nil {
			return model.ConnectionParams{}, err
		}
		params.AccessToken = token

	default:
		return model.ConnectionParams{}, fmt.Errorf("resolving connection: unknown auth mode %q", acct.AuthMode)
	}

	return params, nil
}
