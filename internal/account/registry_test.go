package account

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/vault"
	"github.com/nhle/mailsync/tests/testutil"
)

func newTestVault(t *testing.T) (*vault.Vault, string) {
	t.Helper()

	dir := t.TempDir()
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	v, err := vault.New(dir, secret)
	require.NoError(t, err)
	return v, dir
}

func TestCreatePresetAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, _ := newTestVault(t)
	r := NewRegistry(s, v, nil)

	acct, err := r.Create(context.Background(), model.Account{
		Name:     "Personal",
		Address:  "user@gmail.com",
		Provider: model.ProviderGmail,
		AuthMode: model.AuthModeOAuth2,
	}, vault.Material{RefreshToken: "rt", ClientID: "cid", ClientSecret: "cs"})
	require.NoError(t, err)

	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "imap.gmail.com", acct.IMAPHost)
	assert.Equal(t, 993, acct.IMAPPort)
	assert.Equal(t, "smtp.gmail.com", acct.SMTPHost)
	assert.Equal(t, model.TLSModeImplicit, acct.IMAPTLSMode)
	assert.Equal(t, "https://oauth2.googleapis.com/token", acct.TokenEndpoint)
	assert.NotEmpty(t, acct.CredentialRef)

	stored, err := r.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, acct.IMAPHost, stored.IMAPHost)
}

func TestCreateCustomAccountValidation(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, _ := newTestVault(t)
	r := NewRegistry(s, v, nil)

	tests := []struct {
		name    string
		acct    model.Account
		wantErr string
	}{
		{
			name: "missing hosts",
			acct: model.Account{
				Address:  "a@b.example",
				Provider: model.ProviderCustom,
				AuthMode: model.AuthModePassword,
			},
			wantErr: "require IMAP and SMTP hosts",
		},
		{
			name: "port out of range",
			acct: model.Account{
				Address:     "a@b.example",
				Provider:    model.ProviderCustom,
				AuthMode:    model.AuthModePassword,
				IMAPHost:    "imap.b.example",
				IMAPPort:    70000,
				SMTPHost:    "smtp.b.example",
				SMTPPort:    465,
				IMAPTLSMode: model.TLSModeImplicit,
				SMTPTLSMode: model.TLSModeImplicit,
			},
			wantErr: "out of range",
		},
		{
			name: "missing address",
			acct: model.Account{
				Provider: model.ProviderCustom,
				AuthMode: model.AuthModePassword,
			},
			wantErr: "address is required",
		},
		{
			name: "valid custom",
			acct: model.Account{
				Address:     "a@b.example",
				Provider:    model.ProviderCustom,
				AuthMode:    model.AuthModePassword,
				IMAPHost:    "imap.b.example",
				IMAPPort:    993,
				SMTPHost:    "smtp.b.example",
				SMTPPort:    587,
				IMAPTLSMode: model.TLSModeImplicit,
				SMTPTLSMode: model.TLSModeStartTLS,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tt.acct, vault.Material{Password: "pw"})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveConnectionPasswordMode(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, vaultDir := newTestVault(t)
	r := NewRegistry(s, v, nil)

	acct, err := r.Create(context.Background(), model.Account{
		Address:     "a@b.example",
		Provider:    model.ProviderCustom,
		AuthMode:    model.AuthModePassword,
		IMAPHost:    "imap.b.example",
		IMAPPort:    993,
		SMTPHost:    "smtp.b.example",
		SMTPPort:    465,
		IMAPTLSMode: model.TLSModeImplicit,
		SMTPTLSMode: model.TLSModeImplicit,
	}, vault.Material{Password: "s3cret"})
	require.NoError(t, err)

	params, err := r.ResolveConnection(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "imap.b.example", params.IMAPHost)
	assert.Equal(t, "s3cret", params.Password)
	assert.Empty(t, params.AccessToken)

	// The plaintext never ends up in the vault directory or the DB file.
	err = filepath.WalkDir(vaultDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		assert.NotContains(t, string(data), "s3cret", "plaintext found in %s", path)
		return nil
	})
	require.NoError(t, err)
}

func TestRemoveRevokesCredential(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, vaultDir := newTestVault(t)
	r := NewRegistry(s, v, nil)

	acct, err := r.Create(context.Background(), model.Account{
		Address:  "user@gmx.net",
		Provider: model.ProviderGMX,
		AuthMode: model.AuthModePassword,
	}, vault.Material{Password: "pw"})
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), acct.ID))

	got, err := r.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	entries, err := os.ReadDir(vaultDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".cred"), "credential blob %s survived removal", e.Name())
	}

	// Removing a missing account is a no-op.
	assert.NoError(t, r.Remove(context.Background(), acct.ID))
}

func TestUpdateKeepsCredentialRef(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, _ := newTestVault(t)
	r := NewRegistry(s, v, nil)

	acct, err := r.Create(context.Background(), model.Account{
		Address:  "user@web.de",
		Provider: model.ProviderWebDE,
		AuthMode: model.AuthModePassword,
	}, vault.Material{Password: "pw"})
	require.NoError(t, err)

	acct.Name = "Renamed"
	require.NoError(t, r.Update(context.Background(), acct))

	got, err := r.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, acct.CredentialRef, got.CredentialRef)

	material, err := v.Resolve(got.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, "pw", material.Password)
}

func TestPresetTableComplete(t *testing.T) {
	for _, p := range []model.Provider{
		model.ProviderGmail, model.ProviderOutlook,
		model.ProviderWebDE, model.ProviderGMX, model.ProviderYahoo,
	} {
		preset, ok := PresetFor(p)
		require.True(t, ok, "missing preset for %s", p)
		assert.NotEmpty(t, preset.IMAPHost)
		assert.NotZero(t, preset.IMAPPort)
		assert.NotEmpty(t, preset.SMTPHost)
		assert.NotZero(t, preset.SMTPPort)
		if preset.PreferredAuthMode == model.AuthModeOAuth2 {
			assert.NotEmpty(t, preset.TokenEndpoint)
		}
	}

	_, ok := PresetFor(model.ProviderCustom)
	assert.False(t, ok)
}
