package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/vault"
)

// State is the per-account authorization state.
type State string

const (
	StateUnauthorized State = "unauthorized"
	StateAuthorizing  State = "authorizing"
	StateAuthorized   State = "authorized"
	StateRefreshing   State = "refreshing"
	StateRevoked      State = "revoked"
)

// SecretSource resolves vault-encrypted credential material. Satisfied by
// *vault.Vault.
type SecretSource interface {
	Resolve(ref string) (vault.Material, error)
}

// token is one cached access token.
type token struct {
	accessToken string
	expiry      time.Time
	scopes      []string
}

// entry is the manager's per-account state.
type entry struct {
	state State
	tok   token

	// inflight is non-nil while a refresh is on the wire. Concurrent
	// callers wait on it instead of issuing their own refresh.
	inflight chan struct{}
}

// Manager obtains, refreshes, and invalidates OAuth2 access tokens, one
// cached token per account. Durable refresh tokens stay in the vault;
// they are decrypted only for the duration of a refresh call.
type Manager struct {
	secrets SecretSource
	client  *http.Client

	// margin refreshes tokens this long before their reported expiry.
	margin time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a token manager. margin is the refresh safety margin.
func NewManager(secrets SecretSource, margin time.Duration, timeout time.Duration) *Manager {
	return &Manager{
		secrets: secrets,
		client:  &http.Client{Timeout: timeout},
		margin:  margin,
		entries: make(map[string]*entry),
	}
}

// EnsureValidToken returns a usable access token for acct, transparently
// refreshing when the cached token is within the expiry margin. Refreshes
// for the same account are coalesced: at most one network call is in
// flight, and concurrent callers share its result.
//
// Once an account is revoked, every call fails with
// model.ErrReauthorizationRequired without touching the network until
// Reauthorize is called.
func (m *Manager) EnsureValidToken(ctx context.Context, acct model.Account) (string, error) {
	for {
		m.mu.Lock()
		e := m.entry(acct.ID)

		if e.state == StateRevoked {
			m.mu.Unlock()
			return "", fmt.Errorf("account %s: %w", acct.ID, model.ErrReauthorizationRequired)
		}

		if e.tok.accessToken != "" && time.Now().Add(m.margin).Before(e.tok.expiry) {
			tok := e.tok.accessToken
			m.mu.Unlock()
			return tok, nil
		}

		if e.inflight != nil {
			// Another caller is refreshing; await its result.
			wait := e.inflight
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}

		done := make(chan struct{})
		e.inflight = done
		e.state = StateRefreshing
		m.mu.Unlock()

		tok, err := m.refresh(ctx, acct)

		m.mu.Lock()
		e.inflight = nil
		if err == nil {
			e.state = StateAuthorized
			e.tok = tok
		} else if isInvalidGrant(err) {
			e.state = StateRevoked
			e.tok = token{}
			err = fmt.Errorf("account %s: %w", acct.ID, model.ErrReauthorizationRequired)
		} else {
			e.state = StateUnauthorized
		}
		m.mu.Unlock()
		close(done)

		if err != nil {
			return "", err
		}
		return tok.accessToken, nil
	}
}

// StateOf reports the current authorization state for accountID.
func (m *Manager) StateOf(accountID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry(accountID).state
}

// Invalidate drops the cached access token so the next call refreshes.
func (m *Manager) Invalidate(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(accountID)
	e.tok = token{}
	if e.state == StateAuthorized {
		e.state = StateUnauthorized
	}
}

// Reauthorize clears a revoked state after the user has re-consented and
// a new refresh token has been stored in the vault.
func (m *Manager) Reauthorize(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(accountID)
	e.state = StateUnauthorized
	e.tok = token{}
}

// Forget removes all cached state for an account (account removal).
func (m *Manager) Forget(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, accountID)
}

// entry returns the account's entry, creating it. Caller holds m.mu.
func (m *Manager) entry(accountID string) *entry {
	e, ok := m.entries[accountID]
	if !ok {
		e = &entry{state: StateUnauthorized}
		m.entries[accountID] = e
	}
	return e
}

// invalidGrantError marks a provider-reported revocation.
type invalidGrantError struct{ body string }

func (e *invalidGrantError) Error() string {
	return fmt.Sprintf("token endpoint rejected refresh token: %s", e.body)
}

func isInvalidGrant(err error) bool {
	var ig *invalidGrantError
	return errors.As(err, &ig)
}

// refresh performs the refresh_token grant against the account's token
// endpoint. The vault-held refresh token is decrypted for the duration of
// this call only.
func (m *Manager) refresh(ctx context.Context, acct model.Account) (token, error) {
	if acct.TokenEndpoint == "" {
		return token{}, fmt.Errorf("account %s has no token endpoint", acct.ID)
	}

	material, err := m.secrets.Resolve(acct.CredentialRef)
	if err != nil {
		return token{}, fmt.Errorf("resolving refresh token: %w", err)
	}
	if material.RefreshToken == "" {
		return token{}, fmt.Errorf("account %s has no refresh token", acct.ID)
	}

	form := url.Values{}
	form.Set("client_id", material.ClientID)
	form.Set("client_secret", material.ClientSecret)
	form.Set("refresh_token", material.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return token{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return token{}, fmt.Errorf("calling token endpoint: %v: %w", err, model.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" {
			return token{}, &invalidGrantError{body: string(body)}
		}
		return token{}, fmt.Errorf("token endpoint returned status %d: %s: %w",
			resp.StatusCode, string(body), model.ErrRetryableFailure)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return token{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return token{}, fmt.Errorf("token endpoint returned no access token")
	}

	expiry := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	if tokenResp.ExpiresIn == 0 {
		expiry = time.Now().Add(1 * time.Hour)
	}

	return token{
		accessToken: tokenResp.AccessToken,
		expiry:      expiry,
		scopes:      strings.Fields(tokenResp.Scope),
	}, nil
}
