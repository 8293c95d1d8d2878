package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	events *hub
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, events: newHub()}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Subscribe registers a change listener for the given scope.
func (s *SQLiteStore) Subscribe(scope EventScope) *Subscription {
	return s.events.subscribe(scope)
}

// Unsubscribe removes a listener and closes its channel.
func (s *SQLiteStore) Unsubscribe(sub *Subscription) {
	s.events.unsubscribe(sub)
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or replaces an account record.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct model.Account) error {
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	acct.UpdatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO accounts (
			id, name, address, provider, auth_mode,
			imap_host, imap_port, smtp_host, smtp_port,
			imap_tls_mode, smtp_tls_mode,
			credential_ref, token_endpoint,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Name, acct.Address, acct.Provider, acct.AuthMode,
		acct.IMAPHost, acct.IMAPPort, acct.SMTPHost, acct.SMTPPort,
		acct.IMAPTLSMode, acct.SMTPTLSMode,
		acct.CredentialRef, acct.TokenEndpoint,
		acct.CreatedAt.UTC(), acct.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acct.ID, err)
	}

	return nil
}

// GetAccounts retrieves all configured accounts ordered by name.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.SelectContext(ctx, &accounts, "SELECT * FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	return accounts, nil
}

// GetAccountByID retrieves a single account, or nil when absent.
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	var acct model.Account
	err := s.db.GetContext(ctx, &acct, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &acct, nil
}

// DeleteAccount removes an account; folders, messages, and outgoing
// items cascade via foreign keys.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}

	s.events.publish(Event{Kind: EventFoldersChanged, AccountID: id})
	return nil
}

// folderRef resolves a folder's account ID and path for event publishing.
func (s *SQLiteStore) folderRef(ctx context.Context, folderID int64) (accountID, path string, err error) {
	row := s.db.QueryRowxContext(ctx, "SELECT account_id, path FROM folders WHERE id = ?", folderID)
	if err := row.Scan(&accountID, &path); err != nil {
		return "", "", fmt.Errorf("resolving folder %d: %w", folderID, err)
	}
	return accountID, path, nil
}
