package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/nhle/mailsync/internal/model"
)

const (
	serviceName = "mailsync"
	masterKey   = "master-secret"

	// schemeAESGCM identifies the current encryption scheme. Stored in
	// every blob so future schemes can coexist during migration.
	schemeAESGCM = "aes256-gcm/pbkdf2-sha256"

	pbkdf2Iterations = 600_000
	saltSize         = 16
	keySize          = 32
)

// Material is decrypted secret material for one account. Instances are
// transient: assembled for the duration of a connection attempt and never
// serialized outside the vault.
type Material struct {
	// Password is the account password (password auth mode).
	Password string `json:"password,omitempty"`

	// RefreshToken is the long-lived OAuth2 credential (oauth2 mode).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ClientID and ClientSecret are the provider client metadata
	// needed to exercise the refresh token.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// blob is the on-disk ciphertext envelope. The key is never stored with it.
type blob struct {
	Scheme string `json:"scheme"`
	Salt   string `json:"salt"`
	Data   string `json:"data"` // base64(nonce || ciphertext)
}

// Vault encrypts account secrets at rest with AES-256-GCM. The per-blob
// key is derived from a master secret (held in the OS keyring) and a
// per-credential random salt; the derived keys and the master secret live
// only in memory.
type Vault struct {
	dir string

	mu     sync.RWMutex
	secret []byte
}

// Open initializes a vault rooted at dir, loading (or minting on first
// run) the master secret from the OS keyring.
func Open(dir string) (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "..", "keyring"),
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	secret, err := loadOrCreateSecret(ring)
	if err != nil {
		return nil, err
	}

	return New(dir, secret)
}

// New creates a vault with an explicit master secret. Open is the normal
// entry point; New exists for re-keying and tests.
func New(dir string, secret []byte) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vault dir: %w", err)
	}
	return &Vault{dir: dir, secret: secret}, nil
}

func loadOrCreateSecret(ring keyring.Keyring) ([]byte, error) {
	item, err := ring.Get(masterKey)
	if err == nil {
		secret, decErr := base64.StdEncoding.DecodeString(string(item.Data))
		if decErr != nil {
			return nil, fmt.Errorf("decoding master secret: %w", decErr)
		}
		return secret, nil
	}

	secret := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}

	err = ring.Set(keyring.Item{
		Key:  masterKey,
		Data: []byte(base64.StdEncoding.EncodeToString(secret)),
	})
	if err != nil {
		return nil, fmt.Errorf("storing master secret: %w", err)
	}

	return secret, nil
}

// Store encrypts material and persists it, returning an opaque reference.
// The write is atomic: a crash mid-write cannot leave a half-written blob.
func (v *Vault) Store(accountID string, material Material) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.secret == nil {
		return "", fmt.Errorf("storing credential for %s: %w", accountID, model.ErrVaultLocked)
	}

	ref := uuid.New().String()
	if err := v.writeBlob(ref, material, v.secret); err != nil {
		return "", err
	}

	return ref, nil
}

// Resolve decrypts the material behind ref. It fails with
// model.ErrVaultLocked when no master key is available, and with
// model.ErrDecryptionFailed when ciphertext and key do not match.
func (v *Vault) Resolve(ref string) (Material, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.secret == nil {
		return Material{}, fmt.Errorf("resolving credential %s: %w", ref, model.ErrVaultLocked)
	}

	return v.readBlob(ref, v.secret)
}

// Revoke deletes the stored secret irreversibly.
func (v *Vault) Revoke(ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.Remove(v.blobPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("revoking credential %s: %w", ref, err)
	}
	return nil
}

// Rekey re-encrypts every stored blob under newSecret. Resolve calls
// block until the re-key completes.
func (v *Vault) Rekey(newSecret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.secret == nil {
		return fmt.Errorf("rekeying vault: %w", model.ErrVaultLocked)
	}

	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return fmt.Errorf("listing vault dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".cred") {
			continue
		}
		ref := strings.TrimSuffix(name, ".cred")

		material, err := v.readBlob(ref, v.secret)
		if err != nil {
			return fmt.Errorf("rekeying %s: %w", ref, err)
		}
		if err := v.writeBlob(ref, material, newSecret); err != nil {
			return fmt.Errorf("rekeying %s: %w", ref, err)
		}
	}

	v.secret = newSecret
	return nil
}

func (v *Vault) blobPath(ref string) string {
	return filepath.Join(v.dir, ref+".cred")
}

func (v *Vault) writeBlob(ref string, material Material, secret []byte) error {
	plaintext, err := json.Marshal(material)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	data, err := json.Marshal(blob{
		Scheme: schemeAESGCM,
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Data:   base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return fmt.Errorf("encoding blob: %w", err)
	}

	return atomicWrite(v.blobPath(ref), data)
}

func (v *Vault) readBlob(ref string, secret []byte) (Material, error) {
	raw, err := os.ReadFile(v.blobPath(ref))
	if err != nil {
		return Material{}, fmt.Errorf("reading credential %s: %w", ref, err)
	}

	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return Material{}, fmt.Errorf("credential %s: %w", ref, model.ErrDecryptionFailed)
	}
	if b.Scheme != schemeAESGCM {
		return Material{}, fmt.Errorf("credential %s: unknown scheme %q: %w", ref, b.Scheme, model.ErrDecryptionFailed)
	}

	salt, err := base64.StdEncoding.DecodeString(b.Salt)
	if err != nil {
		return Material{}, fmt.Errorf("credential %s: %w", ref, model.ErrDecryptionFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return Material{}, fmt.Errorf("credential %s: %w", ref, model.ErrDecryptionFailed)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return Material{}, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return Material{}, fmt.Errorf("credential %s: %w", ref, model.ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Material{}, fmt.Errorf("credential %s: %w", ref, model.ErrDecryptionFailed)
	}

	var material Material
	if err := json.Unmarshal(plaintext, &material); err != nil {
		return Material{}, fmt.Errorf("credential %s: %w", ref, model.ErrDecryptionFailed)
	}

	return material, nil
}

func newGCM(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// atomicWrite writes data to path via a temp file and rename so readers
// never observe a partial blob.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
