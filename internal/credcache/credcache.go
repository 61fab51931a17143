// Package credcache stores the account's browser cookie string encrypted on
// disk so the user does not have to paste it on every run. Entries expire
// after seven days; platform sessions rarely outlive that.
package credcache

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/argon2"
)

const cacheName = "bws_credentials"

// MaxAge is how long a cached cookie is trusted before the user must log in
// again.
const MaxAge = 7 * 24 * time.Hour

var (
	ErrNoCache = errors.New("no cached credentials")
	ErrExpired = errors.New("cached credentials expired")
)

// Cache encrypts entries with securecookie. Keys come either directly from
// config or are derived from a passphrase with argon2id.
type Cache struct {
	path       string
	passphrase string
	hashKey    []byte
	blockKey   []byte
}

// New uses explicit keys: hashKey authenticates, blockKey encrypts. Both are
// required.
func New(path string, hashKey, blockKey []byte) (*Cache, error) {
	if len(hashKey) == 0 || len(blockKey) == 0 {
		return nil, fmt.Errorf("credential cache needs both a hash key and a block key")
	}
	return &Cache{path: path, hashKey: hashKey, blockKey: blockKey}, nil
}

// NewWithPassphrase derives the keys from a passphrase instead. A fresh salt
// is drawn on every save and stored next to the ciphertext.
func NewWithPassphrase(path, passphrase string) (*Cache, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("credential cache passphrase is empty")
	}
	return &Cache{path: path, passphrase: passphrase}, nil
}

type envelope struct {
	Salt    []byte `json:"salt,omitempty"`
	Payload string `json:"payload"`
}

type entry struct {
	Cookie  string    `json:"cookie"`
	SavedAt time.Time `json:"saved_at"`
}

func (c *Cache) codec(salt []byte) *securecookie.SecureCookie {
	hk, bk := c.hashKey, c.blockKey
	if c.passphrase != "" {
		key := argon2.IDKey([]byte(c.passphrase), salt, 1, 64*1024, 4, 64)
		hk, bk = key[:32], key[32:]
	}
	sc := securecookie.New(hk, bk)
	// expiry is enforced via the entry's own timestamp, see Load
	sc.MaxAge(0)
	return sc
}

// Save encrypts the cookie string and writes it to the cache path.
func (c *Cache) Save(cookie string) error {
	return c.saveAt(cookie, time.Now())
}

func (c *Cache) saveAt(cookie string, at time.Time) error {
	var salt []byte
	if c.passphrase != "" {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
	}
	payload, err := c.codec(salt).Encode(cacheName, entry{Cookie: cookie, SavedAt: at})
	if err != nil {
		return err
	}
	b, err := json.Marshal(envelope{Salt: salt, Payload: payload})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, b, 0o600)
}

// Load decrypts the cached cookie string. It returns ErrNoCache when no
// cache file exists and ErrExpired when the entry is older than MaxAge; a
// decode failure (wrong key or passphrase, tampered file) is an error too.
func (c *Cache) Load() (string, error) {
	b, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return "", ErrNoCache
	}
	if err != nil {
		return "", err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", fmt.Errorf("credential cache is corrupt: %w", err)
	}
	var e entry
	if err := c.codec(env.Salt).Decode(cacheName, env.Payload, &e); err != nil {
		return "", fmt.Errorf("decrypting credential cache: %w", err)
	}
	if time.Since(e.SavedAt) > MaxAge {
		return "", ErrExpired
	}
	return e.Cookie, nil
}

// Clear removes the cache file. A missing file is not an error.
func (c *Cache) Clear() error {
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
