// Package auth manages Qwen OAuth credentials: on-disk storage, the
// device authorization flow, and refresh-token renewal.
package auth

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RefreshBuffer is how early a credential stops counting as valid
// before its actual expiry.
const RefreshBuffer = 30 * time.Second

const (
	credFileDefault = "oauth_creds.json"
	credFilePrefix  = "oauth_creds-"
	credFileSuffix  = ".json"
)

// Credential is one stored OAuth credential. The zero account id ("")
// denotes the default, unnamed credential.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"` // unix milliseconds
}

// ExpiresAt returns the expiry as a time.Time.
func (c *Credential) ExpiresAt() time.Time {
	return time.UnixMilli(c.ExpiryDate)
}

// MinutesLeft returns minutes until expiry relative to now. Negative
// when the credential is already expired.
func (c *Credential) MinutesLeft(now time.Time) float64 {
	return float64(c.ExpiryDate-now.UnixMilli()) / 60000
}

// APIBaseURL resolves the upstream base URL for this credential. A
// resource_url issued by the provider overrides fallback, normalized to
// carry a scheme and end in /v1.
func (c *Credential) APIBaseURL(fallback string) string {
	if c.ResourceURL == "" {
		return fallback
	}
	endpoint := c.ResourceURL
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = "https://" + endpoint
	}
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint = strings.TrimSuffix(endpoint, "/") + "/v1"
	}
	return endpoint
}

// IsValid reports whether the credential can still be used without a
// refresh: now must be earlier than expiry minus RefreshBuffer.
func IsValid(c *Credential) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return time.Now().UnixMilli() < c.ExpiryDate-RefreshBuffer.Milliseconds()
}

// Store owns the credential directory. One JSON file per account plus
// the default file; the in-memory cache is updated together with every
// write.
type Store struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Credential
}

// NewStore creates a store over dir without touching the disk.
func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: make(map[string]*Credential)}
}

// Dir returns the credential directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path backing an account id.
func (s *Store) Path(accountID string) string {
	if accountID == "" {
		return filepath.Join(s.dir, credFileDefault)
	}
	return filepath.Join(s.dir, credFilePrefix+accountID+credFileSuffix)
}

// LoadAll enumerates the credential directory and rebuilds the cache.
// Files that fail to parse are skipped with a warning, never surfaced
// as errors.
func (s *Store) LoadAll() map[string]*Credential {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ Failed to read credentials dir %s: %v", s.dir, err)
		}
		entries = nil
	}

	loaded := make(map[string]*Credential)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		accountID, ok := accountIDFromFile(entry.Name())
		if !ok {
			continue
		}
		cred, err := readCredentialFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			log.Printf("⚠️ Skipping credential file %s: %v", entry.Name(), err)
			continue
		}
		loaded[accountID] = cred
	}

	s.mu.Lock()
	s.cache = loaded
	s.mu.Unlock()

	out := make(map[string]*Credential, len(loaded))
	for id, cred := range loaded {
		out[id] = cred
	}
	return out
}

// AccountIDs returns the sorted named account ids currently on disk.
// The default credential is not listed.
func (s *Store) AccountIDs() []string {
	all := s.LoadAll()
	ids := make([]string, 0, len(all))
	for id := range all {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Load returns the credential for accountID ("" for the default),
// reading from disk on a cache miss.
func (s *Store) Load(accountID string) (*Credential, error) {
	s.mu.RLock()
	cred, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return cred, nil
	}

	cred, err := readCredentialFile(s.Path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, displayID(accountID))
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[accountID] = cred
	s.mu.Unlock()
	return cred, nil
}

// Save writes the credential to its account file and updates the cache.
func (s *Store) Save(cred *Credential, accountID string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path(accountID), data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}

	s.mu.Lock()
	s.cache[accountID] = cred
	s.mu.Unlock()
	return nil
}

// Remove deletes the account's credential file and cache entry.
func (s *Store) Remove(accountID string) error {
	err := os.Remove(s.Path(accountID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, displayID(accountID))
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
	return nil
}

func accountIDFromFile(name string) (string, bool) {
	if name == credFileDefault {
		return "", true
	}
	if strings.HasPrefix(name, credFilePrefix) && strings.HasSuffix(name, credFileSuffix) {
		id := strings.TrimSuffix(strings.TrimPrefix(name, credFilePrefix), credFileSuffix)
		if id != "" {
			return id, true
		}
	}
	return "", false
}

func readCredentialFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("missing access_token")
	}
	return &cred, nil
}

func displayID(accountID string) string {
	if accountID == "" {
		return "default"
	}
	return accountID
}
