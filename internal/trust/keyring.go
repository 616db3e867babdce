package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// BcryptPrefix marks a keyring entry whose secret is a bcrypt hash rather
// than the key itself.
const BcryptPrefix = "bcrypt:"

type keyEntry struct {
	name   string
	digest [32]byte // sha256 of a plaintext key
	hash   []byte   // bcrypt hash, when the entry is hashed
}

// Keyring resolves API keys to key names.
//
// Entries are "name:secret" or a bare secret, in which case the name is
// "key<N>". A secret of the form "bcrypt:<hash>" is verified with bcrypt;
// successful verifications are remembered so each presented key pays the
// bcrypt cost once.
type Keyring struct {
	entries []keyEntry

	mu       sync.RWMutex
	verified map[[32]byte]string
}

// NewKeyring parses keyring entries.
func NewKeyring(entries []string) (*Keyring, error) {
	k := &Keyring{verified: make(map[[32]byte]string)}
	for i, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, secret := fmt.Sprintf("key%d", i+1), raw
		if before, after, ok := strings.Cut(raw, ":"); ok && before != "" && !strings.HasPrefix(raw, BcryptPrefix) {
			name, secret = before, after
		}
		if secret == "" {
			return nil, fmt.Errorf("trust: api key %q has an empty secret", name)
		}

		e := keyEntry{name: name}
		if hash, ok := strings.CutPrefix(secret, BcryptPrefix); ok {
			if _, err := bcrypt.Cost([]byte(hash)); err != nil {
				return nil, fmt.Errorf("trust: api key %q has an invalid bcrypt hash: %w", name, err)
			}
			e.hash = []byte(hash)
		} else {
			e.digest = sha256.Sum256([]byte(secret))
		}
		k.entries = append(k.entries, e)
	}
	return k, nil
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entries)
}

// Lookup returns the name of the key matching presented.
func (k *Keyring) Lookup(presented string) (string, bool) {
	if k == nil || presented == "" {
		return "", false
	}
	digest := sha256.Sum256([]byte(presented))

	k.mu.RLock()
	name, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return name, true
	}

	// Compare against every plaintext entry so timing does not reveal
	// which entry matched.
	match := ""
	for _, e := range k.entries {
		if e.hash == nil && subtle.ConstantTimeCompare(e.digest[:], digest[:]) == 1 {
			match = e.name
		}
	}
	if match != "" {
		return match, true
	}

	for _, e := range k.entries {
		if e.hash == nil {
			continue
		}
		if bcrypt.CompareHashAndPassword(e.hash, []byte(presented)) == nil {
			k.mu.Lock()
			k.verified[digest] = e.name
			k.mu.Unlock()
			return e.name, true
		}
	}
	return "", false
}

// HashKey returns a keyring secret holding the bcrypt hash of key.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("trust: failed to hash key: %w", err)
	}
	return BcryptPrefix + string(hash), nil
}
