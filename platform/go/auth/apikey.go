package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Scope is a coarse permission attached to an API key.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// ErrKeyFileMissing indicates the configured key file does not exist.
var ErrKeyFileMissing = errors.New("api key file not found")

// Key is one named credential from the key file.
type Key struct {
	Name        string
	Secret      string
	Description string
	Active      bool
	Scopes      []Scope
	CreatedAt   *time.Time
}

// HasScope reports whether the key carries the given scope.
func (k Key) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// KeyInfo is the redacted view of a key, safe to return from admin endpoints.
type KeyInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Active      bool       `json:"active"`
	Scopes      []Scope    `json:"permissions"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// keyFile mirrors the on-disk JSON document:
//
//	{"keys": {"name": {"key": "...", "description": "...", "active": true, "permissions": ["read"]}}}
type keyFile struct {
	Keys map[string]keyFileEntry `json:"keys"`
}

type keyFileEntry struct {
	Key         string     `json:"key"`
	Description string     `json:"description"`
	Active      bool       `json:"active"`
	Permissions []string   `json:"permissions"`
	CreatedAt   *time.Time `json:"created_at"`
}

// snapshot is an immutable view of the key file, indexed by secret.
// Reload builds a fresh snapshot and swaps the pointer so in-flight
// lookups never observe a partially loaded registry.
type snapshot struct {
	bySecret map[string]Key
	names    []string
}

// Registry resolves API key secrets to credentials. It is safe for
// concurrent use; Reload may be called at any time.
type Registry struct {
	path string

	mu   sync.RWMutex
	snap *snapshot
}

// NewRegistry loads the key file at path and returns a ready registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the key file and atomically replaces the active snapshot.
// On failure the previous snapshot stays in effect.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrKeyFileMissing, r.path)
		}
		return fmt.Errorf("read api key file: %w", err)
	}

	var doc keyFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse api key file %s: %w", r.path, err)
	}

	snap := &snapshot{bySecret: make(map[string]Key, len(doc.Keys))}
	for name, entry := range doc.Keys {
		if entry.Key == "" {
			continue
		}
		scopes := make([]Scope, 0, len(entry.Permissions))
		for _, p := range entry.Permissions {
			scopes = append(scopes, Scope(p))
		}
		snap.bySecret[entry.Key] = Key{
			Name:        name,
			Secret:      entry.Key,
			Description: entry.Description,
			Active:      entry.Active,
			Scopes:      scopes,
			CreatedAt:   entry.CreatedAt,
		}
		snap.names = append(snap.names, name)
	}
	sort.Strings(snap.names)

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	return nil
}

// Lookup resolves a secret to its key. Inactive keys do not resolve.
func (r *Registry) Lookup(secret string) (Key, bool) {
	if secret == "" {
		return Key{}, false
	}

	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	key, ok := snap.bySecret[secret]
	if !ok || !key.Active {
		return Key{}, false
	}
	return key, true
}

// Keys returns the redacted key listing, sorted by name.
func (r *Registry) Keys() []KeyInfo {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	byName := make(map[string]Key, len(snap.bySecret))
	for _, key := range snap.bySecret {
		byName[key.Name] = key
	}

	infos := make([]KeyInfo, 0, len(snap.names))
	for _, name := range snap.names {
		key, ok := byName[name]
		if !ok {
			continue
		}
		infos = append(infos, KeyInfo{
			Name:        key.Name,
			Description: key.Description,
			Active:      key.Active,
			Scopes:      append([]Scope(nil), key.Scopes...),
			CreatedAt:   key.CreatedAt,
		})
	}
	return infos
}
