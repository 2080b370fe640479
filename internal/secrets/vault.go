// Package secrets holds webhook and API secrets in memory and reloads them
// without a restart.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// minRedactLen is the shortest value RedactString replaces; shorter values
// would mask ordinary words.
const minRedactLen = 4

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values and swaps them atomically on Reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Lookup returns a getter bound to key that always sees the latest
// reloaded value, falling back to fallback when the key is unset.
func (v *Vault) Lookup(key, fallback string) func() string {
	return func() string {
		if s := v.Get(key); s != "" {
			return s
		}
		return fallback
	}
}

// Keys lists the loaded secret names in sorted order.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	v.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Redacted returns a masked form of the secret for logs: the first two
// characters followed by asterisks, or only asterisks for short values.
func (v *Vault) Redacted(key string) string {
	return mask(v.Get(key))
}

// RedactString replaces every loaded secret occurring in s with its masked
// form.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) < minRedactLen {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

func mask(val string) string {
	switch {
	case val == "":
		return ""
	case len(val) <= minRedactLen:
		return "****"
	default:
		return val[:2] + "****"
	}
}
