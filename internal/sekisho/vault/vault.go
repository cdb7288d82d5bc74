// Package vault holds the named secrets the broker injects into sandboxed
// executions. The vault is the only component allowed to read secret values;
// every other surface (chat, status endpoint, logs, code view) sees names at
// most. Values leave the process exactly once: as environment variables of
// the sandbox child.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bdobrica/sekisho/common/crypto"
	"github.com/bdobrica/sekisho/common/redact"
	"github.com/bdobrica/sekisho/internal/sekisho/store"
)

// ErrSecretNotFound is returned by Get for unknown names.
var ErrSecretNotFound = errors.New("secret not found")

// Vault is an in-memory secret map with write-through persistence to the
// store's secret table. When a master key is configured, values are sealed
// with AES-256-GCM before they touch the database and opened on load.
type Vault struct {
	mu        sync.RWMutex
	values    map[string][]byte
	store     *store.Store
	masterKey []byte // nil means values are persisted raw
}

// New builds a Vault backed by the given store and loads every persisted
// secret into memory. masterKey must be nil or exactly crypto.KeySize bytes.
func New(ctx context.Context, s *store.Store, masterKey []byte) (*Vault, error) {
	if masterKey != nil && len(masterKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}

	v := &Vault{
		values:    make(map[string][]byte),
		store:     s,
		masterKey: masterKey,
	}

	persisted, err := s.LoadSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	for name, stored := range persisted {
		value, err := v.open(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to open secret %q: %w", name, err)
		}
		v.values[name] = value
	}

	return v, nil
}

// Put stores or replaces a named secret. The in-memory map and the backing
// table are updated under the same lock, so a replace is a single operation
// with no read-modify-write window.
func (v *Vault) Put(ctx context.Context, name string, value []byte) error {
	if name == "" {
		return errors.New("secret name must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	stored, err := v.seal(value)
	if err != nil {
		return fmt.Errorf("failed to seal secret: %w", err)
	}
	if err := v.store.PutSecret(ctx, name, stored); err != nil {
		return err
	}

	v.values[name] = append([]byte(nil), value...)
	return nil
}

// Get returns the value of a named secret.
func (v *Vault) Get(name string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	value, ok := v.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return append([]byte(nil), value...), nil
}

// Has reports whether a named secret exists without exposing its value.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.values[name]
	return ok
}

// Delete removes a named secret from memory and the backing table.
func (v *Vault) Delete(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.values[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err := v.store.DeleteSecret(ctx, name); err != nil {
		return err
	}

	delete(v.values, name)
	return nil
}

// Names returns the sorted names of all stored secrets. Values are never
// enumerated.
func (v *Vault) Names(ctx context.Context) ([]string, error) {
	return v.store.ListSecretNames(ctx)
}

// Missing returns the declared names that the vault does not currently hold,
// preserving declaration order. The coordinator uses this to decide whether
// an approved request can execute or must wait for secrets.
func (v *Vault) Missing(declared []string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var missing []string
	for _, name := range declared {
		if _, ok := v.values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Resolve returns a name→value map for the declared names, for handing to
// the sandbox. All names must be present; callers check Missing first.
func (v *Vault) Resolve(declared []string) (map[string][]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string][]byte, len(declared))
	for _, name := range declared {
		value, ok := v.values[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		out[name] = append([]byte(nil), value...)
	}
	return out, nil
}

// Redact replaces any stored secret value occurring in s with a placeholder.
// Sandboxed code receives secrets in its environment and may echo them;
// anything derived from captured output passes through here before reaching
// an external surface.
func (v *Vault) Redact(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	values := make([]string, 0, len(v.values))
	for _, value := range v.values {
		values = append(values, string(value))
	}
	return redact.String(s, values...)
}

func (v *Vault) seal(value []byte) ([]byte, error) {
	if v.masterKey == nil {
		return append([]byte(nil), value...), nil
	}
	return crypto.Encrypt(v.masterKey, value)
}

func (v *Vault) open(stored []byte) ([]byte, error) {
	if v.masterKey == nil {
		return stored, nil
	}
	return crypto.Decrypt(v.masterKey, stored)
}
