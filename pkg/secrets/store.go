// Package secrets is the secure key/value slot used for pairing tokens.
package secrets

import (
	"errors"
	"strings"
)

// Default slot for the pairing token.
const (
	DefaultService      = "ai.nodelink.gateway"
	PairingTokenAccount = "pairing-token"
)

// ErrNotFound is returned when no secret is stored for service and account.
var ErrNotFound = errors.New("secrets: not found")

// Store is an opaque secret store keyed by service and account.
type Store interface {
	GetString(service, account string) (string, error)
	SetString(service, account, value string) error
	GetData(service, account string) ([]byte, error)
	SetData(service, account string, value []byte) error
	// Delete removes a secret. Deleting a missing secret is not an error.
	Delete(service, account string) error
}

// TokenSlot binds one service/account pair of a Store as a token holder.
type TokenSlot struct {
	Store   Store
	Service string
	Account string
}

// PairingTokenSlot is the default slot for the gateway pairing token.
func PairingTokenSlot(store Store) TokenSlot {
	return TokenSlot{Store: store, Service: DefaultService, Account: PairingTokenAccount}
}

// LoadToken returns the stored token, or "" when none is stored.
func (t TokenSlot) LoadToken() (string, error) {
	token, err := t.Store.GetString(t.Service, t.Account)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return strings.TrimSpace(token), err
}

func (t TokenSlot) SaveToken(token string) error {
	return t.Store.SetString(t.Service, t.Account, token)
}

func (t TokenSlot) ClearToken() error {
	return t.Store.Delete(t.Service, t.Account)
}

func slotKey(service, account string) string {
	return service + "/" + account
}
