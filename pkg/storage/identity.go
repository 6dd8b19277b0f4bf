package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceIdentity is this installation's identity towards the gateway. NodeID
// is generated once and never changes; the pairing fields mirror the token
// held in the secure store.
type DeviceIdentity struct {
	NodeID       string
	DisplayName  string
	PairingToken string
	PairedAt     *time.Time
	CreatedAt    time.Time
}

// IsPaired reports whether a pairing token is recorded.
func (d DeviceIdentity) IsPaired() bool { return d.PairingToken != "" }

// ErrNoIdentity is returned before EnsureDeviceIdentity has run.
var ErrNoIdentity = errors.New("storage: no device identity")

// DeviceIdentity loads the stored identity.
func (s *Store) DeviceIdentity() (DeviceIdentity, error) {
	if s == nil || s.db == nil {
		return DeviceIdentity{}, ErrStoreClosed
	}
	var (
		id       DeviceIdentity
		token    sql.NullString
		pairedAt sql.NullTime
	)
	err := s.db.QueryRow(`
		SELECT node_id, display_name, pairing_token, paired_at, created_at
		FROM device_identity WHERE id = 1
	`).Scan(&id.NodeID, &id.DisplayName, &token, &pairedAt, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceIdentity{}, ErrNoIdentity
	}
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("load device identity: %w", err)
	}
	id.PairingToken = token.String
	if pairedAt.Valid {
		t := pairedAt.Time
		id.PairedAt = &t
	}
	return id, nil
}

// EnsureDeviceIdentity returns the stored identity, creating one with a fresh
// node id on first use. A non-empty displayName different from the stored
// one replaces it.
func (s *Store) EnsureDeviceIdentity(displayName string) (DeviceIdentity, error) {
	displayName = strings.TrimSpace(displayName)
	id, err := s.DeviceIdentity()
	switch {
	case errors.Is(err, ErrNoIdentity):
		if displayName == "" {
			displayName = "nodelink"
		}
		id = DeviceIdentity{
			NodeID:      uuid.NewString(),
			DisplayName: displayName,
			CreatedAt:   s.now().UTC(),
		}
		err = withBusyRetry(func() error {
			_, err := s.db.Exec(`
				INSERT INTO device_identity (id, node_id, display_name, created_at)
				VALUES (1, ?, ?, ?)
			`, id.NodeID, id.DisplayName, id.CreatedAt)
			return err
		})
		if err != nil {
			return DeviceIdentity{}, fmt.Errorf("create device identity: %w", err)
		}
		return id, nil
	case err != nil:
		return DeviceIdentity{}, err
	}

	if displayName != "" && displayName != id.DisplayName {
		if err := s.exec(`UPDATE device_identity SET display_name = ? WHERE id = 1`, displayName); err != nil {
			return DeviceIdentity{}, fmt.Errorf("update display name: %w", err)
		}
		id.DisplayName = displayName
	}
	return id, nil
}

// SavePairing records the pairing token and when it was granted.
func (s *Store) SavePairing(token string, at time.Time) error {
	if err := s.exec(`UPDATE device_identity SET pairing_token = ?, paired_at = ? WHERE id = 1`,
		token, at.UTC()); err != nil {
		return fmt.Errorf("save pairing: %w", err)
	}
	return nil
}

// ClearPairing removes the pairing fields, keeping the node id.
func (s *Store) ClearPairing() error {
	if err := s.exec(`UPDATE device_identity SET pairing_token = NULL, paired_at = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("clear pairing: %w", err)
	}
	return nil
}

func (s *Store) exec(query string, args ...any) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	return withBusyRetry(func() error {
		_, err := s.db.Exec(query, args...)
		return err
	})
}
