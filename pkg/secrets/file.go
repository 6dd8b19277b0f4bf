package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

// FileStore keeps secrets in a single age-encrypted JSON file. The X25519
// identity lives next to it in keyPath and is generated on first use. Both
// files are written with owner-only permissions.
type FileStore struct {
	path     string
	identity *age.X25519Identity

	mu      sync.Mutex
	entries map[string][]byte
}

// OpenFileStore loads (or initialises) the store at path using the identity
// at keyPath.
func OpenFileStore(path, keyPath string) (*FileStore, error) {
	identity, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, err
	}
	s := &FileStore{path: path, identity: identity, entries: make(map[string][]byte)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateIdentity(keyPath string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing secret store key: %w", err)
		}
		return identity, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading secret store key: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating secret store key: %w", err)
	}
	if err := writePrivate(keyPath, []byte(identity.String()+"\n")); err != nil {
		return nil, fmt.Errorf("writing secret store key: %w", err)
	}
	return identity, nil
}

func (s *FileStore) load() error {
	ciphertext, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secret store: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return fmt.Errorf("decrypting secret store: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading decrypted secret store: %w", err)
	}
	if err := json.Unmarshal(plaintext, &s.entries); err != nil {
		return fmt.Errorf("decoding secret store: %w", err)
	}
	if s.entries == nil {
		s.entries = make(map[string][]byte)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	plaintext, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting secret store: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing secret store encryption: %w", err)
	}
	return writePrivate(s.path, buf.Bytes())
}

func (s *FileStore) GetString(service, account string) (string, error) {
	data, err := s.GetData(service, account)
	return string(data), err
}

func (s *FileStore) SetString(service, account, value string) error {
	return s.SetData(service, account, []byte(value))
}

func (s *FileStore) GetData(service, account string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.entries[slotKey(service, account)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *FileStore) SetData(service, account string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slotKey(service, account)
	prev, had := s.entries[key]
	s.entries[key] = append([]byte(nil), value...)
	if err := s.persistLocked(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(service, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slotKey(service, account)
	prev, had := s.entries[key]
	if !had {
		return nil
	}
	delete(s.entries, key)
	if err := s.persistLocked(); err != nil {
		s.entries[key] = prev
		return err
	}
	return nil
}

// writePrivate atomically replaces path with data, mode 0600.
func writePrivate(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
