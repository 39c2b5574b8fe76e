package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"

	"github.com/mrtesla07/goetia-bot/internal/crypto/sessioncrypto"
)

// SessionPath is the credential file of userID under dir.
func SessionPath(dir string, userID int64) string {
	return filepath.Join(dir, fmt.Sprintf("user_%d.session", userID))
}

// credentialStore implements session.Storage over one file. A staged store
// keeps data in memory until commit, so an unfinished sign-in never
// overwrites a working credential.
type credentialStore struct {
	mu      sync.Mutex
	path    string
	userID  int64
	sealer  *sessioncrypto.Sealer
	durable bool
	data    []byte
}

var _ session.Storage = (*credentialStore)(nil)

// LoadSession implements session.Storage.
func (s *credentialStore) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.durable {
		if len(s.data) == 0 {
			return nil, session.ErrNotFound
		}
		return append([]byte(nil), s.data...), nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.sealer != nil {
		if b, err = s.sealer.Open(s.userID, b); err != nil {
			return nil, fmt.Errorf("open %s: %w", s.path, err)
		}
	}
	s.data = b
	return append([]byte(nil), b...), nil
}

// StoreSession implements session.Storage.
func (s *credentialStore) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append([]byte(nil), data...)
	if !s.durable {
		return nil
	}
	return s.write()
}

// commit makes the store durable and flushes what it holds.
func (s *credentialStore) commit() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data) == 0 {
		return "", errors.New("no credential to store")
	}
	s.durable = true
	if err := s.write(); err != nil {
		return "", err
	}
	return s.path, nil
}

func (s *credentialStore) write() error {
	b := s.data
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(s.userID, b)
		if err != nil {
			return err
		}
		b = sealed
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
