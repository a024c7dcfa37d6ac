package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ardentmesh/internal/drerrors"
	"ardentmesh/internal/securestore"
)

// FileStore is an encrypted, file-backed Storage: the entire key
// space is held in memory and the whole snapshot is re-encrypted and
// rewritten on every mutation, following MessageStore's
// persistSnapshotLocked pattern. This keeps the write path simple and
// crash-safe at the cost of O(n) writes — acceptable here since a
// single device's session/user record set is small.
type FileStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	path   string
	secret string
}

// NewFileStore opens (or creates) an encrypted snapshot file at path,
// decrypting it with secret. An empty secret disables encryption,
// matching MessageStore's plaintext fallback for local development.
func NewFileStore(path, secret string) (*FileStore, error) {
	path, secret = securestore.NormalizeStorageConfig(path, secret)
	s := &FileStore{data: make(map[string][]byte), path: path, secret: secret}
	if err := s.load(); err != nil {
		return nil, wrapIOError(err)
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneData(s.data)
	next[key] = append([]byte(nil), value...)
	if err := s.persistLocked(next); err != nil {
		return wrapIOError(err)
	}
	s.data = next
	return nil
}

func (s *FileStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	next := cloneData(s.data)
	delete(next, key)
	if err := s.persistLocked(next); err != nil {
		return wrapIOError(err)
	}
	s.data = next
	return nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) load() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var decoded []byte
	if s.secret != "" {
		decoded, err = securestore.Decrypt(s.secret, raw)
		if err != nil {
			if errors.Is(err, drerrors.ErrSealLegacyPlaintext) {
				decoded = raw
			} else {
				return err
			}
		}
	} else {
		decoded = raw
	}
	var snapshot map[string][]byte
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return err
	}
	if snapshot != nil {
		s.data = snapshot
	}
	return nil
}

func (s *FileStore) persistLocked(next map[string][]byte) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if s.secret != "" {
		raw, err = securestore.Encrypt(s.secret, raw)
		if err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func cloneData(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
