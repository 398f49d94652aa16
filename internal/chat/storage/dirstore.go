package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DirStore writes one file per record under kind-named subdirectories of
// a user-granted folder. Higher capacity than the embedded store, but
// the grant can lapse: the folder may be removed or its permissions
// changed out from under us. That state is reported as ErrAccessRevoked,
// never confused with a missing record.
type DirStore struct {
	root string

	mu         sync.Mutex
	authorized bool
}

// OpenDir remembers root and probes it once. The store starts
// unauthorized if the probe fails; Reauthorize retries against the same
// remembered path without the user picking the folder again.
func OpenDir(root string) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("storage: directory path required")
	}
	s := &DirStore{root: root}
	if err := s.probe(); err == nil {
		s.authorized = true
	}
	return s, nil
}

// Root returns the remembered folder path.
func (s *DirStore) Root() string {
	return s.root
}

// Authorized reports whether the grant is currently usable.
func (s *DirStore) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// Reauthorize re-probes the remembered folder and restores the grant
// when it is accessible again.
func (s *DirStore) Reauthorize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.probe(); err != nil {
		s.authorized = false
		return fmt.Errorf("%w: %v", ErrAccessRevoked, err)
	}
	s.authorized = true
	return nil
}

// probe verifies the root exists and is writable by creating the kind
// subdirectories.
func (s *DirStore) probe() error {
	for _, kind := range Kinds {
		if err := os.MkdirAll(filepath.Join(s.root, string(kind)), 0700); err != nil {
			return err
		}
	}
	return nil
}

// checkAccess classifies an operation error: a lapsed grant (root gone
// or permission denied) becomes ErrAccessRevoked and drops the
// authorized flag.
func (s *DirStore) checkAccess(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		s.revoke()
		return fmt.Errorf("%w: %v", ErrAccessRevoked, err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(s.root); statErr != nil {
			s.revoke()
			return fmt.Errorf("%w: %v", ErrAccessRevoked, statErr)
		}
	}
	return err
}

func (s *DirStore) revoke() {
	s.mu.Lock()
	s.authorized = false
	s.mu.Unlock()
}

func (s *DirStore) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized {
		return ErrAccessRevoked
	}
	return nil
}

func (s *DirStore) path(kind Kind, id string) string {
	return filepath.Join(s.root, string(kind), id)
}

func (s *DirStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if err := validateKey(kind, id); err != nil {
		return nil, err
	}
	if err := s.guard(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(kind, id))
	if errors.Is(err, fs.ErrNotExist) {
		// Distinguish "record missing" from "folder gone".
		if accessErr := s.checkAccess(err); errors.Is(accessErr, ErrAccessRevoked) {
			return nil, accessErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, s.checkAccess(err)
	}
	return data, nil
}

func (s *DirStore) Set(ctx context.Context, kind Kind, id string, data []byte) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}
	if err := s.guard(); err != nil {
		return err
	}

	// Write through a temp file so readers never see partial records.
	dst := s.path(kind, id)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return s.checkAccess(err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return s.checkAccess(err)
	}
	return nil
}

func (s *DirStore) Delete(ctx context.Context, kind Kind, id string) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}
	if err := s.guard(); err != nil {
		return err
	}

	err := os.Remove(s.path(kind, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return s.checkAccess(err)
}

func (s *DirStore) ListIDs(ctx context.Context, kind Kind) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		return nil, s.checkAccess(err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

func (s *DirStore) SaveBlob(ctx context.Context, name string, data []byte) error {
	return s.Set(ctx, KindMedia, name, data)
}

func (s *DirStore) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	return s.Get(ctx, KindMedia, name)
}

func (s *DirStore) Size(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return total, s.checkAccess(err)
	}
	return total, nil
}

func (s *DirStore) Close() error {
	return nil
}
