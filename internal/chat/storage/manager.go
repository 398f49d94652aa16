package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the active backend. There is one Manager per process;
// the active backend changes only through explicit Switch or Disconnect
// calls, never implicitly. Manager itself implements Store by
// delegation so callers stay backend-agnostic.
type Manager struct {
	mu     sync.RWMutex
	active Store
	logger *slog.Logger
}

// NewManager starts with the given backend active.
func NewManager(active Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{active: active, logger: logger}
}

// Active returns the current backend.
func (m *Manager) Active() Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Switch migrates every record from the active backend into target,
// then makes target active. The old backend is closed after a full
// copy; on any copy failure the active backend is left unchanged.
func (m *Manager) Switch(ctx context.Context, target Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := Migrate(ctx, m.active, target); err != nil {
		return fmt.Errorf("backend switch aborted: %w", err)
	}

	old := m.active
	m.active = target
	if err := old.Close(); err != nil {
		m.logger.Warn("closing previous storage backend", "error", err)
	}
	m.logger.Info("storage backend switched")
	return nil
}

// Migrate copies all records of every kind from src to dst. Records are
// copied content-equal; dst keys that already exist are overwritten.
func Migrate(ctx context.Context, src, dst Store) error {
	for _, kind := range Kinds {
		ids, err := src.ListIDs(ctx, kind)
		if err != nil {
			return fmt.Errorf("listing %s: %w", kind, err)
		}
		for _, id := range ids {
			data, err := src.Get(ctx, kind, id)
			if err != nil {
				return fmt.Errorf("reading %s/%s: %w", kind, id, err)
			}
			if data == nil {
				continue
			}
			if err := dst.Set(ctx, kind, id, data); err != nil {
				return fmt.Errorf("writing %s/%s: %w", kind, id, err)
			}
		}
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	return m.Active().Get(ctx, kind, id)
}

func (m *Manager) Set(ctx context.Context, kind Kind, id string, data []byte) error {
	return m.Active().Set(ctx, kind, id, data)
}

func (m *Manager) Delete(ctx context.Context, kind Kind, id string) error {
	return m.Active().Delete(ctx, kind, id)
}

func (m *Manager) ListIDs(ctx context.Context, kind Kind) ([]string, error) {
	return m.Active().ListIDs(ctx, kind)
}

func (m *Manager) SaveBlob(ctx context.Context, name string, data []byte) error {
	return m.Active().SaveBlob(ctx, name, data)
}

func (m *Manager) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	return m.Active().LoadBlob(ctx, name)
}

func (m *Manager) Size(ctx context.Context) (int64, error) {
	return m.Active().Size(ctx)
}

func (m *Manager) Close() error {
	return m.Active().Close()
}
