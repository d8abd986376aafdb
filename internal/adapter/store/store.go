// Package store persists pool snapshots to disk so a restart keeps proxy
// identity, credentials and accumulated statistics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/logger"
)

const (
	snapshotVersion = 1
	snapshotMode    = 0o600
)

// snapshot is the on-disk envelope. Credentials are written as given; the
// file itself is the secrecy boundary, hence the 0600 mode.
type snapshot struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Proxies []*domain.Proxy `json:"proxies"`
}

// FileStore reads and writes the proxy snapshot at a fixed path. Writes go
// through a temp file in the same directory and a rename, so a crash
// mid-write never leaves a torn file behind.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *logger.StyledLogger
}

func NewFileStore(path string, log *logger.StyledLogger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.NewConfigValidationError("store.path", path, "must not be empty")
	}
	return &FileStore{path: path, logger: log}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file means an empty pool, not an error;
// first boot has nothing to restore.
func (s *FileStore) Load(ctx context.Context) ([]*domain.Proxy, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read proxy snapshot: %w", err)
	}
	return s.decode(raw)
}

func (s *FileStore) decode(raw []byte) ([]*domain.Proxy, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode proxy snapshot %s: %w", s.path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("proxy snapshot %s is version %d, newer than this build understands", s.path, snap.Version)
	}

	out := make([]*domain.Proxy, 0, len(snap.Proxies))
	seen := make(map[string]struct{}, len(snap.Proxies))
	skipped := 0
	for _, p := range snap.Proxies {
		if p == nil {
			skipped++
			continue
		}
		if err := p.Validate(); err != nil {
			skipped++
			if s.logger != nil {
				s.logger.Warn("Skipping invalid proxy in snapshot", "error", err)
			}
			continue
		}
		// Hand-edited files can carry stale ids; identity is always derived
		// from the endpoint coordinates.
		p.ID = domain.ProxyID(p.Scheme, p.Host, p.Port, p.Username)
		if _, dup := seen[p.ID]; dup {
			skipped++
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	if skipped > 0 && s.logger != nil {
		s.logger.Warn("Proxy snapshot had unusable entries", "skipped", skipped, "loaded", len(out))
	}
	return out, nil
}

// Save writes the full list atomically. Callers pass deep copies (the pool's
// Export does), so nothing races with the marshal.
func (s *FileStore) Save(ctx context.Context, proxies []*domain.Proxy) error {
	snap := snapshot{Version: snapshotVersion, SavedAt: time.Now(), Proxies: proxies}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode proxy snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".proxies-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write proxy snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync proxy snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Chmod(tmpName, snapshotMode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("set snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace proxy snapshot: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoWithCount("Proxy snapshot saved", len(proxies), "path", s.path)
	}
	return nil
}
