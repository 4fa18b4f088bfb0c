package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/loykin/shepherd/internal/proc"
)

// Marker files are "<pid>\n<meta json>\n". The meta line records the process
// start time so a recycled pid is not mistaken for the original owner.
// Claiming and clearing a marker run under an exclusive lock on
// <name>.pid.lock.

type markerMeta struct {
	StartUnix int64 `json:"start_unix"`
}

func (s *Store) markerPath(name string) string { return filepath.Join(s.dir, name+".pid") }

func (s *Store) lockMarker(ctx context.Context, name string) (func(), error) {
	return s.lockFile(ctx, s.markerPath(name)+".lock", name+".pid", true)
}

// Holder returns the pid recorded in marker name when that process is still
// alive, otherwise 0. It never modifies the marker.
func (s *Store) Holder(name string) (int, error) {
	if err := validKey(name); err != nil {
		return 0, err
	}
	return s.holder(name), nil
}

func (s *Store) holder(name string) int {
	pid, start, err := readMarker(s.markerPath(name))
	if err != nil {
		// missing or unreadable: nobody holds it
		return 0
	}
	if proc.AliveSince(pid, start) {
		return pid
	}
	return 0
}

// AcquireSingleton makes the current process the holder of marker name. When
// a live process already holds it, the current process included, nothing is
// written and that pid is returned. Otherwise a stale marker is replaced and
// 0 is returned.
func (s *Store) AcquireSingleton(ctx context.Context, name string) (holder int, err error) {
	if err := validKey(name); err != nil {
		return 0, err
	}
	unlock, err := s.lockMarker(ctx, name)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if pid := s.holder(name); pid > 0 {
		return pid, nil
	}
	if err := removeIfExists(s.markerPath(name)); err != nil {
		return 0, fmt.Errorf("statestore: remove stale marker %s: %w", name, err)
	}
	if err := s.writeMarker(name); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *Store) writeMarker(name string) error {
	pid := os.Getpid()
	meta, _ := json.Marshal(markerMeta{StartUnix: proc.StartUnix(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	if err := renameio.WriteFile(s.markerPath(name), []byte(data), 0o600); err != nil {
		return fmt.Errorf("statestore: write marker %s: %w", name, err)
	}
	return nil
}

// ClearSingleton removes marker name if it still names the current process.
func (s *Store) ClearSingleton(ctx context.Context, name string) error {
	if err := validKey(name); err != nil {
		return err
	}
	unlock, err := s.lockMarker(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.markerPath(name)
	pid, _, err := readMarker(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// unreadable marker: nobody can own it
		return removeIfExists(path)
	}
	if pid != os.Getpid() {
		return nil
	}
	return removeIfExists(path)
}

// DiscardStaleSingleton removes marker name when its process is gone.
func (s *Store) DiscardStaleSingleton(ctx context.Context, name string) error {
	if err := validKey(name); err != nil {
		return err
	}
	unlock, err := s.lockMarker(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	if s.holder(name) > 0 {
		return nil
	}
	return removeIfExists(s.markerPath(name))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readMarker(path string) (int, int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta markerMeta
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta.StartUnix, nil
}
