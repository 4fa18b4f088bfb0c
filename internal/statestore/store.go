// Package statestore persists small JSON documents in a state directory.
//
// Every document lives in its own file <key>.json guarded by an advisory lock
// on <key>.json.lock, so several OS processes (supervisor, watchdog, CLI
// invocations) can read-modify-write the same document safely. Writes go to a
// temporary file that is renamed over the target, readers never see a torn
// document. A missing or unparseable document reads as empty.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

const (
	DefaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
)

// ErrLockTimeout is returned when a document lock cannot be acquired in time.
var ErrLockTimeout = errors.New("statestore: lock timeout")

type Store struct {
	dir         string
	lockTimeout time.Duration
	log         *slog.Logger
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open prepares dir as a state directory.
func Open(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("statestore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("statestore: create %s: %w", dir, err)
	}
	s := &Store{dir: dir, lockTimeout: DefaultLockTimeout, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) string { return filepath.Join(s.dir, key+".json") }

// Load reads document key into v. A missing or corrupt document leaves v at
// its zero value and returns nil.
func (s *Store) Load(ctx context.Context, key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key, false)
	if err != nil {
		return err
	}
	defer unlock()
	return s.read(key, v)
}

// Save replaces document key with v, stamping a top-level updated_at.
func (s *Store) Save(ctx context.Context, key string, v any) error {
	if err := validKey(key); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key, true)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(key, v)
}

// Update runs one atomic read-modify-write cycle on document key. fn sees the
// current document (zero value when absent); if fn returns an error nothing is
// written and the error is returned unchanged.
func Update[T any](ctx context.Context, s *Store, key string, fn func(*T) error) (T, error) {
	var doc T
	if err := validKey(key); err != nil {
		return doc, err
	}
	unlock, err := s.lock(ctx, key, true)
	if err != nil {
		return doc, err
	}
	defer unlock()
	if err := s.read(key, &doc); err != nil {
		return doc, err
	}
	if err := fn(&doc); err != nil {
		return doc, err
	}
	if err := s.write(key, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (s *Store) lock(ctx context.Context, key string, exclusive bool) (func(), error) {
	return s.lockFile(ctx, s.path(key)+".lock", key, exclusive)
}

func (s *Store) lockFile(ctx context.Context, path, key string, exclusive bool) (func(), error) {
	fl := flock.New(path)
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(lctx, lockRetryDelay)
	} else {
		ok, err = fl.TryRLockContext(lctx, lockRetryDelay)
	}
	if !ok {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("statestore: lock %s: %w", key, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (s *Store) read(key string, v any) error {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("statestore: read %s: %w", key, err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		s.log.Warn("discarding unreadable state document", "key", key, "error", err)
		resetValue(v)
	}
	return nil
}

func (s *Store) write(key string, v any) error {
	b, err := stamp(v, time.Now())
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", key, err)
	}
	if err := renameio.WriteFile(s.path(key), b, 0o600); err != nil {
		return fmt.Errorf("statestore: write %s: %w", key, err)
	}
	return nil
}

// stamp encodes v as a JSON object with updated_at set to now.
func stamp(v any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	ts, _ := json.Marshal(now.UTC().Format(time.RFC3339Nano))
	m["updated_at"] = ts
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func resetValue(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	}
}

// validKey keeps keys usable as file names: [A-Za-z0-9._-], no "..".
func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	for _, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	return nil
}
