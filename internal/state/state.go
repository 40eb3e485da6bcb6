// Package state persists the token cache in a local bbolt database so
// issued tokens survive a proxy restart on a single host.
package state

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.swiftauth/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file. It
	// holds live bearer tokens.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// deadlineLen is the size of the big-endian unix-nano deadline that
	// prefixes every stored value.
	deadlineLen = 8
)

var cacheBucket = []byte("cache")

// State wraps a bbolt database used as a TTL key-value cache.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// DefaultPath returns ~/.swiftauth/tokens.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".swiftauth", "tokens.db"), nil
}

// LoadAt opens a state database at the given path, creating it and its
// directory if needed.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or nil when absent or past
// its deadline. Expired entries are left for Sweep.
func (s *State) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte

	now := s.now()

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		value, deadline, ok := decodeEntry(v)
		if !ok || !now.Before(deadline) {
			return nil
		}

		// bbolt values are only valid inside the transaction.
		out = make([]byte, len(value))
		copy(out, value)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}

	return out, nil
}

// Set stores value under key until now+ttl. A non-positive ttl deletes
// the key.
func (s *State) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		if ttl <= 0 {
			return b.Delete([]byte(key))
		}

		return b.Put([]byte(key), encodeEntry(value, s.now().Add(ttl)))
	})
	if err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}

	return nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *State) Sweep() (int, error) {
	now := s.now()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)

		var expired [][]byte

		err := b.ForEach(func(k, v []byte) error {
			_, deadline, ok := decodeEntry(v)
			if !ok || !now.Before(deadline) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping expired entries: %w", err)
	}

	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled. Sweep
// failures are logged and retried on the next tick.
func (s *State) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep()
			if err != nil {
				logger.Warn("state: sweep failed", slog.String("error", err.Error()))
				continue
			}

			if removed > 0 {
				logger.Debug("state: swept expired entries", slog.Int("removed", removed))
			}
		}
	}
}

func encodeEntry(value []byte, deadline time.Time) []byte {
	buf := make([]byte, deadlineLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(deadline.UnixNano()))
	copy(buf[deadlineLen:], value)

	return buf
}

func decodeEntry(raw []byte) ([]byte, time.Time, bool) {
	if len(raw) < deadlineLen {
		return nil, time.Time{}, false
	}

	nanos := int64(binary.BigEndian.Uint64(raw[:deadlineLen]))

	return raw[deadlineLen:], time.Unix(0, nanos), true
}
