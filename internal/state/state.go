package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/health-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.health-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// maxRunHistory is the number of run records kept. Older entries are
	// dropped when a new run is appended.
	maxRunHistory = 50
)

// Persisted key names. These match the keys the mobile client used so a
// migrated key-value dump can be loaded as is.
const (
	KeyAccessToken  = "login"
	KeyRefreshToken = "refreshToken"
	KeyLastSync     = "lastSync"
)

var (
	appBucket            = []byte("app")
	runsBucket           = []byte("runs")
	pendingDeletesBucket = []byte("pending_deletes")
)

// State wraps a bbolt database for all persistent application state:
// session tokens, the last sync marker, run history and the queue of
// remote deletions awaiting retry.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.health-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, runsBucket, pendingDeletesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or empty string.
func (s *State) Get(key string) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get([]byte(key))
		if v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

// Set persists value under key.
func (s *State) Set(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put([]byte(key), []byte(value))
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *State) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete([]byte(key))
	})
}

// AccessToken returns the stored access token, or empty string.
func (s *State) AccessToken() string {
	return s.Get(KeyAccessToken)
}

// RefreshToken returns the stored refresh token, or empty string.
func (s *State) RefreshToken() string {
	return s.Get(KeyRefreshToken)
}

// SetCredentials stores both tokens in a single transaction.
func (s *State) SetCredentials(c models.Credentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put([]byte(KeyAccessToken), []byte(c.AccessToken)); err != nil {
			return err
		}

		return b.Put([]byte(KeyRefreshToken), []byte(c.RefreshToken))
	})
}

// DeleteAccessToken invalidates the local session. The refresh token is
// kept so a later explicit login can replace it.
func (s *State) DeleteAccessToken() error {
	return s.Delete(KeyAccessToken)
}

// LastSync returns the last completed default-window sync time. The
// boolean is false when no marker has been stored yet.
func (s *State) LastSync() (time.Time, bool, error) {
	v := s.Get(KeyLastSync)
	if v == "" {
		return time.Time{}, false, nil
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s marker %q: %w", KeyLastSync, v, err)
	}

	return t, true, nil
}

// SetLastSync stores the last sync marker as an ISO-8601 timestamp.
func (s *State) SetLastSync(t time.Time) error {
	return s.Set(KeyLastSync, t.UTC().Format(time.RFC3339Nano))
}

// AppendRun records a finished sync run, trimming history to the most
// recent entries.
func (s *State) AppendRun(r models.RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		// Collect first, then delete: deleting under a live cursor can
		// skip keys.
		var keys [][]byte

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for i := 0; i < len(keys)-maxRunHistory; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}

		return nil
	})
}

// RecentRuns returns up to n run records, newest first.
func (s *State) RecentRuns(n int) ([]models.RunRecord, error) {
	var runs []models.RunRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()

		for k, v := c.Last(); k != nil && len(runs) < n; k, v = c.Prev() {
			var r models.RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			runs = append(runs, r)
		}

		return nil
	})

	return runs, err
}

// QueuePendingDelete stores a remote deletion for a later retry and
// returns its queue id.
func (s *State) QueuePendingDelete(pd models.PendingDelete) (uint64, error) {
	var id uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingDeletesBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(pd)
		if err != nil {
			return err
		}

		id = seq

		return b.Put(itob(seq), data)
	})

	return id, err
}

// UpdatePendingDelete overwrites a queued deletion, typically to bump
// its attempt count.
func (s *State) UpdatePendingDelete(id uint64, pd models.PendingDelete) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pd)
		if err != nil {
			return err
		}

		return tx.Bucket(pendingDeletesBucket).Put(itob(id), data)
	})
}

// RemovePendingDelete drops a queued deletion.
func (s *State) RemovePendingDelete(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingDeletesBucket).Delete(itob(id))
	})
}

// PendingDeletes returns all queued deletions keyed by queue id.
func (s *State) PendingDeletes() (map[uint64]models.PendingDelete, error) {
	result := make(map[uint64]models.PendingDelete)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingDeletesBucket).ForEach(func(k, v []byte) error {
			var pd models.PendingDelete
			if err := json.Unmarshal(v, &pd); err != nil {
				return err
			}

			result[binary.BigEndian.Uint64(k)] = pd

			return nil
		})
	})

	return result, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

// DefaultPath returns ~/.health-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".health-sync", "state.db"), nil
}
