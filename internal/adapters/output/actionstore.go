package output

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

var (
	// ActionBucket holds actions keyed by a big-endian sequence number.
	ActionBucket = []byte("actions")
	// AddressBucket maps an address to the id of its latest action.
	AddressBucket = []byte("addresses")
)

// ActionStore indexes block actions in a bbolt database so the status API and
// the CLI can page through them. It is an audit trail, not the source of the
// blocked set.
type ActionStore struct {
	db     *bolt.DB
	dbPath string
	count  atomic.Int64
}

type ActionStoreConfig struct {
	DBPath   string
	ReadOnly bool
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
}

func DefaultActionStoreConfig() ActionStoreConfig {
	return ActionStoreConfig{
		DBPath:  "./data/actions.db",
		Timeout: time.Second,
	}
}

func NewActionStore(config ActionStoreConfig) (*ActionStore, error) {
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.DBPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}

	db, err := bolt.Open(config.DBPath, 0o600, &bolt.Options{
		Timeout:    config.Timeout,
		NoGrowSync: true,
		ReadOnly:   config.ReadOnly,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt db %s", config.DBPath)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(ActionBucket); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(AddressBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create buckets")
		}
	}

	var count int64
	_ = db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(ActionBucket); b != nil {
			count = int64(b.Stats().KeyN)
		}
		return nil
	})

	store := &ActionStore{db: db, dbPath: config.DBPath}
	store.count.Store(count)

	log.Info().
		Str("db_path", config.DBPath).
		Int64("entries", count).
		Bool("read_only", config.ReadOnly).
		Msg("Action store initialized")
	return store, nil
}

// Record implements ports.ActionRecorder.
func (s *ActionStore) Record(_ context.Context, action domain.Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return errors.Wrap(err, "encode action")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ActionBucket)
		if b == nil {
			return errors.New("actions bucket not found")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(sequenceKey(seq), data); err != nil {
			return err
		}
		return tx.Bucket(AddressBucket).Put([]byte(action.Address), []byte(action.ID))
	})
	if err != nil {
		return errors.Wrap(err, "store action")
	}
	s.count.Add(1)
	return nil
}

// List returns up to limit actions, newest first. limit <= 0 returns all.
func (s *ActionStore) List(limit int) ([]domain.Action, error) {
	var actions []domain.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(ActionBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var action domain.Action
			if err := json.Unmarshal(v, &action); err != nil {
				log.Warn().Err(err).Msg("Skipping undecodable action")
				continue
			}
			actions = append(actions, action)
			if limit > 0 && len(actions) >= limit {
				break
			}
		}
		return nil
	})
	return actions, errors.Wrap(err, "list actions")
}

// LastActionID returns the id of the latest action for address.
func (s *ActionStore) LastActionID(address string) (string, bool) {
	var id string
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(AddressBucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(address)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, id != ""
}

func (s *ActionStore) Count() int64 {
	return s.count.Load()
}

func (s *ActionStore) Close() error {
	return s.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
