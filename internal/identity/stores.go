package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/nearchat/internal/storage"

	bolt "go.etcd.io/bbolt"
)

const (
	keyDisplayName = "username"
	keyDeviceID    = "device_id"

	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// SQLStore keeps the identity in the peer database's _meta table.
type SQLStore struct {
	db    *storage.DB
	owned bool
}

// NewSQLStore uses an already open database. Close leaves it open.
func NewSQLStore(db *storage.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) DisplayName() (string, bool, error) { return s.db.GetMeta(keyDisplayName) }
func (s *SQLStore) SetDisplayName(n string) error      { return s.db.SetMeta(keyDisplayName, n) }
func (s *SQLStore) DeviceID() (string, bool, error)    { return s.db.GetMeta(keyDeviceID) }
func (s *SQLStore) SetDeviceID(id string) error        { return s.db.SetMeta(keyDeviceID, id) }

func (s *SQLStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

var boltBucket = []byte("identity")

// BoltStore keeps the identity in a small bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) get(key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(key)); v != nil {
			val, ok = string(v), true
		}
		return nil
	})
	return val, ok, err
}

func (s *BoltStore) put(key, val string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), []byte(val))
	})
}

func (s *BoltStore) DisplayName() (string, bool, error) { return s.get(keyDisplayName) }
func (s *BoltStore) SetDisplayName(n string) error      { return s.put(keyDisplayName, n) }
func (s *BoltStore) DeviceID() (string, bool, error)    { return s.get(keyDeviceID) }
func (s *BoltStore) SetDeviceID(id string) error        { return s.put(keyDeviceID, id) }
func (s *BoltStore) Close() error                       { return s.db.Close() }

// Open picks a backend. The sqlite backend shares db when it is non-nil and
// opens data.db in dir otherwise; the bolt backend uses boltPath.
func Open(backend, dir, boltPath string, db *storage.DB) (Store, error) {
	switch backend {
	case "", BackendSQLite:
		if db != nil {
			return NewSQLStore(db), nil
		}
		opened, err := storage.Open(dir)
		if err != nil {
			return nil, err
		}
		return &SQLStore{db: opened, owned: true}, nil
	case BackendBolt:
		return OpenBolt(boltPath)
	}
	return nil, fmt.Errorf("unknown identity backend %q", backend)
}
