package profile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("profile")

// StorageKey is the key the local profile is kept under.
const StorageKey = "schlopping:user"

// Store persists the local profile in a bbolt file.
type Store struct {
	db  *bolt.DB
	log zerolog.Logger
}

// Open opens or creates the profile database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open profile store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init profile store: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "profile").Logger()}, nil
}

// Load returns the stored profile. A missing or malformed entry is replaced
// with a fresh Default profile, which is saved before returning.
func (s *Store) Load() (Profile, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(StorageKey)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}

	if raw != nil {
		p, err := Decode(raw)
		if err == nil {
			return p, nil
		}
		s.log.Warn().Err(err).Msg("stored profile ignored")
	}

	p := Default()
	if err := s.Save(p); err != nil {
		return Profile{}, err
	}
	s.log.Info().Str("id", p.ID).Str("color", p.ColorID).Msg("created guest profile")
	return p, nil
}

// Save stores p. Only complete profiles are accepted.
func (s *Store) Save(p Profile) error {
	if !p.Complete() {
		return ErrIncomplete
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(StorageKey), raw)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
