// Package journal keeps in-flight conversation state on local disk so a
// restarted process can resume a patient's dialogue.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const keyPrefix = "session:"

// Store is a LevelDB backed key/value journal of JSON documents keyed by
// patient id.
type Store struct {
	db     *leveldb.DB
	logger zerolog.Logger
}

// Open opens or creates the journal at dir.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	logger.Info().Str("dir", dir).Msg("session journal opened")
	return &Store{db: db, logger: logger}, nil
}

func key(id uuid.UUID) []byte {
	return []byte(keyPrefix + id.String())
}

// Save overwrites the document stored for id.
func (s *Store) Save(id uuid.UUID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if err := s.db.Put(key(id), data, nil); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Load decodes the document stored for id into v. It reports false when
// nothing is stored.
func (s *Store) Load(id uuid.UUID, v any) (bool, error) {
	data, err := s.db.Get(key(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read journal entry: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode journal entry: %w", err)
	}
	return true, nil
}

// Delete removes the document for id. Deleting a missing key is not an error.
func (s *Store) Delete(id uuid.UUID) error {
	if err := s.db.Delete(key(id), nil); err != nil {
		return fmt.Errorf("delete journal entry: %w", err)
	}
	return nil
}

// IDs lists every patient with a journaled session.
func (s *Store) IDs() ([]uuid.UUID, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var ids []uuid.UUID
	for iter.Next() {
		id, err := uuid.Parse(string(iter.Key()[len(keyPrefix):]))
		if err != nil {
			s.logger.Warn().Str("key", string(iter.Key())).Msg("skipping malformed journal key")
			continue
		}
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

func (s *Store) Close() error {
	return s.db.Close()
}
