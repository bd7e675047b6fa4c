package corestate

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"cardcredit/crypto"
)

// bucketState holds every record kind keyed by its derived address. An
// embedded bbolt store suffices here: this protocol has no independent
// consensus layer to root a Merkle trie against.
var bucketState = []byte("corestate")

// ErrNotFound is returned when a record does not exist at its derived address.
var ErrNotFound = errors.New("corestate: record not found")

// Store is a bbolt-backed, atomic-per-instruction persistence layer for the
// Config, Whitelist and Position records. The vault authority is a derived,
// data-less address and has no stored record.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt-backed state store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("corestate: open store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("corestate: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetConfig() (*Config, error) {
	var out *Config
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketState).Get(ConfigAddress().Bytes())
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := DecodeConfig(raw)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PutConfig(c *Config) error {
	encoded, err := EncodeConfig(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(ConfigAddress().Bytes(), encoded)
	})
}

func (s *Store) GetWhitelist(mint crypto.Address) (*Whitelist, error) {
	var out *Whitelist
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketState).Get(WhitelistAddress(mint).Bytes())
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := DecodeWhitelist(raw)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PutWhitelist(w *Whitelist) error {
	encoded, err := EncodeWhitelist(w)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(WhitelistAddress(w.Mint).Bytes(), encoded)
	})
}

func (s *Store) GetPosition(owner crypto.Address) (*Position, error) {
	var out *Position
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketState).Get(PositionAddress(owner).Bytes())
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := DecodePosition(raw)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PutPosition(p *Position) error {
	encoded, err := EncodePosition(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(PositionAddress(p.Owner).Bytes(), encoded)
	})
}

// StateTx is the per-instruction read-write view a caller operates against;
// *Tx satisfies it. Defined as an interface so packages such as credit can
// depend on the accessor shape without depending on bbolt directly.
type StateTx interface {
	GetConfig() (*Config, error)
	PutConfig(*Config) error
	GetWhitelist(mint crypto.Address) (*Whitelist, error)
	PutWhitelist(*Whitelist) error
	GetPosition(owner crypto.Address) (*Position, error)
	PutPosition(*Position) error
}

// WithTx runs fn inside a single bbolt read-write transaction so that a
// credit engine instruction touching Config, Whitelist, and Position never
// exposes partially-updated state to a concurrent reader: the instruction
// either commits in full or the transaction rolls back with no trace.
func (s *Store) WithTx(fn func(StateTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Tx is a single-instruction read-write view over the store.
type Tx struct {
	tx *bbolt.Tx
}

func (t *Tx) GetConfig() (*Config, error) {
	raw := t.tx.Bucket(bucketState).Get(ConfigAddress().Bytes())
	if raw == nil {
		return nil, ErrNotFound
	}
	return DecodeConfig(raw)
}

func (t *Tx) PutConfig(c *Config) error {
	encoded, err := EncodeConfig(c)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketState).Put(ConfigAddress().Bytes(), encoded)
}

func (t *Tx) GetWhitelist(mint crypto.Address) (*Whitelist, error) {
	raw := t.tx.Bucket(bucketState).Get(WhitelistAddress(mint).Bytes())
	if raw == nil {
		return nil, ErrNotFound
	}
	return DecodeWhitelist(raw)
}

func (t *Tx) PutWhitelist(w *Whitelist) error {
	encoded, err := EncodeWhitelist(w)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketState).Put(WhitelistAddress(w.Mint).Bytes(), encoded)
}

func (t *Tx) GetPosition(owner crypto.Address) (*Position, error) {
	raw := t.tx.Bucket(bucketState).Get(PositionAddress(owner).Bytes())
	if raw == nil {
		return nil, ErrNotFound
	}
	return DecodePosition(raw)
}

func (t *Tx) PutPosition(p *Position) error {
	encoded, err := EncodePosition(p)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketState).Put(PositionAddress(p.Owner).Bytes(), encoded)
}
