package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/papertrade/pkg/account"
)

// PebbleStore persists ledgers and equity history
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a Pebble database at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// LoadAccount returns nil when the account doesn't exist
func (s *PebbleStore) LoadAccount(user string) (*account.Account, error) {
	var acc account.Account
	ok, err := s.get(accountKey(user), &acc)
	if err != nil || !ok {
		return nil, err
	}
	return &acc, nil
}

// LoadAccounts returns every persisted account
func (s *PebbleStore) LoadAccounts() ([]*account.Account, error) {
	var out []*account.Account
	err := s.scan([]byte(prefixAccount), func(v []byte) error {
		var acc account.Account
		if err := json.Unmarshal(v, &acc); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		out = append(out, &acc)
		return nil
	})
	return out, err
}

// LoadOrder returns nil when the order doesn't exist
func (s *PebbleStore) LoadOrder(user, orderID string) (*account.Order, error) {
	var o account.Order
	ok, err := s.get(orderKey(user, orderID), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// LoadOrders returns all orders of a user, open and closed
func (s *PebbleStore) LoadOrders(user string) ([]*account.Order, error) {
	var out []*account.Order
	err := s.scan(orderPrefix(user), func(v []byte) error {
		var o account.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// LoadFills returns a user's fills in the order they were executed
func (s *PebbleStore) LoadFills(user string) ([]account.Fill, error) {
	var out []account.Fill
	err := s.scan(fillPrefix(user), func(v []byte) error {
		var f account.Fill
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("failed to unmarshal fill: %w", err)
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

// Commit writes an account, its touched orders and an optional fill atomically
func (s *PebbleStore) Commit(c account.Change) error {
	b := s.NewBatch()
	defer b.Close()

	if c.Account != nil {
		if err := b.SaveAccount(c.Account); err != nil {
			return err
		}
	}
	for _, o := range c.Orders {
		if err := b.SaveOrder(o); err != nil {
			return err
		}
	}
	if c.Fill != nil {
		if err := b.SaveFill(c.Fill); err != nil {
			return err
		}
	}
	return b.Commit()
}

// SaveEquityPoint records one sample of a user's portfolio value
func (s *PebbleStore) SaveEquityPoint(p account.EquityPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal equity point: %w", err)
	}
	if err := s.db.Set(equityKey(p.UserID, p.Timestamp), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save equity point: %w", err)
	}
	return nil
}

// LoadEquityPoints returns a user's equity samples at or after since, oldest first
func (s *PebbleStore) LoadEquityPoints(user string, since time.Time) ([]account.EquityPoint, error) {
	prefix := equityPrefix(user)
	lower := prefix
	if !since.IsZero() {
		lower = equityKey(user, since)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []account.EquityPoint
	for iter.First(); iter.Valid(); iter.Next() {
		var p account.EquityPoint
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal equity point: %w", err)
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

func (s *PebbleStore) get(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// BatchWrite groups writes so they land atomically
type BatchWrite struct {
	batch *pebble.Batch
}

func (s *PebbleStore) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

func (bw *BatchWrite) SaveAccount(acc *account.Account) error {
	return bw.set(accountKey(acc.UserID), acc)
}

func (bw *BatchWrite) SaveOrder(o *account.Order) error {
	return bw.set(orderKey(o.UserID, o.ID), o)
}

func (bw *BatchWrite) SaveFill(f *account.Fill) error {
	return bw.set(fillKey(f.UserID, f.Seq, f.ID), f)
}

func (bw *BatchWrite) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return bw.batch.Set(key, data, nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	if err := bw.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Close releases the batch. Closing after Commit is allowed.
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}

var _ account.Store = (*PebbleStore)(nil)
