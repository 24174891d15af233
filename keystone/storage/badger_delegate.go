// Package storage provides the BadgerDB-backed delegate, the durable
// key-value store host applications plug into the analyzer.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/keystonehq/keystone-go/keystone"
)

// BadgerDelegate implements keystone.Delegate on a BadgerDB instance.
// Status notifications are forwarded to the configured sink.
type BadgerDelegate struct {
	db       *badger.DB
	onStatus func(keystone.Status)
}

// NewBadgerDelegate opens (or creates) a BadgerDB store at path.
// onStatus may be nil to drop status notifications.
func NewBadgerDelegate(path string, onStatus func(keystone.Status)) (*BadgerDelegate, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Badger's own logging is noise here

	// The delegate stores small JSON artifacts; favor the LSM tree.
	opts.ValueThreshold = 1 << 10
	opts.DetectConflicts = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerDelegate{db: db, onStatus: onStatus}, nil
}

// OpenReadOnly opens an existing store without write access, for
// inspection tools.
func OpenReadOnly(path string) (*BadgerDelegate, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.ReadOnly = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger read-only: %w", err)
	}
	return &BadgerDelegate{db: db}, nil
}

// Persist stores value under key; a nil value clears the key. The
// write is committed before Persist returns.
func (d *BadgerDelegate) Persist(ctx context.Context, key string, value []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		if value == nil {
			err := txn.Delete([]byte(key))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger persist %q: %w", key, err)
	}
	return nil
}

// Load returns the value under key, nil when absent.
func (d *BadgerDelegate) Load(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger load %q: %w", key, err)
	}
	return out, nil
}

// StatusChanged forwards a status notification to the sink.
func (d *BadgerDelegate) StatusChanged(status keystone.Status) {
	if d.onStatus != nil {
		d.onStatus(status)
	}
}

// KeysWithPrefix lists stored keys beginning with prefix, for
// inspection tools.
func (d *BadgerDelegate) KeysWithPrefix(prefix string) ([]string, error) {
	var keys []string
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if !strings.HasPrefix(key, prefix) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying store.
func (d *BadgerDelegate) Close() error {
	return d.db.Close()
}
