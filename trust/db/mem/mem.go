// Package mem is an in-memory Storage used by tests and as a stand-in where
// durability is not needed.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/xrypton/trust-node/trust/db"
)

type DB struct {
	values map[string]string
	mx     sync.RWMutex
}

func NewDB() *DB {
	return &DB{values: map[string]string{}}
}

func (d *DB) Close() {}

func (d *DB) Get(ctx context.Context, key string) (string, error) {
	d.mx.RLock()
	defer d.mx.RUnlock()

	value, ok := d.values[key]
	if !ok {
		return "", db.ErrNotFound
	}
	return value, nil
}

func (d *DB) Set(ctx context.Context, key, value string) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.values[key] = value
	return nil
}

func (d *DB) Delete(ctx context.Context, key string) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	delete(d.values, key)
	return nil
}

func (d *DB) ScanPrefix(ctx context.Context, prefix string, f func(key, value string) bool) error {
	d.mx.RLock()
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	type kv struct{ k, v string }
	snapshot := make([]kv, 0, len(keys))
	for _, k := range keys {
		snapshot = append(snapshot, kv{k, d.values[k]})
	}
	d.mx.RUnlock()

	for _, e := range snapshot {
		if !f(e.k, e.v) {
			break
		}
	}
	return nil
}

func (d *DB) DeletePrefix(ctx context.Context, prefix string) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	for k := range d.values {
		if strings.HasPrefix(k, prefix) {
			delete(d.values, k)
		}
	}
	return nil
}
