package leveldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/xrypton/trust-node/trust/db"
)

type DB struct {
	path string
	_db  *leveldb.DB

	mx sync.Mutex
}

var syncWrite = &opt.WriteOptions{Sync: true}

func NewDB(path string) (*DB, bool, error) {
	isNew := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		isNew = true
	}

	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, false, err
	}

	return &DB{
		path: path,
		_db:  ldb,
	}, isNew, nil
}

func (d *DB) Close() {
	d._db.Close()
}

func (d *DB) Get(ctx context.Context, key string) (string, error) {
	value, err := d._db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", db.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}
	return string(value), nil
}

func (d *DB) Set(ctx context.Context, key, value string) error {
	if err := d._db.Put([]byte(key), []byte(value), syncWrite); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (d *DB) Delete(ctx context.Context, key string) error {
	if err := d._db.Delete([]byte(key), syncWrite); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (d *DB) ScanPrefix(ctx context.Context, prefix string, f func(key, value string) bool) error {
	iter := d._db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		if !f(string(iter.Key()), string(iter.Value())) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to iterate prefix %q: %w", prefix, err)
	}
	return nil
}

func (d *DB) DeletePrefix(ctx context.Context, prefix string) error {
	iter := d._db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to iterate prefix %q: %w", prefix, err)
	}

	// batches are atomic, and durable when sync = true
	if err := d._db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("failed to write delete batch: %w", err)
	}
	return nil
}

// Backup copies the store files into a timestamped sibling directory. The
// database is closed for the duration so the copy is a consistent snapshot.
func (d *DB) Backup() error {
	d.mx.Lock()
	defer d.mx.Unlock()

	if err := d._db.Close(); err != nil {
		return fmt.Errorf("failed to close database before backup: %w", err)
	}
	defer func() {
		d._db, _ = leveldb.OpenFile(d.path, nil)
	}()

	backupDir := fmt.Sprintf("%s_backup_%d", d.path, time.Now().UnixMilli())
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	err := filepath.WalkDir(d.path, func(path string, dir fs.DirEntry, err error) error {
		if err != nil || dir.IsDir() {
			return err
		}

		rel, err := filepath.Rel(d.path, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(backupDir, rel)
		if err = os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return fmt.Errorf("failed to complete backup: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	input, err := os.Open(src)
	if err != nil {
		return err
	}
	defer input.Close()

	output, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer output.Close()

	_, err = io.Copy(output, input)
	return err
}
