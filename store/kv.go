// Package store holds the durable state of a single project.
//
// Keyed records (challenge ledger, fee pool, mining config, address registry)
// live in a leveldb database and are XDR encoded. Every read-modify-write goes
// through Update, which runs inside a leveldb transaction; leveldb admits only
// one open transaction at a time, so Update is the exclusive critical section
// for the whole KV.
//
// Append-only outcome logs are plain JSON-lines files, see Log.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
)

var ErrNotFound = leveldb.ErrNotFound

// Key joins parts into a store key. Parts must not contain the separator.
func Key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

// Prefix returns the key prefix matching every Key(parts..., x).
func Prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, "/") + "/")
}

type KV struct {
	db   *leveldb.DB
	path string
}

func Open(path string) (*KV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", path, err)
	}
	return &KV{db: db, path: path}, nil
}

func (s *KV) Path() string {
	return s.path
}

func (s *KV) Close() error {
	return s.db.Close()
}

// Get decodes the record stored under key into v.
func (s *KV) Get(key []byte, v any) error {
	data, err := s.db.Get(key, nil)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return Decode(data, v)
}

// Has reports whether a record exists under key.
func (s *KV) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

// Put stores v under key with a synced write.
func (s *KV) Put(key []byte, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if err := s.db.Put(key, data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside an exclusive transaction. The transaction is
// committed when fn returns nil and discarded otherwise, so a failed update
// leaves the store untouched.
func (s *KV) Update(ctx context.Context, fn func(tx *Tx) error) error {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	if err := fn(&Tx{trans: trans}); err != nil {
		trans.Discard()
		return err
	}
	if err := trans.Commit(); err != nil {
		logging.FromContext(ctx).Warn("failed to commit transaction", zap.String("db", s.path), zap.Error(err))
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// View iterates over a point-in-time snapshot of all records under prefix.
// The value slice passed to fn is only valid during the call.
func (s *KV) View(prefix []byte, fn func(key, value []byte) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("taking snapshot: %w", err)
	}
	defer snap.Release()
	return iterate(snap.NewIterator(util.BytesPrefix(prefix), nil), fn)
}

type Tx struct {
	trans *leveldb.Transaction
}

func (tx *Tx) Get(key []byte, v any) error {
	data, err := tx.trans.Get(key, nil)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return Decode(data, v)
}

func (tx *Tx) Put(key []byte, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if err := tx.trans.Put(key, data, nil); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

func (tx *Tx) Delete(key []byte) error {
	return tx.trans.Delete(key, nil)
}

// Iterate walks the records under prefix as seen by the transaction.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return iterate(tx.trans.NewIterator(util.BytesPrefix(prefix), nil), fn)
}

func iterate(iter iterator.Iterator, fn func(key, value []byte) error) error {
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Encode serializes v. Pointers are dereferenced so callers may pass either.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, reflect.Indirect(reflect.ValueOf(v)).Interface()); err != nil {
		return nil, fmt.Errorf("serialization failure: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("failed to deserialize: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means the key was missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
