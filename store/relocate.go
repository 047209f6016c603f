package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
)

// ErrTargetExists is returned by Relocate when a store already lives at the target.
var ErrTargetExists = errors.New("target store already exists")

// relocateBatch bounds the number of records written per leveldb batch.
const relocateBatch = 1024

// Relocate moves the store at oldPath to targetPath, copying every record and
// removing oldPath afterwards. A missing oldPath is not an error.
func Relocate(ctx context.Context, targetPath, oldPath string) error {
	logger := logging.FromContext(ctx).With(zap.String("from", oldPath), zap.String("to", targetPath))
	if oldPath == targetPath {
		return nil
	}

	src, err := leveldb.OpenFile(oldPath, &opt.Options{ErrorIfMissing: true, ReadOnly: true})
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("opening store to relocate: %w", err)
	}
	defer src.Close()

	dst, err := leveldb.OpenFile(targetPath, &opt.Options{ErrorIfExist: true})
	switch {
	case os.IsExist(err):
		return fmt.Errorf("%w: %s", ErrTargetExists, targetPath)
	case err != nil:
		return fmt.Errorf("opening relocation target: %w", err)
	}
	defer dst.Close()

	logger.Info("relocating store")
	var (
		batch  leveldb.Batch
		copied int
	)
	iter := src.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		batch.Put(iter.Key(), iter.Value())
		if batch.Len() < relocateBatch {
			continue
		}
		if err := dst.Write(&batch, &opt.WriteOptions{Sync: true}); err != nil {
			return fmt.Errorf("writing relocated records: %w", err)
		}
		copied += batch.Len()
		batch.Reset()
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("reading store to relocate: %w", err)
	}
	if err := dst.Write(&batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing relocated records: %w", err)
	}
	copied += batch.Len()
	iter.Release()

	if err := src.Close(); err != nil {
		return fmt.Errorf("closing relocated store: %w", err)
	}
	if err := os.RemoveAll(oldPath); err != nil {
		return fmt.Errorf("removing relocated store: %w", err)
	}
	logger.Info("store relocated", zap.Int("records", copied))
	return nil
}
