package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/dgraph-io/badger/v3"
)

// BadgerWorldStore хранит миры в BadgerDB: метаданные в JSON, чанки в бинарном
// конверте codec.
type BadgerWorldStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
	log     *logging.Logger
}

// NewBadgerWorldStore открывает (или создаёт) базу в dataPath/worlds
func NewBadgerWorldStore(dataPath string) (*BadgerWorldStore, error) {
	dbPath := filepath.Join(dataPath, "worlds")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerWorldStore{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
		log:     logging.GetStorageLogger(),
	}, nil
}

// Close закрывает хранилище данных
func (bs *BadgerWorldStore) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	return bs.db.Close()
}

func (bs *BadgerWorldStore) LoadWorld(ctx context.Context, worldID string) (*WorldData, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, ErrStoreClosed
	}

	data := &WorldData{Chunks: make(map[world.ChunkKey]*codec.CompressedChunk)}
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey(worldID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrWorldNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			meta, err := decodeMetadata(val)
			data.Metadata = meta
			return err
		}); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chunkPrefix(worldID))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key, err := parseChunkRecordKey(worldID, string(item.Key()))
			if err != nil {
				bs.log.Warn("Пропущен чанк с некорректным ключом: %v", err)
				continue
			}
			// значение декодируется внутри колбэка: буфер валиден только в нём
			if err := item.Value(func(val []byte) error {
				chunk, err := decodeChunk(val)
				if err != nil {
					return fmt.Errorf("чанк %s: %w", key, err)
				}
				data.Chunks[key] = chunk
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrWorldNotFound) {
		return nil, ErrWorldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения мира %s из BadgerDB: %w", worldID, err)
	}
	return data, nil
}

func (bs *BadgerWorldStore) SaveWorld(ctx context.Context, data *WorldData) error {
	if err := validateWorldData(data); err != nil {
		return err
	}
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrStoreClosed
	}

	meta, err := encodeMetadata(data.Metadata)
	if err != nil {
		return err
	}

	wb := bs.db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set([]byte(metaKey(data.Metadata.ID)), meta); err != nil {
		return fmt.Errorf("ошибка записи метаданных мира: %w", err)
	}
	for key, chunk := range data.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := encodeChunk(chunk)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(chunkRecordKey(data.Metadata.ID, key)), raw); err != nil {
			return fmt.Errorf("ошибка записи чанка %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

func (bs *BadgerWorldStore) SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeChunk(chunk)
	if err != nil {
		return err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return ErrStoreClosed
	}

	err = bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(chunkRecordKey(worldID, key)), raw)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения чанка %s в BadgerDB: %w", key, err)
	}
	return nil
}

func (bs *BadgerWorldStore) DeleteWorld(ctx context.Context, worldID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return ErrStoreClosed
	}
	if err := bs.db.DropPrefix([]byte(worldPrefix(worldID))); err != nil {
		return fmt.Errorf("ошибка удаления мира %s: %w", worldID, err)
	}
	return nil
}

func (bs *BadgerWorldStore) ListWorlds(ctx context.Context) ([]WorldMetadata, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return nil, ErrStoreClosed
	}

	var out []WorldMetadata
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if _, ok := worldIDFromMetaKey(string(item.Key())); !ok {
				continue
			}
			if err := item.Value(func(val []byte) error {
				meta, err := decodeMetadata(val)
				if err != nil {
					return err
				}
				out = append(out, meta)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка миров: %w", err)
	}
	return out, nil
}
