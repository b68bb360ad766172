package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/config"
	"github.com/annel0/voxel-core/internal/world"
)

var (
	// ErrWorldNotFound мир ещё ни разу не сохранялся
	ErrWorldNotFound = errors.New("мир не найден в хранилище")
	// ErrStoreClosed операция над закрытым хранилищем
	ErrStoreClosed = errors.New("хранилище закрыто")
)

// WorldMetadata описание мира, сохраняемое вместе с чанками
type WorldMetadata struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	Seed          int64     `json:"seed"`
	Public        bool      `json:"public"`
	MaxPlayers    int       `json:"max_players"`
	AllowBuilding bool      `json:"allow_building"`
	GeneratorType string    `json:"generator_type"`
}

// WorldData снимок мира для сохранения/загрузки.
// Chunks содержит только изменённые относительно генератора чанки.
type WorldData struct {
	Metadata WorldMetadata
	Chunks   map[world.ChunkKey]*codec.CompressedChunk
}

// WorldStore постоянное хранилище миров.
//
// SaveWorld дописывает метаданные и переданные чанки; ранее сохранённые чанки,
// не вошедшие в снимок, остаются на месте.
type WorldStore interface {
	// LoadWorld возвращает ErrWorldNotFound, если мир не сохранялся
	LoadWorld(ctx context.Context, worldID string) (*WorldData, error)
	SaveWorld(ctx context.Context, data *WorldData) error
	SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error
	DeleteWorld(ctx context.Context, worldID string) error
	ListWorlds(ctx context.Context) ([]WorldMetadata, error)
	Close() error
}

// Open создаёт хранилище по конфигурации
func Open(cfg config.StorageConfig) (WorldStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "badger":
		return NewBadgerWorldStore(cfg.DataPath)
	case "redis":
		return NewRedisWorldStore(&RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: DefaultRedisConfig().KeyPrefix,
		})
	case "maria", "mariadb", "mysql":
		if cfg.MariaDSN == "" {
			return nil, errors.New("для хранилища maria не задан maria_dsn")
		}
		return NewMariaWorldStore(cfg.MariaDSN)
	case "mongo", "mongodb":
		return NewMongoWorldStore(MongoConfig{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
	case "memory":
		return NewMemoryWorldStore(), nil
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища %q", cfg.Backend)
	}
}

// Ключи записей: world:<id>:meta и world:<id>:chunk:<x,z>

const keyPrefix = "world:"

func metaKey(worldID string) string {
	return keyPrefix + worldID + ":meta"
}

func worldPrefix(worldID string) string {
	return keyPrefix + worldID + ":"
}

func chunkPrefix(worldID string) string {
	return keyPrefix + worldID + ":chunk:"
}

func chunkRecordKey(worldID string, key world.ChunkKey) string {
	return chunkPrefix(worldID) + key.String()
}

// parseChunkRecordKey извлекает ключ чанка из полного ключа записи
func parseChunkRecordKey(worldID, raw string) (world.ChunkKey, error) {
	prefix := chunkPrefix(worldID)
	if !strings.HasPrefix(raw, prefix) {
		return 0, fmt.Errorf("ключ %q не принадлежит миру %s", raw, worldID)
	}
	return world.ParseChunkKey(strings.TrimPrefix(raw, prefix))
}

// worldIDFromMetaKey обратная к metaKey
func worldIDFromMetaKey(raw string) (string, bool) {
	if !strings.HasPrefix(raw, keyPrefix) || !strings.HasSuffix(raw, ":meta") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(raw, keyPrefix), ":meta")
	if id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

func encodeMetadata(meta WorldMetadata) ([]byte, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации метаданных мира: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (WorldMetadata, error) {
	var meta WorldMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("ошибка десериализации метаданных мира: %w", err)
	}
	return meta, nil
}

func encodeChunk(chunk *codec.CompressedChunk) ([]byte, error) {
	data, err := codec.Encode(chunk)
	if err != nil {
		return nil, fmt.Errorf("ошибка кодирования чанка: %w", err)
	}
	return data, nil
}

// chunkRow закодированный чанк с координатами
type chunkRow struct {
	cx, cz int
	data   []byte
}

// encodeChunkRows кодирует чанки в конверты в порядке ключей
func encodeChunkRows(chunks map[world.ChunkKey]*codec.CompressedChunk) ([]chunkRow, error) {
	keys := make([]world.ChunkKey, 0, len(chunks))
	for key := range chunks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	rows := make([]chunkRow, 0, len(keys))
	for _, key := range keys {
		blob, err := encodeChunk(chunks[key])
		if err != nil {
			return nil, fmt.Errorf("чанк %s: %w", key, err)
		}
		x, z := key.Coords()
		rows = append(rows, chunkRow{cx: x, cz: z, data: blob})
	}
	return rows, nil
}

func decodeChunk(data []byte) (*codec.CompressedChunk, error) {
	chunk, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования чанка: %w", err)
	}
	return chunk, nil
}

func validateWorldData(data *WorldData) error {
	if data == nil {
		return errors.New("пустой снимок мира")
	}
	if data.Metadata.ID == "" {
		return errors.New("снимок мира без идентификатора")
	}
	if strings.Contains(data.Metadata.ID, ":") {
		return fmt.Errorf("недопустимый идентификатор мира %q", data.Metadata.ID)
	}
	return nil
}
