package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/go-redis/redis/v8"
)

// RedisWorldStore хранит миры в Redis.
//
// Раскладка: <prefix>world:<id>:meta - JSON метаданных, <prefix>world:<id>:chunks -
// хеш "x,z" -> бинарный конверт чанка, <prefix>worlds - множество известных миров.
type RedisWorldStore struct {
	client    *redis.Client
	keyPrefix string
	log       *logging.Logger
}

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr      string // Адрес Redis сервера
	Password  string // Пароль (пустой если не требуется)
	DB        int    // Номер базы данных
	KeyPrefix string // Префикс для ключей
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "voxel:",
	}
}

// NewRedisWorldStore подключается к Redis и проверяет соединение
func NewRedisWorldStore(cfg *RedisConfig) (*RedisWorldStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultRedisConfig().Addr
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis: %w", err)
	}

	store := NewRedisWorldStoreFromClient(client, cfg.KeyPrefix)
	store.log.Info("Подключено к Redis %s", cfg.Addr)
	return store, nil
}

// NewRedisWorldStoreFromClient оборачивает готовый клиент
func NewRedisWorldStoreFromClient(client *redis.Client, keyPrefix string) *RedisWorldStore {
	return &RedisWorldStore{
		client:    client,
		keyPrefix: keyPrefix,
		log:       logging.GetStorageLogger(),
	}
}

func (rs *RedisWorldStore) metaKey(worldID string) string {
	return rs.keyPrefix + metaKey(worldID)
}

func (rs *RedisWorldStore) chunksKey(worldID string) string {
	return rs.keyPrefix + worldPrefix(worldID) + "chunks"
}

func (rs *RedisWorldStore) indexKey() string {
	return rs.keyPrefix + "worlds"
}

func (rs *RedisWorldStore) LoadWorld(ctx context.Context, worldID string) (*WorldData, error) {
	pipe := rs.client.Pipeline()
	metaCmd := pipe.Get(ctx, rs.metaKey(worldID))
	chunksCmd := pipe.HGetAll(ctx, rs.chunksKey(worldID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ошибка чтения мира %s из Redis: %w", worldID, err)
	}

	rawMeta, err := metaCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrWorldNotFound
	} else if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных мира %s: %w", worldID, err)
	}
	meta, err := decodeMetadata(rawMeta)
	if err != nil {
		return nil, err
	}

	chunks, err := decodeChunkHash(chunksCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("мир %s: %w", worldID, err)
	}
	return &WorldData{Metadata: meta, Chunks: chunks}, nil
}

func (rs *RedisWorldStore) SaveWorld(ctx context.Context, data *WorldData) error {
	if err := validateWorldData(data); err != nil {
		return err
	}
	meta, err := encodeMetadata(data.Metadata)
	if err != nil {
		return err
	}
	fields, err := encodeChunkHash(data.Chunks)
	if err != nil {
		return err
	}

	id := data.Metadata.ID
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rs.metaKey(id), meta, 0)
		if len(fields) > 0 {
			pipe.HSet(ctx, rs.chunksKey(id), fields)
		}
		pipe.SAdd(ctx, rs.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения мира %s в Redis: %w", id, err)
	}
	return nil
}

func (rs *RedisWorldStore) SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error {
	raw, err := encodeChunk(chunk)
	if err != nil {
		return err
	}
	if err := rs.client.HSet(ctx, rs.chunksKey(worldID), key.String(), raw).Err(); err != nil {
		return fmt.Errorf("ошибка сохранения чанка %s в Redis: %w", key, err)
	}
	return nil
}

func (rs *RedisWorldStore) DeleteWorld(ctx context.Context, worldID string) error {
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rs.metaKey(worldID), rs.chunksKey(worldID))
		pipe.SRem(ctx, rs.indexKey(), worldID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления мира %s из Redis: %w", worldID, err)
	}
	return nil
}

func (rs *RedisWorldStore) ListWorlds(ctx context.Context) ([]WorldMetadata, error) {
	ids, err := rs.client.SMembers(ctx, rs.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка миров: %w", err)
	}
	if len(ids) == 0 {
		return []WorldMetadata{}, nil
	}
	sort.Strings(ids)

	// Получаем метаданные пайплайном
	pipe := rs.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, rs.metaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ошибка чтения метаданных миров: %w", err)
	}

	out := make([]WorldMetadata, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			rs.log.Warn("Метаданные мира %s недоступны: %v", ids[i], err)
			continue
		}
		meta, err := decodeMetadata(raw)
		if err != nil {
			rs.log.Warn("Метаданные мира %s повреждены: %v", ids[i], err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (rs *RedisWorldStore) Close() error {
	return rs.client.Close()
}

// encodeChunkHash готовит поля хеша чанков: "x,z" -> конверт
func encodeChunkHash(chunks map[world.ChunkKey]*codec.CompressedChunk) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(chunks))
	for key, chunk := range chunks {
		raw, err := encodeChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("чанк %s: %w", key, err)
		}
		fields[key.String()] = raw
	}
	return fields, nil
}

// decodeChunkHash обратная к encodeChunkHash
func decodeChunkHash(fields map[string]string) (map[world.ChunkKey]*codec.CompressedChunk, error) {
	chunks := make(map[world.ChunkKey]*codec.CompressedChunk, len(fields))
	for field, raw := range fields {
		key, err := world.ParseChunkKey(field)
		if err != nil {
			return nil, err
		}
		chunk, err := decodeChunk([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("чанк %s: %w", key, err)
		}
		chunks[key] = chunk
	}
	return chunks, nil
}
