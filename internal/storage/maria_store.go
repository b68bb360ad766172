package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/world"
	_ "github.com/go-sql-driver/mysql"
)

// MariaWorldStore хранит миры в MariaDB/MySQL.
// Таблица voxel_worlds содержит JSON метаданных, voxel_chunks - бинарные конверты чанков.
type MariaWorldStore struct {
	db  *sql.DB
	log *logging.Logger
}

// Размер пачки строк в одном INSERT
const mariaChunkBatch = 128

const mariaWorldsTable = `
	CREATE TABLE IF NOT EXISTS voxel_worlds (
		id         VARCHAR(64)  PRIMARY KEY,
		metadata   BLOB         NOT NULL,
		updated_at TIMESTAMP    DEFAULT CURRENT_TIMESTAMP
		           ON UPDATE    CURRENT_TIMESTAMP
	) ENGINE=InnoDB
`

const mariaChunksTable = `
	CREATE TABLE IF NOT EXISTS voxel_chunks (
		world_id VARCHAR(64)  NOT NULL,
		cx       INT          NOT NULL,
		cz       INT          NOT NULL,
		data     MEDIUMBLOB   NOT NULL,
		PRIMARY KEY (world_id, cx, cz)
	) ENGINE=InnoDB
`

// NewMariaWorldStore подключается к базе и создаёт таблицы, если их нет.
//
// Параметры:
//
//	dsn - строка подключения (user:pass@tcp(host:port)/dbname)
func NewMariaWorldStore(dsn string) (*MariaWorldStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	store := &MariaWorldStore{db: db, log: logging.GetStorageLogger()}
	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	store.log.Info("Подключено к MariaDB")
	return store, nil
}

func (ms *MariaWorldStore) createTables(ctx context.Context) error {
	for _, q := range []string{mariaWorldsTable, mariaChunksTable} {
		if _, err := ms.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ошибка создания таблиц MariaDB: %w", err)
		}
	}
	return nil
}

func (ms *MariaWorldStore) LoadWorld(ctx context.Context, worldID string) (*WorldData, error) {
	var raw []byte
	err := ms.db.QueryRowContext(ctx, `SELECT metadata FROM voxel_worlds WHERE id = ?`, worldID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения мира %s из MariaDB: %w", worldID, err)
	}
	meta, err := decodeMetadata(raw)
	if err != nil {
		return nil, err
	}

	rows, err := ms.db.QueryContext(ctx, `SELECT cx, cz, data FROM voxel_chunks WHERE world_id = ?`, worldID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чанков мира %s: %w", worldID, err)
	}
	defer rows.Close()

	data := &WorldData{Metadata: meta, Chunks: make(map[world.ChunkKey]*codec.CompressedChunk)}
	for rows.Next() {
		var (
			row  chunkRow
			blob []byte
		)
		if err := rows.Scan(&row.cx, &row.cz, &blob); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки чанка мира %s: %w", worldID, err)
		}
		chunk, err := decodeChunk(blob)
		if err != nil {
			return nil, fmt.Errorf("мир %s, чанк %d,%d: %w", worldID, row.cx, row.cz, err)
		}
		data.Chunks[world.MakeChunkKey(row.cx, row.cz)] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения чанков мира %s: %w", worldID, err)
	}
	return data, nil
}

func (ms *MariaWorldStore) SaveWorld(ctx context.Context, data *WorldData) error {
	if err := validateWorldData(data); err != nil {
		return err
	}
	meta, err := encodeMetadata(data.Metadata)
	if err != nil {
		return err
	}
	rows, err := encodeChunkRows(data.Chunks)
	if err != nil {
		return err
	}

	id := data.Metadata.ID
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции для мира %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voxel_worlds (id, metadata) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE metadata = VALUES(metadata)`, id, meta); err != nil {
		return fmt.Errorf("ошибка сохранения метаданных мира %s: %w", id, err)
	}
	for start := 0; start < len(rows); start += mariaChunkBatch {
		end := min(start+mariaChunkBatch, len(rows))
		query, args := mariaChunkUpsert(id, rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("ошибка сохранения чанков мира %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации мира %s: %w", id, err)
	}
	return nil
}

func (ms *MariaWorldStore) SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error {
	rows, err := encodeChunkRows(map[world.ChunkKey]*codec.CompressedChunk{key: chunk})
	if err != nil {
		return err
	}
	query, args := mariaChunkUpsert(worldID, rows)
	if _, err := ms.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ошибка сохранения чанка %s мира %s: %w", key, worldID, err)
	}
	return nil
}

func (ms *MariaWorldStore) DeleteWorld(ctx context.Context, worldID string) error {
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции для мира %s: %w", worldID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM voxel_chunks WHERE world_id = ?`, worldID); err != nil {
		return fmt.Errorf("ошибка удаления чанков мира %s: %w", worldID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM voxel_worlds WHERE id = ?`, worldID); err != nil {
		return fmt.Errorf("ошибка удаления мира %s: %w", worldID, err)
	}
	return tx.Commit()
}

func (ms *MariaWorldStore) ListWorlds(ctx context.Context) ([]WorldMetadata, error) {
	rows, err := ms.db.QueryContext(ctx, `SELECT metadata FROM voxel_worlds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка миров: %w", err)
	}
	defer rows.Close()

	var out []WorldMetadata
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ошибка чтения списка миров: %w", err)
		}
		meta, err := decodeMetadata(raw)
		if err != nil {
			ms.log.Warn("Пропущены повреждённые метаданные мира: %v", err)
			continue
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (ms *MariaWorldStore) Close() error {
	return ms.db.Close()
}

// mariaChunkUpsert строит многострочный INSERT ... ON DUPLICATE KEY UPDATE
func mariaChunkUpsert(worldID string, rows []chunkRow) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("INSERT INTO voxel_chunks (world_id, cx, cz, data) VALUES ")
	args := make([]interface{}, 0, len(rows)*4)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
		args = append(args, worldID, r.cx, r.cz, r.data)
	}
	b.WriteString(" ON DUPLICATE KEY UPDATE data = VALUES(data)")
	return b.String(), args
}
