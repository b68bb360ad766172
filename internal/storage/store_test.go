package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/config"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func testChunk(x, z int, id block.BlockID) *world.Chunk {
	c := world.NewChunk(x, z)
	c.Fill(0, 0, 0, world.ChunkSizeX-1, 2, world.ChunkSizeZ-1, id)
	c.SetBlock(3, 40, 3, block.WaterBlockID)
	c.SetMetadata(3, 40, 3, 5)
	return c
}

func snapshotOf(t *testing.T, c *world.Chunk) *codec.CompressedChunk {
	t.Helper()
	cc, err := c.Compress()
	require.NoError(t, err)
	return cc
}

func testMetadata(id string) WorldMetadata {
	return WorldMetadata{
		ID:            id,
		OwnerID:       "owner-1",
		Name:          "Тестовый мир",
		CreatedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Seed:          42,
		Public:        true,
		MaxPlayers:    10,
		AllowBuilding: true,
		GeneratorType: "flat",
	}
}

// runStoreContract общий набор проверок для любой реализации WorldStore
func runStoreContract(t *testing.T, store WorldStore) {
	ctx := context.Background()

	t.Run("Missing world", func(t *testing.T) {
		data, err := store.LoadWorld(ctx, "missing")
		assert.Nil(t, data)
		assert.ErrorIs(t, err, ErrWorldNotFound)
	})

	t.Run("Save and load", func(t *testing.T) {
		a := testChunk(0, 0, block.StoneBlockID)
		b := testChunk(-3, 7, block.SandBlockID)
		err := store.SaveWorld(ctx, &WorldData{
			Metadata: testMetadata("alpha"),
			Chunks: map[world.ChunkKey]*codec.CompressedChunk{
				a.Key(): snapshotOf(t, a),
				b.Key(): snapshotOf(t, b),
			},
		})
		require.NoError(t, err)

		data, err := store.LoadWorld(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, testMetadata("alpha"), data.Metadata)
		require.Len(t, data.Chunks, 2)

		restored := world.NewChunk(-3, 7)
		require.NoError(t, restored.Decompress(data.Chunks[b.Key()]))
		assert.Equal(t, block.SandBlockID, restored.GetBlock(0, 2, 0))
		assert.Equal(t, block.WaterBlockID, restored.GetBlock(3, 40, 3))
		assert.Equal(t, uint8(5), restored.GetMetadata(3, 40, 3))
	})

	t.Run("Save is additive", func(t *testing.T) {
		c := testChunk(9, 9, block.DirtBlockID)
		meta := testMetadata("alpha")
		meta.Name = "Переименован"
		require.NoError(t, store.SaveWorld(ctx, &WorldData{
			Metadata: meta,
			Chunks:   map[world.ChunkKey]*codec.CompressedChunk{c.Key(): snapshotOf(t, c)},
		}))

		data, err := store.LoadWorld(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "Переименован", data.Metadata.Name)
		assert.Len(t, data.Chunks, 3)
	})

	t.Run("Save single chunk", func(t *testing.T) {
		c := testChunk(1, 2, block.GrassBlockID)
		require.NoError(t, store.SaveChunk(ctx, "alpha", c.Key(), snapshotOf(t, c)))

		data, err := store.LoadWorld(ctx, "alpha")
		require.NoError(t, err)
		assert.Contains(t, data.Chunks, c.Key())
	})

	t.Run("List worlds", func(t *testing.T) {
		require.NoError(t, store.SaveWorld(ctx, &WorldData{Metadata: testMetadata("beta")}))

		worlds, err := store.ListWorlds(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(worlds))
		for _, w := range worlds {
			ids = append(ids, w.ID)
		}
		assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
	})

	t.Run("Delete world", func(t *testing.T) {
		require.NoError(t, store.DeleteWorld(ctx, "alpha"))
		_, err := store.LoadWorld(ctx, "alpha")
		assert.ErrorIs(t, err, ErrWorldNotFound)

		data, err := store.LoadWorld(ctx, "beta")
		require.NoError(t, err)
		assert.Empty(t, data.Chunks)
	})

	t.Run("Invalid snapshot", func(t *testing.T) {
		assert.Error(t, store.SaveWorld(ctx, nil))
		assert.Error(t, store.SaveWorld(ctx, &WorldData{}))
		assert.Error(t, store.SaveWorld(ctx, &WorldData{Metadata: WorldMetadata{ID: "a:b"}}))
	})
}

func TestMemoryWorldStore(t *testing.T) {
	store := NewMemoryWorldStore()
	runStoreContract(t, store)

	require.NoError(t, store.Close())
	_, err := store.LoadWorld(context.Background(), "beta")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestBadgerWorldStore(t *testing.T) {
	store, err := NewBadgerWorldStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)
}

func TestBadgerWorldStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerWorldStore(dir)
	require.NoError(t, err)
	c := testChunk(4, 4, block.StoneBlockID)
	require.NoError(t, store.SaveWorld(ctx, &WorldData{
		Metadata: testMetadata("persist"),
		Chunks:   map[world.ChunkKey]*codec.CompressedChunk{c.Key(): snapshotOf(t, c)},
	}))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "повторное закрытие безопасно")

	_, err = store.LoadWorld(ctx, "persist")
	assert.ErrorIs(t, err, ErrStoreClosed)

	reopened, err := NewBadgerWorldStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.LoadWorld(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, int64(42), data.Metadata.Seed)
	assert.Contains(t, data.Chunks, c.Key())
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryWorldStore()
	err := store.SaveChunk(ctx, "w", world.MakeChunkKey(0, 0), snapshotOf(t, testChunk(0, 0, block.StoneBlockID)))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRecordKeys(t *testing.T) {
	key := world.MakeChunkKey(-5, 12)

	assert.Equal(t, "world:w1:meta", metaKey("w1"))
	assert.Equal(t, "world:w1:chunk:-5,12", chunkRecordKey("w1", key))

	parsed, err := parseChunkRecordKey("w1", chunkRecordKey("w1", key))
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = parseChunkRecordKey("w2", chunkRecordKey("w1", key))
	assert.Error(t, err)

	id, ok := worldIDFromMetaKey(metaKey("w1"))
	assert.True(t, ok)
	assert.Equal(t, "w1", id)
	_, ok = worldIDFromMetaKey(chunkRecordKey("w1", key))
	assert.False(t, ok)
}

func TestRedisKeysAndHashEncoding(t *testing.T) {
	rs := &RedisWorldStore{keyPrefix: "voxel:"}
	assert.Equal(t, "voxel:world:w1:meta", rs.metaKey("w1"))
	assert.Equal(t, "voxel:world:w1:chunks", rs.chunksKey("w1"))
	assert.Equal(t, "voxel:worlds", rs.indexKey())

	c := testChunk(2, -1, block.LavaBlockID)
	fields, err := encodeChunkHash(map[world.ChunkKey]*codec.CompressedChunk{c.Key(): snapshotOf(t, c)})
	require.NoError(t, err)
	require.Contains(t, fields, "2,-1")

	// go-redis отдаёт значения хеша строками
	raw := map[string]string{"2,-1": string(fields["2,-1"].([]byte))}
	chunks, err := decodeChunkHash(raw)
	require.NoError(t, err)

	restored := world.NewChunk(2, -1)
	require.NoError(t, restored.Decompress(chunks[c.Key()]))
	assert.Equal(t, block.LavaBlockID, restored.GetBlock(0, 0, 0))

	_, err = decodeChunkHash(map[string]string{"bad": "x"})
	assert.Error(t, err)
	_, err = decodeChunkHash(map[string]string{"0,0": "garbage"})
	assert.ErrorIs(t, err, codec.ErrCorruptPayload)
}

func TestOpenMemoryBackend(t *testing.T) {
	store, err := Open(configFor("memory"))
	require.NoError(t, err)
	assert.IsType(t, &MemoryWorldStore{}, store)

	_, err = Open(configFor("cassandra"))
	assert.Error(t, err)

	_, err = Open(configFor("maria"))
	assert.ErrorContains(t, err, "maria_dsn")
}

func configFor(backend string) config.StorageConfig {
	cfg := config.Default().Storage
	cfg.Backend = backend
	return cfg
}

func TestMariaChunkUpsert(t *testing.T) {
	a := testChunk(-1, 0, block.StoneBlockID)
	b := testChunk(3, 5, block.SandBlockID)
	rows, err := encodeChunkRows(map[world.ChunkKey]*codec.CompressedChunk{
		b.Key(): snapshotOf(t, b),
		a.Key(): snapshotOf(t, a),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	query, args := mariaChunkUpsert("w1", rows)
	assert.Equal(t, "INSERT INTO voxel_chunks (world_id, cx, cz, data) VALUES (?, ?, ?, ?), (?, ?, ?, ?)"+
		" ON DUPLICATE KEY UPDATE data = VALUES(data)", query)
	require.Len(t, args, 8)
	assert.Equal(t, "w1", args[0])
	assert.Equal(t, "w1", args[4])

	for i, r := range rows {
		chunk, err := decodeChunk(args[i*4+3].([]byte))
		require.NoError(t, err)
		restored := world.NewChunk(r.cx, r.cz)
		require.NoError(t, restored.Decompress(chunk))
		assert.Equal(t, args[i*4+1], r.cx)
		assert.Equal(t, args[i*4+2], r.cz)
	}
	assert.Contains(t, []int{rows[0].cx, rows[1].cx}, -1)
	assert.Contains(t, []int{rows[0].cx, rows[1].cx}, 3)
}

func TestMongoDocuments(t *testing.T) {
	meta := testMetadata("w1")
	meta.CreatedAt = meta.CreatedAt.Truncate(time.Millisecond).UTC()

	raw, err := bson.Marshal(newMongoWorldDoc(meta))
	require.NoError(t, err)
	var doc mongoWorldDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	assert.Equal(t, meta, doc.metadata())

	var keyed bson.M
	require.NoError(t, bson.Unmarshal(raw, &keyed))
	assert.Equal(t, "w1", keyed["_id"])

	c := testChunk(2, -7, block.LavaBlockID)
	docs, err := encodeChunkDocs("w1", map[world.ChunkKey]*codec.CompressedChunk{c.Key(): snapshotOf(t, c)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, mongoChunkDoc{WorldID: "w1", X: 2, Z: -7, Data: docs[0].Data}, docs[0])

	raw, err = bson.Marshal(docs[0])
	require.NoError(t, err)
	var back mongoChunkDoc
	require.NoError(t, bson.Unmarshal(raw, &back))

	chunks, err := decodeChunkDocs([]mongoChunkDoc{back})
	require.NoError(t, err)
	restored := world.NewChunk(2, -7)
	require.NoError(t, restored.Decompress(chunks[c.Key()]))
	assert.Equal(t, block.LavaBlockID, restored.GetBlock(0, 0, 0))

	_, err = decodeChunkDocs([]mongoChunkDoc{{WorldID: "w1", Data: []byte("garbage")}})
	assert.ErrorIs(t, err, codec.ErrCorruptPayload)
}
