package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore отказывает в записи, пока fail > 0
type flakyStore struct {
	*MemoryWorldStore
	fail   int
	writes []world.ChunkKey
}

func (s *flakyStore) SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("диск недоступен")
	}
	s.writes = append(s.writes, key)
	return s.MemoryWorldStore.SaveChunk(ctx, worldID, key, chunk)
}

func newFlakyStore(fail int) *flakyStore {
	return &flakyStore{MemoryWorldStore: NewMemoryWorldStore(), fail: fail}
}

func TestSaveQueueFIFOWithBudget(t *testing.T) {
	store := newFlakyStore(0)
	q := NewSaveQueue(store, 10, 2)
	ctx := context.Background()

	for x := 0; x < 5; x++ {
		require.True(t, q.QueueChunkSave("w", testChunk(x, 0, block.StoneBlockID)))
	}
	assert.Equal(t, 5, q.Len())

	saved, err := q.ProcessSaveQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	assert.Equal(t, []world.ChunkKey{world.MakeChunkKey(0, 0), world.MakeChunkKey(1, 0)}, store.writes)
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 5, store.ChunkCount("w"))
	assert.Equal(t, uint64(5), q.Stats().Saved)
}

func TestSaveQueueKeepsNewestSnapshot(t *testing.T) {
	store := newFlakyStore(0)
	q := NewSaveQueue(store, 10, 10)
	ctx := context.Background()

	c := testChunk(0, 0, block.StoneBlockID)
	require.True(t, q.QueueChunkSave("w", c))
	c.SetBlock(0, 100, 0, block.SandBlockID)
	require.True(t, q.QueueChunkSave("w", c))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(1), q.Stats().Merged)

	_, err := q.ProcessSaveQueue(ctx)
	require.NoError(t, err)

	data, err := store.LoadWorld(ctx, "w")
	// метаданных нет - мир считается несохранённым, проверяем чанк напрямую
	assert.ErrorIs(t, err, ErrWorldNotFound)
	assert.Nil(t, data)
	assert.Equal(t, 1, store.ChunkCount("w"))
	assert.Len(t, store.writes, 1)
}

func TestSaveQueueSkipsUnchangedContent(t *testing.T) {
	store := newFlakyStore(0)
	q := NewSaveQueue(store, 10, 10)
	ctx := context.Background()

	c := testChunk(0, 0, block.StoneBlockID)
	q.QueueChunkSave("w", c)
	_, err := q.ProcessSaveQueue(ctx)
	require.NoError(t, err)

	require.True(t, q.QueueChunkSave("w", c), "совпадающее содержимое принимается")
	assert.Equal(t, 0, q.Len(), "но не ставится в очередь повторно")
	assert.Equal(t, uint64(1), q.Stats().Skipped)

	c.SetBlock(1, 1, 1, block.AirBlockID)
	q.QueueChunkSave("w", c)
	assert.Equal(t, 1, q.Len())
}

func TestSaveQueueRejectsWhenFull(t *testing.T) {
	q := NewSaveQueue(newFlakyStore(0), 2, 1)

	assert.True(t, q.QueueChunkSave("w", testChunk(0, 0, block.StoneBlockID)))
	assert.True(t, q.QueueChunkSave("w", testChunk(1, 0, block.StoneBlockID)))
	assert.False(t, q.QueueChunkSave("w", testChunk(2, 0, block.StoneBlockID)))
	// замена уже стоящего в очереди не требует места
	assert.True(t, q.QueueChunkSave("w", testChunk(0, 0, block.DirtBlockID)))
	assert.Equal(t, uint64(1), q.Stats().Rejected)
	assert.False(t, q.QueueChunkSave("w", nil))
}

func TestSaveQueueRequeuesFailures(t *testing.T) {
	store := newFlakyStore(1)
	q := NewSaveQueue(store, 10, 1)
	ctx := context.Background()

	q.QueueChunkSave("w", testChunk(0, 0, block.StoneBlockID))
	q.QueueChunkSave("w", testChunk(1, 0, block.StoneBlockID))

	saved, err := q.ProcessSaveQueue(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, saved)
	assert.Equal(t, 2, q.Len(), "неудачная запись вернулась в конец")

	saved, err = q.ProcessSaveQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Equal(t, []world.ChunkKey{world.MakeChunkKey(1, 0)}, store.writes)

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []world.ChunkKey{world.MakeChunkKey(1, 0), world.MakeChunkKey(0, 0)}, store.writes)
	assert.Equal(t, uint64(1), q.Stats().Failed)
}

func TestSaveQueueFlushStopsOnPersistentFailure(t *testing.T) {
	q := NewSaveQueue(newFlakyStore(1000), 10, 4)
	q.QueueChunkSave("w", testChunk(0, 0, block.StoneBlockID))

	assert.Error(t, q.Flush(context.Background()))
	assert.Equal(t, 1, q.Len())
}

func TestSaveQueueCanceledContext(t *testing.T) {
	q := NewSaveQueue(newFlakyStore(0), 10, 4)
	q.QueueChunkSave("w", testChunk(0, 0, block.StoneBlockID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	saved, err := q.ProcessSaveQueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, saved)
	assert.Equal(t, 1, q.Len())
}

func TestSaveQueueForWorldAndDrop(t *testing.T) {
	q := NewSaveQueue(newFlakyStore(0), 10, 4)
	var saver world.ChunkSaver = q.ForWorld("a")

	assert.True(t, saver.QueueChunkSave(testChunk(0, 0, block.StoneBlockID)))
	q.QueueChunkSave("b", testChunk(0, 0, block.StoneBlockID))
	assert.Equal(t, 1, q.PendingForWorld("a"))

	assert.Equal(t, 1, q.DropWorld("a"))
	assert.Equal(t, 0, q.PendingForWorld("a"))
	assert.Equal(t, 1, q.Len())
}
