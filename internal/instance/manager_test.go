package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/annel0/voxel-core/internal/eventbus"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore отказывает в SaveWorld, пока fail > 0
type flakyStore struct {
	*storage.MemoryWorldStore
	fail  int
	saves int
}

func (s *flakyStore) SaveWorld(ctx context.Context, data *storage.WorldData) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("диск недоступен")
	}
	s.saves++
	return s.MemoryWorldStore.SaveWorld(ctx, data)
}

// recordingBus запоминает типы опубликованных событий
type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Publish(_ context.Context, ev *eventbus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev.EventType)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, eventbus.Filter, eventbus.Handler) (eventbus.Subscription, error) {
	return nil, errors.New("не поддерживается")
}

func (b *recordingBus) Metrics() eventbus.Stats { return eventbus.Stats{} }
func (b *recordingBus) Close() error            { return nil }

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testManagerConfig(maxWorlds int) ManagerConfig {
	return ManagerConfig{
		MaxWorlds:       maxWorlds,
		IdleUnloadDelay: time.Minute,
		ProcessInterval: time.Second,
		Streaming:       testStreaming(),
		MeshesPerTick:   4,
	}
}

func newTestManager(t *testing.T, maxWorlds int, store storage.WorldStore) (*Manager, *fakeClock, *recordingBus) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	bus := &recordingBus{}
	m := NewManager(testManagerConfig(maxWorlds), store, storage.NewSaveQueue(store, 100, 8), bus, nil)
	m.SetClock(clock.now)
	return m, clock, bus
}

func publicMeta() *storage.WorldMetadata {
	return &storage.WorldMetadata{Public: true, AllowBuilding: true, GeneratorType: "flat"}
}

func TestGetWorldLoadsOnceAndQueuesIdle(t *testing.T) {
	m, _, bus := newTestManager(t, 4, storage.NewMemoryWorldStore())
	ctx := context.Background()

	a, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	again, err := m.GetWorld(ctx, "a", nil)
	require.NoError(t, err)
	assert.Same(t, a, again)

	assert.Equal(t, "a", a.Metadata.Name, "имя по умолчанию - идентификатор")
	assert.True(t, m.IsQueuedForUnload("a"), "пустой мир остаётся кандидатом на выгрузку")
	assert.Equal(t, 1, m.Stats().ActiveWorlds)
	assert.Equal(t, []string{eventbus.EventWorldLoaded}, bus.types())
}

func TestGetWorldRestartsIdleTimer(t *testing.T) {
	m, clock, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	ctx := context.Background()
	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)

	clock.advance(50 * time.Second)
	_, err = m.GetWorld(ctx, "a", nil)
	require.NoError(t, err)

	clock.advance(50 * time.Second)
	assert.Equal(t, 0, m.ProcessUnloadQueue(ctx), "таймер простоя начат заново")
	assert.True(t, m.IsLoaded("a"))

	clock.advance(11 * time.Second)
	assert.Equal(t, 1, m.ProcessUnloadQueue(ctx))
	assert.False(t, m.IsLoaded("a"))
}

func TestUnknownGeneratorFallsBackToFlat(t *testing.T) {
	m, _, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	inst, err := m.GetWorld(context.Background(), "w", &storage.WorldMetadata{GeneratorType: "marble"})
	require.NoError(t, err)
	assert.Equal(t, block.BedrockBlockID, inst.World.GetBlock(0, 0, 0))
}

func TestCreateWorldAssignsID(t *testing.T) {
	m, _, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	inst, err := m.CreateWorld(context.Background(), storage.WorldMetadata{ID: "ignored", Name: "Остров"})
	require.NoError(t, err)
	assert.NotEqual(t, "ignored", inst.ID())
	assert.Len(t, inst.ID(), 36)
	assert.False(t, inst.Metadata.CreatedAt.IsZero())
	assert.True(t, m.IsLoaded(inst.ID()))
}

func TestCapacityEvictsOnlyEmptyWorlds(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := storage.NewMemoryWorldStore()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	bus := &recordingBus{}
	m := NewManager(testManagerConfig(2), store, storage.NewSaveQueue(store, 100, 8), bus, reg)
	m.SetClock(clock.now)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := m.GetWorld(ctx, id, publicMeta())
		require.NoError(t, err)
		require.NoError(t, m.AddPlayerToWorld(id, "p-"+id))
	}

	_, err := m.GetWorld(ctx, "c", publicMeta())
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, m.IsLoaded("a"))
	assert.True(t, m.IsLoaded("b"))
	assert.Contains(t, bus.types(), eventbus.EventCapacityReached)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.CapacityRejections))

	require.NoError(t, m.RemovePlayerFromWorld("b", "p-b"))
	_, err = m.GetWorld(ctx, "c", publicMeta())
	require.NoError(t, err)
	assert.False(t, m.IsLoaded("b"), "пустой мир выгружен ради нового")
	assert.True(t, m.IsLoaded("a"), "мир с игроком не трогаем")

	st := m.Stats()
	assert.Equal(t, 2, st.ActiveWorlds)
	assert.Equal(t, uint64(1), st.CapacityRejections)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.ActiveWorlds))
}

func TestUnloadRefusedWithPlayers(t *testing.T) {
	m, _, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	ctx := context.Background()
	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	require.NoError(t, m.AddPlayerToWorld("a", "p"))

	require.ErrorIs(t, m.UnloadWorld(ctx, "a", false), ErrWorldHasPlayers)
	require.ErrorIs(t, m.UnloadWorld(ctx, "nope", false), ErrWorldNotLoaded)
	assert.True(t, m.IsLoaded("a"))
}

func TestAccessDeniedForPrivateWorld(t *testing.T) {
	m, _, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	_, err := m.GetWorld(context.Background(), "a", &storage.WorldMetadata{OwnerID: "owner"})
	require.NoError(t, err)

	require.ErrorIs(t, m.AddPlayerToWorld("a", "guest"), ErrAccessDenied)
	require.NoError(t, m.AddPlayerToWorld("a", "owner"))
	require.ErrorIs(t, m.AddPlayerToWorld("missing", "owner"), ErrWorldNotLoaded)
}

func TestIdleWorldUnloadedAfterDelay(t *testing.T) {
	m, clock, bus := newTestManager(t, 4, storage.NewMemoryWorldStore())
	ctx := context.Background()
	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	require.True(t, m.IsQueuedForUnload("a"), "новый пустой мир сразу в очереди")

	require.NoError(t, m.AddPlayerToWorld("a", "p"))
	assert.False(t, m.IsQueuedForUnload("a"))

	clock.advance(10 * time.Minute)
	require.NoError(t, m.RemovePlayerFromWorld("a", "p"))
	assert.True(t, m.IsQueuedForUnload("a"))

	clock.advance(30 * time.Second)
	assert.Equal(t, 0, m.ProcessUnloadQueue(ctx))
	assert.True(t, m.IsLoaded("a"))

	clock.advance(31 * time.Second)
	assert.Equal(t, 1, m.ProcessUnloadQueue(ctx))
	assert.False(t, m.IsLoaded("a"))
	assert.False(t, m.IsQueuedForUnload("a"))
	assert.Contains(t, bus.types(), eventbus.EventWorldUnloaded)
}

func TestReturningPlayerCancelsIdleUnload(t *testing.T) {
	m, clock, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	ctx := context.Background()
	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)

	clock.advance(50 * time.Second)
	require.NoError(t, m.AddPlayerToWorld("a", "p"))
	clock.advance(time.Hour)
	assert.Equal(t, 0, m.ProcessUnloadQueue(ctx))
	assert.True(t, m.IsLoaded("a"))
}

func TestEditsSurviveUnloadAndReload(t *testing.T) {
	store := storage.NewMemoryWorldStore()
	m, _, bus := newTestManager(t, 4, store)
	ctx := context.Background()

	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	require.NoError(t, m.WithWorld("a", func(inst *WorldInstance) error {
		require.True(t, inst.World.SetBlock(5, 120, 5, block.StoneBlockID))
		require.True(t, inst.World.SetBlock(40, 120, 5, block.SandBlockID))
		return nil
	}))

	require.NoError(t, m.UnloadWorld(ctx, "a", false))
	assert.Equal(t, 2, store.ChunkCount("a"))
	assert.Equal(t, []string{eventbus.EventWorldLoaded, eventbus.EventWorldSaved, eventbus.EventWorldUnloaded}, bus.types())

	inst, err := m.GetWorld(ctx, "a", nil)
	require.NoError(t, err)
	assert.True(t, inst.Metadata.Public, "метаданные берутся из хранилища")
	assert.Equal(t, block.StoneBlockID, inst.World.GetBlock(5, 120, 5))
	assert.Equal(t, block.SandBlockID, inst.World.GetBlock(40, 120, 5))
	assert.False(t, inst.World.HasUnsavedChanges(), "восстановленные чанки уже в хранилище")
}

func TestFailedSaveKeepsWorldLoaded(t *testing.T) {
	store := &flakyStore{MemoryWorldStore: storage.NewMemoryWorldStore(), fail: 1}
	m, _, bus := newTestManager(t, 4, store)
	ctx := context.Background()

	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	require.NoError(t, m.WithWorld("a", func(inst *WorldInstance) error {
		inst.World.SetBlock(1, 100, 1, block.StoneBlockID)
		return nil
	}))

	err = m.UnloadWorld(ctx, "a", false)
	require.Error(t, err)
	assert.True(t, m.IsLoaded("a"))
	assert.Contains(t, bus.types(), eventbus.EventWorldSaveFailed)
	require.NoError(t, m.WithWorld("a", func(inst *WorldInstance) error {
		assert.True(t, inst.World.HasUnsavedChanges(), "изменения не потеряны")
		return nil
	}))
	assert.Equal(t, uint64(1), m.Stats().SaveFailures)

	require.NoError(t, m.UnloadWorld(ctx, "a", false))
	assert.False(t, m.IsLoaded("a"))
	assert.Equal(t, 1, store.ChunkCount("a"))
}

func TestSaveWorldClearsPending(t *testing.T) {
	store := &flakyStore{MemoryWorldStore: storage.NewMemoryWorldStore()}
	m, _, _ := newTestManager(t, 4, store)
	ctx := context.Background()

	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	require.NoError(t, m.WithWorld("a", func(inst *WorldInstance) error {
		inst.World.SetBlock(1, 100, 1, block.StoneBlockID)
		return nil
	}))

	require.NoError(t, m.SaveWorld(ctx, "a"))
	info, err := m.WorldInfo("a")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Unsaved)

	// без изменений выгрузка не пишет повторно
	require.NoError(t, m.UnloadWorld(ctx, "a", false))
	assert.Equal(t, 1, store.saves)
}

func TestTickStreamsAndUnloadsIdle(t *testing.T) {
	m, clock, _ := newTestManager(t, 4, storage.NewMemoryWorldStore())
	ctx := context.Background()
	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	_, err = m.GetWorld(ctx, "b", publicMeta())
	require.NoError(t, err)
	require.NoError(t, m.AddPlayerToWorld("a", "p"))
	require.NoError(t, m.UpdateViewer("a", "p", 8, 8))

	st := m.Tick(ctx)
	assert.Equal(t, 5, st.Loaded)
	assert.Equal(t, 0, st.WorldsEvicted)

	clock.advance(2 * time.Minute)
	st = m.Tick(ctx)
	assert.Equal(t, 1, st.WorldsEvicted)
	assert.False(t, m.IsLoaded("b"))
	assert.True(t, m.IsLoaded("a"))
}

func TestShutdownSavesEverything(t *testing.T) {
	store := storage.NewMemoryWorldStore()
	m, _, _ := newTestManager(t, 4, store)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := m.GetWorld(ctx, id, publicMeta())
		require.NoError(t, err)
		require.NoError(t, m.AddPlayerToWorld(id, "p"))
		require.NoError(t, m.WithWorld(id, func(inst *WorldInstance) error {
			inst.World.SetBlock(2, 90, 2, block.DirtBlockID)
			return nil
		}))
	}

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.ListWorlds())
	assert.Equal(t, 1, store.ChunkCount("a"))
	assert.Equal(t, 1, store.ChunkCount("b"))

	metas, err := store.ListWorlds(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}

func TestManagerConfigFromDefaults(t *testing.T) {
	cfg := ManagerConfigFrom(nil)
	assert.Equal(t, 100, cfg.MaxWorlds)
	assert.Equal(t, 5*time.Minute, cfg.IdleUnloadDelay)
	assert.Equal(t, 8, cfg.Streaming.RenderDistance)
	assert.Equal(t, 8, cfg.MeshesPerTick)
}

func TestUnloadAndDeleteDropQueuedChunkSaves(t *testing.T) {
	store := storage.NewMemoryWorldStore()
	m, _, _ := newTestManager(t, 4, store)
	ctx := context.Background()

	_, err := m.GetWorld(ctx, "w1", publicMeta())
	require.NoError(t, err)
	require.NoError(t, m.AddPlayerToWorld("w1", "p"))
	require.NoError(t, m.UpdateViewer("w1", "p", 8, 8))
	m.Tick(ctx)
	require.NoError(t, m.WithWorld("w1", func(inst *WorldInstance) error {
		require.True(t, inst.World.SetBlock(5, 120, 5, block.StoneBlockID))
		return nil
	}))
	require.NoError(t, m.SaveWorld(ctx, "w1"))

	// наблюдатель ушёл: изменённый чанк уходит в очередь записи
	require.NoError(t, m.RemovePlayerFromWorld("w1", "p"))
	require.Equal(t, 1, m.Stats().PendingChunkSaves)

	require.NoError(t, m.UnloadWorld(ctx, "w1", false))
	assert.Equal(t, 0, m.Stats().PendingChunkSaves)

	require.NoError(t, m.DeleteWorld(ctx, "w1"))
	m.Tick(ctx)

	inst, err := m.GetWorld(ctx, "w1", publicMeta())
	require.NoError(t, err)
	assert.Equal(t, block.AirBlockID, inst.World.GetBlock(5, 120, 5), "удалённые правки не возвращаются")
	assert.Equal(t, 0, store.ChunkCount("w1"))
}

func TestDeleteWorldRefusesLoaded(t *testing.T) {
	store := storage.NewMemoryWorldStore()
	m, _, _ := newTestManager(t, 4, store)
	ctx := context.Background()

	_, err := m.GetWorld(ctx, "a", publicMeta())
	require.NoError(t, err)
	assert.ErrorIs(t, m.DeleteWorld(ctx, "a"), ErrWorldLoaded)

	require.NoError(t, m.UnloadWorld(ctx, "a", true))
	_, err = store.LoadWorld(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, m.DeleteWorld(ctx, "a"))
	_, err = store.LoadWorld(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrWorldNotFound)
}
