package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/voxel-core/internal/config"
	"github.com/annel0/voxel-core/internal/eventbus"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrCapacityExceeded достигнут лимит одновременно загруженных миров
	ErrCapacityExceeded = errors.New("достигнут лимит загруженных миров")
	// ErrWorldHasPlayers мир нельзя выгрузить, пока в нём есть игроки
	ErrWorldHasPlayers = errors.New("в мире есть игроки")
	// ErrWorldNotLoaded мир не загружен
	ErrWorldNotLoaded = errors.New("мир не загружен")
	// ErrAccessDenied игрок не может войти в мир
	ErrAccessDenied = errors.New("вход в мир запрещён")
	// ErrWorldLoaded операция требует выгруженного мира
	ErrWorldLoaded = errors.New("мир загружен")
)

// ManagerConfig параметры реестра миров
type ManagerConfig struct {
	MaxWorlds       int
	IdleUnloadDelay time.Duration
	ProcessInterval time.Duration
	Streaming       world.StreamingConfig
	MeshesPerTick   int
}

// ManagerConfigFrom собирает параметры реестра из конфигурации сервера
func ManagerConfigFrom(cfg *config.Config) ManagerConfig {
	if cfg == nil {
		cfg = config.Default()
	}
	return ManagerConfig{
		MaxWorlds:       cfg.Registry.MaxWorlds,
		IdleUnloadDelay: cfg.Registry.IdleUnloadDelay,
		ProcessInterval: cfg.Registry.ProcessInterval,
		Streaming: world.StreamingConfig{
			RenderDistance:    cfg.Streaming.RenderDistance,
			MaxRenderDistance: cfg.Streaming.MaxRenderDistance,
			UnloadBuffer:      cfg.Streaming.UnloadBuffer,
			UnloadDelay:       cfg.Streaming.UnloadDelay,
			MaxLoadsPerTick:   cfg.Streaming.MaxLoadsPerTick,
		},
		MeshesPerTick: cfg.Streaming.MeshesPerTick,
	}
}

// ManagerStats счётчики реестра
type ManagerStats struct {
	ActiveWorlds       int    `json:"active_worlds"`
	MaxWorlds          int    `json:"max_worlds"`
	QueuedForUnload    int    `json:"queued_for_unload"`
	PendingChunkSaves  int    `json:"pending_chunk_saves"`
	TotalLoaded        uint64 `json:"total_loaded"`
	TotalUnloaded      uint64 `json:"total_unloaded"`
	TotalSaved         uint64 `json:"total_saved"`
	SaveFailures       uint64 `json:"save_failures"`
	CapacityRejections uint64 `json:"capacity_rejections"`
}

// TickStats итог тика реестра
type TickStats struct {
	Loaded        int
	Unloaded      int
	Meshed        int
	ChunksSaved   int
	WorldsEvicted int
}

// Manager реестр независимых миров с лимитом и выгрузкой простаивающих.
//
// Все методы потокобезопасны: REST и цикл тиков обращаются к реестру
// под одним мьютексом.
type Manager struct {
	mu sync.Mutex

	cfg     ManagerConfig
	store   storage.WorldStore
	queue   *storage.SaveQueue
	bus     eventbus.EventBus
	metrics *RegistryMetrics
	stream  *world.StreamingMetrics

	worlds      map[string]*WorldInstance
	unloadQueue map[string]time.Time // мир -> когда опустел
	lastProcess time.Time
	stats       ManagerStats

	now func() time.Time
	log *logging.Logger
}

// NewManager создаёт реестр. queue, bus и reg могут быть nil.
func NewManager(cfg ManagerConfig, store storage.WorldStore, queue *storage.SaveQueue, bus eventbus.EventBus, reg prometheus.Registerer) *Manager {
	if cfg.MaxWorlds <= 0 {
		cfg.MaxWorlds = config.Default().Registry.MaxWorlds
	}
	if store == nil {
		store = storage.NewMemoryWorldStore()
	}
	var stream *world.StreamingMetrics
	if reg != nil {
		stream = world.NewStreamingMetrics(reg)
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		queue:       queue,
		bus:         bus,
		metrics:     NewRegistryMetrics(reg),
		stream:      stream,
		worlds:      make(map[string]*WorldInstance),
		unloadQueue: make(map[string]time.Time),
		now:         time.Now,
		log:         logging.GetInstanceLogger(),
	}
}

// SetClock подменяет источник времени
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateWorld создаёт новый мир с новым идентификатором и загружает его
func (m *Manager) CreateWorld(ctx context.Context, meta storage.WorldMetadata) (*WorldInstance, error) {
	meta.ID = uuid.NewString()
	return m.GetWorld(ctx, meta.ID, &meta)
}

// GetWorld возвращает загруженный мир или загружает его.
// meta используется, только если мир ещё ни разу не сохранялся.
func (m *Manager) GetWorld(ctx context.Context, worldID string, meta *storage.WorldMetadata) (*WorldInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getWorldLocked(ctx, worldID, meta)
}

func (m *Manager) getWorldLocked(ctx context.Context, worldID string, meta *storage.WorldMetadata) (*WorldInstance, error) {
	now := m.now()
	if inst, ok := m.worlds[worldID]; ok {
		inst.Touch(now)
		delete(m.unloadQueue, worldID)
		if inst.PlayerCount() == 0 {
			// обращение продлевает простой, но не отменяет выгрузку пустого мира
			m.unloadQueue[worldID] = now
		}
		return inst, nil
	}

	if len(m.worlds) >= m.cfg.MaxWorlds {
		m.evictEmptyLocked(ctx)
	}
	if len(m.worlds) >= m.cfg.MaxWorlds {
		m.stats.CapacityRejections++
		m.metrics.capacityRejected()
		m.publish(ctx, eventbus.EventCapacityReached, eventbus.WorldEvent{WorldID: worldID, Reason: "max_worlds"})
		return nil, fmt.Errorf("%w: %d", ErrCapacityExceeded, m.cfg.MaxWorlds)
	}

	data, err := m.store.LoadWorld(ctx, worldID)
	switch {
	case errors.Is(err, storage.ErrWorldNotFound):
		data = nil
	case err != nil:
		// мир создаётся заново, сохранённые чанки останутся в хранилище
		m.log.Error("Не удалось загрузить мир %s, создаём заново: %v", worldID, err)
		data = nil
	}

	md := m.metadataFor(worldID, meta, data, now)
	gen, err := world.NewGenerator(md.GeneratorType, md.Seed)
	if err != nil {
		m.log.Warn("Мир %s: %v, используем плоский генератор", worldID, err)
		gen = world.NewFlatGenerator()
	}

	var saver world.ChunkSaver
	if m.queue != nil {
		saver = m.queue.ForWorld(worldID)
	}
	inst := NewWorldInstance(md, gen, InstanceOptions{
		Streaming:     m.cfg.Streaming,
		MeshesPerTick: m.cfg.MeshesPerTick,
		Saver:         saver,
		Metrics:       m.stream,
	}, now)
	restored := inst.Restore(data)

	m.worlds[worldID] = inst
	// пустой мир сразу кандидат на выгрузку; вход игрока отменяет её
	m.unloadQueue[worldID] = now
	m.stats.TotalLoaded++
	m.metrics.worldLoaded()
	m.updateGaugesLocked()

	m.log.Info("Мир %s загружен (%s), восстановлено чанков: %d", worldID, md.GeneratorType, restored)
	m.publish(ctx, eventbus.EventWorldLoaded, eventbus.WorldEvent{WorldID: worldID, OwnerID: md.OwnerID, Chunks: restored})
	return inst, nil
}

// metadataFor выбирает метаданные: сохранённые, переданные или по умолчанию
func (m *Manager) metadataFor(worldID string, meta *storage.WorldMetadata, data *storage.WorldData, now time.Time) storage.WorldMetadata {
	var md storage.WorldMetadata
	switch {
	case data != nil:
		md = data.Metadata
	case meta != nil:
		md = *meta
	default:
		md = storage.WorldMetadata{Public: true, AllowBuilding: true}
	}
	md.ID = worldID
	if md.CreatedAt.IsZero() {
		md.CreatedAt = now
	}
	if md.GeneratorType == "" {
		md.GeneratorType = "flat"
	}
	if md.Name == "" {
		md.Name = worldID
	}
	return md
}

// evictEmptyLocked принудительно выгружает все миры без игроков
func (m *Manager) evictEmptyLocked(ctx context.Context) int {
	n := 0
	for _, id := range m.sortedIDsLocked() {
		if m.worlds[id].PlayerCount() > 0 {
			continue
		}
		if err := m.unloadLocked(ctx, id, false); err != nil {
			m.log.Warn("Не удалось освободить место выгрузкой мира %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

// UnloadWorld сохраняет (если есть изменения или forceSave) и выгружает мир.
// При неудачном сохранении мир остаётся загруженным.
func (m *Manager) UnloadWorld(ctx context.Context, worldID string, forceSave bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, worldID, forceSave)
}

func (m *Manager) unloadLocked(ctx context.Context, worldID string, forceSave bool) error {
	inst, ok := m.worlds[worldID]
	if !ok {
		delete(m.unloadQueue, worldID)
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldID)
	}
	if inst.PlayerCount() > 0 {
		return fmt.Errorf("%w: %s (%d)", ErrWorldHasPlayers, worldID, inst.PlayerCount())
	}

	if forceSave || inst.World.HasUnsavedChanges() {
		if err := m.saveLocked(ctx, inst); err != nil {
			return err
		}
	}

	inst.Close()
	delete(m.worlds, worldID)
	delete(m.unloadQueue, worldID)
	if m.queue != nil {
		// незаписанных изменений нет, снимки в очереди совпадают с хранилищем
		if n := m.queue.DropWorld(worldID); n > 0 {
			m.log.Debug("Мир %s: из очереди записи убрано снимков: %d", worldID, n)
		}
	}
	m.stats.TotalUnloaded++
	m.metrics.worldUnloaded()
	m.updateGaugesLocked()

	m.log.Info("Мир %s выгружен", worldID)
	m.publish(ctx, eventbus.EventWorldUnloaded, eventbus.WorldEvent{WorldID: worldID, OwnerID: inst.Metadata.OwnerID})
	return nil
}

// DeleteWorld удаляет сохранённый мир вместе с его снимками в очереди записи.
// Загруженный мир удалить нельзя.
func (m *Manager) DeleteWorld(ctx context.Context, worldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.worlds[worldID]; ok {
		return fmt.Errorf("%w: %s", ErrWorldLoaded, worldID)
	}
	if m.queue != nil {
		m.queue.DropWorld(worldID)
	}
	if err := m.store.DeleteWorld(ctx, worldID); err != nil {
		return fmt.Errorf("удаление мира %s: %w", worldID, err)
	}
	m.log.Info("Мир %s удалён из хранилища", worldID)
	return nil
}

// AddPlayerToWorld добавляет игрока в загруженный мир и отменяет его выгрузку
func (m *Manager) AddPlayerToWorld(worldID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.worlds[worldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldID)
	}
	if !inst.CanJoin(playerID) {
		return fmt.Errorf("%w: игрок %s, мир %s", ErrAccessDenied, playerID, worldID)
	}
	if inst.AddPlayer(playerID, m.now()) {
		m.log.Debug("Игрок %s вошёл в мир %s", playerID, worldID)
	}
	delete(m.unloadQueue, worldID)
	m.updateGaugesLocked()
	return nil
}

// RemovePlayerFromWorld убирает игрока; опустевший мир встаёт в очередь на выгрузку
func (m *Manager) RemovePlayerFromWorld(worldID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.worlds[worldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldID)
	}
	now := m.now()
	if inst.RemovePlayer(playerID, now) {
		m.log.Debug("Игрок %s покинул мир %s", playerID, worldID)
	}
	if inst.PlayerCount() == 0 {
		if _, queued := m.unloadQueue[worldID]; !queued {
			m.unloadQueue[worldID] = now
		}
	}
	m.updateGaugesLocked()
	return nil
}

// UpdateViewer передаёт позицию игрока планировщику стриминга мира
func (m *Manager) UpdateViewer(worldID, playerID string, x, z float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.worlds[worldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldID)
	}
	if !inst.UpdateViewer(playerID, x, z) {
		return fmt.Errorf("игрок %s не находится в мире %s", playerID, worldID)
	}
	inst.Touch(m.now())
	return nil
}

// ProcessUnloadQueue выгружает миры, пустующие дольше IdleUnloadDelay.
// Возвращает число выгруженных.
func (m *Manager) ProcessUnloadQueue(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processUnloadQueueLocked(ctx)
}

func (m *Manager) processUnloadQueueLocked(ctx context.Context) int {
	now := m.now()
	m.lastProcess = now

	ids := make([]string, 0, len(m.unloadQueue))
	for id := range m.unloadQueue {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	unloaded := 0
	for _, id := range ids {
		since := m.unloadQueue[id]
		if now.Sub(since) < m.cfg.IdleUnloadDelay {
			continue
		}
		inst, ok := m.worlds[id]
		if !ok {
			delete(m.unloadQueue, id)
			continue
		}
		// игрок мог вернуться после постановки в очередь
		if inst.PlayerCount() > 0 {
			delete(m.unloadQueue, id)
			continue
		}
		if err := m.unloadLocked(ctx, id, false); err != nil {
			m.log.Error("Выгрузка простаивающего мира %s отложена: %v", id, err)
			continue
		}
		unloaded++
	}
	m.updateGaugesLocked()
	return unloaded
}

// SaveWorld сохраняет мир в хранилище
func (m *Manager) SaveWorld(ctx context.Context, worldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.worlds[worldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldID)
	}
	return m.saveLocked(ctx, inst)
}

// SaveAllWorlds сохраняет все загруженные миры; ошибка одного не останавливает остальные
func (m *Manager) SaveAllWorlds(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAllLocked(ctx)
}

func (m *Manager) saveAllLocked(ctx context.Context) error {
	var errs []error
	for _, id := range m.sortedIDsLocked() {
		if err := m.saveLocked(ctx, m.worlds[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// saveLocked пишет метаданные и незаписанные чанки. Отметки о незаписанных
// изменениях снимаются только после успешной записи.
func (m *Manager) saveLocked(ctx context.Context, inst *WorldInstance) error {
	snapshot := inst.Snapshot()
	keys := make([]world.ChunkKey, 0, len(snapshot.Chunks))
	for key := range snapshot.Chunks {
		keys = append(keys, key)
	}

	if err := m.store.SaveWorld(ctx, snapshot); err != nil {
		m.stats.SaveFailures++
		m.metrics.worldSaved(false)
		m.log.Error("Ошибка сохранения мира %s: %v", inst.ID(), err)
		m.publish(ctx, eventbus.EventWorldSaveFailed, eventbus.WorldEvent{
			WorldID: inst.ID(), Chunks: len(keys), Error: err.Error(),
		})
		return fmt.Errorf("сохранение мира %s: %w", inst.ID(), err)
	}

	inst.World.ClearPending(keys)
	if m.queue != nil {
		// мир записан целиком, отложенные снимки его чанков устарели
		m.queue.DropWorld(inst.ID())
	}
	m.stats.TotalSaved++
	m.metrics.worldSaved(true)
	m.updateGaugesLocked()

	m.log.Debug("Мир %s сохранён, чанков: %d", inst.ID(), len(keys))
	m.publish(ctx, eventbus.EventWorldSaved, eventbus.WorldEvent{
		WorldID: inst.ID(), Players: inst.PlayerCount(), Chunks: len(keys),
	})
	return nil
}

// Tick один шаг симуляции: стриминг всех миров, запись очереди чанков
// и, раз в ProcessInterval, обработка очереди выгрузки
func (m *Manager) Tick(ctx context.Context) TickStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st TickStats
	for _, id := range m.sortedIDsLocked() {
		r := m.worlds[id].Tick()
		st.Loaded += r.Loaded
		st.Unloaded += r.Unloaded
		st.Meshed += r.Meshed
	}

	if m.queue != nil {
		saved, err := m.queue.ProcessSaveQueue(ctx)
		if err != nil {
			m.log.Warn("Очередь сохранения: %v", err)
		}
		st.ChunksSaved = saved
	}

	if m.now().Sub(m.lastProcess) >= m.cfg.ProcessInterval {
		st.WorldsEvicted = m.processUnloadQueueLocked(ctx)
	}
	m.updateGaugesLocked()
	return st
}

// WithWorld выполняет fn над загруженным миром под блокировкой реестра
func (m *Manager) WithWorld(worldID string, fn func(inst *WorldInstance) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.worlds[worldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldID)
	}
	inst.Touch(m.now())
	return fn(inst)
}

// IsLoaded загружен ли мир
func (m *Manager) IsLoaded(worldID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.worlds[worldID]
	return ok
}

// IsQueuedForUnload стоит ли мир в очереди на выгрузку
func (m *Manager) IsQueuedForUnload(worldID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.unloadQueue[worldID]
	return ok
}

// WorldInfo сводка по загруженному миру
func (m *Manager) WorldInfo(worldID string) (WorldInfo, error) {
	var info WorldInfo
	err := m.WithWorld(worldID, func(inst *WorldInstance) error {
		info = inst.Info()
		return nil
	})
	return info, err
}

// ListWorlds сводки по всем загруженным мирам
func (m *Manager) ListWorlds() []WorldInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorldInfo, 0, len(m.worlds))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, m.worlds[id].Info())
	}
	return out
}

// Stats счётчики реестра
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats
	st.ActiveWorlds = len(m.worlds)
	st.MaxWorlds = m.cfg.MaxWorlds
	st.QueuedForUnload = len(m.unloadQueue)
	if m.queue != nil {
		st.PendingChunkSaves = m.queue.Len()
	}
	return st
}

// Shutdown сохраняет все миры, дописывает очередь чанков и освобождает память.
// Миры, которые не удалось сохранить, всё равно выгружаются: процесс завершается.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if err := m.saveAllLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.queue != nil {
		if err := m.queue.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("очередь сохранения: %w", err))
		}
	}
	for id, inst := range m.worlds {
		inst.Close()
		delete(m.worlds, id)
	}
	m.unloadQueue = make(map[string]time.Time)
	m.updateGaugesLocked()

	if len(errs) > 0 {
		m.log.Error("Остановка реестра с ошибками: %v", errors.Join(errs...))
	} else {
		m.log.Info("Реестр миров остановлен")
	}
	return errors.Join(errs...)
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.worlds))
	for id := range m.worlds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) updateGaugesLocked() {
	pending := 0
	if m.queue != nil {
		pending = m.queue.Len()
	}
	m.metrics.setSizes(len(m.worlds), len(m.unloadQueue), pending)
}

func (m *Manager) publish(ctx context.Context, eventType string, ev eventbus.WorldEvent) {
	if m.bus == nil {
		return
	}
	env, err := eventbus.NewWorldEvent(eventType, ev)
	if err != nil {
		m.log.Warn("Событие %s не создано: %v", eventType, err)
		return
	}
	if err := m.bus.Publish(ctx, env); err != nil {
		m.log.Warn("Событие %s не опубликовано: %v", eventType, err)
	}
}
