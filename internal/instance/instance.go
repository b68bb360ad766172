package instance

import (
	"sort"
	"time"

	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/world"
)

// viewer игрок внутри мира со своим планировщиком стриминга
type viewer struct {
	playerID   string
	x, z       float64
	positioned bool
	joinedAt   time.Time
	streaming  *world.ChunkManager
}

// InstanceOptions параметры создания экземпляра мира
type InstanceOptions struct {
	Streaming     world.StreamingConfig
	MeshesPerTick int
	Saver         world.ChunkSaver        // nil - изменённые чанки остаются в кэше до сохранения мира
	Metrics       *world.StreamingMetrics // может быть nil
}

// WorldInstance один независимый мир: хранилище чанков, метаданные и игроки.
// Не потокобезопасен; владеет им Manager.
type WorldInstance struct {
	Metadata storage.WorldMetadata
	World    *world.WorldManager

	players    map[string]*viewer
	opts       InstanceOptions
	loadedAt   time.Time
	lastAccess time.Time
}

// TickResult итог тика экземпляра
type TickResult struct {
	Loaded   int
	Unloaded int
	Meshed   int
}

// WorldInfo сводка по миру для API и логов
type WorldInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"owner_id"`
	Generator    string    `json:"generator"`
	Public       bool      `json:"public"`
	Players      []string  `json:"players"`
	MaxPlayers   int       `json:"max_players"`
	LoadedChunks int       `json:"loaded_chunks"`
	CachedChunks int       `json:"cached_chunks"`
	Unsaved      int       `json:"unsaved_chunks"`
	LoadedAt     time.Time `json:"loaded_at"`
	LastAccess   time.Time `json:"last_access"`
}

// NewWorldInstance создаёт экземпляр поверх готового генератора
func NewWorldInstance(meta storage.WorldMetadata, gen world.Generator, opts InstanceOptions, now time.Time) *WorldInstance {
	return &WorldInstance{
		Metadata:   meta,
		World:      world.NewWorldManager(gen),
		players:    make(map[string]*viewer),
		opts:       opts,
		loadedAt:   now,
		lastAccess: now,
	}
}

// ID идентификатор мира
func (wi *WorldInstance) ID() string {
	return wi.Metadata.ID
}

// CanJoin проверяет лимит игроков и приватность
func (wi *WorldInstance) CanJoin(playerID string) bool {
	if _, ok := wi.players[playerID]; ok {
		return true
	}
	if wi.Metadata.MaxPlayers > 0 && len(wi.players) >= wi.Metadata.MaxPlayers {
		return false
	}
	return wi.Metadata.Public || playerID == wi.Metadata.OwnerID
}

// CanBuild может ли игрок изменять блоки
func (wi *WorldInstance) CanBuild(playerID string) bool {
	return playerID == wi.Metadata.OwnerID || wi.Metadata.AllowBuilding
}

// AddPlayer добавляет игрока. false - игрок уже в мире.
func (wi *WorldInstance) AddPlayer(playerID string, now time.Time) bool {
	if _, ok := wi.players[playerID]; ok {
		return false
	}
	wi.players[playerID] = &viewer{
		playerID:  playerID,
		joinedAt:  now,
		streaming: world.NewChunkManager(wi.World, wi.opts.Saver, wi.opts.Streaming, wi.opts.Metrics),
	}
	wi.lastAccess = now
	return true
}

// RemovePlayer убирает игрока и отпускает удерживаемые им чанки
func (wi *WorldInstance) RemovePlayer(playerID string, now time.Time) bool {
	v, ok := wi.players[playerID]
	if !ok {
		return false
	}
	v.streaming.Clear()
	delete(wi.players, playerID)
	wi.lastAccess = now
	return true
}

// HasPlayer находится ли игрок в мире
func (wi *WorldInstance) HasPlayer(playerID string) bool {
	_, ok := wi.players[playerID]
	return ok
}

// PlayerCount число игроков
func (wi *WorldInstance) PlayerCount() int {
	return len(wi.players)
}

// Players идентификаторы игроков по алфавиту
func (wi *WorldInstance) Players() []string {
	out := make([]string, 0, len(wi.players))
	for id := range wi.players {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateViewer запоминает позицию игрока для следующего тика
func (wi *WorldInstance) UpdateViewer(playerID string, x, z float64) bool {
	v, ok := wi.players[playerID]
	if !ok {
		return false
	}
	v.x, v.z, v.positioned = x, z, true
	return true
}

// SetRenderDistance меняет радиус прорисовки игрока
func (wi *WorldInstance) SetRenderDistance(playerID string, r int) bool {
	v, ok := wi.players[playerID]
	if !ok {
		return false
	}
	v.streaming.SetRenderDistance(r)
	return true
}

// ViewerStats счётчики стриминга игрока
func (wi *WorldInstance) ViewerStats(playerID string) (world.StreamingStats, bool) {
	v, ok := wi.players[playerID]
	if !ok {
		return world.StreamingStats{}, false
	}
	return v.streaming.Stats(), true
}

// Tick прогоняет стриминг вокруг каждого игрока с известной позицией и строит меши
func (wi *WorldInstance) Tick() TickResult {
	var res TickResult
	for _, id := range wi.Players() {
		v := wi.players[id]
		if !v.positioned {
			continue
		}
		r := v.streaming.Update(v.x, v.z)
		res.Loaded += r.Loaded
		res.Unloaded += r.Unloaded
	}
	res.Meshed = wi.World.ProcessMeshing(wi.opts.MeshesPerTick)
	return res
}

// Touch обновляет время последнего обращения
func (wi *WorldInstance) Touch(now time.Time) {
	wi.lastAccess = now
}

// LastAccess время последнего обращения
func (wi *WorldInstance) LastAccess() time.Time {
	return wi.lastAccess
}

// Snapshot метаданные и все чанки с незаписанными изменениями
func (wi *WorldInstance) Snapshot() *storage.WorldData {
	return &storage.WorldData{
		Metadata: wi.Metadata,
		Chunks:   wi.World.ExportPending(),
	}
}

// Restore наполняет кэш мира сохранёнными чанками
func (wi *WorldInstance) Restore(data *storage.WorldData) int {
	if data == nil {
		return 0
	}
	return wi.World.RestoreChunks(data.Chunks)
}

// Info сводка по миру
func (wi *WorldInstance) Info() WorldInfo {
	return WorldInfo{
		ID:           wi.Metadata.ID,
		Name:         wi.Metadata.Name,
		OwnerID:      wi.Metadata.OwnerID,
		Generator:    wi.Metadata.GeneratorType,
		Public:       wi.Metadata.Public,
		Players:      wi.Players(),
		MaxPlayers:   wi.Metadata.MaxPlayers,
		LoadedChunks: wi.World.LoadedChunkCount(),
		CachedChunks: wi.World.CachedChunkCount(),
		Unsaved:      len(wi.World.PendingKeys()),
		LoadedAt:     wi.loadedAt,
		LastAccess:   wi.lastAccess,
	}
}

// Close освобождает все ресурсы мира. Несохранённые изменения теряются.
func (wi *WorldInstance) Close() {
	wi.players = make(map[string]*viewer)
	wi.World.Close()
}
