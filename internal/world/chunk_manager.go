package world

import (
	"sort"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/vec"
)

// DefaultUnloadBuffer запас в чанках сверх радиуса прорисовки до выгрузки
const DefaultUnloadBuffer = 2.0

// ChunkSaver внешняя очередь постоянного сохранения
type ChunkSaver interface {
	// QueueChunkSave ставит снимок чанка в очередь; false - очередь переполнена
	QueueChunkSave(chunk *Chunk) bool
}

// StreamingConfig параметры планировщика
type StreamingConfig struct {
	RenderDistance    int
	MaxRenderDistance int
	UnloadBuffer      float64
	UnloadDelay       time.Duration
	MaxLoadsPerTick   int
}

// DefaultStreamingConfig значения по умолчанию
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		RenderDistance:    8,
		MaxRenderDistance: 32,
		UnloadBuffer:      DefaultUnloadBuffer,
		UnloadDelay:       30 * time.Second,
		MaxLoadsPerTick:   4,
	}
}

// ChunkCandidate чанк-кандидат на загрузку с расстоянием от центра
type ChunkCandidate struct {
	X, Z     int
	Distance float64
}

// Key ключ кандидата
func (c ChunkCandidate) Key() ChunkKey {
	return MakeChunkKey(c.X, c.Z)
}

// UpdateResult итог одного вызова Update
type UpdateResult struct {
	Loaded   int
	Unloaded int
	Pending  int // нужные, но не загруженные из-за лимита тика
}

// StreamingStats счётчики планировщика
type StreamingStats struct {
	RenderDistance int
	ActiveChunks   int
	TotalLoaded    uint64
	TotalUnloaded  uint64
	LastUpdate     time.Time
}

// ChunkManager планировщик подгрузки чанков вокруг одного наблюдателя
type ChunkManager struct {
	world  *WorldManager
	saver  ChunkSaver
	config StreamingConfig

	renderDistance int
	active         map[ChunkKey]time.Time

	totalLoaded   uint64
	totalUnloaded uint64
	lastUpdate    time.Time

	now     func() time.Time
	metrics *StreamingMetrics
	log     *logging.Logger
}

// NewChunkManager создаёт планировщик для мира. saver и metrics могут быть nil.
func NewChunkManager(world *WorldManager, saver ChunkSaver, cfg StreamingConfig, metrics *StreamingMetrics) *ChunkManager {
	d := DefaultStreamingConfig()
	if cfg.MaxRenderDistance <= 0 {
		cfg.MaxRenderDistance = d.MaxRenderDistance
	}
	if cfg.MaxLoadsPerTick <= 0 {
		cfg.MaxLoadsPerTick = d.MaxLoadsPerTick
	}
	if cfg.UnloadBuffer < 0 {
		cfg.UnloadBuffer = 0
	}
	cm := &ChunkManager{
		world:   world,
		saver:   saver,
		config:  cfg,
		active:  make(map[ChunkKey]time.Time),
		now:     time.Now,
		metrics: metrics,
		log:     logging.GetStreamingLogger(),
	}
	cm.SetRenderDistance(cfg.RenderDistance)
	return cm
}

// SetClock подменяет источник времени (тесты, детерминированные прогоны)
func (cm *ChunkManager) SetClock(now func() time.Time) {
	cm.now = now
}

// SetRenderDistance задаёт радиус, зажимая его в [1, MaxRenderDistance]
func (cm *ChunkManager) SetRenderDistance(r int) {
	if r < 1 {
		r = 1
	}
	if r > cm.config.MaxRenderDistance {
		r = cm.config.MaxRenderDistance
	}
	cm.renderDistance = r
}

// RenderDistance текущий радиус прорисовки
func (cm *ChunkManager) RenderDistance() int {
	return cm.renderDistance
}

// centerChunk переводит позицию наблюдателя в координаты центрального чанка
func centerChunk(x, z float64) vec.Vec2 {
	return vec.Vec2Float{X: x, Z: z}.ToChunkCoords(ChunkSizeX, ChunkSizeZ)
}

// SpiralOffsets перечисляет (2r+1)^2 смещений квадратной спиралью по часовой стрелке
// от центра наружу, кольцо за кольцом.
func SpiralOffsets(radius int) []vec.Vec2 {
	if radius < 0 {
		return nil
	}
	side := 2*radius + 1
	total := side * side
	out := make([]vec.Vec2, 0, total)

	x, z := 0, 0
	dx, dz := 0, -1
	for i := 0; i < total; i++ {
		out = append(out, vec.Vec2{X: x, Z: z})
		// поворот на 90° на границе кольца для текущего квадранта
		if x == z || (x < 0 && x == -z) || (x > 0 && x == 1-z) {
			dx, dz = -dz, dx
		}
		x, z = x+dx, z+dz
	}
	return out
}

// GetNeededChunks возвращает неактивные чанки в радиусе, отсортированные по расстоянию
// (при равенстве - в порядке обхода спирали)
func (cm *ChunkManager) GetNeededChunks(centerX, centerZ float64) []ChunkCandidate {
	center := centerChunk(centerX, centerZ)
	r := float64(cm.renderDistance)

	var needed []ChunkCandidate
	for _, off := range SpiralOffsets(cm.renderDistance) {
		dist := off.Length()
		if dist > r {
			continue
		}
		x, z := center.X+off.X, center.Z+off.Z
		if _, ok := cm.active[MakeChunkKey(x, z)]; ok {
			continue
		}
		needed = append(needed, ChunkCandidate{X: x, Z: z, Distance: dist})
	}
	sort.SliceStable(needed, func(i, j int) bool { return needed[i].Distance < needed[j].Distance })
	return needed
}

// GetUnloadableChunks активные чанки дальше радиуса+буфер либо не запрашивавшиеся дольше задержки
func (cm *ChunkManager) GetUnloadableChunks(centerX, centerZ float64) []ChunkKey {
	center := centerChunk(centerX, centerZ)
	limit := float64(cm.renderDistance) + cm.config.UnloadBuffer
	now := cm.now()

	var out []ChunkKey
	for key, last := range cm.active {
		x, z := key.Coords()
		dist := vec.Vec2{X: x, Z: z}.DistanceTo(center)
		expired := cm.config.UnloadDelay > 0 && now.Sub(last) > cm.config.UnloadDelay
		if dist > limit || expired {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// touchInRange продлевает активность чанков в радиусе прорисовки
func (cm *ChunkManager) touchInRange(center vec.Vec2, now time.Time) {
	r := float64(cm.renderDistance)
	for key := range cm.active {
		x, z := key.Coords()
		if (vec.Vec2{X: x, Z: z}).DistanceTo(center) <= r {
			cm.active[key] = now
		}
	}
}

// Update один шаг планировщика: сначала выгрузки, потом загрузки ближайших
// не более MaxLoadsPerTick штук
func (cm *ChunkManager) Update(centerX, centerZ float64) UpdateResult {
	now := cm.now()
	cm.touchInRange(centerChunk(centerX, centerZ), now)

	var res UpdateResult
	for _, key := range cm.GetUnloadableChunks(centerX, centerZ) {
		if cm.UnloadChunk(key) {
			res.Unloaded++
		}
	}

	needed := cm.GetNeededChunks(centerX, centerZ)
	for _, c := range needed {
		if res.Loaded >= cm.config.MaxLoadsPerTick {
			break
		}
		if cm.LoadChunk(c.X, c.Z) {
			res.Loaded++
		}
	}
	res.Pending = len(needed) - res.Loaded

	cm.lastUpdate = now
	cm.metrics.observeTick(res.Loaded)
	if res.Loaded > 0 || res.Unloaded > 0 {
		cm.log.Trace("Стриминг: +%d -%d, ожидают %d, активных %d", res.Loaded, res.Unloaded, res.Pending, len(cm.active))
	}
	return res
}

// LoadChunk материализует чанк и помечает его активным. false - уже активен.
func (cm *ChunkManager) LoadChunk(x, z int) bool {
	key := MakeChunkKey(x, z)
	if _, ok := cm.active[key]; ok {
		return false
	}
	cm.world.GetChunk(x, z, false)
	cm.world.Acquire(key)
	cm.active[key] = cm.now()
	cm.totalLoaded++
	cm.metrics.chunkLoaded()
	return true
}

// UnloadChunk снимает чанк с наблюдения. Если его больше никто не удерживает,
// изменённый чанк ставится в очередь сохранения и выгружается из памяти.
func (cm *ChunkManager) UnloadChunk(key ChunkKey) bool {
	if _, ok := cm.active[key]; !ok {
		return false
	}
	delete(cm.active, key)
	cm.totalUnloaded++
	cm.metrics.chunkUnloaded()

	if cm.world.Release(key) > 0 {
		return true
	}

	if cm.world.IsModified(key) && cm.saver != nil {
		if chunk, ok := cm.world.PeekChunk(key); ok {
			accepted := cm.saver.QueueChunkSave(chunk)
			cm.metrics.saveRequested(accepted)
			if !accepted {
				// изменения останутся в кэше и будут записаны при сохранении мира
				cm.log.Warn("Очередь сохранения переполнена, чанк %s остаётся в кэше", key)
			}
		}
	}
	cm.world.UnloadChunk(key)
	return true
}

// IsActive удерживает ли планировщик чанк
func (cm *ChunkManager) IsActive(key ChunkKey) bool {
	_, ok := cm.active[key]
	return ok
}

// ActiveChunks ключи активных чанков
func (cm *ChunkManager) ActiveChunks() []ChunkKey {
	return sortedKeys(cm.active)
}

// Clear отпускает все активные чанки (наблюдатель ушёл)
func (cm *ChunkManager) Clear() int {
	n := 0
	for _, key := range cm.ActiveChunks() {
		if cm.UnloadChunk(key) {
			n++
		}
	}
	return n
}

// Stats возвращает счётчики планировщика
func (cm *ChunkManager) Stats() StreamingStats {
	return StreamingStats{
		RenderDistance: cm.renderDistance,
		ActiveChunks:   len(cm.active),
		TotalLoaded:    cm.totalLoaded,
		TotalUnloaded:  cm.totalUnloaded,
		LastUpdate:     cm.lastUpdate,
	}
}
