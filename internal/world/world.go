package world

import (
	"sort"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
)

// Mesher внешний компонент построения геометрии чанка
type Mesher interface {
	BuildMesh(chunk *Chunk) error
}

// WorldStats счётчики WorldManager за время жизни
type WorldStats struct {
	Generated uint64 // чанков заполнено генератором
	Restored  uint64 // чанков восстановлено из кэша изменённых
	Unloaded  uint64 // чанков выгружено
	Cached    uint64 // снимков помещено в кэш при выгрузке
	Meshed    uint64
	MeshFails uint64
}

// WorldManager хранилище живых чанков одного мира.
//
// Владеет всеми экземплярами Chunk. Все методы вызываются из одного цикла
// симуляции; блокировок нет.
type WorldManager struct {
	chunks map[ChunkKey]*Chunk

	// modified - чанки, отличающиеся от вывода генератора; при выгрузке попадают в кэш.
	modified map[ChunkKey]struct{}
	// pending - изменения, ещё не записанные в постоянное хранилище.
	// Каждый ключ либо загружен, либо лежит в кэше.
	pending map[ChunkKey]struct{}
	// cache - сжатые снимки выгруженных изменённых чанков
	cache map[ChunkKey]*codec.CompressedChunk
	// refs - сколько наблюдателей удерживают чанк
	refs map[ChunkKey]int

	generator Generator
	bounds    *Bounds
	oracle    EmptinessOracle

	mesher     Mesher
	meshQueue  []ChunkKey
	meshQueued map[ChunkKey]struct{}

	stats WorldStats
	log   *logging.Logger
}

// NewWorldManager создаёт хранилище чанков поверх генератора (nil - пустой мир)
func NewWorldManager(generator Generator) *WorldManager {
	if generator == nil {
		generator = EmptyGenerator{}
	}
	wm := &WorldManager{
		chunks:     make(map[ChunkKey]*Chunk),
		modified:   make(map[ChunkKey]struct{}),
		pending:    make(map[ChunkKey]struct{}),
		cache:      make(map[ChunkKey]*codec.CompressedChunk),
		refs:       make(map[ChunkKey]int),
		meshQueued: make(map[ChunkKey]struct{}),
		generator:  generator,
		log:        logging.GetWorldLogger(),
	}
	if bg, ok := generator.(BoundedGenerator); ok {
		if b, ok := bg.ChunkBounds(); ok {
			wm.bounds = &b
		}
	}
	if oracle, ok := generator.(EmptinessOracle); ok {
		wm.oracle = oracle
	}
	return wm
}

// SetMesher подключает построитель мешей. Без него чанки переходят в READY сразу после генерации.
func (wm *WorldManager) SetMesher(m Mesher) {
	wm.mesher = m
}

// Generator возвращает генератор мира
func (wm *WorldManager) Generator() Generator {
	return wm.generator
}

// Bounds возвращает объявленную генератором область, если она есть
func (wm *WorldManager) Bounds() (Bounds, bool) {
	if wm.bounds == nil {
		return Bounds{}, false
	}
	return *wm.bounds, true
}

// Stats возвращает копию счётчиков
func (wm *WorldManager) Stats() WorldStats {
	return wm.stats
}

// GetChunk возвращает живой чанк, создавая его при первом обращении.
// Порядок создания: снимок из кэша изменённых -> генератор (если не skipGeneration).
func (wm *WorldManager) GetChunk(x, z int, skipGeneration bool) *Chunk {
	key := MakeChunkKey(x, z)
	if chunk, ok := wm.chunks[key]; ok {
		if !skipGeneration && chunk.State() == ChunkStateNew {
			wm.generate(chunk)
		}
		return chunk
	}

	chunk := NewChunk(x, z)
	wm.chunks[key] = chunk

	if snapshot, ok := wm.cache[key]; ok {
		if err := chunk.Decompress(snapshot); err != nil {
			// битый снимок: правки потеряны, дальше как с новым чанком
			wm.log.Error("Снимок чанка %s повреждён: %v", key, err)
			delete(wm.cache, key)
			delete(wm.pending, key)
		} else {
			chunk.X, chunk.Z = x, z
			delete(wm.cache, key)
			wm.modified[key] = struct{}{}
			wm.stats.Restored++
			wm.finishPopulation(chunk)
			wm.log.Debug("Чанк %s восстановлен из кэша", key)
			return chunk
		}
	}

	if !skipGeneration {
		wm.generate(chunk)
	}
	return chunk
}

// generate проводит чанк через NEW -> GENERATING -> GENERATED вокруг вызова генератора
func (wm *WorldManager) generate(chunk *Chunk) {
	if !chunk.TransitionTo(ChunkStateGenerating) {
		return
	}
	if wm.bounds == nil || wm.bounds.Contains(chunk.X, chunk.Z) {
		wm.generator.GenerateChunk(chunk)
	}
	wm.stats.Generated++
	wm.finishPopulation(chunk)
}

// finishPopulation доводит заполненный чанк до GENERATED и дальше до READY
// (сразу, если построитель мешей не подключён)
func (wm *WorldManager) finishPopulation(chunk *Chunk) {
	if chunk.State() == ChunkStateNew {
		chunk.TransitionTo(ChunkStateGenerating)
	}
	chunk.TransitionTo(ChunkStateGenerated)
	if wm.mesher == nil {
		chunk.TransitionTo(ChunkStateMeshing)
		chunk.TransitionTo(ChunkStateReady)
		chunk.ClearDirty()
		return
	}
	wm.enqueueMesh(chunk.Key())
}

func (wm *WorldManager) enqueueMesh(key ChunkKey) {
	if _, ok := wm.meshQueued[key]; ok {
		return
	}
	wm.meshQueued[key] = struct{}{}
	wm.meshQueue = append(wm.meshQueue, key)
}

// MarkForRemesh переводит изменённый READY-чанк обратно в очередь меширования
func (wm *WorldManager) MarkForRemesh(key ChunkKey) bool {
	chunk, ok := wm.chunks[key]
	if !ok || chunk.State() != ChunkStateReady || !chunk.IsDirty() {
		return false
	}
	if wm.mesher == nil {
		chunk.TransitionTo(ChunkStateMeshing)
		chunk.TransitionTo(ChunkStateReady)
		chunk.ClearDirty()
		return true
	}
	wm.enqueueMesh(key)
	return true
}

// ProcessMeshing строит не более budget мешей за тик. Возвращает число успешных.
// Неудачные чанки откатываются в GENERATED и встают в конец очереди.
func (wm *WorldManager) ProcessMeshing(budget int) int {
	if wm.mesher == nil || budget <= 0 {
		return 0
	}
	built := 0
	attempts := len(wm.meshQueue)
	for attempts > 0 && budget > 0 && len(wm.meshQueue) > 0 {
		attempts--
		key := wm.meshQueue[0]
		wm.meshQueue = wm.meshQueue[1:]
		delete(wm.meshQueued, key)

		chunk, ok := wm.chunks[key]
		if !ok {
			continue
		}
		if err := chunk.Transition(ChunkStateMeshing); err != nil {
			wm.log.Debug("Чанк %s пропущен при построении меша: %v", key, err)
			continue
		}
		budget--
		if err := wm.mesher.BuildMesh(chunk); err != nil {
			wm.stats.MeshFails++
			wm.log.Warn("Ошибка построения меша чанка %s: %v", key, err)
			chunk.TransitionTo(ChunkStateGenerated)
			wm.enqueueMesh(key)
			continue
		}
		chunk.TransitionTo(ChunkStateReady)
		chunk.ClearDirty()
		wm.stats.Meshed++
		built++
	}
	return built
}

// MeshQueueLen количество чанков, ожидающих меширования
func (wm *WorldManager) MeshQueueLen() int {
	return len(wm.meshQueue)
}

// PeekChunk возвращает загруженный чанк без создания
func (wm *WorldManager) PeekChunk(key ChunkKey) (*Chunk, bool) {
	chunk, ok := wm.chunks[key]
	return chunk, ok
}

// IsChunkLoaded проверяет наличие живого чанка
func (wm *WorldManager) IsChunkLoaded(x, z int) bool {
	_, ok := wm.chunks[MakeChunkKey(x, z)]
	return ok
}

// LoadedChunkCount число живых чанков
func (wm *WorldManager) LoadedChunkCount() int {
	return len(wm.chunks)
}

// CachedChunkCount число снимков в кэше изменённых
func (wm *WorldManager) CachedChunkCount() int {
	return len(wm.cache)
}

// IsCached есть ли снимок чанка в кэше
func (wm *WorldManager) IsCached(key ChunkKey) bool {
	_, ok := wm.cache[key]
	return ok
}

// LoadedKeys ключи живых чанков в детерминированном порядке
func (wm *WorldManager) LoadedKeys() []ChunkKey {
	return sortedKeys(wm.chunks)
}

// worldToChunk раскладывает мировые X/Z на координаты чанка и локальные координаты
func worldToChunk(wx, wz int) (cx, cz, lx, lz int) {
	p := vec.Vec2{X: wx, Z: wz}
	c := p.ToChunkCoords(ChunkSizeX, ChunkSizeZ)
	l := p.LocalInChunk(ChunkSizeX, ChunkSizeZ)
	return c.X, c.Z, l.X, l.Z
}

// SetBlock устанавливает блок по мировым координатам и помечает чанк изменённым.
// Y вне высоты мира - no-op (чанк не материализуется).
func (wm *WorldManager) SetBlock(wx, wy, wz int, id block.BlockID) bool {
	if wy < 0 || wy >= ChunkSizeY {
		return false
	}
	cx, cz, lx, lz := worldToChunk(wx, wz)
	chunk := wm.GetChunk(cx, cz, false)
	if !chunk.SetBlock(lx, wy, lz, id) {
		return false
	}
	wm.markChanged(chunk)
	return true
}

// GetBlock возвращает блок по мировым координатам; вне высоты - воздух
func (wm *WorldManager) GetBlock(wx, wy, wz int) block.BlockID {
	if wy < 0 || wy >= ChunkSizeY {
		return block.AirBlockID
	}
	cx, cz, lx, lz := worldToChunk(wx, wz)
	return wm.GetChunk(cx, cz, false).GetBlock(lx, wy, lz)
}

// SetBlockMetadata записывает байт метаданных по мировым координатам
func (wm *WorldManager) SetBlockMetadata(wx, wy, wz int, value uint8) bool {
	if wy < 0 || wy >= ChunkSizeY {
		return false
	}
	cx, cz, lx, lz := worldToChunk(wx, wz)
	chunk := wm.GetChunk(cx, cz, false)
	if !chunk.SetMetadata(lx, wy, lz, value) {
		return false
	}
	wm.markChanged(chunk)
	return true
}

// GetBlockMetadata возвращает байт метаданных; вне высоты - 0
func (wm *WorldManager) GetBlockMetadata(wx, wy, wz int) uint8 {
	if wy < 0 || wy >= ChunkSizeY {
		return 0
	}
	cx, cz, lx, lz := worldToChunk(wx, wz)
	return wm.GetChunk(cx, cz, false).GetMetadata(lx, wy, lz)
}

// PeekBlock читает блок и метаданные только из загруженного чанка,
// не генерируя и не восстанавливая его. loaded=false - чанк не в памяти.
func (wm *WorldManager) PeekBlock(wx, wy, wz int) (id block.BlockID, meta uint8, loaded bool) {
	cx, cz, lx, lz := worldToChunk(wx, wz)
	chunk, ok := wm.chunks[MakeChunkKey(cx, cz)]
	if !ok {
		return block.AirBlockID, 0, false
	}
	return chunk.GetBlock(lx, wy, lz), chunk.GetMetadata(lx, wy, lz), true
}

// HeightAt высота колонки по мировым координатам
func (wm *WorldManager) HeightAt(wx, wz int) int {
	cx, cz, lx, lz := worldToChunk(wx, wz)
	return wm.GetChunk(cx, cz, false).HeightAt(lx, lz)
}

func (wm *WorldManager) markChanged(chunk *Chunk) {
	key := chunk.Key()
	wm.modified[key] = struct{}{}
	wm.pending[key] = struct{}{}
	if wm.mesher != nil && chunk.State() == ChunkStateReady {
		wm.enqueueMesh(key)
	}
}

// MarkModified явно помечает загруженный чанк изменённым
func (wm *WorldManager) MarkModified(key ChunkKey) bool {
	if _, ok := wm.chunks[key]; !ok {
		return false
	}
	wm.modified[key] = struct{}{}
	wm.pending[key] = struct{}{}
	return true
}

// IsModified входит ли чанк в множество изменённых
func (wm *WorldManager) IsModified(key ChunkKey) bool {
	_, ok := wm.modified[key]
	return ok
}

// ModifiedKeys ключи изменённых загруженных чанков
func (wm *WorldManager) ModifiedKeys() []ChunkKey {
	return sortedKeys(wm.modified)
}

// HasUnsavedChanges есть ли изменения, не записанные в хранилище
func (wm *WorldManager) HasUnsavedChanges() bool {
	return len(wm.pending) > 0
}

// PendingKeys ключи чанков с незаписанными изменениями
func (wm *WorldManager) PendingKeys() []ChunkKey {
	return sortedKeys(wm.pending)
}

// ExportPending возвращает сжатые снимки всех чанков с незаписанными изменениями
// (и загруженных, и лежащих в кэше)
func (wm *WorldManager) ExportPending() map[ChunkKey]*codec.CompressedChunk {
	out := make(map[ChunkKey]*codec.CompressedChunk, len(wm.pending))
	for key := range wm.pending {
		if chunk, ok := wm.chunks[key]; ok {
			snapshot, err := chunk.Compress()
			if err != nil {
				// остаётся в pending до следующей попытки
				wm.log.Error("Снимок чанка %s не построен: %v", key, err)
				continue
			}
			out[key] = snapshot
			continue
		}
		if snapshot, ok := wm.cache[key]; ok {
			out[key] = snapshot
			continue
		}
		// ключ без данных нарушает инвариант - чиним
		wm.log.Warn("Незаписанный чанк %s отсутствует и в памяти, и в кэше", key)
		delete(wm.pending, key)
	}
	return out
}

// ClearPending снимает отметку о незаписанных изменениях после успешного сохранения
func (wm *WorldManager) ClearPending(keys []ChunkKey) {
	for _, key := range keys {
		delete(wm.pending, key)
	}
}

// RestoreChunks кладёт сохранённые снимки в кэш изменённых.
// Загруженные чанки не трогаются.
func (wm *WorldManager) RestoreChunks(snapshots map[ChunkKey]*codec.CompressedChunk) int {
	n := 0
	for key, snapshot := range snapshots {
		if snapshot == nil {
			continue
		}
		if _, loaded := wm.chunks[key]; loaded {
			continue
		}
		wm.cache[key] = snapshot
		n++
	}
	return n
}

// UnloadChunk выгружает чанк. Изменённый чанк сериализуется в кэш в памяти
// (это не запись в постоянное хранилище). Возвращает false, если чанк не загружен.
func (wm *WorldManager) UnloadChunk(key ChunkKey) bool {
	chunk, ok := wm.chunks[key]
	if !ok {
		delete(wm.modified, key)
		return false
	}

	if _, modified := wm.modified[key]; modified {
		snapshot, err := chunk.Compress()
		if err != nil {
			wm.log.Error("Чанк %s оставлен в памяти: %v", key, err)
			return false
		}
		wm.cache[key] = snapshot
		wm.stats.Cached++
	}
	chunk.TransitionTo(ChunkStateUnloading)

	delete(wm.chunks, key)
	delete(wm.modified, key)
	delete(wm.refs, key)
	if _, queued := wm.meshQueued[key]; queued {
		delete(wm.meshQueued, key)
		wm.meshQueue = removeKey(wm.meshQueue, key)
	}
	wm.stats.Unloaded++
	wm.log.Debug("Чанк %s выгружен", key)
	return true
}

// IsChunkEmpty быстрый ответ без материализации чанка
func (wm *WorldManager) IsChunkEmpty(x, z int) bool {
	if wm.bounds != nil && !wm.bounds.Contains(x, z) {
		return true
	}
	key := MakeChunkKey(x, z)
	if chunk, ok := wm.chunks[key]; ok {
		return chunk.IsEmpty()
	}
	if _, ok := wm.cache[key]; ok {
		return false
	}
	if wm.oracle != nil {
		return wm.oracle.IsChunkEmpty(x, z)
	}
	return false
}

// Acquire увеличивает число наблюдателей, удерживающих чанк
func (wm *WorldManager) Acquire(key ChunkKey) int {
	wm.refs[key]++
	return wm.refs[key]
}

// Release уменьшает число наблюдателей и возвращает остаток
func (wm *WorldManager) Release(key ChunkKey) int {
	n := wm.refs[key] - 1
	if n <= 0 {
		delete(wm.refs, key)
		return 0
	}
	wm.refs[key] = n
	return n
}

// RefCount число наблюдателей, удерживающих чанк
func (wm *WorldManager) RefCount(key ChunkKey) int {
	return wm.refs[key]
}

// Close уничтожает все чанки и кэш. Несохранённые изменения теряются.
func (wm *WorldManager) Close() {
	for _, chunk := range wm.chunks {
		chunk.TransitionTo(ChunkStateUnloading)
	}
	wm.chunks = make(map[ChunkKey]*Chunk)
	wm.modified = make(map[ChunkKey]struct{})
	wm.pending = make(map[ChunkKey]struct{})
	wm.cache = make(map[ChunkKey]*codec.CompressedChunk)
	wm.refs = make(map[ChunkKey]int)
	wm.meshQueue = nil
	wm.meshQueued = make(map[ChunkKey]struct{})
}

func sortedKeys[V any](m map[ChunkKey]V) []ChunkKey {
	keys := make([]ChunkKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func removeKey(keys []ChunkKey, key ChunkKey) []ChunkKey {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
