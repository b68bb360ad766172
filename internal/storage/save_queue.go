package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/world"
)

// Значения по умолчанию для очереди сохранения
const (
	DefaultMaxQueueSize = 1000
	DefaultSavesPerTick = 8
)

type saveKey struct {
	worldID string
	chunk   world.ChunkKey
}

type saveEntry struct {
	saveKey
	snapshot *codec.CompressedChunk
	sum      uint64
}

// SaveQueueStats счётчики очереди сохранения
type SaveQueueStats struct {
	Queued   int    `json:"queued"`
	Accepted uint64 `json:"accepted"`
	Merged   uint64 `json:"merged"`   // заменили более старый снимок того же чанка
	Skipped  uint64 `json:"skipped"`  // совпали с уже записанным содержимым
	Rejected uint64 `json:"rejected"` // очередь переполнена
	Saved    uint64 `json:"saved"`
	Failed   uint64 `json:"failed"`
}

// SaveQueue пакетная запись чанков в WorldStore с ограничением на тик.
//
// Снимок снимается в момент постановки в очередь, поэтому чанк можно сразу
// выгружать. Для одного (мир, чанк) в очереди хранится только последний снимок.
type SaveQueue struct {
	mu      sync.Mutex
	store   WorldStore
	maxSize int
	perTick int

	entries []*saveEntry
	index   map[saveKey]*saveEntry
	// контрольные суммы последнего успешно записанного содержимого
	persisted map[saveKey]uint64

	stats SaveQueueStats
	log   *logging.Logger
}

// NewSaveQueue создаёт очередь. Неположительные лимиты заменяются значениями по умолчанию.
func NewSaveQueue(store WorldStore, maxSize, savesPerTick int) *SaveQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	if savesPerTick <= 0 {
		savesPerTick = DefaultSavesPerTick
	}
	return &SaveQueue{
		store:     store,
		maxSize:   maxSize,
		perTick:   savesPerTick,
		index:     make(map[saveKey]*saveEntry),
		persisted: make(map[saveKey]uint64),
		log:       logging.GetStorageLogger(),
	}
}

// QueueChunkSave ставит снимок чанка в очередь. false - очередь переполнена,
// вызывающий должен сохранить изменения другим путём.
func (q *SaveQueue) QueueChunkSave(worldID string, chunk *world.Chunk) bool {
	if chunk == nil {
		return false
	}
	snapshot, err := chunk.Compress()
	if err != nil {
		q.log.Error("Чанк %s мира %s не поставлен в очередь: %v", chunk.Key(), worldID, err)
		return false
	}
	return q.QueueSnapshot(worldID, chunk.Key(), snapshot)
}

// QueueSnapshot ставит в очередь готовый сжатый снимок
func (q *SaveQueue) QueueSnapshot(worldID string, key world.ChunkKey, snapshot *codec.CompressedChunk) bool {
	sum := codec.Checksum(snapshot)
	k := saveKey{worldID: worldID, chunk: key}

	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.index[k]; ok {
		e.snapshot, e.sum = snapshot, sum
		q.stats.Merged++
		return true
	}
	if last, ok := q.persisted[k]; ok && last == sum {
		q.stats.Skipped++
		return true
	}
	if len(q.entries) >= q.maxSize {
		q.stats.Rejected++
		return false
	}

	e := &saveEntry{saveKey: k, snapshot: snapshot, sum: sum}
	q.entries = append(q.entries, e)
	q.index[k] = e
	q.stats.Accepted++
	return true
}

// ForWorld адаптер очереди к интерфейсу world.ChunkSaver для одного мира
func (q *SaveQueue) ForWorld(worldID string) world.ChunkSaver {
	return worldSaver{queue: q, worldID: worldID}
}

type worldSaver struct {
	queue   *SaveQueue
	worldID string
}

func (s worldSaver) QueueChunkSave(chunk *world.Chunk) bool {
	return s.queue.QueueChunkSave(s.worldID, chunk)
}

// ProcessSaveQueue записывает не более savesPerTick снимков в порядке постановки.
// Неудачные записи возвращаются в конец очереди. Возвращает число записанных.
func (q *SaveQueue) ProcessSaveQueue(ctx context.Context) (int, error) {
	batch := q.take(q.perTick)
	if len(batch) == 0 {
		return 0, nil
	}

	saved := 0
	var errs []error
	for i, e := range batch {
		if err := ctx.Err(); err != nil {
			q.requeue(batch[i:])
			errs = append(errs, err)
			break
		}
		if err := q.store.SaveChunk(ctx, e.worldID, e.chunk, e.snapshot); err != nil {
			q.log.Error("Не удалось сохранить чанк %s мира %s: %v", e.chunk, e.worldID, err)
			q.requeue([]*saveEntry{e})
			q.mu.Lock()
			q.stats.Failed++
			q.mu.Unlock()
			errs = append(errs, fmt.Errorf("чанк %s мира %s: %w", e.chunk, e.worldID, err))
			continue
		}
		q.mu.Lock()
		q.persisted[e.saveKey] = e.sum
		q.stats.Saved++
		q.mu.Unlock()
		saved++
	}
	if saved > 0 {
		q.log.Debug("Записано чанков: %d, в очереди: %d", saved, q.Len())
	}
	return saved, errors.Join(errs...)
}

// Flush записывает всю очередь. Останавливается, если за проход ничего не записано.
func (q *SaveQueue) Flush(ctx context.Context) error {
	for q.Len() > 0 {
		saved, err := q.ProcessSaveQueue(ctx)
		if saved == 0 && err != nil {
			return err
		}
	}
	return nil
}

// take снимает с головы очереди до n записей
func (q *SaveQueue) take(n int) []*saveEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.entries) {
		n = len(q.entries)
	}
	batch := make([]*saveEntry, n)
	copy(batch, q.entries[:n])
	q.entries = q.entries[n:]
	for _, e := range batch {
		delete(q.index, e.saveKey)
	}
	return batch
}

// requeue возвращает записи в хвост, если за время записи не пришёл более новый снимок
func (q *SaveQueue) requeue(entries []*saveEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		if _, newer := q.index[e.saveKey]; newer {
			continue
		}
		q.entries = append(q.entries, e)
		q.index[e.saveKey] = e
	}
}

// DropWorld удаляет из очереди всё, что относится к миру (мир сохранён целиком или удалён)
func (q *SaveQueue) DropWorld(worldID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	dropped := 0
	for _, e := range q.entries {
		if e.worldID == worldID {
			delete(q.index, e.saveKey)
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	for k := range q.persisted {
		if k.worldID == worldID {
			delete(q.persisted, k)
		}
	}
	return dropped
}

// Len число ожидающих записей
func (q *SaveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PendingForWorld число ожидающих записей мира
func (q *SaveQueue) PendingForWorld(worldID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.worldID == worldID {
			n++
		}
	}
	return n
}

// Stats возвращает счётчики
func (q *SaveQueue) Stats() SaveQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Queued = len(q.entries)
	return st
}
