package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/world"
)

// MemoryWorldStore реализует WorldStore в памяти.
// Используется в тестах и для локального запуска без БД.
// ВНИМАНИЕ: данные теряются при перезапуске сервера!
type MemoryWorldStore struct {
	mu     sync.RWMutex
	worlds map[string]*memoryWorld
	closed bool
}

// записи хранятся в том же бинарном виде, что и в Badger
type memoryWorld struct {
	meta   []byte
	chunks map[world.ChunkKey][]byte
}

// NewMemoryWorldStore создаёт пустое хранилище
func NewMemoryWorldStore() *MemoryWorldStore {
	return &MemoryWorldStore{worlds: make(map[string]*memoryWorld)}
}

func (s *MemoryWorldStore) LoadWorld(ctx context.Context, worldID string) (*WorldData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	w, ok := s.worlds[worldID]
	if !ok || w.meta == nil {
		return nil, ErrWorldNotFound
	}

	meta, err := decodeMetadata(w.meta)
	if err != nil {
		return nil, err
	}
	data := &WorldData{Metadata: meta, Chunks: make(map[world.ChunkKey]*codec.CompressedChunk, len(w.chunks))}
	for key, raw := range w.chunks {
		chunk, err := decodeChunk(raw)
		if err != nil {
			return nil, err
		}
		data.Chunks[key] = chunk
	}
	return data, nil
}

func (s *MemoryWorldStore) SaveWorld(ctx context.Context, data *WorldData) error {
	if err := validateWorldData(data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := encodeMetadata(data.Metadata)
	if err != nil {
		return err
	}
	encoded := make(map[world.ChunkKey][]byte, len(data.Chunks))
	for key, chunk := range data.Chunks {
		raw, err := encodeChunk(chunk)
		if err != nil {
			return err
		}
		encoded[key] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	w := s.world(data.Metadata.ID)
	w.meta = meta
	for key, raw := range encoded {
		w.chunks[key] = raw
	}
	return nil
}

func (s *MemoryWorldStore) SaveChunk(ctx context.Context, worldID string, key world.ChunkKey, chunk *codec.CompressedChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeChunk(chunk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.world(worldID).chunks[key] = raw
	return nil
}

func (s *MemoryWorldStore) DeleteWorld(ctx context.Context, worldID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.worlds, worldID)
	return nil
}

func (s *MemoryWorldStore) ListWorlds(ctx context.Context) ([]WorldMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]WorldMetadata, 0, len(s.worlds))
	for _, w := range s.worlds {
		if w.meta == nil {
			continue
		}
		meta, err := decodeMetadata(w.meta)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChunkCount число сохранённых чанков мира
func (s *MemoryWorldStore) ChunkCount(worldID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.worlds[worldID]; ok {
		return len(w.chunks)
	}
	return 0
}

func (s *MemoryWorldStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// world возвращает запись мира, создавая её. Вызывается под s.mu.
func (s *MemoryWorldStore) world(worldID string) *memoryWorld {
	w, ok := s.worlds[worldID]
	if !ok {
		w = &memoryWorld{chunks: make(map[world.ChunkKey][]byte)}
		s.worlds[worldID] = w
	}
	return w
}
