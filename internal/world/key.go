package world

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkKey упакованные координаты чанка (chunkX в старших 32 битах, chunkZ в младших).
// Используется всеми таблицами поиска: живые чанки, множество изменённых, кэш, стриминг.
type ChunkKey uint64

// MakeChunkKey упаковывает координаты чанка в ключ
func MakeChunkKey(x, z int) ChunkKey {
	return ChunkKey(uint64(uint32(int32(x)))<<32 | uint64(uint32(int32(z))))
}

// Coords распаковывает координаты чанка
func (k ChunkKey) Coords() (x, z int) {
	return int(int32(uint32(k >> 32))), int(int32(uint32(k)))
}

// String каноническая строковая форма "x,z" (ключи хранилища и JSON)
func (k ChunkKey) String() string {
	x, z := k.Coords()
	return strconv.Itoa(x) + "," + strconv.Itoa(z)
}

// ParseChunkKey разбирает строковую форму "x,z"
func ParseChunkKey(s string) (ChunkKey, error) {
	xs, zs, ok := strings.Cut(s, ",")
	if !ok {
		return 0, fmt.Errorf("неверный ключ чанка %q", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return 0, fmt.Errorf("неверный ключ чанка %q: %w", s, err)
	}
	z, err := strconv.Atoi(strings.TrimSpace(zs))
	if err != nil {
		return 0, fmt.Errorf("неверный ключ чанка %q: %w", s, err)
	}
	return MakeChunkKey(x, z), nil
}

// MarshalText позволяет использовать ключ как ключ JSON-объекта
func (k ChunkKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText обратная операция к MarshalText
func (k *ChunkKey) UnmarshalText(text []byte) error {
	parsed, err := ParseChunkKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
