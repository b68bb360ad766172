// Package codec реализует компактное представление линейных массивов чанка:
// палитра различных значений + RLE по индексам палитры.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptPayload данные не могут быть развёрнуты в исходные массивы
	ErrCorruptPayload = errors.New("codec: повреждённые данные")
	// ErrDimensionMismatch длина массивов не совпадает с объявленными размерами
	ErrDimensionMismatch = errors.New("codec: размеры не совпадают")
)

// MaxDecodedLength предел длины развёрнутого массива, если размеры не заданы
// (объём одного чанка 16x256x16).
const MaxDecodedLength = 16 * 256 * 16

// Run пара (индекс палитры, длина серии)
type Run struct {
	Value  int `json:"v"`
	Length int `json:"n"`
}

// CompressedChunk сжатое представление линейной формы чанка.
// MetaPalette/MetaRuns могут отсутствовать у старых производителей.
type CompressedChunk struct {
	Dims        [3]int   `json:"dims"`
	Palette     []uint16 `json:"palette"`
	Runs        []Run    `json:"runs"`
	MetaPalette []uint8  `json:"metaPalette,omitempty"`
	MetaRuns    []Run    `json:"metaRuns,omitempty"`
}

// Volume возвращает произведение размеров или 0, если размеры не заданы.
// Для размеров больше MaxDecodedLength возвращается -1.
func (c *CompressedChunk) Volume() int {
	if c.Dims[0] <= 0 || c.Dims[1] <= 0 || c.Dims[2] <= 0 {
		return 0
	}
	v := 1
	for _, d := range c.Dims {
		if d > MaxDecodedLength || v > MaxDecodedLength/d {
			return -1
		}
		v *= d
	}
	return v
}

// BuildPalette возвращает различные значения в порядке первого появления
// и карту значение -> индекс.
func BuildPalette[T comparable](values []T) ([]T, map[T]int) {
	palette := make([]T, 0, 8)
	index := make(map[T]int, 8)
	for _, v := range values {
		if _, ok := index[v]; ok {
			continue
		}
		index[v] = len(palette)
		palette = append(palette, v)
	}
	return palette, index
}

// EncodeRuns отображает значения в индексы палитры и сворачивает
// строго соседние одинаковые индексы в серии.
func EncodeRuns[T comparable](values []T, index map[T]int) []Run {
	if len(values) == 0 {
		return nil
	}
	runs := make([]Run, 0, 16)
	cur := Run{Value: index[values[0]], Length: 1}
	for _, v := range values[1:] {
		idx := index[v]
		if idx == cur.Value {
			cur.Length++
			continue
		}
		runs = append(runs, cur)
		cur = Run{Value: idx, Length: 1}
	}
	return append(runs, cur)
}

// DecodeRuns разворачивает серии обратно в значения через палитру.
// Суммарная длина серий не может превышать limit.
func DecodeRuns[T any](palette []T, runs []Run, limit int) ([]T, error) {
	total := 0
	for i, r := range runs {
		if r.Length <= 0 {
			return nil, fmt.Errorf("%w: серия %d имеет длину %d", ErrCorruptPayload, i, r.Length)
		}
		if r.Value < 0 || r.Value >= len(palette) {
			return nil, fmt.Errorf("%w: индекс палитры %d вне диапазона [0,%d)", ErrCorruptPayload, r.Value, len(palette))
		}
		if r.Length > limit-total {
			return nil, fmt.Errorf("%w: серии длиннее %d элементов", ErrCorruptPayload, limit)
		}
		total += r.Length
	}

	out := make([]T, 0, total)
	for _, r := range runs {
		v := palette[r.Value]
		for n := 0; n < r.Length; n++ {
			out = append(out, v)
		}
	}
	return out, nil
}

// Compress строит сжатое представление для пары линейных массивов.
// meta может быть nil - тогда секция метаданных не записывается.
func Compress(blocks []uint16, meta []uint8, dims [3]int) (*CompressedChunk, error) {
	if meta != nil && len(meta) != len(blocks) {
		return nil, fmt.Errorf("%w: блоков %d, метаданных %d", ErrDimensionMismatch, len(blocks), len(meta))
	}
	c := &CompressedChunk{Dims: dims}
	if v := c.Volume(); v != 0 && v != len(blocks) {
		return nil, fmt.Errorf("%w: размеры %v, элементов %d", ErrDimensionMismatch, dims, len(blocks))
	}

	palette, index := BuildPalette(blocks)
	c.Palette = palette
	c.Runs = EncodeRuns(blocks, index)

	if meta != nil {
		metaPalette, metaIndex := BuildPalette(meta)
		c.MetaPalette = metaPalette
		c.MetaRuns = EncodeRuns(meta, metaIndex)
	}
	return c, nil
}

// Decompress восстанавливает исходные массивы.
// Если секция метаданных отсутствует, метаданные заполняются нулями нужной длины.
func Decompress(c *CompressedChunk) ([]uint16, []uint8, error) {
	if c == nil {
		return nil, nil, fmt.Errorf("%w: nil", ErrCorruptPayload)
	}

	total := c.Volume()
	if total < 0 {
		return nil, nil, fmt.Errorf("%w: размеры %v", ErrCorruptPayload, c.Dims)
	}
	limit := total
	if limit == 0 {
		limit = MaxDecodedLength
	}

	blocks, err := DecodeRuns(c.Palette, c.Runs, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("блоки: %w", err)
	}

	if total == 0 {
		total = len(blocks)
	} else if total != len(blocks) {
		return nil, nil, fmt.Errorf("%w: размеры %v, блоков %d", ErrDimensionMismatch, c.Dims, len(blocks))
	}

	if len(c.MetaRuns) == 0 && len(c.MetaPalette) == 0 {
		return blocks, make([]uint8, total), nil
	}

	meta, err := DecodeRuns(c.MetaPalette, c.MetaRuns, total)
	if err != nil {
		return nil, nil, fmt.Errorf("метаданные: %w", err)
	}
	if len(meta) != total {
		return nil, nil, fmt.Errorf("%w: метаданных %d, ожидалось %d", ErrDimensionMismatch, len(meta), total)
	}
	return blocks, meta, nil
}
