package world

import (
	"fmt"

	"github.com/annel0/voxel-core/internal/world/block"
)

// Размеры чанка в блоках
const (
	ChunkSizeX  = 16
	ChunkSizeY  = 256
	ChunkSizeZ  = 16
	ChunkVolume = ChunkSizeX * ChunkSizeY * ChunkSizeZ
)

// SerializationForm форма, из которой чанк был восстановлен последним
type SerializationForm uint8

const (
	FormNone SerializationForm = iota // заполнен генератором или вручную
	FormNested
	FormLinear
	FormCompressed
)

// Chunk плотное хранилище блоков одного чанка.
//
// Блоки и метаданные лежат в плоских массивах с индексом x + y*SizeX + z*SizeX*SizeY.
// Производные индексы (карта высот, счётчик непустых блоков, границы жидкости)
// поддерживаются при каждой записи. Чанк не потокобезопасен: им владеет WorldManager.
type Chunk struct {
	X, Z int

	blocks   []block.BlockID
	metadata []uint8

	heightMap [ChunkSizeX * ChunkSizeZ]int // максимальный Y непустого блока в колонке, иначе 0
	nonAir    int

	// подсказка по границам жидкости, не авторитетна
	hasLiquid  bool
	liquidMinY int
	liquidMaxY int

	dirty bool
	state ChunkState
	form  SerializationForm
}

// NewChunk создаёт пустой чанк (весь воздух) в состоянии NEW
func NewChunk(x, z int) *Chunk {
	return &Chunk{
		X:        x,
		Z:        z,
		blocks:   make([]block.BlockID, ChunkVolume),
		metadata: make([]uint8, ChunkVolume),
		state:    ChunkStateNew,
	}
}

// Key возвращает ключ чанка
func (c *Chunk) Key() ChunkKey {
	return MakeChunkKey(c.X, c.Z)
}

// InBounds проверяет локальные координаты
func InBounds(x, y, z int) bool {
	return x >= 0 && x < ChunkSizeX && y >= 0 && y < ChunkSizeY && z >= 0 && z < ChunkSizeZ
}

func blockIndex(x, y, z int) int {
	return x + y*ChunkSizeX + z*ChunkSizeX*ChunkSizeY
}

func columnIndex(x, z int) int {
	return x + z*ChunkSizeX
}

// GetBlock возвращает ID блока; вне границ - воздух
func (c *Chunk) GetBlock(x, y, z int) block.BlockID {
	if !InBounds(x, y, z) {
		return block.AirBlockID
	}
	return c.blocks[blockIndex(x, y, z)]
}

// SetBlock устанавливает блок и поддерживает производные индексы.
// Вне границ - no-op, возвращает false.
func (c *Chunk) SetBlock(x, y, z int, id block.BlockID) bool {
	if !InBounds(x, y, z) {
		return false
	}

	idx := blockIndex(x, y, z)
	old := c.blocks[idx]
	if old == id {
		return true
	}
	c.blocks[idx] = id
	c.dirty = true

	wasAir := block.IsAir(old)
	isAir := block.IsAir(id)
	switch {
	case wasAir && !isAir:
		c.nonAir++
	case !wasAir && isAir:
		if c.nonAir > 0 {
			c.nonAir--
		}
	}

	col := columnIndex(x, z)
	if !isAir {
		if y > c.heightMap[col] {
			c.heightMap[col] = y
		}
	} else if y == c.heightMap[col] {
		c.heightMap[col] = c.scanColumnDown(x, y-1, z)
	}

	if block.IsLiquid(id) {
		c.extendLiquidBounds(y)
	}
	return true
}

// scanColumnDown ищет верхний непустой блок начиная с fromY вниз
func (c *Chunk) scanColumnDown(x, fromY, z int) int {
	for y := fromY; y > 0; y-- {
		if !block.IsAir(c.blocks[blockIndex(x, y, z)]) {
			return y
		}
	}
	return 0
}

func (c *Chunk) extendLiquidBounds(y int) {
	if !c.hasLiquid {
		c.hasLiquid = true
		c.liquidMinY, c.liquidMaxY = y, y
		return
	}
	if y < c.liquidMinY {
		c.liquidMinY = y
	}
	if y > c.liquidMaxY {
		c.liquidMaxY = y
	}
}

// GetMetadata возвращает байт метаданных; вне границ - 0
func (c *Chunk) GetMetadata(x, y, z int) uint8 {
	if !InBounds(x, y, z) {
		return 0
	}
	return c.metadata[blockIndex(x, y, z)]
}

// SetMetadata записывает байт метаданных; вне границ - no-op, возвращает false
func (c *Chunk) SetMetadata(x, y, z int, value uint8) bool {
	if !InBounds(x, y, z) {
		return false
	}
	idx := blockIndex(x, y, z)
	if c.metadata[idx] != value {
		c.metadata[idx] = value
		c.dirty = true
	}
	return true
}

// GetMeta возвращает метаданные как упакованное битовое поле
func (c *Chunk) GetMeta(x, y, z int) block.Meta {
	return block.Meta(c.GetMetadata(x, y, z))
}

// HeightAt возвращает значение карты высот для колонки; вне границ - 0
func (c *Chunk) HeightAt(x, z int) int {
	if x < 0 || x >= ChunkSizeX || z < 0 || z >= ChunkSizeZ {
		return 0
	}
	return c.heightMap[columnIndex(x, z)]
}

// NonAirCount количество непустых блоков
func (c *Chunk) NonAirCount() int {
	return c.nonAir
}

// IsEmpty O(1) проверка по счётчику
func (c *Chunk) IsEmpty() bool {
	return c.nonAir == 0
}

// LiquidBounds возвращает подсказку о границах жидкости по Y
func (c *Chunk) LiquidBounds() (minY, maxY int, ok bool) {
	return c.liquidMinY, c.liquidMaxY, c.hasLiquid
}

// IsDirty чанк менялся с момента последнего ClearDirty (нужно перестроить меш)
func (c *Chunk) IsDirty() bool {
	return c.dirty
}

// ClearDirty сбрасывает флаг изменений
func (c *Chunk) ClearDirty() {
	c.dirty = false
}

// State текущее состояние жизненного цикла
func (c *Chunk) State() ChunkState {
	return c.state
}

// TransitionTo применяет переход, только если он есть в таблице
func (c *Chunk) TransitionTo(to ChunkState) bool {
	if !CanTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// Transition как TransitionTo, но сообщает о недопустимом переходе ошибкой ErrInvalidTransition
func (c *Chunk) Transition(to ChunkState) error {
	if !c.TransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	return nil
}

// Form форма сериализации, из которой чанк был восстановлен
func (c *Chunk) Form() SerializationForm {
	return c.form
}

// IsCompressed чанк восстановлен из сжатой формы
func (c *Chunk) IsCompressed() bool {
	return c.form == FormCompressed
}

// RebuildIndices пересчитывает карту высот, счётчик и границы жидкости за один проход
func (c *Chunk) RebuildIndices() {
	c.heightMap = [ChunkSizeX * ChunkSizeZ]int{}
	c.nonAir = 0
	c.hasLiquid = false
	c.liquidMinY, c.liquidMaxY = 0, 0

	for z := 0; z < ChunkSizeZ; z++ {
		for y := 0; y < ChunkSizeY; y++ {
			base := y*ChunkSizeX + z*ChunkSizeX*ChunkSizeY
			for x := 0; x < ChunkSizeX; x++ {
				id := c.blocks[base+x]
				if block.IsAir(id) {
					continue
				}
				c.nonAir++
				col := columnIndex(x, z)
				if y > c.heightMap[col] {
					c.heightMap[col] = y
				}
				if block.IsLiquid(id) {
					c.extendLiquidBounds(y)
				}
			}
		}
	}
}

// Fill заполняет параллелепипед [x0,x1]x[y0,y1]x[z0,z1] (включительно) одним блоком.
// Координаты обрезаются по границам чанка.
func (c *Chunk) Fill(x0, y0, z0, x1, y1, z1 int, id block.BlockID) {
	x0, x1 = clampRange(x0, x1, ChunkSizeX)
	y0, y1 = clampRange(y0, y1, ChunkSizeY)
	z0, z1 = clampRange(z0, z1, ChunkSizeZ)
	for z := z0; z <= z1; z++ {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				c.SetBlock(x, y, z, id)
			}
		}
	}
}

func clampRange(a, b, size int) (int, int) {
	if a > b {
		a, b = b, a
	}
	if a < 0 {
		a = 0
	}
	if b >= size {
		b = size - 1
	}
	return a, b
}
