package world

import (
	"fmt"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/world/block"
)

// NestedChunk вложенная форма: Blocks[x][y][z], Metadata[x][y][z]
type NestedChunk struct {
	X        int                 `json:"x"`
	Z        int                 `json:"z"`
	Blocks   [][][]block.BlockID `json:"blocks"`
	Metadata [][][]uint8         `json:"metadata"`
	State    ChunkState          `json:"state"`
}

// LinearChunk линейная форма.
// Порядок элементов: Y внешний, затем Z, затем X (flat[x + z*sx + y*sx*sz]).
// Элемент flat[i] соответствует позиции i+1 в 1-базной нумерации внешних производителей.
type LinearChunk struct {
	X        int             `json:"x"`
	Z        int             `json:"z"`
	Flat     []block.BlockID `json:"flat"`
	FlatMeta []uint8         `json:"flatMeta,omitempty"`
	Dims     [3]int          `json:"dims"`
	State    ChunkState      `json:"state"`
}

// LegacyNestedChunk разреженная вложенная таблица от старых производителей.
// Индексы по осям могут начинаться как с 0, так и с 1.
type LegacyNestedChunk struct {
	Blocks   map[int]map[int]map[int]block.BlockID
	Metadata map[int]map[int]map[int]uint8
}

// ChunkDims размеры чанка в порядке [x, y, z]
var ChunkDims = [3]int{ChunkSizeX, ChunkSizeY, ChunkSizeZ}

func linearIndex(x, y, z int) int {
	return x + z*ChunkSizeX + y*ChunkSizeX*ChunkSizeZ
}

// Serialize возвращает вложенную форму
func (c *Chunk) Serialize() *NestedChunk {
	n := &NestedChunk{
		X:        c.X,
		Z:        c.Z,
		Blocks:   make([][][]block.BlockID, ChunkSizeX),
		Metadata: make([][][]uint8, ChunkSizeX),
		State:    c.state,
	}
	for x := 0; x < ChunkSizeX; x++ {
		n.Blocks[x] = make([][]block.BlockID, ChunkSizeY)
		n.Metadata[x] = make([][]uint8, ChunkSizeY)
		for y := 0; y < ChunkSizeY; y++ {
			bs := make([]block.BlockID, ChunkSizeZ)
			ms := make([]uint8, ChunkSizeZ)
			for z := 0; z < ChunkSizeZ; z++ {
				idx := blockIndex(x, y, z)
				bs[z] = c.blocks[idx]
				ms[z] = c.metadata[idx]
			}
			n.Blocks[x][y] = bs
			n.Metadata[x][y] = ms
		}
	}
	return n
}

// Deserialize заполняет чанк из вложенной формы.
// Лишние элементы отбрасываются, недостающие считаются воздухом/нулём.
func (c *Chunk) Deserialize(n *NestedChunk) {
	c.reset()
	if n == nil {
		return
	}
	c.X, c.Z = n.X, n.Z
	for x := 0; x < ChunkSizeX && x < len(n.Blocks); x++ {
		for y := 0; y < ChunkSizeY && y < len(n.Blocks[x]); y++ {
			col := n.Blocks[x][y]
			for z := 0; z < ChunkSizeZ && z < len(col); z++ {
				c.blocks[blockIndex(x, y, z)] = col[z]
			}
		}
	}
	for x := 0; x < ChunkSizeX && x < len(n.Metadata); x++ {
		for y := 0; y < ChunkSizeY && y < len(n.Metadata[x]); y++ {
			col := n.Metadata[x][y]
			for z := 0; z < ChunkSizeZ && z < len(col); z++ {
				c.metadata[blockIndex(x, y, z)] = col[z]
			}
		}
	}
	c.form = FormNested
	c.RebuildIndices()
}

// SerializeLinear возвращает линейную форму
func (c *Chunk) SerializeLinear() *LinearChunk {
	l := &LinearChunk{
		X:        c.X,
		Z:        c.Z,
		Flat:     make([]block.BlockID, ChunkVolume),
		FlatMeta: make([]uint8, ChunkVolume),
		Dims:     ChunkDims,
		State:    c.state,
	}
	for y := 0; y < ChunkSizeY; y++ {
		for z := 0; z < ChunkSizeZ; z++ {
			for x := 0; x < ChunkSizeX; x++ {
				src := blockIndex(x, y, z)
				dst := linearIndex(x, y, z)
				l.Flat[dst] = c.blocks[src]
				l.FlatMeta[dst] = c.metadata[src]
			}
		}
	}
	return l
}

// DeserializeLinear заполняет чанк из линейной формы.
// Отсутствующие метаданные восстанавливаются нулями.
func (c *Chunk) DeserializeLinear(l *LinearChunk) error {
	if l == nil {
		return fmt.Errorf("%w: пустая линейная форма", codec.ErrCorruptPayload)
	}
	if l.Dims != ChunkDims {
		return fmt.Errorf("%w: размеры %v, ожидались %v", codec.ErrDimensionMismatch, l.Dims, ChunkDims)
	}
	if len(l.Flat) != ChunkVolume {
		return fmt.Errorf("%w: блоков %d, ожидалось %d", codec.ErrDimensionMismatch, len(l.Flat), ChunkVolume)
	}
	if len(l.FlatMeta) != 0 && len(l.FlatMeta) != ChunkVolume {
		return fmt.Errorf("%w: метаданных %d, ожидалось %d", codec.ErrDimensionMismatch, len(l.FlatMeta), ChunkVolume)
	}

	c.reset()
	c.X, c.Z = l.X, l.Z
	for y := 0; y < ChunkSizeY; y++ {
		for z := 0; z < ChunkSizeZ; z++ {
			for x := 0; x < ChunkSizeX; x++ {
				src := linearIndex(x, y, z)
				dst := blockIndex(x, y, z)
				c.blocks[dst] = l.Flat[src]
				if len(l.FlatMeta) != 0 {
					c.metadata[dst] = l.FlatMeta[src]
				}
			}
		}
	}
	c.form = FormLinear
	c.RebuildIndices()
	return nil
}

// Compress возвращает сжатую форму (палитра + RLE поверх линейной)
func (c *Chunk) Compress() (*codec.CompressedChunk, error) {
	l := c.SerializeLinear()
	flat := make([]uint16, len(l.Flat))
	for i, id := range l.Flat {
		flat[i] = uint16(id)
	}
	cc, err := codec.Compress(flat, l.FlatMeta, l.Dims)
	if err != nil {
		return nil, fmt.Errorf("сжатие чанка %s: %w", c.Key(), err)
	}
	return cc, nil
}

// Decompress заполняет чанк из сжатой формы
func (c *Chunk) Decompress(cc *codec.CompressedChunk) error {
	flat, meta, err := codec.Decompress(cc)
	if err != nil {
		return err
	}
	dims := cc.Dims
	if cc.Volume() == 0 {
		dims = ChunkDims
	}
	l := &LinearChunk{
		X:        c.X,
		Z:        c.Z,
		Flat:     make([]block.BlockID, len(flat)),
		FlatMeta: meta,
		Dims:     dims,
	}
	for i, v := range flat {
		l.Flat[i] = block.BlockID(v)
	}
	if err := c.DeserializeLinear(l); err != nil {
		return err
	}
	c.form = FormCompressed
	return nil
}

// DeserializeLegacy заполняет чанк из разреженной таблицы неизвестного происхождения.
// Начало нумерации определяется один раз по ключам обеих таблиц (блоки и метаданные)
// и применяется к ним одинаково. Всё, что после сдвига не попадает в границы, отбрасывается.
func (c *Chunk) DeserializeLegacy(src *LegacyNestedChunk) {
	c.reset()
	if src == nil {
		return
	}

	var ranges legacyRanges
	collectLegacyKeys(&ranges, src.Blocks)
	collectLegacyKeys(&ranges, src.Metadata)
	ox, oy, oz := ranges.origins()

	for x, plane := range src.Blocks {
		for y, col := range plane {
			for z, id := range col {
				lx, ly, lz := x-ox, y-oy, z-oz
				if InBounds(lx, ly, lz) {
					c.blocks[blockIndex(lx, ly, lz)] = id
				}
			}
		}
	}

	for x, plane := range src.Metadata {
		for y, col := range plane {
			for z, v := range col {
				lx, ly, lz := x-ox, y-oy, z-oz
				if InBounds(lx, ly, lz) {
					c.metadata[blockIndex(lx, ly, lz)] = v
				}
			}
		}
	}

	c.form = FormNested
	c.RebuildIndices()
}

// legacyRanges диапазоны ключей по осям x, y, z
type legacyRanges [3]keyRange

func collectLegacyKeys[T any](r *legacyRanges, t map[int]map[int]map[int]T) {
	for x, plane := range t {
		r[0].add(x)
		for y, col := range plane {
			r[1].add(y)
			for z := range col {
				r[2].add(z)
			}
		}
	}
}

// origins возвращает сдвиг (0 или 1) по каждой оси.
// Нумерация с 1 доказывается любой осью, у которой ключи доходят до размера.
// Тогда сдвигаются все оси без ключа 0: у разреженной Y верхний слой обычно воздух.
func (r *legacyRanges) origins() (ox, oy, oz int) {
	sizes := [3]int{ChunkSizeX, ChunkSizeY, ChunkSizeZ}
	oneBased := false
	for i := range r {
		if r[i].reaches(sizes[i]) {
			oneBased = true
		}
	}
	if !oneBased {
		return 0, 0, 0
	}
	var o [3]int
	for i := range r {
		if r[i].seen && r[i].min >= 1 {
			o[i] = 1
		}
	}
	return o[0], o[1], o[2]
}

type keyRange struct {
	min, max int
	seen     bool
}

func (r *keyRange) add(v int) {
	if !r.seen {
		r.min, r.max, r.seen = v, v, true
		return
	}
	if v < r.min {
		r.min = v
	}
	if v > r.max {
		r.max = v
	}
}

// reaches ключи не содержат 0 и доходят до size
func (r keyRange) reaches(size int) bool {
	return r.seen && r.min >= 1 && r.max >= size
}

// reset очищает содержимое и производные индексы, сохраняя координаты и состояние
func (c *Chunk) reset() {
	clear(c.blocks)
	clear(c.metadata)
	c.heightMap = [ChunkSizeX * ChunkSizeZ]int{}
	c.nonAir = 0
	c.hasLiquid = false
	c.liquidMinY, c.liquidMaxY = 0, 0
	c.dirty = true
}
