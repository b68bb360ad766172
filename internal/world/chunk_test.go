package world

import (
	"math/rand"
	"testing"

	"github.com/annel0/voxel-core/internal/codec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bruteHeight пересчитывает высоту колонки полным проходом
func bruteHeight(c *Chunk, x, z int) int {
	for y := ChunkSizeY - 1; y > 0; y-- {
		if !block.IsAir(c.GetBlock(x, y, z)) {
			return y
		}
	}
	return 0
}

func bruteNonAir(c *Chunk) int {
	n := 0
	for x := 0; x < ChunkSizeX; x++ {
		for y := 0; y < ChunkSizeY; y++ {
			for z := 0; z < ChunkSizeZ; z++ {
				if !block.IsAir(c.GetBlock(x, y, z)) {
					n++
				}
			}
		}
	}
	return n
}

func assertIndices(t *testing.T, c *Chunk) {
	t.Helper()
	assert.Equal(t, bruteNonAir(c), c.NonAirCount(), "счётчик непустых блоков")
	for x := 0; x < ChunkSizeX; x++ {
		for z := 0; z < ChunkSizeZ; z++ {
			require.Equal(t, bruteHeight(c, x, z), c.HeightAt(x, z), "высота колонки %d,%d", x, z)
		}
	}
}

func TestNewChunkIsEmpty(t *testing.T) {
	c := NewChunk(3, -4)

	assert.Equal(t, 3, c.X)
	assert.Equal(t, -4, c.Z)
	assert.Equal(t, ChunkStateNew, c.State())
	assert.True(t, c.IsEmpty())
	assert.Equal(t, 0, c.HeightAt(5, 5))
	assert.Equal(t, block.AirBlockID, c.GetBlock(15, 255, 15))
	assert.Equal(t, MakeChunkKey(3, -4), c.Key())
}

func TestChunkSetBlockMaintainsIndices(t *testing.T) {
	c := NewChunk(0, 0)

	require.True(t, c.SetBlock(2, 10, 3, block.StoneBlockID))
	assert.Equal(t, 10, c.HeightAt(2, 3))
	assert.Equal(t, 1, c.NonAirCount())

	c.SetBlock(2, 4, 3, block.DirtBlockID)
	assert.Equal(t, 10, c.HeightAt(2, 3), "блок ниже вершины не меняет высоту")

	// удаление вершины - пересчёт вниз
	c.SetBlock(2, 10, 3, block.AirBlockID)
	assert.Equal(t, 4, c.HeightAt(2, 3))
	assert.Equal(t, 1, c.NonAirCount())

	c.SetBlock(2, 4, 3, block.AirBlockID)
	assert.Equal(t, 0, c.HeightAt(2, 3))
	assert.True(t, c.IsEmpty())

	// повторная запись воздуха не уводит счётчик в минус
	c.SetBlock(2, 4, 3, block.AirBlockID)
	assert.Equal(t, 0, c.NonAirCount())
}

func TestChunkRandomEditsMatchBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := NewChunk(0, 0)
	ids := []block.BlockID{block.AirBlockID, block.StoneBlockID, block.WaterBlockID, block.AirBlockID, block.DirtBlockID}

	for i := 0; i < 5000; i++ {
		x, y, z := rng.Intn(ChunkSizeX), rng.Intn(32), rng.Intn(ChunkSizeZ)
		c.SetBlock(x, y, z, ids[rng.Intn(len(ids))])
	}
	assertIndices(t, c)

	c.RebuildIndices()
	assertIndices(t, c)
}

func TestChunkOutOfRange(t *testing.T) {
	c := NewChunk(0, 0)

	assert.False(t, c.SetBlock(-1, 0, 0, block.StoneBlockID))
	assert.False(t, c.SetBlock(0, ChunkSizeY, 0, block.StoneBlockID))
	assert.False(t, c.SetBlock(0, 0, ChunkSizeZ, block.StoneBlockID))
	assert.False(t, c.SetMetadata(16, 0, 0, 1))
	assert.Equal(t, block.AirBlockID, c.GetBlock(0, -1, 0))
	assert.Equal(t, uint8(0), c.GetMetadata(0, 0, -1))
	assert.True(t, c.IsEmpty())
}

func TestChunkMetadataAndDirty(t *testing.T) {
	c := NewChunk(0, 0)
	assert.False(t, c.IsDirty())

	meta := block.Meta(0).WithRotation(2).WithDoubleSlab(true)
	require.True(t, c.SetMetadata(1, 2, 3, uint8(meta)))
	assert.True(t, c.IsDirty())
	assert.Equal(t, meta, c.GetMeta(1, 2, 3))
	assert.Equal(t, uint8(2), c.GetMeta(1, 2, 3).Rotation())

	c.ClearDirty()
	assert.False(t, c.IsDirty())
}

func TestChunkLiquidBounds(t *testing.T) {
	c := NewChunk(0, 0)
	_, _, ok := c.LiquidBounds()
	assert.False(t, ok)

	c.SetBlock(0, 20, 0, block.WaterBlockID)
	c.SetBlock(1, 12, 1, block.LavaBlockID)
	minY, maxY, ok := c.LiquidBounds()
	require.True(t, ok)
	assert.Equal(t, 12, minY)
	assert.Equal(t, 20, maxY)
}

func TestChunkFillClamps(t *testing.T) {
	c := NewChunk(0, 0)
	c.Fill(-5, 0, -5, 40, 1, 40, block.StoneBlockID)

	assert.Equal(t, 2*ChunkSizeX*ChunkSizeZ, c.NonAirCount())
	assert.Equal(t, 1, c.HeightAt(15, 15))
}

func sampleChunk() *Chunk {
	c := NewChunk(7, -2)
	c.SetBlock(0, 0, 0, block.BedrockBlockID)
	c.SetBlock(15, 255, 15, block.StoneBlockID)
	c.SetBlock(3, 60, 9, block.WaterBlockID)
	c.SetBlock(8, 1, 4, block.GrassBlockID)
	c.SetMetadata(8, 1, 4, 0x85)
	c.SetMetadata(15, 255, 15, 3)
	return c
}

func assertSameContent(t *testing.T, want, got *Chunk) {
	t.Helper()
	assert.Equal(t, want.blocks, got.blocks)
	assert.Equal(t, want.metadata, got.metadata)
	assert.Equal(t, want.heightMap, got.heightMap)
	assert.Equal(t, want.NonAirCount(), got.NonAirCount())
}

func TestChunkNestedRoundTrip(t *testing.T) {
	src := sampleChunk()
	n := src.Serialize()

	assert.Len(t, n.Blocks, ChunkSizeX)
	assert.Equal(t, block.GrassBlockID, n.Blocks[8][1][4])
	assert.Equal(t, uint8(0x85), n.Metadata[8][1][4])

	dst := NewChunk(0, 0)
	dst.Deserialize(n)
	assertSameContent(t, src, dst)
	assert.Equal(t, 7, dst.X)
	assert.Equal(t, FormNested, dst.Form())
}

func TestChunkNestedShortInputIsAir(t *testing.T) {
	n := &NestedChunk{
		Blocks: [][][]block.BlockID{{{block.StoneBlockID}, {block.StoneBlockID, block.DirtBlockID}}},
	}
	c := NewChunk(0, 0)
	c.Deserialize(n)

	assert.Equal(t, 3, c.NonAirCount())
	assert.Equal(t, block.DirtBlockID, c.GetBlock(0, 1, 1))
	assert.Equal(t, 1, c.HeightAt(0, 1))
}

func TestChunkLinearOrder(t *testing.T) {
	c := NewChunk(0, 0)
	c.SetBlock(1, 0, 0, block.StoneBlockID)
	c.SetBlock(0, 0, 1, block.DirtBlockID)
	c.SetBlock(0, 1, 0, block.SandBlockID)

	l := c.SerializeLinear()
	require.Len(t, l.Flat, ChunkVolume)
	assert.Equal(t, block.StoneBlockID, l.Flat[1], "X внутренняя ось")
	assert.Equal(t, block.DirtBlockID, l.Flat[ChunkSizeX], "затем Z")
	assert.Equal(t, block.SandBlockID, l.Flat[ChunkSizeX*ChunkSizeZ], "Y внешняя ось")
}

func TestChunkLinearRoundTrip(t *testing.T) {
	src := sampleChunk()
	dst := NewChunk(0, 0)

	require.NoError(t, dst.DeserializeLinear(src.SerializeLinear()))
	assertSameContent(t, src, dst)
	assert.Equal(t, FormLinear, dst.Form())
}

func TestChunkLinearWithoutMetadata(t *testing.T) {
	src := sampleChunk()
	l := src.SerializeLinear()
	l.FlatMeta = nil

	dst := NewChunk(0, 0)
	require.NoError(t, dst.DeserializeLinear(l))
	assert.Equal(t, src.blocks, dst.blocks)
	assert.Equal(t, uint8(0), dst.GetMetadata(8, 1, 4))
}

func TestChunkLinearRejectsBadDims(t *testing.T) {
	l := sampleChunk().SerializeLinear()
	l.Dims = [3]int{16, 128, 16}
	err := NewChunk(0, 0).DeserializeLinear(l)
	assert.ErrorIs(t, err, codec.ErrDimensionMismatch)

	l = sampleChunk().SerializeLinear()
	l.Flat = l.Flat[:100]
	err = NewChunk(0, 0).DeserializeLinear(l)
	assert.ErrorIs(t, err, codec.ErrDimensionMismatch)

	assert.ErrorIs(t, NewChunk(0, 0).DeserializeLinear(nil), codec.ErrCorruptPayload)
}

func TestChunkCompressedRoundTrip(t *testing.T) {
	src := sampleChunk()
	cc, err := src.Compress()
	require.NoError(t, err)
	assert.Less(t, len(cc.Runs), 20, "разреженный чанк сжимается в несколько серий")

	dst := NewChunk(7, -2)
	require.NoError(t, dst.Decompress(cc))
	assertSameContent(t, src, dst)
	assert.True(t, dst.IsCompressed())
}

func TestChunkCompressedThroughEnvelope(t *testing.T) {
	src := NewChunk(1, 1)
	NewFlatGenerator().GenerateChunk(src)
	src.SetBlock(4, 40, 4, block.LavaBlockID)

	cc, err := src.Compress()
	require.NoError(t, err)
	frame, err := codec.Encode(cc)
	require.NoError(t, err)
	cc, err = codec.Decode(frame)
	require.NoError(t, err)

	dst := NewChunk(1, 1)
	require.NoError(t, dst.Decompress(cc))
	assertSameContent(t, src, dst)
}

func TestChunkLegacyOneBased(t *testing.T) {
	src := &LegacyNestedChunk{Blocks: map[int]map[int]map[int]block.BlockID{}}
	put := func(x, y, z int, id block.BlockID) {
		if src.Blocks[x] == nil {
			src.Blocks[x] = map[int]map[int]block.BlockID{}
		}
		if src.Blocks[x][y] == nil {
			src.Blocks[x][y] = map[int]block.BlockID{}
		}
		src.Blocks[x][y][z] = id
	}
	// 1-базная нумерация: ключи 1..size по каждой оси
	put(1, 1, 1, block.StoneBlockID)
	put(ChunkSizeX, ChunkSizeY, ChunkSizeZ, block.DirtBlockID)

	c := NewChunk(0, 0)
	c.DeserializeLegacy(src)

	assert.Equal(t, block.StoneBlockID, c.GetBlock(0, 0, 0))
	assert.Equal(t, block.DirtBlockID, c.GetBlock(ChunkSizeX-1, ChunkSizeY-1, ChunkSizeZ-1))
	assert.Equal(t, 2, c.NonAirCount())
}

func TestChunkLegacyZeroBasedUnchanged(t *testing.T) {
	src := &LegacyNestedChunk{
		Blocks: map[int]map[int]map[int]block.BlockID{
			0: {5: {2: block.SandBlockID}},
			3: {0: {0: block.StoneBlockID}},
		},
		Metadata: map[int]map[int]map[int]uint8{
			0: {5: {2: 9}},
		},
	}
	c := NewChunk(0, 0)
	c.DeserializeLegacy(src)

	assert.Equal(t, block.SandBlockID, c.GetBlock(0, 5, 2))
	assert.Equal(t, block.StoneBlockID, c.GetBlock(3, 0, 0))
	assert.Equal(t, uint8(9), c.GetMetadata(0, 5, 2))
	assert.Equal(t, 5, c.HeightAt(0, 2))
}

func TestChunkLegacyMetadataFollowsBlockOrigin(t *testing.T) {
	src := &LegacyNestedChunk{
		Blocks:   map[int]map[int]map[int]block.BlockID{},
		Metadata: map[int]map[int]map[int]uint8{1: {1: {1: 5}}},
	}
	// плотная 1-базная таблица блоков, метаданные только в одной клетке
	for x := 1; x <= ChunkSizeX; x++ {
		src.Blocks[x] = map[int]map[int]block.BlockID{}
		for y := 1; y <= ChunkSizeY; y++ {
			src.Blocks[x][y] = map[int]block.BlockID{}
			for z := 1; z <= ChunkSizeZ; z++ {
				src.Blocks[x][y][z] = block.AirBlockID
			}
		}
	}
	src.Blocks[1][1][1] = block.StoneBlockID

	c := NewChunk(0, 0)
	c.DeserializeLegacy(src)

	assert.Equal(t, block.StoneBlockID, c.GetBlock(0, 0, 0))
	assert.Equal(t, uint8(5), c.GetMetadata(0, 0, 0))
	assert.Equal(t, uint8(0), c.GetMetadata(1, 1, 1))
}

func TestChunkLegacySparseColumnOneBased(t *testing.T) {
	// X и Z плотные 1..16, по Y записаны только нижние слои: верх колонки - воздух
	src := &LegacyNestedChunk{Blocks: map[int]map[int]map[int]block.BlockID{}}
	for x := 1; x <= ChunkSizeX; x++ {
		src.Blocks[x] = map[int]map[int]block.BlockID{}
		for y := 1; y <= 3; y++ {
			src.Blocks[x][y] = map[int]block.BlockID{}
			for z := 1; z <= ChunkSizeZ; z++ {
				src.Blocks[x][y][z] = block.StoneBlockID
			}
		}
	}

	c := NewChunk(0, 0)
	c.DeserializeLegacy(src)

	assert.Equal(t, block.StoneBlockID, c.GetBlock(0, 0, 0))
	assert.Equal(t, block.StoneBlockID, c.GetBlock(ChunkSizeX-1, 2, ChunkSizeZ-1))
	assert.Equal(t, block.AirBlockID, c.GetBlock(0, 3, 0))
	assert.Equal(t, 2, c.HeightAt(0, 0))
	assert.Equal(t, ChunkSizeX*ChunkSizeZ*3, c.NonAirCount())
}
