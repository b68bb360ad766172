package world

import (
	"fmt"
	"math"
	"strings"

	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/aquilax/go-perlin"
)

// Generator заполняет уже выделенный чанк на месте
type Generator interface {
	GenerateChunk(chunk *Chunk)
}

// Bounds прямоугольник допустимых координат чанков (включительно)
type Bounds struct {
	MinChunkX, MaxChunkX int
	MinChunkZ, MaxChunkZ int
}

// Contains проверяет, лежит ли чанк внутри прямоугольника
func (b Bounds) Contains(x, z int) bool {
	return x >= b.MinChunkX && x <= b.MaxChunkX && z >= b.MinChunkZ && z <= b.MaxChunkZ
}

// BoundedGenerator генератор, который может объявить конечную адресуемую область.
// ok == false означает, что область не ограничена.
type BoundedGenerator interface {
	ChunkBounds() (b Bounds, ok bool)
}

// EmptinessOracle генератор, умеющий за O(1) сказать, что чанк будет пустым
type EmptinessOracle interface {
	IsChunkEmpty(x, z int) bool
}

// GeneratorFunc адаптер функции к интерфейсу Generator
type GeneratorFunc func(chunk *Chunk)

func (f GeneratorFunc) GenerateChunk(chunk *Chunk) { f(chunk) }

// EmptyGenerator мир-пустота
type EmptyGenerator struct{}

func (EmptyGenerator) GenerateChunk(*Chunk) {}

func (EmptyGenerator) IsChunkEmpty(int, int) bool { return true }

// FlatGenerator плоский мир: Layers[i] кладётся на высоту i во всех колонках.
// При заданных Bounds чанки вне области остаются пустыми.
type FlatGenerator struct {
	Layers []block.BlockID
	Bounds *Bounds
}

// NewFlatGenerator создаёт плоский генератор с классическими слоями
func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{
		Layers: []block.BlockID{block.BedrockBlockID, block.DirtBlockID, block.DirtBlockID, block.GrassBlockID},
	}
}

func (g *FlatGenerator) GenerateChunk(chunk *Chunk) {
	if g.Bounds != nil && !g.Bounds.Contains(chunk.X, chunk.Z) {
		return
	}
	for y, id := range g.Layers {
		if y >= ChunkSizeY {
			break
		}
		chunk.Fill(0, y, 0, ChunkSizeX-1, y, ChunkSizeZ-1, id)
	}
}

func (g *FlatGenerator) ChunkBounds() (Bounds, bool) {
	if g.Bounds == nil {
		return Bounds{}, false
	}
	return *g.Bounds, true
}

func (g *FlatGenerator) IsChunkEmpty(x, z int) bool {
	if g.Bounds != nil && !g.Bounds.Contains(x, z) {
		return true
	}
	for _, id := range g.Layers {
		if !block.IsAir(id) {
			return false
		}
	}
	return true
}

// PerlinGenerator холмистый рельеф по шуму Перлина с уровнем воды
type PerlinGenerator struct {
	Seed       int64
	NoiseScale float64 // масштаб шума (сглаженность ландшафта)
	BaseHeight int
	Amplitude  float64
	WaterLevel int

	noise *perlin.Perlin
}

// NewPerlinGenerator создаёт генератор рельефа с указанным сидом
func NewPerlinGenerator(seed int64) *PerlinGenerator {
	alpha := 2.0  // сглаживание шума
	beta := 2.0   // частота шума
	n := int32(3) // количество октав
	return &PerlinGenerator{
		Seed:       seed,
		NoiseScale: 0.02,
		BaseHeight: 64,
		Amplitude:  24,
		WaterLevel: 62,
		noise:      perlin.NewPerlin(alpha, beta, n, seed),
	}
}

// HeightAt высота поверхности в мировой колонке
func (g *PerlinGenerator) HeightAt(worldX, worldZ int) int {
	v := g.noise.Noise2D(float64(worldX)*g.NoiseScale, float64(worldZ)*g.NoiseScale)
	h := g.BaseHeight + int(math.Round(v*g.Amplitude))
	if h < 1 {
		h = 1
	}
	if h >= ChunkSizeY {
		h = ChunkSizeY - 1
	}
	return h
}

func (g *PerlinGenerator) GenerateChunk(chunk *Chunk) {
	baseX := chunk.X * ChunkSizeX
	baseZ := chunk.Z * ChunkSizeZ
	for z := 0; z < ChunkSizeZ; z++ {
		for x := 0; x < ChunkSizeX; x++ {
			h := g.HeightAt(baseX+x, baseZ+z)
			chunk.SetBlock(x, 0, z, block.BedrockBlockID)
			for y := 1; y < h-3; y++ {
				chunk.SetBlock(x, y, z, block.StoneBlockID)
			}
			top := block.GrassBlockID
			if h <= g.WaterLevel+1 {
				top = block.SandBlockID
			}
			for y := max(h-3, 1); y < h; y++ {
				chunk.SetBlock(x, y, z, block.DirtBlockID)
			}
			chunk.SetBlock(x, h, z, top)
			for y := h + 1; y <= g.WaterLevel; y++ {
				chunk.SetBlock(x, y, z, block.WaterBlockID)
			}
		}
	}
}

// NewGenerator создаёт генератор по имени типа мира (flat, perlin, empty)
func NewGenerator(kind string, seed int64) (Generator, error) {
	switch strings.ToLower(kind) {
	case "", "flat":
		return NewFlatGenerator(), nil
	case "perlin", "terrain":
		return NewPerlinGenerator(seed), nil
	case "empty", "void":
		return EmptyGenerator{}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип генератора %q", kind)
	}
}
