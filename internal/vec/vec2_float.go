package vec

import "math"

// Vec2Float представляет позицию наблюдателя в мировых координатах
type Vec2Float struct {
	X, Z float64
}

// Floor округляет координаты вниз до целого блока
func (v Vec2Float) Floor() Vec2 {
	return Vec2{X: int(math.Floor(v.X)), Z: int(math.Floor(v.Z))}
}

// ToChunkCoords возвращает координаты чанка, в котором находится позиция
func (v Vec2Float) ToChunkCoords(sizeX, sizeZ int) Vec2 {
	return v.Floor().ToChunkCoords(sizeX, sizeZ)
}
