package vec

import "math"

// Vec2 представляет целочисленные координаты на плоскости XZ
type Vec2 struct {
	X, Z int
}

// FloorDiv выполняет деление с округлением вниз (корректно для отрицательных значений)
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// FloorMod возвращает неотрицательный остаток от деления
func FloorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// ToChunkCoords преобразует мировые координаты блока в координаты чанка
func (v Vec2) ToChunkCoords(sizeX, sizeZ int) Vec2 {
	return Vec2{X: FloorDiv(v.X, sizeX), Z: FloorDiv(v.Z, sizeZ)}
}

// LocalInChunk возвращает локальные координаты внутри чанка
func (v Vec2) LocalInChunk(sizeX, sizeZ int) Vec2 {
	return Vec2{X: FloorMod(v.X, sizeX), Z: FloorMod(v.Z, sizeZ)}
}

// Sub возвращает разность векторов
func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{X: v.X - other.X, Z: v.Z - other.Z}
}

// Length возвращает евклидову длину вектора
func (v Vec2) Length() float64 {
	return math.Sqrt(float64(v.X*v.X + v.Z*v.Z))
}

// DistanceTo вычисляет расстояние до другой точки
func (v Vec2) DistanceTo(other Vec2) float64 {
	return v.Sub(other).Length()
}
