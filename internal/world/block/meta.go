package block

// Meta упакованный байт метаданных блока.
//
// Раскладка битов (формат провода, менять нельзя):
//
//	биты 0-1  поворот (0..3, шаг 90°)
//	биты 2-3  вертикальная ориентация (0 нет, 1 вверх, 2 вниз)
//	биты 4-6  форма (0..7)
//	бит  7    двойная плита
type Meta uint8

const (
	rotationMask   Meta = 0b0000_0011
	verticalShift       = 2
	verticalMask   Meta = 0b0000_1100
	shapeShift          = 4
	shapeMask      Meta = 0b0111_0000
	doubleSlabMask Meta = 0b1000_0000
)

// Вертикальные ориентации
const (
	VerticalNone uint8 = iota
	VerticalUp
	VerticalDown
)

// Rotation возвращает поворот блока (0..3)
func (m Meta) Rotation() uint8 {
	return uint8(m & rotationMask)
}

// WithRotation возвращает копию с новым поворотом; значение берётся по модулю 4
func (m Meta) WithRotation(r uint8) Meta {
	return (m &^ rotationMask) | Meta(r&0b11)
}

// Vertical возвращает вертикальную ориентацию
func (m Meta) Vertical() uint8 {
	return uint8((m & verticalMask) >> verticalShift)
}

// WithVertical возвращает копию с новой вертикальной ориентацией
func (m Meta) WithVertical(v uint8) Meta {
	return (m &^ verticalMask) | (Meta(v&0b11) << verticalShift)
}

// Shape возвращает номер формы блока (0..7)
func (m Meta) Shape() uint8 {
	return uint8((m & shapeMask) >> shapeShift)
}

// WithShape возвращает копию с новой формой
func (m Meta) WithShape(s uint8) Meta {
	return (m &^ shapeMask) | (Meta(s&0b111) << shapeShift)
}

// IsDoubleSlab сообщает, установлен ли флаг двойной плиты
func (m Meta) IsDoubleSlab() bool {
	return m&doubleSlabMask != 0
}

// WithDoubleSlab возвращает копию с установленным/сброшенным флагом двойной плиты
func (m Meta) WithDoubleSlab(on bool) Meta {
	if on {
		return m | doubleSlabMask
	}
	return m &^ doubleSlabMask
}
