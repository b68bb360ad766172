package block

import "sync"

// BlockID представляет идентификатор типа блока
type BlockID uint16

// Константы ID блоков
const (
	AirBlockID     BlockID = iota // 0, всегда "пусто"
	StoneBlockID                  // 1
	GrassBlockID                  // 2
	WaterBlockID                  // 3
	SandBlockID                   // 4
	DirtBlockID                   // 5
	LavaBlockID                   // 6
	BedrockBlockID                // 7
)

// Properties описывает статические свойства типа блока
type Properties struct {
	Name        string
	Solid       bool
	Liquid      bool // блок относится к отслеживаемому классу жидкостей
	Transparent bool
}

var (
	registryMu sync.RWMutex
	registry   = map[BlockID]Properties{
		AirBlockID:     {Name: "air", Transparent: true},
		StoneBlockID:   {Name: "stone", Solid: true},
		GrassBlockID:   {Name: "grass", Solid: true},
		WaterBlockID:   {Name: "water", Liquid: true, Transparent: true},
		SandBlockID:    {Name: "sand", Solid: true},
		DirtBlockID:    {Name: "dirt", Solid: true},
		LavaBlockID:    {Name: "lava", Liquid: true},
		BedrockBlockID: {Name: "bedrock", Solid: true},
	}
)

// Register добавляет или заменяет свойства блока в регистре
func Register(id BlockID, props Properties) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = props
}

// Get возвращает свойства для указанного ID
func Get(id BlockID) (Properties, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	props, exists := registry[id]
	return props, exists
}

// IsValidBlockID проверяет, является ли ID зарегистрированным идентификатором блока
func IsValidBlockID(id BlockID) bool {
	_, exists := Get(id)
	return exists
}

// IsAir возвращает true для пустого блока
func IsAir(id BlockID) bool {
	return id == AirBlockID
}

// IsLiquid сообщает, относится ли блок к классу жидкостей.
// Неизвестные ID жидкостью не считаются.
func IsLiquid(id BlockID) bool {
	if id == AirBlockID {
		return false
	}
	props, ok := Get(id)
	return ok && props.Liquid
}

// Name возвращает имя блока или "unknown"
func Name(id BlockID) string {
	if props, ok := Get(id); ok {
		return props.Name
	}
	return "unknown"
}
