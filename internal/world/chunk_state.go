package world

import "errors"

// ErrInvalidTransition попытка перехода, отсутствующего в таблице переходов
var ErrInvalidTransition = errors.New("недопустимый переход состояния чанка")

// ChunkState состояние жизненного цикла чанка
type ChunkState uint8

const (
	ChunkStateNew ChunkState = iota
	ChunkStateGenerating
	ChunkStateGenerated
	ChunkStateMeshing // построение меша выполняет внешний компонент
	ChunkStateReady
	ChunkStateUnloading // терминальное
)

var chunkStateNames = [...]string{
	ChunkStateNew:        "NEW",
	ChunkStateGenerating: "GENERATING",
	ChunkStateGenerated:  "GENERATED",
	ChunkStateMeshing:    "MESHING",
	ChunkStateReady:      "READY",
	ChunkStateUnloading:  "UNLOADING",
}

func (s ChunkState) String() string {
	if int(s) < len(chunkStateNames) {
		return chunkStateNames[s]
	}
	return "UNKNOWN"
}

// transitions таблица допустимых переходов
var transitions = map[ChunkState][]ChunkState{
	ChunkStateNew:        {ChunkStateGenerating, ChunkStateUnloading},
	ChunkStateGenerating: {ChunkStateGenerated, ChunkStateUnloading},
	ChunkStateGenerated:  {ChunkStateMeshing, ChunkStateUnloading},
	ChunkStateMeshing:    {ChunkStateReady, ChunkStateGenerated, ChunkStateUnloading},
	ChunkStateReady:      {ChunkStateMeshing, ChunkStateUnloading},
	ChunkStateUnloading:  nil,
}

// CanTransition чистая проверка допустимости перехода
func CanTransition(from, to ChunkState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanRender чанк можно отображать
func (s ChunkState) CanRender() bool {
	return s == ChunkStateReady
}

// NeedsGeneration чанк ещё не заполнен генератором
func (s ChunkState) NeedsGeneration() bool {
	return s == ChunkStateNew || s == ChunkStateGenerating
}

// NeedsMeshing чанк заполнен, но меш не готов
func (s ChunkState) NeedsMeshing() bool {
	return s == ChunkStateGenerated || s == ChunkStateMeshing
}
