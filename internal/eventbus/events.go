package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Типы событий жизненного цикла миров
const (
	EventWorldLoaded     = "world.loaded"
	EventWorldUnloaded   = "world.unloaded"
	EventWorldSaved      = "world.saved"
	EventWorldSaveFailed = "world.save_failed"
	EventCapacityReached = "world.capacity_reached"
)

// DefaultSource источник событий по умолчанию
const DefaultSource = "voxel-core"

// WorldEvent полезная нагрузка событий мира
type WorldEvent struct {
	WorldID string `json:"world_id"`
	OwnerID string `json:"owner_id,omitempty"`
	Players int    `json:"players"`
	Chunks  int    `json:"chunks"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewWorldEvent упаковывает событие мира в конверт
func NewWorldEvent(eventType string, ev WorldEvent) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
	}
	priority := 3
	if eventType == EventWorldSaveFailed || eventType == EventCapacityReached {
		priority = 7
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    DefaultSource,
		EventType: eventType,
		Version:   1,
		Priority:  priority,
		Payload:   payload,
	}, nil
}

// DecodeWorldEvent распаковывает полезную нагрузку события мира
func DecodeWorldEvent(env *Envelope) (WorldEvent, error) {
	var ev WorldEvent
	if env == nil {
		return ev, fmt.Errorf("пустой конверт")
	}
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return ev, fmt.Errorf("ошибка десериализации события %s: %w", env.EventType, err)
	}
	return ev, nil
}
