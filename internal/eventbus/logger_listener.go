package eventbus

import (
	"context"

	"github.com/annel0/voxel-core/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог компонента "eventbus".
// Функция неблокирующая.
func StartLoggingListener(bus EventBus) (Subscription, error) {
	log := logging.GetComponentLogger("eventbus")
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, env *Envelope) {
		ev, err := DecodeWorldEvent(env)
		if err != nil {
			log.Debug("%s %s src=%s prio=%d size=%dB", env.ID, env.EventType, env.Source, env.Priority, len(env.Payload))
			return
		}
		log.Debug("%s мир=%s игроков=%d чанков=%d %s", env.EventType, ev.WorldID, ev.Players, ev.Chunks, ev.Error)
	})
	if err != nil {
		return nil, err
	}
	log.Info("Подписка на все события активирована")
	return sub, nil
}
