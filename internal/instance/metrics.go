package instance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegistryMetrics содержит метрики реестра миров
type RegistryMetrics struct {
	ActiveWorlds       prometheus.Gauge
	QueuedForUnload    prometheus.Gauge
	WorldsLoaded       prometheus.Counter
	WorldsUnloaded     prometheus.Counter
	WorldSaves         prometheus.Counter
	WorldSaveFailures  prometheus.Counter
	CapacityRejections prometheus.Counter
	PendingChunkSaves  prometheus.Gauge
}

// NewRegistryMetrics создаёт метрики и регистрирует их в reg (nil - без регистрации)
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		ActiveWorlds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_registry_active_worlds",
			Help: "Количество загруженных миров",
		}),
		QueuedForUnload: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_registry_unload_queue",
			Help: "Пустых миров в очереди на выгрузку",
		}),
		WorldsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_registry_worlds_loaded_total",
			Help: "Общее количество загрузок миров",
		}),
		WorldsUnloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_registry_worlds_unloaded_total",
			Help: "Общее количество выгрузок миров",
		}),
		WorldSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_registry_world_saves_total",
			Help: "Успешных сохранений миров",
		}),
		WorldSaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_registry_world_save_failures_total",
			Help: "Неудачных сохранений миров",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_registry_capacity_rejections_total",
			Help: "Отказов в загрузке мира из-за лимита",
		}),
		PendingChunkSaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_registry_pending_chunk_saves",
			Help: "Снимков чанков в очереди сохранения",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveWorlds, m.QueuedForUnload, m.WorldsLoaded, m.WorldsUnloaded,
			m.WorldSaves, m.WorldSaveFailures, m.CapacityRejections, m.PendingChunkSaves)
	}
	return m
}

func (m *RegistryMetrics) setSizes(active, queued, pendingSaves int) {
	if m == nil {
		return
	}
	m.ActiveWorlds.Set(float64(active))
	m.QueuedForUnload.Set(float64(queued))
	m.PendingChunkSaves.Set(float64(pendingSaves))
}

func (m *RegistryMetrics) worldLoaded() {
	if m != nil {
		m.WorldsLoaded.Inc()
	}
}

func (m *RegistryMetrics) worldUnloaded() {
	if m != nil {
		m.WorldsUnloaded.Inc()
	}
}

func (m *RegistryMetrics) worldSaved(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.WorldSaves.Inc()
	} else {
		m.WorldSaveFailures.Inc()
	}
}

func (m *RegistryMetrics) capacityRejected() {
	if m != nil {
		m.CapacityRejections.Inc()
	}
}
