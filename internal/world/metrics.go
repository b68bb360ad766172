package world

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StreamingMetrics Prometheus-метрики стриминга чанков.
// Один экземпляр разделяется всеми ChunkManager процесса; nil допустим.
type StreamingMetrics struct {
	loaded     prometheus.Counter
	unloaded   prometheus.Counter
	saveQueued prometheus.Counter
	saveDenied prometheus.Counter
	active     prometheus.Gauge
	tickLoads  prometheus.Histogram
}

// NewStreamingMetrics создаёт и регистрирует метрики в reg (nil - без регистрации)
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	m := &StreamingMetrics{
		loaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "streaming",
			Name:      "chunks_loaded_total",
			Help:      "Чанков загружено планировщиком стриминга.",
		}),
		unloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "streaming",
			Name:      "chunks_unloaded_total",
			Help:      "Чанков выгружено планировщиком стриминга.",
		}),
		saveQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "streaming",
			Name:      "chunk_saves_queued_total",
			Help:      "Изменённых чанков поставлено в очередь сохранения при выгрузке.",
		}),
		saveDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "streaming",
			Name:      "chunk_saves_rejected_total",
			Help:      "Отказов очереди сохранения (очередь переполнена).",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "streaming",
			Name:      "active_chunks",
			Help:      "Чанков, удерживаемых наблюдателями.",
		}),
		tickLoads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voxel",
			Subsystem: "streaming",
			Name:      "loads_per_tick",
			Help:      "Загрузок чанков за один вызов Update.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.loaded, m.unloaded, m.saveQueued, m.saveDenied, m.active, m.tickLoads)
	}
	return m
}

func (m *StreamingMetrics) chunkLoaded() {
	if m == nil {
		return
	}
	m.loaded.Inc()
	m.active.Inc()
}

func (m *StreamingMetrics) chunkUnloaded() {
	if m == nil {
		return
	}
	m.unloaded.Inc()
	m.active.Dec()
}

func (m *StreamingMetrics) saveRequested(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.saveQueued.Inc()
	} else {
		m.saveDenied.Inc()
	}
}

func (m *StreamingMetrics) observeTick(loads int) {
	if m == nil {
		return
	}
	m.tickLoads.Observe(float64(loads))
}
