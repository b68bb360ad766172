package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxel-core/internal/api"
	"github.com/annel0/voxel-core/internal/config"
	"github.com/annel0/voxel-core/internal/eventbus"
	"github.com/annel0/voxel-core/internal/instance"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/observability"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $VOXEL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Ошибка чтения конфигурации: %v", err)
	}

	if cfg.Log.ToFile {
		if err := logging.InitDefaultLogger("server"); err != nil {
			log.Fatalf("Ошибка инициализации логирования: %v", err)
		}
		defer logging.CloseDefaultLogger()
	}
	setLogLevel(logging.ParseLevel(cfg.Log.Level))

	if err := run(cfg); err != nil {
		logging.Error("Сервер остановлен с ошибкой: %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("Сервер успешно остановлен")
}

func setLogLevel(level logging.LogLevel) {
	logging.SetConsoleLevel(level)
	for _, component := range []string{"world", "streaming", "instance", "storage", "api", "eventbus"} {
		logging.GetLoggerManager().SetLogLevel(component, level)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Загружаем JSON-описания блоков (если каталог существует)
	if err := block.LoadJSONBlocks("assets/blocks"); err != nil && !os.IsNotExist(err) {
		logging.Warn("Ошибка загрузки JSON-блоков: %v", err)
	}

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Ошибка остановки телеметрии: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("ошибка открытия хранилища: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error("Ошибка закрытия хранилища: %v", err)
		}
	}()
	logging.Info("Хранилище миров: %s", cfg.Storage.Backend)

	bus, err := openEventBus(cfg.EventBus)
	if err != nil {
		return err
	}
	defer bus.Close()
	reg.MustRegister(eventbus.NewMetricsCollector(bus))
	if _, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Логгер событий не запущен: %v", err)
	}

	queue := storage.NewSaveQueue(store, cfg.Storage.MaxQueueSize, cfg.Storage.SavesPerTick)
	manager := instance.NewManager(instance.ManagerConfigFrom(cfg), store, queue, bus, reg)

	rest := api.NewRestServer(api.Config{
		Port:       fmt.Sprintf(":%d", cfg.Server.GetRESTPort()),
		Manager:    manager,
		Store:      store,
		Registerer: reg,
		Gatherer:   reg,
	})
	restErr := make(chan error, 1)
	go func() { restErr <- rest.Start() }()

	logging.Info("Сервер миров запущен: REST :%d, тик %s, лимит миров %d",
		cfg.Server.GetRESTPort(), cfg.Server.TickInterval(), cfg.Registry.MaxWorlds)

	runErr := tickLoop(ctx, manager, cfg.Server.TickInterval(), restErr)

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rest.Stop(shutdownCtx); err != nil {
		logging.Error("Ошибка остановки REST API: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// tickLoop крутит симуляцию до сигнала или падения REST сервера
func tickLoop(ctx context.Context, manager *instance.Manager, interval time.Duration, restErr <-chan error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Получен сигнал завершения")
			return nil
		case err := <-restErr:
			return err
		case <-ticker.C:
			start := time.Now()
			st := manager.Tick(ctx)
			if elapsed := time.Since(start); elapsed > interval {
				logging.Warn("Тик занял %s (бюджет %s): загружено %d, выгружено %d, записано %d",
					elapsed, interval, st.Loaded, st.Unloaded, st.ChunksSaved)
			}
		}
	}
}

func openEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	switch cfg.Backend {
	case "nats", "jetstream":
		bus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к NATS: %w", err)
		}
		logging.Info("Шина событий: NATS JetStream %s (stream=%s)", cfg.URL, cfg.Stream)
		return bus, nil
	default:
		return eventbus.NewMemoryBus(cfg.Buffer), nil
	}
}
