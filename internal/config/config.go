package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера миров.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Streaming StreamingConfig `yaml:"streaming"`
	Registry  RegistryConfig  `yaml:"registry"`
	Storage   StorageConfig   `yaml:"storage"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	ToFile bool   `yaml:"to_file"`
}

// StreamingConfig параметры подгрузки чанков вокруг наблюдателя
type StreamingConfig struct {
	RenderDistance    int           `yaml:"render_distance"`
	MaxRenderDistance int           `yaml:"max_render_distance"`
	UnloadBuffer      float64       `yaml:"unload_buffer"`
	UnloadDelay       time.Duration `yaml:"unload_delay"`
	MaxLoadsPerTick   int           `yaml:"max_loads_per_tick"`
	MeshesPerTick     int           `yaml:"meshes_per_tick"`
}

// RegistryConfig параметры мультимирового реестра
type RegistryConfig struct {
	MaxWorlds       int           `yaml:"max_worlds"`
	IdleUnloadDelay time.Duration `yaml:"idle_unload_delay"`
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// StorageConfig параметры постоянного хранилища
type StorageConfig struct {
	Backend       string `yaml:"backend"` // badger | redis | maria | mongo | memory
	DataPath      string `yaml:"data_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	MariaDSN      string `yaml:"maria_dsn"` // user:pass@tcp(host:port)/dbname
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	MaxQueueSize  int    `yaml:"max_queue_size"`
	SavesPerTick  int    `yaml:"saves_per_tick"`
}

type EventBusConfig struct {
	Backend   string `yaml:"backend"` // memory | nats
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

// TelemetryConfig трассировка REST через OTLP/HTTP
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"` // host:port коллектора, пусто - OTEL_EXPORTER_OTLP_ENDPOINT или localhost:4318
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type ServerConfig struct {
	RESTPort int `yaml:"rest_port"`
	TickRate int `yaml:"tick_rate"` // тиков в секунду
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Streaming: StreamingConfig{
			RenderDistance:    8,
			MaxRenderDistance: 32,
			UnloadBuffer:      2,
			UnloadDelay:       30 * time.Second,
			MaxLoadsPerTick:   4,
			MeshesPerTick:     8,
		},
		Registry: RegistryConfig{
			MaxWorlds:       100,
			IdleUnloadDelay: 5 * time.Minute,
			ProcessInterval: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:       "badger",
			DataPath:      "data",
			RedisAddr:     "localhost:6379",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "voxel",
			MaxQueueSize:  1000,
			SavesPerTick:  8,
		},
		EventBus: EventBusConfig{
			Backend:   "memory",
			URL:       "nats://127.0.0.1:4222",
			Stream:    "VOXEL",
			Retention: 24,
			Buffer:    1024,
		},
		Server: ServerConfig{
			TickRate: 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "voxel-core",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// GetRESTPort возвращает порт REST API с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "VOXEL_REST_PORT", 8088)
}

// TickInterval возвращает длительность одного тика симуляции
func (s *ServerConfig) TickInterval() time.Duration {
	rate := s.TickRate
	if rate <= 0 {
		rate = 20
	}
	return time.Second / time.Duration(rate)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать путь из ENV VOXEL_CONFIG; если и он пуст - возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize исправляет недопустимые значения
func (c *Config) normalize() {
	d := Default()
	if c.Streaming.MaxRenderDistance <= 0 {
		c.Streaming.MaxRenderDistance = d.Streaming.MaxRenderDistance
	}
	if c.Streaming.RenderDistance <= 0 {
		c.Streaming.RenderDistance = d.Streaming.RenderDistance
	}
	if c.Streaming.RenderDistance > c.Streaming.MaxRenderDistance {
		c.Streaming.RenderDistance = c.Streaming.MaxRenderDistance
	}
	if c.Streaming.MaxLoadsPerTick <= 0 {
		c.Streaming.MaxLoadsPerTick = d.Streaming.MaxLoadsPerTick
	}
	if c.Registry.MaxWorlds <= 0 {
		c.Registry.MaxWorlds = d.Registry.MaxWorlds
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		c.Telemetry.SampleRatio = d.Telemetry.SampleRatio
	}
	if c.Storage.SavesPerTick <= 0 {
		c.Storage.SavesPerTick = d.Storage.SavesPerTick
	}
}
