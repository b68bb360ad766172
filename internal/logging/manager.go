package logging

import (
	"sort"
	"sync"
)

// LoggerManager выдаёт логгеры для компонентов (world, streaming, instance, storage, api)
type LoggerManager struct {
	mu      sync.RWMutex
	loggers map[string]*Logger
}

var (
	globalManager *LoggerManager
	managerOnce   sync.Once
)

// GetLoggerManager возвращает глобальный менеджер логгеров
func GetLoggerManager() *LoggerManager {
	managerOnce.Do(func() {
		globalManager = &LoggerManager{
			loggers: make(map[string]*Logger),
		}
	})
	return globalManager
}

// GetLogger возвращает логгер компонента, создавая его поверх глобального при необходимости.
// Все компоненты пишут в те же приёмники, что и глобальный логгер.
func (lm *LoggerManager) GetLogger(component string) *Logger {
	lm.mu.RLock()
	if logger, exists := lm.loggers[component]; exists {
		lm.mu.RUnlock()
		return logger
	}
	lm.mu.RUnlock()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	// Проверяем ещё раз на случай гонки
	if logger, exists := lm.loggers[component]; exists {
		return logger
	}

	logger := defaultLogger.With(component)
	lm.loggers[component] = logger
	return logger
}

// Reset забывает выданные логгеры (после InitDefaultLogger они пересоздаются с новым приёмником)
func (lm *LoggerManager) Reset() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.loggers = make(map[string]*Logger)
}

// ListComponents возвращает отсортированный список зарегистрированных компонентов
func (lm *LoggerManager) ListComponents() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	components := make([]string, 0, len(lm.loggers))
	for component := range lm.loggers {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

// SetLogLevel устанавливает уровень вывода в консоль для компонента
func (lm *LoggerManager) SetLogLevel(component string, level LogLevel) {
	logger := lm.GetLogger(component)
	lm.mu.Lock()
	logger.minConsoleLevel = level
	lm.mu.Unlock()
}

// GetComponentLogger удобная обёртка над глобальным менеджером
func GetComponentLogger(component string) *Logger {
	return GetLoggerManager().GetLogger(component)
}

func GetWorldLogger() *Logger {
	return GetComponentLogger("world")
}

func GetStreamingLogger() *Logger {
	return GetComponentLogger("streaming")
}

func GetInstanceLogger() *Logger {
	return GetComponentLogger("instance")
}

func GetStorageLogger() *Logger {
	return GetComponentLogger("storage")
}

func GetAPILogger() *Logger {
	return GetComponentLogger("api")
}
