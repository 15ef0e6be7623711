package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ruslano69/mssqlpool/pkg/config"
)

// DialerConstructor - функция-конструктор dialer'а по конфигурации
type DialerConstructor func(cfg *config.Config) (Dialer, error)

// Factory - реестр драйверов
// Управляет регистрацией и созданием dialer'ов различных типов
type Factory struct {
	registry map[string]DialerConstructor
	mu       sync.RWMutex
}

// NewFactory создает новую фабрику
func NewFactory() *Factory {
	return &Factory{
		registry: make(map[string]DialerConstructor),
	}
}

// Register регистрирует конструктор для драйвера
//
// Пример:
//
//	factory.Register("mssql", func(cfg *config.Config) (adapters.Dialer, error) {
//	    return mssql.NewDialer(cfg)
//	})
func (f *Factory) Register(driver string, constructor DialerConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry[driver] = constructor
}

// Unregister удаляет конструктор драйвера
func (f *Factory) Unregister(driver string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registry, driver)
}

// IsRegistered проверяет, зарегистрирован ли драйвер
func (f *Factory) IsRegistered(driver string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.registry[driver]
	return ok
}

// GetRegisteredTypes возвращает отсортированный список драйверов
func (f *Factory) GetRegisteredTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.registry))
	for driver := range f.registry {
		types = append(types, driver)
	}
	sort.Strings(types)
	return types
}

// Create создает dialer для cfg.Driver
// Соединения не открываются: это делает пул
func (f *Factory) Create(cfg *config.Config) (Dialer, error) {
	f.mu.RLock()
	constructor, ok := f.registry[cfg.Driver]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown driver: %s (available: %v)",
			cfg.Driver, f.GetRegisteredTypes())
	}

	d, err := constructor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s dialer: %w", cfg.Driver, err)
	}
	return d, nil
}

// ========== Global Factory ==========

var globalFactory = NewFactory()

// Register регистрирует драйвер в глобальной фабрике
// Обычно вызывается в init() пакета драйвера
func Register(driver string, constructor DialerConstructor) {
	globalFactory.Register(driver, constructor)
}

// Unregister удаляет драйвер из глобальной фабрики
func Unregister(driver string) {
	globalFactory.Unregister(driver)
}

// IsRegistered проверяет регистрацию в глобальной фабрике
func IsRegistered(driver string) bool {
	return globalFactory.IsRegistered(driver)
}

// GetRegisteredTypes возвращает драйверы из глобальной фабрики
func GetRegisteredTypes() []string {
	return globalFactory.GetRegisteredTypes()
}

// New создает dialer через глобальную фабрику
func New(cfg *config.Config) (Dialer, error) {
	return globalFactory.Create(cfg)
}
