package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
)

// BackendInfo describes a registered state backend.
type BackendInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// BackendRegistration pairs backend info with its factory.
type BackendRegistration struct {
	Info    BackendInfo
	Factory func(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackendRegistration)
)

// Register is called by each backend's init() function.
func Register(reg BackendRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Name] = reg
}

// RegisteredBackends returns info for all registered backends, sorted by name.
func RegisteredBackends() []BackendInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]BackendInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// IsRegistered checks if a backend is available.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Open creates the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
	registryMu.RLock()
	reg, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}

	store, err := reg.Factory(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s state store: %w", cfg.Backend, err)
	}
	return store, nil
}
