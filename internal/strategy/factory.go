package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory resolves strategies from an explicit registry built at startup.
type Factory struct {
	mu       sync.RWMutex
	registry map[string]Strategy
	current  string
	logger   *slog.Logger
}

// NewFactory creates a factory over registry with current as the configured name.
// The registry must contain the embedded strategy, which serves as the fallback.
func NewFactory(registry map[string]Strategy, current string, logger *slog.Logger) (*Factory, error) {
	if _, ok := registry[TypeEmbedded]; !ok {
		return nil, fmt.Errorf("registry must contain the %q strategy", TypeEmbedded)
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := make(map[string]Strategy, len(registry))
	for name, s := range registry {
		reg[name] = s
	}
	return &Factory{
		registry: reg,
		current:  current,
		logger:   logger.With("component", "strategy-factory"),
	}, nil
}

// Current returns the configured strategy. An unknown name falls back to the
// embedded strategy with a warning so storage stays available.
func (f *Factory) Current() Strategy {
	f.mu.RLock()
	name := f.current
	s, ok := f.registry[name]
	fallback := f.registry[TypeEmbedded]
	f.mu.RUnlock()

	if !ok {
		f.logger.Warn("configured storage strategy not registered, falling back",
			"configured", name, "fallback", TypeEmbedded)
		return fallback
	}
	return s
}

// CurrentName returns the name of the strategy Current resolves to.
func (f *Factory) CurrentName() string {
	return f.Current().Type()
}

// Get looks up a strategy by name.
func (f *Factory) Get(name string) (Strategy, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s, nil
}

// AvailableTypes lists registered names in sorted order.
func (f *Factory) AvailableTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.registry))
	for name := range f.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateCurrent probes the resolved strategy.
func (f *Factory) ValidateCurrent(ctx context.Context) bool {
	return f.Current().ValidateConfiguration(ctx)
}

// SetCurrent makes name the active strategy for subsequent uploads.
func (f *Factory) SetCurrent(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.registry[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	f.current = name
	return nil
}
