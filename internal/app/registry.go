package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh Application. Reload mode calls it once per cycle.
type Factory func(ctx context.Context) (*Application, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a factory available under name, replacing any previous
// factory with that name.
func Register(name string, f Factory) {
	if f == nil {
		panic("app: Register factory is nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, &AdapterError{Err: fmt.Errorf("no application factory named %q (known: %v)", name, names())}
	}
	return f, nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
